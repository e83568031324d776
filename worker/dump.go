package worker

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/socketry/async-container-supervisor/callmux"
	"github.com/socketry/async-container-supervisor/frame"
)

// dumpTarget is where a diagnostic dump's bytes should go, parsed from a
// call's optional "path" / "log" parameters.
type dumpTarget struct {
	path string
	log  string
}

func parseDumpTarget(call *callmux.Call) dumpTarget {
	var t dumpTarget
	if p, ok := call.Message["path"].(string); ok {
		t.path = p
	}
	if l, ok := call.Message["log"].(string); ok {
		t.log = l
	}
	return t
}

// finishDump implements the common dump convention shared by every
// diagnostic handler: write to a file if a path was given, log the
// contents under a label if one was given, or return the bytes buffered in
// the response. allowBuffered is false for memory_dump, whose output can
// be arbitrarily large.
func finishDump(log *zap.SugaredLogger, call *callmux.Call, t dumpTarget, data []byte, allowBuffered bool) {
	switch {
	case t.path != "":
		if err := os.WriteFile(t.path, data, 0o644); err != nil {
			call.Fail(frame.Frame{"error": fmt.Sprintf("writing dump to %s: %s", t.path, err)})
			return
		}
		call.Finish(frame.Frame{"path": t.path})
	case t.log != "":
		log.Infow(t.log, "Data", string(data))
		call.Finish(frame.Frame{})
	case allowBuffered:
		call.Finish(frame.Frame{"data": string(data)})
	default:
		call.Fail(frame.Frame{"error": "memory_dump requires a path; buffered output is not supported"})
	}
}
