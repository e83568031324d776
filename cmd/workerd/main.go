package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/socketry/async-container-supervisor/endpoint"
	"github.com/socketry/async-container-supervisor/internal/findup"
	"github.com/socketry/async-container-supervisor/worker"
)

func main() {
	app := &cli.App{
		Name:  "workerd",
		Usage: "registers a process with a supervisord and serves its diagnostic operations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket-path",
				Usage: "Path of the supervisord Unix-domain socket to connect to.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug-level logging.",
			},
			&cli.StringFlag{
				Name:  "command",
				Usage: "Optional command to launch and supervise; this worker reports that child's PID. Defaults to reporting its own PID.",
			},
			&cli.StringSliceFlag{
				Name:  "arg",
				Usage: "Argument to pass the launched command (repeatable).",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	if ctx.Bool("debug") {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building debug logger: %w", err)
		}
	}
	log := logger.Named("workerd").Sugar()

	socketPath := ctx.String("socket-path")
	if socketPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		socketPath = findup.DefaultSocketPath(wd)
	}
	ep := endpoint.New(socketPath)

	pid := os.Getpid()
	var cmd *exec.Cmd
	if command := ctx.String("command"); command != "" {
		cmd = exec.Command(command, ctx.StringSlice("arg")...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting command: %w", err)
		}
		pid = cmd.Process.Pid
		log.Infow("launched child command", "Command", command, "PID", pid)
	}

	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return ep.Connect(ctx)
	}
	w := worker.New(log, dial, worker.WithState(map[string]any{"process_id": pid}))

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cmd != nil {
		go func() {
			if err := cmd.Wait(); err != nil {
				log.Warnw("launched command exited", "Error", err)
			} else {
				log.Infow("launched command exited")
			}
			cancel()
		}()
	}

	err = w.Run(runCtx)
	w.Stop()
	return err
}
