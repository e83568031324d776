package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/socketry/async-container-supervisor/endpoint"
	"github.com/socketry/async-container-supervisor/internal/findup"
	"github.com/socketry/async-container-supervisor/monitor"
	"github.com/socketry/async-container-supervisor/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "supervisord",
		Usage: "accepts worker connections and brokers requests between them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket-path",
				Usage: "Path of the Unix-domain socket to bind.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug-level logging.",
			},
			&cli.BoolFlag{
				Name:  "memory-monitor",
				Usage: "Enable the default procfs-backed memory monitor.",
			},
			&cli.Uint64Flag{
				Name:  "memory-threshold-bytes",
				Usage: "RSS threshold (bytes) above which the memory monitor signals a worker.",
				Value: 512 << 20,
			},
			&cli.DurationFlag{
				Name:  "memory-check-interval",
				Usage: "How often the memory monitor checks tracked processes.",
				Value: 30 * time.Second,
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
	log := logger.Named("supervisord").Sugar()

	socketPath := ctx.String("socket-path")
	if socketPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		socketPath = findup.DefaultSocketPath(wd)
	}

	var opts []supervisor.Option
	if ctx.Bool("memory-monitor") {
		cluster, err := monitor.NewProcfsCluster(log, ctx.Uint64("memory-threshold-bytes"))
		if err != nil {
			return fmt.Errorf("building memory monitor cluster: %w", err)
		}
		mm := monitor.NewMemoryMonitor(log, cluster, ctx.Duration("memory-check-interval"))
		opts = append(opts, supervisor.WithMonitors(mm))
	}

	srv := supervisor.NewServer(log, opts...)

	ep := endpoint.New(socketPath)
	ln, err := ep.Bind()
	if err != nil {
		return fmt.Errorf("binding endpoint: %w", err)
	}
	defer ln.Close()

	log.Infow("listening", "SocketPath", socketPath)

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return srv.Serve(runCtx, ln)
}
