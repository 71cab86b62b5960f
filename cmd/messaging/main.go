// Command messaging is the single binary for the flare messaging-core
// fleet: one executable, many possible -target values, following
// cmd/tempo's single-binary convention without its ring/memberlist
// machinery, which this system has no analogue for.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log/level"

	"github.com/flarecore/messaging-core/pkg/config"
	"github.com/flarecore/messaging-core/pkg/logutil"
)

// Version, Branch, Revision, and BuildDate are set via -ldflags -X at
// build time, the same scheme cmd/tempo-federated-querier uses.
var (
	Version   = "dev"
	Branch    = "unknown"
	Revision  = "unknown"
	BuildDate = "unknown"
)

var GoVersionString = runtime.Version()

var cli struct {
	ConfigFile string `help:"Path to the YAML config file." type:"path" short:"c"`
	Target     string `help:"Component to run." default:"all" enum:"all,orchestrator,storage-writer,storage-reader,push-dispatcher,push-worker,bootstrap"`
	LogLevel   string `help:"Log level override (debug|info|warn|error); empty keeps the config file's value."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("messaging"),
		kong.Description("Flare messaging-core single binary."),
	)

	var cfg Config
	if err := config.Load(cli.ConfigFile, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "messaging: load config:", err)
		os.Exit(1)
	}
	if cli.Target != "" {
		cfg.Target = cli.Target
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	logger := logutil.New(logutil.Format(cfg.LogFormat), cfg.LogLevel)
	level.Info(logger).Log("msg", "starting messaging-core", "target", cfg.Target, "version", Version)

	app, err := NewApp(cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to wire application", "err", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		level.Info(logger).Log("msg", "shutdown signal received")
		cancel()
	}()

	var wg sync.WaitGroup
	runTargets(ctx, &wg, app, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.admin.ListenAndServe(ctx); err != nil {
			level.Error(logger).Log("msg", "admin server error", "err", err)
		}
	}()

	wg.Wait()
	level.Info(logger).Log("msg", "shutdown complete")
}
