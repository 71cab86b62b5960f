package main

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// runTargets starts the goroutines -target selects, mirroring
// cmd/tempo/app/modules.go's per-module dependency resolution but over a
// fixed, hand-written table instead of a generic dependency graph, since
// this fleet's modules don't share Tempo's deep inter-module reliance.
func runTargets(ctx context.Context, wg *sync.WaitGroup, a *App, logger log.Logger) {
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			level.Info(logger).Log("msg", "starting component", "component", name)
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				level.Error(logger).Log("msg", "component exited with error", "component", name, "err", err)
			}
			level.Info(logger).Log("msg", "component stopped", "component", name)
		}()
	}

	all := a.cfg.Target == "all"

	if all || a.cfg.Target == "storage-writer" {
		run("storage-writer", a.storageWriter.Run)
	}
	if all || a.cfg.Target == "push-dispatcher" {
		run("push-dispatcher-push-consumer", func(ctx context.Context) error {
			return a.pushConsumer.Run(ctx, a.pushDispatcher.HandlePushRecord)
		})
		run("push-dispatcher-ack-consumer", func(ctx context.Context) error {
			return a.ackConsumer.Run(ctx, a.pushDispatcher.HandleAckRecord)
		})
		run("push-dispatcher-ack-sweep", a.runAckSweep)
	}
	if all || a.cfg.Target == "push-worker" {
		run("push-worker", a.pushWorker.Run)
	}

	// orchestrator, storage-reader, and bootstrap are called synchronously
	// from whatever transport exposes them to clients/gateways (a gRPC or
	// HTTP API server external to this fleet); they have no consume loop
	// of their own to start here beyond being wired and ready.
	if !all && a.cfg.Target != "orchestrator" && a.cfg.Target != "storage-reader" && a.cfg.Target != "bootstrap" &&
		a.cfg.Target != "storage-writer" && a.cfg.Target != "push-dispatcher" && a.cfg.Target != "push-worker" {
		level.Warn(logger).Log("msg", "unrecognized target, admin server will still start", "target", a.cfg.Target)
	}
}

// runAckSweep periodically requeues pending-ack retries past their
// deadline, the external ticker modules/pushdispatcher.SweepExpiredAcks
// is designed to be driven by.
func (a *App) runAckSweep(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.AckSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.pushDispatcher.SweepExpiredAcks(ctx, a.ackLookup); err != nil {
				level.Warn(a.logger).Log("msg", "ack sweep failed", "err", err)
			}
		}
	}
}
