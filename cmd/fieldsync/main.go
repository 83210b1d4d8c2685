// Package main runs the FieldSync offline data layer as a standalone
// process: local store, connectivity monitor, and background sync worker,
// shut down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agridata/fieldsync/internal/config"
	"github.com/agridata/fieldsync/internal/conflict"
	"github.com/agridata/fieldsync/internal/connectivity"
	"github.com/agridata/fieldsync/internal/localdata"
	"github.com/agridata/fieldsync/internal/logging"
	"github.com/agridata/fieldsync/internal/remote"
	"github.com/agridata/fieldsync/internal/store"
	"github.com/agridata/fieldsync/internal/sync"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fieldsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(os.Stdout, cfg.LogLevel)
	logging.Info("FieldSync starting", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.DataDir,
	})

	if cfg.RemoteBaseURL == "" {
		return fmt.Errorf("REMOTE_BASE_URL is required")
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	remoteStore := remote.NewHTTPStore(cfg.RemoteBaseURL, cfg.RemoteTimeout(), os.Getenv("REMOTE_API_KEY"))

	probeURL := cfg.ConnectivityProbeURL
	if probeURL == "" {
		probeURL = remoteStore.ProbeURL()
	}
	monitor := connectivity.NewMonitor(
		connectivity.NewHTTPProber(probeURL, cfg.RemoteTimeout()),
		cfg.ProbeInterval(),
	)

	conflicts := conflict.NewManager(st, cfg.CacheTTL())

	worker := sync.NewWorker(st, remoteStore, conflicts, monitor, sync.Options{
		Interval:        cfg.SyncInterval(),
		BatchSize:       cfg.BatchSize,
		MaxRetries:      cfg.MaxRetries,
		MaxBackoff:      cfg.MaxBackoff(),
		CacheTTL:        cfg.CacheTTL(),
		SyncedRetention: cfg.SyncedRetention(),
	})

	api := localdata.New(st, worker, conflicts, monitor, cfg.CacheTTL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Coming back online drains the queue immediately.
	monitor.OnChange(func(online bool) {
		if online {
			worker.Wake()
		}
	})

	monitor.Start(ctx)
	if err := worker.Start(ctx); err != nil {
		monitor.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(cfg.SyncInterval())
	defer statusTicker.Stop()

	var sig os.Signal
wait:
	for {
		select {
		case sig = <-sigCh:
			break wait
		case <-statusTicker.C:
			if status, err := api.GetSyncStatus(); err == nil {
				logging.Info("Sync status", map[string]interface{}{
					"online":    status.IsOnline,
					"pending":   status.PendingOperations,
					"conflicts": status.Conflicts,
					"running":   status.SyncRunning,
				})
			}
		}
	}

	logging.Info("Shutting down", map[string]interface{}{"signal": sig.String()})

	// Stop order matters: the worker finishes its in-flight operation and
	// resets anything still syncing before the store closes.
	worker.Stop()
	monitor.Stop()

	return nil
}
