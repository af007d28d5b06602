// Command lumen-accountsdb is the minimal, non-interactive front end for
// the account storage engine: it loads configuration, opens or reopens an
// Engine, and runs the maintenance loop until asked to stop. Everything
// outside accountsdb — gossip, RPC, replay, the SBF VM, consensus — is out
// of scope (spec.md §1); this binary exists only so the engine is runnable
// end-to-end.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/internal/accountsdb/snapshot"
	"github.com/lumen-labs/lumen/internal/config"
	"github.com/lumen-labs/lumen/internal/log"
	"github.com/lumen-labs/lumen/internal/metrics"
)

func main() {
	os.Exit(run(os.Args, os.Environ()))
}

func run(args, env []string) int {
	fs := flag.NewFlagSet("lumen-accountsdb", flag.ContinueOnError)

	flagCwd := fs.StringP("cwd", "C", "", "run as if started in `dir`")
	flagConfig := fs.StringP("config", "c", "", "use specified config `file`")
	flagSnapshotDir := fs.String("snapshot-dir", "", "base directory for snapshot archives and unpacked account files")
	flagUseDiskIndex := fs.Bool("use-disk-index", false, "back the reference arenas with the disk allocator (index bins stay in memory)")
	flagNumberOfIndexShards := fs.Uint32("number-of-index-shards", 0, "index bin count, a power of two <= 1<<24")
	flagFastload := fs.Bool("fastload", false, "reopen the prior run's index instead of loading a snapshot, if present")
	flagSaveIndex := fs.Bool("save-index", false, "persist the index on shutdown for a future --fastload")
	flagSnapshotMetadataOnly := fs.Bool("snapshot-metadata-only", false, "load only the snapshot manifest, skipping account-file ingest")
	flagForceUnpack := fs.Bool("force-unpack-snapshot", false, "re-unpack the snapshot archive even if an unpacked copy is already present")
	flagLoadSnapshotTar := fs.String("load-snapshot", "", "path to a zstd-compressed snapshot tarball to unpack and load before starting")
	flagLogLevel := fs.String("log-level", "", "debug|info|warn|error")
	flagLogJSON := fs.Bool("log-json", false, "emit structured JSON logs instead of console output")
	flagMetricsAddr := fs.String("metrics-addr", "", "address the Prometheus /metrics handler listens on")

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	changed := map[string]bool{
		"snapshot_dir":           fs.Changed("snapshot-dir"),
		"use_disk_index":         fs.Changed("use-disk-index"),
		"number_of_index_shards": fs.Changed("number-of-index-shards"),
		"fastload":               fs.Changed("fastload"),
		"save_index":             fs.Changed("save-index"),
		"snapshot_metadata_only": fs.Changed("snapshot-metadata-only"),
		"force_unpack_snapshot":  fs.Changed("force-unpack-snapshot"),
		"log_level":              fs.Changed("log-level"),
		"log_json":               fs.Changed("log-json"),
		"metrics_addr":           fs.Changed("metrics-addr"),
	}

	cfg, err := config.LoadConfig(config.LoadInput{
		WorkDirOverride: *flagCwd,
		ConfigPath:      *flagConfig,
		CLIOverrides: config.Config{
			SnapshotDir:          *flagSnapshotDir,
			UseDiskIndex:         *flagUseDiskIndex,
			NumberOfIndexShards:  *flagNumberOfIndexShards,
			Fastload:             *flagFastload,
			SaveIndex:            *flagSaveIndex,
			SnapshotMetadataOnly: *flagSnapshotMetadataOnly,
			ForceUnpackSnapshot:  *flagForceUnpack,
			LogLevel:             log.Level(*flagLogLevel),
			LogJSON:              *flagLogJSON,
			MetricsAddr:          *flagMetricsAddr,
		},
		Changed: changed,
		Env:     env,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})

	mainLog := log.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := startMetricsServer(cfg.MetricsAddr, mainLog)
	defer shutdownMetricsServer(srv, mainLog)

	engine, err := openEngine(ctx, cfg, *flagLoadSnapshotTar, mainLog)
	if err != nil {
		mainLog.Error().Err(err).Msg("failed to open engine")

		return 1
	}

	mainLog.Info().Str("snapshot_dir", cfg.SnapshotDir).Msg("engine ready, entering maintenance loop")

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		mainLog.Error().Err(err).Msg("maintenance loop exited with error")
	}

	if err := engine.Close(); err != nil {
		mainLog.Error().Err(err).Msg("engine close failed")

		return 1
	}

	mainLog.Info().Msg("shutdown complete")

	return 0
}

// openEngine opens the Engine via --fastload (if requested and a prior
// state exists), a snapshot tarball (if tarballPath is set), an
// already-unpacked snapshot directory under cfg.SnapshotDir, or a bare
// Engine if none of those apply — in that priority order.
func openEngine(ctx context.Context, cfg config.Config, tarballPath string, logger zerolog.Logger) (*accountsdb.Engine, error) {
	opts := cfg.ToEngineOptions()

	if opts.Fastload {
		engine, err := accountsdb.LoadFastloadState(opts)
		switch {
		case err == nil:
			logger.Info().Msg("reopened engine from fastload state")

			return engine, nil
		case errors.Is(err, accountsdb.ErrFastloadStateMissing):
			logger.Warn().Msg("no fastload state found, falling back to snapshot load")
		default:
			return nil, fmt.Errorf("lumen-accountsdb: fastload: %w", err)
		}
	}

	unpackDir := opts.SnapshotDir

	if tarballPath != "" {
		unpackDir = fmt.Sprintf("%s-unpacked", opts.SnapshotDir)

		if opts.ForceUnpackSnapshot || !dirExists(unpackDir) {
			logger.Info().Str("tarball", tarballPath).Str("dest", unpackDir).Msg("unpacking snapshot")

			if err := snapshot.Unpack(ctx, tarballPath, unpackDir, opts.NumThreadsSnapshotUnpack); err != nil {
				return nil, fmt.Errorf("lumen-accountsdb: unpack snapshot: %w", err)
			}
		}
	}

	if tarballPath == "" && !dirExists(unpackDir) {
		logger.Info().Msg("no snapshot to load, starting with an empty engine")

		return accountsdb.New(opts)
	}

	logger.Info().Str("dir", unpackDir).Msg("loading snapshot")

	result, err := snapshot.Load(ctx, opts, unpackDir)
	if err != nil {
		return nil, fmt.Errorf("lumen-accountsdb: load snapshot: %w", err)
	}

	logger.Info().
		Uint64("capitalization", result.Hash.Capitalization).
		Msg("snapshot loaded and validated")

	return result.Engine, nil
}

// dirExists reports whether dir is already present, used as a cheap
// "is there already an unpacked snapshot here" check before re-unpacking.
func dirExists(dir string) bool {
	_, err := os.Stat(dir)
	return err == nil
}

func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")

	return srv
}

func shutdownMetricsServer(srv *http.Server, logger zerolog.Logger) {
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}
}
