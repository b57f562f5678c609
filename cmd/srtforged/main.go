// Command srtforged is the transcription server: it accepts encrypted audio
// bundles over HTTP, runs them through the whisper CLI one at a time, and
// serves the resulting subtitle files until they expire.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/srtforge/srtforge/internal/api"
	"github.com/srtforge/srtforge/internal/config"
	"github.com/srtforge/srtforge/internal/health"
	"github.com/srtforge/srtforge/internal/observe"
	"github.com/srtforge/srtforge/internal/store"
	"github.com/srtforge/srtforge/internal/task"
	"github.com/srtforge/srtforge/internal/whisper"
	"github.com/srtforge/srtforge/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env next to the binary is a convenience for local runs; the real
	// environment always wins because godotenv does not overwrite.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "srtforged: %v\n", err)
		return 1
	}

	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("srtforged starting",
		"config", *configPath,
		"listen_addr", listenAddr(cfg),
		"log_level", cfg.Server.LogLevel,
		"pool_capacity", cfg.Pool.Capacity,
		"default_model", cfg.Transcriber.DefaultModel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("metrics init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	st, err := store.New(cfg.Storage.UploadDir, cfg.Storage.WorkDir, cfg.Storage.ResultDir, cfg.Retention())
	if err != nil {
		slog.Error("storage init failed", "err", err)
		return 1
	}

	reg, err := task.NewRegistry(cfg.Pool.Capacity)
	if err != nil {
		slog.Error("registry init failed", "err", err)
		return 1
	}

	metrics := observe.DefaultMetrics()
	driver := whisper.New(whisper.WithBinary(cfg.Transcriber.Binary))
	wrk := worker.New(reg, st, driver, metrics)

	hh := health.New(
		health.Checker{Name: "transcriber", Check: func(context.Context) error {
			_, err := exec.LookPath(cfg.Transcriber.Binary)
			return err
		}},
		health.Checker{Name: "storage", Check: func(context.Context) error {
			return probeWritable(cfg.Storage.UploadDir)
		}},
	)

	server := api.New(reg, st, metrics, hh, api.Config{
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		DefaultModel:   cfg.Transcriber.DefaultModel,
		AllowedModels:  cfg.AllowedModels(),
	})

	// Hot reload only makes sense when a config file actually exists.
	if _, statErr := os.Stat(*configPath); statErr == nil {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(old, new, level, server)
		})
		if err != nil {
			slog.Error("config watcher init failed", "err", err)
			return 1
		}
		defer watcher.Stop()
	}

	httpServer := &http.Server{
		Addr:              listenAddr(cfg),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return wrk.Run(gctx)
	})
	g.Go(func() error {
		return worker.RunSweeper(gctx, st, reg, metrics)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload pushes hot-reloadable config changes into the running server.
func applyReload(old, new *config.Config, level *slog.LevelVar, server *api.Server) {
	diff := config.Diff(old, new)
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level updated", "log_level", diff.NewLogLevel)
	}
	if diff.DefaultModelChanged || diff.ModelsChanged {
		server.SetModelPolicy(new.Transcriber.DefaultModel, new.AllowedModels())
		slog.Info("model policy updated",
			"default_model", new.Transcriber.DefaultModel,
			"models", new.AllowedModels(),
		)
	}
}

func listenAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

// probeWritable verifies the directory accepts writes by creating and
// removing a marker file.
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
