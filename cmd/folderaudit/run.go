package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/folderaudit/internal/attrib"
	"github.com/tripwire/folderaudit/internal/audit"
	"github.com/tripwire/folderaudit/internal/config"
	"github.com/tripwire/folderaudit/internal/controller"
	"github.com/tripwire/folderaudit/internal/logging"
	"github.com/tripwire/folderaudit/internal/publish"
)

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture file activity until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			logger, closer := newLogger(cfg)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCapture(ctx, cfg, flags.fresh, logger, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	return cmd
}

// newLogger builds the diagnostic logger and installs it as the default.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	logger, closer := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  50,
		MaxBackups: 5,
	})
	slog.SetDefault(logger)
	return logger, closer
}

// runCapture wires the pipeline described by cfg and runs it until ctx is
// cancelled or capture halts. Accepted records are mirrored to console.
func runCapture(ctx context.Context, cfg *config.Config, fresh bool, logger *slog.Logger, console io.Writer) error {
	logger.Info("configuration loaded",
		slog.Any("folders", cfg.Folders),
		slog.Bool("recursive", cfg.Recursive),
		slog.String("log_path", cfg.LogPath),
		slog.String("source", cfg.Source),
		slog.Bool("require_elevation", cfg.ElevationRequired()),
		slog.String("health_addr", cfg.HealthAddr))

	if fresh {
		if err := audit.Truncate(cfg.LogPath); err != nil {
			return err
		}
		logger.Info("existing audit log truncated", slog.String("log_path", cfg.LogPath))
	}

	sinkOpts := []audit.Option{
		audit.WithConsole(console),
		audit.WithSync(cfg.SyncWrites),
	}
	if cfg.NATS.URL != "" {
		mirror, err := publish.Connect(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			logger.Warn("nats mirror disabled", slog.Any("error", err))
		} else {
			defer func() {
				if err := mirror.Close(); err != nil {
					logger.Warn("nats mirror close error", slog.Any("error", err))
				}
			}()
			sinkOpts = append(sinkOpts, audit.WithMirror(mirror))
		}
	}

	ctl, err := controller.New(controller.Config{
		Roots:            cfg.Folders,
		Recursive:        cfg.Recursive,
		LogPath:          cfg.LogPath,
		Backend:          cfg.Source,
		RequireElevation: cfg.ElevationRequired(),
	}, logger,
		controller.WithAttributor(attrib.New(logger, attrib.WithCache(0, cfg.AttributionCacheTTL))),
		controller.WithSinkOptions(sinkOpts...),
	)
	if err != nil {
		return err
	}

	if cfg.HealthAddr != "" {
		healthServer := &http.Server{
			Addr:         cfg.HealthAddr,
			Handler:      ctl.Routes(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("healthz server error", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := healthServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("healthz server shutdown error", slog.Any("error", err))
			}
		}()
	}

	err = ctl.Run(ctx)
	if errors.Is(err, controller.ErrInsufficientPrivilege) {
		return fmt.Errorf("%w (run as root or Administrator, or use --source fsnotify)", err)
	}
	return err
}
