package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/tripwire/folderaudit/internal/config"
)

// serviceActions are the accepted "service" sub-command arguments.
var serviceActions = []string{"install", "uninstall", "start", "stop", "run"}

// program implements service.Interface. Start launches the capture run in
// the background and Stop cancels it, which is the run's normal shutdown
// path.
type program struct {
	cfg    *config.Config
	fresh  bool
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts.
func (p *program) Start(_ service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	var console io.Writer = io.Discard
	if service.Interactive() {
		console = os.Stdout
	}
	go func() {
		err := runCapture(ctx, p.cfg, p.fresh, p.logger, console)
		if err != nil && ctx.Err() == nil {
			// Capture halted on its own; the service cannot continue.
			p.logger.Error("folderaudit service exiting", slog.Any("error", err))
			os.Exit(1)
		}
		p.done <- err
	}()
	return nil
}

// Stop is called when the service stops.
func (p *program) Stop(_ service.Service) error {
	p.logger.Info("service stopping")
	p.cancel()
	select {
	case err := <-p.done:
		return err
	case <-time.After(15 * time.Second):
		return errors.New("service: capture did not stop within 15s")
	}
}

func newServiceCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:       "service <install|uninstall|start|stop|run>",
		Short:     "Manage folderaudit as a system service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: serviceActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			action := args[0]
			cfg, err := flags.resolveForAction(cmd, action)
			if err != nil {
				return err
			}

			svcConfig, err := serviceConfig(cmd, &flags)
			if err != nil {
				return err
			}

			logger, closer := newLogger(cfg)
			defer closer.Close()

			prg := &program{cfg: cfg, fresh: flags.fresh, logger: logger}
			s, err := service.New(prg, svcConfig)
			if err != nil {
				return fmt.Errorf("service: %w", err)
			}

			if action == "run" {
				return s.Run()
			}
			if err := service.Control(s, action); err != nil {
				return fmt.Errorf("service %s: %w", action, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "service action %q executed successfully\n", action)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// resolveForAction returns the capture configuration for the actions that
// start capture. The control actions only address the installed service, so
// they run without folders.
func (f *runFlags) resolveForAction(cmd *cobra.Command, action string) (*config.Config, error) {
	switch action {
	case "install", "run":
		return f.resolve(cmd)
	}
	return &config.Config{}, nil
}

// serviceConfig describes the installed service. The service re-invokes
// this binary with "service run" and the same overrides, with paths made
// absolute because services do not start in the caller's directory.
func serviceConfig(cmd *cobra.Command, f *runFlags) (*service.Config, error) {
	args := []string{"service", "run"}
	abs := func(p string) (string, error) {
		a, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("service: resolve %q: %w", p, err)
		}
		return a, nil
	}

	fs := cmd.Flags()
	if f.configPath != "" {
		p, err := abs(f.configPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--config", p)
	}
	for _, folder := range f.folders {
		args = append(args, "--folder", folder)
	}
	if fs.Changed("folders-file") {
		p, err := abs(f.foldersFile)
		if err != nil {
			return nil, err
		}
		args = append(args, "--folders-file", p)
	}
	if fs.Changed("recursive") {
		args = append(args, fmt.Sprintf("--recursive=%t", f.recursive))
	}
	if fs.Changed("log") {
		p, err := abs(f.logPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--log", p)
	}
	if fs.Changed("source") {
		args = append(args, "--source", f.source)
	}

	return &service.Config{
		Name:        "folderaudit",
		DisplayName: "Folder Audit",
		Description: "Records file activity in watched folders to an append-only audit log.",
		Arguments:   args,
	}, nil
}
