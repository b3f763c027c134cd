// Command folderaudit records file activity inside a set of watched folders
// to an append-only audit log, one line per event:
//
//	2024-05-06 14:30:00.123,Write,/srv/share/report.xlsx,alice
//
// It runs in the foreground ("run"), as a system service ("service"), and
// can print an existing log ("show").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tripwire/folderaudit/internal/config"
)

// runFlags are the command-line overrides shared by "run" and "service".
type runFlags struct {
	configPath  string
	folders     []string
	foldersFile string
	recursive   bool
	logPath     string
	source      string
	fresh       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "folderaudit: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "folderaudit",
		Short:         "Audit file activity in watched folders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newShowCmd(), newServiceCmd())
	return root
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "path to the YAML configuration file")
	fs.StringArrayVar(&f.folders, "folder", nil, "folder to watch (repeatable; replaces folders from the config file)")
	fs.StringVar(&f.foldersFile, "folders-file", "", "file listing one folder per line")
	fs.BoolVar(&f.recursive, "recursive", false, "also watch every folder below each watched folder")
	fs.StringVar(&f.logPath, "log", "", "audit log path (default \""+config.DefaultLogPath+"\")")
	fs.StringVar(&f.source, "source", "", "capture backend: auto, fanotify or fsnotify")
	fs.BoolVar(&f.fresh, "fresh", false, "truncate an existing audit log instead of appending to it")
}

// resolve loads the configuration file, if any, applies the command-line
// overrides that were set and validates the result.
func (f *runFlags) resolve(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{}
	if f.configPath != "" {
		var err error
		if cfg, err = config.Parse(f.configPath); err != nil {
			return nil, err
		}
	}

	fs := cmd.Flags()
	if fs.Changed("folder") {
		cfg.Folders = append([]string(nil), f.folders...)
	}
	if fs.Changed("folders-file") {
		cfg.FoldersFile = f.foldersFile
	}
	if fs.Changed("recursive") {
		cfg.Recursive = f.recursive
	}
	if fs.Changed("log") {
		cfg.LogPath = f.logPath
	}
	if fs.Changed("source") {
		cfg.Source = f.source
	}

	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
