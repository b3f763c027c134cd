// Package config provides YAML configuration loading and validation for
// folderaudit.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/folderaudit/internal/source"
)

// DefaultLogPath is the audit log used when log_path is omitted.
const DefaultLogPath = "folderaudit.log"

// Config is the top-level configuration structure for folderaudit.
type Config struct {
	// Folders are the absolute paths of the watched folders. At least one
	// folder is required, here, in FoldersFile or on the command line.
	Folders []string `yaml:"folders"`

	// FoldersFile names a text file listing one folder per line. Blank lines
	// and lines starting with '#' are ignored. Its folders are appended to
	// Folders.
	FoldersFile string `yaml:"folders_file"`

	// Recursive extends the watch scope to every folder below each root.
	Recursive bool `yaml:"recursive"`

	// LogPath is the audit log destination. Defaults to "folderaudit.log"
	// in the working directory.
	LogPath string `yaml:"log_path"`

	// Source selects the capture backend: "auto", "fanotify" or "fsnotify".
	// Defaults to "auto".
	Source string `yaml:"source"`

	// RequireElevation makes startup fail unless the process is elevated.
	// When omitted it is true exactly when the selected backend needs
	// elevation.
	RequireElevation *bool `yaml:"require_elevation"`

	// SyncWrites fsyncs the audit log after every record.
	SyncWrites bool `yaml:"sync_writes"`

	// AttributionCacheTTL caches PID → user lookups for this long (e.g.
	// "2s"). Zero, the default, disables the cache.
	AttributionCacheTTL time.Duration `yaml:"attribution_cache_ttl"`

	// LogLevel sets the minimum diagnostic log severity: "debug", "info",
	// "warn", or "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, receives diagnostic logs (rotated) instead of
	// stderr.
	LogFile string `yaml:"log_file"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Empty disables the server.
	HealthAddr string `yaml:"health_addr"`

	// NATS configures the optional record mirror.
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures mirroring of accepted records to NATS.
type NATSConfig struct {
	// URL of the NATS server (e.g. "nats://127.0.0.1:4222"). Empty disables
	// the mirror.
	URL string `yaml:"url"`

	// Subject records are published to. Defaults to "folderaudit.events".
	Subject string `yaml:"subject"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validSources is the set of accepted capture backends.
var validSources = map[string]bool{
	source.BackendAuto:     true,
	source.BackendFanotify: true,
	source.BackendFsnotify: true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

// Parse reads and unmarshals the YAML file at path without applying
// defaults or validating, so command-line overrides can be applied before
// Finalize. Unknown keys are rejected.
func Parse(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return &cfg, nil
}

// Finalize merges FoldersFile into Folders, applies defaults and validates
// the result. All validation failures are reported together.
func (c *Config) Finalize() error {
	if c.FoldersFile != "" {
		folders, err := ReadFolders(c.FoldersFile)
		if err != nil {
			return err
		}
		c.Folders = append(c.Folders, folders...)
		c.FoldersFile = ""
	}
	applyDefaults(c)
	return validate(c)
}

// ElevationRequired reports whether startup must demonstrate elevation.
func (c *Config) ElevationRequired() bool {
	if c.RequireElevation != nil {
		return *c.RequireElevation
	}
	return source.Privileged(c.Source)
}

// ReadFolders parses a folder-list file: one path per line, blank lines and
// '#' comments ignored, surrounding whitespace trimmed.
func ReadFolders(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read folder list %q: %w", path, err)
	}
	defer f.Close()

	var folders []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		folders = append(folders, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scanning folder list %q: %w", path, err)
	}
	return folders, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogPath == "" {
		cfg.LogPath = DefaultLogPath
	}
	if cfg.Source == "" {
		cfg.Source = source.BackendAuto
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.NATS.URL != "" && cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "folderaudit.events"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Folders) == 0 {
		errs = append(errs, errors.New("folders: at least one folder is required"))
	}
	for i, f := range cfg.Folders {
		switch {
		case strings.TrimSpace(f) == "":
			errs = append(errs, fmt.Errorf("folders[%d]: path is empty", i))
		case !filepath.IsAbs(f):
			errs = append(errs, fmt.Errorf("folders[%d]: %q is not an absolute path", i, f))
		}
	}
	if !validSources[cfg.Source] {
		errs = append(errs, fmt.Errorf("source %q must be one of: auto, fanotify, fsnotify", cfg.Source))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.AttributionCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("attribution_cache_ttl %v must not be negative", cfg.AttributionCacheTTL))
	}

	return errors.Join(errs...)
}
