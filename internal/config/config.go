// Package config loads declarative run configuration from the
// project-local .sandrun.yaml file. Precedence is flags over file over
// built-in defaults; this package handles the file and defaults layers
// and leaves flag overlays to the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coderelay/sandrun/internal/policy"
	"github.com/coderelay/sandrun/internal/review"
	"github.com/coderelay/sandrun/internal/session"
)

// FileName is the project-local configuration file.
const FileName = ".sandrun.yaml"

// Config is the parsed configuration. Zero values mean "unset, use
// the default" throughout.
type Config struct {
	Image       string        `yaml:"image"`
	Network     NetworkConfig `yaml:"network"`
	Limits      LimitsConfig  `yaml:"limits"`
	Write       WriteConfig   `yaml:"write"`
	KeepScratch bool          `yaml:"keep_scratch"`
	Backend     string        `yaml:"backend"`
	Review      ReviewConfig  `yaml:"review"`
	Artifacts   Artifacts     `yaml:"artifacts"`
}

type NetworkConfig struct {
	Mode       string   `yaml:"mode"`
	AllowCIDRs []string `yaml:"allow_cidrs"`
}

type LimitsConfig struct {
	Timeout  Duration `yaml:"timeout"`
	MemoryMB int64    `yaml:"memory_mb"`
	CPUs     float64  `yaml:"cpus"`
	StdoutKB int64    `yaml:"stdout_kb"`
	Pids     int      `yaml:"pids"`
}

// Duration decodes either a Go duration string ("45s") or a bare
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// An unquoted number decodes into a string too, so dispatch on
	// the scalar tag rather than on decode success.
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration %q", value.Value)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration node %q", value.Value)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

type WriteConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type ReviewConfig struct {
	Mode         string   `yaml:"mode"`
	MaxFiles     int      `yaml:"max_files"`
	MaxDeletions int      `yaml:"max_deletions"`
	MaxBytes     int64    `yaml:"max_bytes"`
	Restricted   []string `yaml:"restricted"`
}

// Artifacts configures optional upload of finalized run artifacts to
// S3-compatible storage. Disabled unless endpoint and bucket are set.
type Artifacts struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`
}

// Enabled reports whether artifact upload is configured.
func (a Artifacts) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// Load reads .sandrun.yaml from projectDir. A missing file is not an
// error; the zero Config is returned.
func Load(projectDir string) (Config, error) {
	var cfg Config
	path := filepath.Join(projectDir, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if _, err := review.ParseMode(c.Review.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Backend != "" {
		if _, err := session.ParseBackendKind(c.Backend); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	switch c.Network.Mode {
	case "", string(policy.NetworkDeny), string(policy.NetworkAllow):
	default:
		return fmt.Errorf("config: invalid network mode %q", c.Network.Mode)
	}
	return nil
}

// PolicyOptions maps the file layer onto resolver options. Unset
// fields stay zero so policy.Resolve applies its defaults.
func (c Config) PolicyOptions(projectDir string) policy.Options {
	return policy.Options{
		ProjectDir: projectDir,
		Image:      c.Image,
		Network: policy.Network{
			Mode:       policy.NetworkMode(c.Network.Mode),
			AllowCIDRs: c.Network.AllowCIDRs,
		},
		Limits: policy.Limits{
			Timeout:     time.Duration(c.Limits.Timeout),
			MemoryBytes: c.Limits.MemoryMB * 1024 * 1024,
			CPUs:        c.Limits.CPUs,
			StdoutBytes: c.Limits.StdoutKB * 1024,
			Pids:        c.Limits.Pids,
		},
		Write: policy.WritePolicy{
			Allow: c.Write.Allow,
			Deny:  c.Write.Deny,
		},
		KeepScratch: c.KeepScratch,
	}
}

// ReviewMode returns the configured review mode, defaulting to ask.
func (c Config) ReviewMode() review.Mode {
	m, err := review.ParseMode(c.Review.Mode)
	if err != nil {
		return review.ModeAsk
	}
	return m
}

// ReviewCaps overlays configured ceilings on the defaults.
func (c Config) ReviewCaps() review.Caps {
	caps := review.DefaultCaps()
	if c.Review.MaxFiles > 0 {
		caps.MaxFiles = c.Review.MaxFiles
	}
	if c.Review.MaxDeletions > 0 {
		caps.MaxDeletions = c.Review.MaxDeletions
	}
	if c.Review.MaxBytes > 0 {
		caps.MaxBytes = c.Review.MaxBytes
	}
	if len(c.Review.Restricted) > 0 {
		caps.Restricted = c.Review.Restricted
	}
	return caps
}
