// Package config loads tool settings from a YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
)

const (
	InspectorPodman   = "podman"
	InspectorRegistry = "registry"
)

// Config holds the settings shared by cosplay and slimfast
type Config struct {
	Inspector    string        `yaml:"inspector"`
	PodmanPath   string        `yaml:"podman_path"`
	RPMBuildPath string        `yaml:"rpmbuild_path"`
	TemplateDir  string        `yaml:"template_dir"`
	ToolTimeout  time.Duration `yaml:"tool_timeout"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	WorkDirRoot  string        `yaml:"work_dir_root"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Inspector:    InspectorPodman,
		PodmanPath:   "/usr/bin/podman",
		RPMBuildPath: "/usr/bin/rpmbuild",
		ToolTimeout:  10 * time.Minute,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/cosplay/config.yaml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cosplay", "config.yaml")
}

// Load reads the configuration at path over the defaults and applies
// environment overrides. A missing file is not an error when path is the
// default location.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.UnmarshalStrict(data, cfg); err != nil {
				return nil, toolerrors.Wrap(toolerrors.KindConfigurationFailure, "load_config", err,
					"failed to parse %s", path)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, toolerrors.Wrap(toolerrors.KindConfigurationFailure, "load_config", err,
				"failed to read %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("COSPLAY_PODMAN"); v != "" {
		c.PodmanPath = v
	}
	if v := os.Getenv("COSPLAY_RPMBUILD"); v != "" {
		c.RPMBuildPath = v
	}
	if v := os.Getenv("COSPLAY_TEMPLATE_DIR"); v != "" {
		c.TemplateDir = v
	}
	if v := os.Getenv("COSPLAY_INSPECTOR"); v != "" {
		c.Inspector = v
	}
	if v := os.Getenv("COSPLAY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return toolerrors.Wrap(toolerrors.KindConfigurationFailure, "load_config", err,
				"invalid COSPLAY_TIMEOUT %q", v)
		}
		c.ToolTimeout = d
	}
	return nil
}

// Validate checks the configuration for values the tools cannot use
func (c *Config) Validate() error {
	switch c.Inspector {
	case InspectorPodman, InspectorRegistry:
	default:
		return toolerrors.New(toolerrors.KindConfigurationFailure, "validate_config",
			fmt.Sprintf("unknown inspector %q (expected %s or %s)", c.Inspector, InspectorPodman, InspectorRegistry))
	}
	if c.ToolTimeout <= 0 {
		return toolerrors.New(toolerrors.KindConfigurationFailure, "validate_config",
			fmt.Sprintf("tool_timeout must be positive, got %s", c.ToolTimeout))
	}
	if c.Inspector == InspectorPodman && c.PodmanPath == "" {
		return toolerrors.New(toolerrors.KindConfigurationFailure, "validate_config", "podman_path is required")
	}
	if c.RPMBuildPath == "" {
		return toolerrors.New(toolerrors.KindConfigurationFailure, "validate_config", "rpmbuild_path is required")
	}
	return nil
}
