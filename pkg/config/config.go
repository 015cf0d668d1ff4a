// Package config loads the cadscript YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration. Zero values in a file keep the
// defaults from Default.
type Config struct {
	// Kernel selects the geometry backend: "poly" or "sdf". Face and edge
	// counts follow the backend. poly gives a box its six faces; sdf meshes
	// by marching cubes, bevels the corners (26 faces, 48 edges for a box)
	// and is much slower on curved solids.
	Kernel string `yaml:"kernel"`
	// Segments is the poly kernel's circle resolution.
	Segments int `yaml:"segments"`
	// MeshCells is the sdf kernel's marching cubes resolution.
	MeshCells int `yaml:"mesh_cells"`

	MaxDeviation float64       `yaml:"max_deviation"`
	EvalTimeout  time.Duration `yaml:"eval_timeout"`
	AutoRender   bool          `yaml:"auto_render"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// StorePath is the session database; empty selects a file in the user
	// config directory.
	StorePath string `yaml:"store_path"`
	// Preload lists interchange files imported before the host is ready.
	Preload []string `yaml:"preload"`
	// Listen is the websocket server address.
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Kernel:       "poly",
		Segments:     32,
		MeshCells:    128,
		MaxDeviation: 0.1,
		EvalTimeout:  5 * time.Second,
		AutoRender:   true,
		LogLevel:     "info",
		LogFormat:    "text",
		Listen:       "127.0.0.1:8347",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Kernel {
	case "poly", "sdf":
	default:
		return fmt.Errorf("kernel: want poly or sdf, got %q", c.Kernel)
	}
	if c.Segments < 3 {
		return fmt.Errorf("segments: want at least 3, got %d", c.Segments)
	}
	if c.MeshCells < 8 {
		return fmt.Errorf("mesh_cells: want at least 8, got %d", c.MeshCells)
	}
	if !(c.MaxDeviation > 0) {
		return fmt.Errorf("max_deviation: must be positive, got %g", c.MaxDeviation)
	}
	if c.EvalTimeout <= 0 {
		return fmt.Errorf("eval_timeout: must be positive, got %s", c.EvalTimeout)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: want text or json, got %q", c.LogFormat)
	}
	return nil
}

// Marshal writes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
