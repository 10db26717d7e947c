// Package config holds the backup client configuration.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/remobak/remobak/internal/utils"
)

const (
	DefaultWorkers = 4
	DefaultDelayMS = 5000
	MaxWorkers     = 16
)

type Config struct {
	// WatchPath is the directory mirrored to the server.
	WatchPath string `mapstructure:"watch_path" validate:"required"`

	// Hostname and Service name the backup server endpoint.
	Hostname string `mapstructure:"hostname" validate:"required"`
	Service  string `mapstructure:"service" validate:"required"`

	// CABundle is the PEM file the server certificate is verified against.
	CABundle string `mapstructure:"ca_bundle" validate:"required"`

	// Workers sizes the shared worker pool.
	Workers int `mapstructure:"workers" validate:"min=1,max=16"`

	// DelayMS is the watcher rescan period in milliseconds.
	DelayMS int `mapstructure:"delay_ms" validate:"min=100"`

	// LogFile, when set, duplicates the log stream into a file.
	LogFile string `mapstructure:"log_file"`
}

// Normalize resolves the watch path, clamps the worker count into
// 1..MaxWorkers and replaces a zero delay with DefaultDelayMS. Other
// out-of-range delays are left for Validate to reject.
func (c *Config) Normalize() error {
	path, err := utils.ResolvePath(c.WatchPath)
	if err != nil {
		return fmt.Errorf("watch path: %w", err)
	}
	c.WatchPath = path

	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Workers > MaxWorkers {
		c.Workers = MaxWorkers
	}
	if c.DelayMS == 0 {
		c.DelayMS = DefaultDelayMS
	}
	return nil
}

// Validate checks the configuration after Normalize.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	if !utils.DirExists(c.WatchPath) {
		return fmt.Errorf("%s is not a directory", c.WatchPath)
	}
	if !utils.FileExists(c.CABundle) {
		return fmt.Errorf("%s is not a file", c.CABundle)
	}
	return nil
}

// Delay returns the rescan period.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.DelayMS) * time.Millisecond
}
