// Package server implements the backup server: a TLS listener whose
// per-connection sessions drive the authentication → listing → mutation
// state machine over the TLV protocol.
package server

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/remobak/remobak/internal/utils"
)

const DefaultWorkers = 8

type Config struct {
	// Address and Service name the listen endpoint.
	Address string `mapstructure:"address" validate:"required"`
	Service string `mapstructure:"service" validate:"required"`

	// BackupRoot is the directory holding one tree per user id.
	BackupRoot string `mapstructure:"backup_root" validate:"required"`

	// CredentialsFile is the tab-separated username/sha512 list.
	CredentialsFile string `mapstructure:"credentials_file" validate:"required"`

	// AuditLogFile receives the per-request audit lines.
	AuditLogFile string `mapstructure:"audit_log_file" validate:"required"`

	// CertFile and KeyFile are the server's certificate chain and key.
	CertFile string `mapstructure:"cert_file" validate:"required"`
	KeyFile  string `mapstructure:"key_file" validate:"required"`

	// ClientCA, when set, makes the server demand and verify client
	// certificates against this bundle.
	ClientCA string `mapstructure:"client_ca"`

	// Workers bounds the number of concurrently served sessions.
	Workers int `mapstructure:"workers" validate:"min=1"`
}

// Normalize resolves paths and fills defaults.
func (c *Config) Normalize() error {
	for _, p := range []*string{&c.BackupRoot, &c.CredentialsFile, &c.AuditLogFile} {
		resolved, err := utils.ResolvePath(*p)
		if err != nil {
			return err
		}
		*p = resolved
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	return nil
}

// Validate checks the configuration after Normalize.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if !utils.DirExists(c.BackupRoot) {
		return fmt.Errorf("%s is not a directory", c.BackupRoot)
	}
	if !utils.FileExists(c.CredentialsFile) {
		return fmt.Errorf("%s is not a file", c.CredentialsFile)
	}
	return nil
}
