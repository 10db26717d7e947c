package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

// Server owns the TLS listener and fans accepted connections out to
// session goroutines, at most Workers of them at a time.
type Server struct {
	cfg     *Config
	tlsConf *tls.Config
	handler *Handler
	audit   *AuditLog
	lock    *flock.Flock
}

// New builds a server from a validated configuration.
func New(cfg *Config) (*Server, error) {
	tlsConf, err := newTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	audit, err := OpenAuditLog(cfg.AuditLogFile)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		tlsConf: tlsConf,
		audit:   audit,
		handler: NewHandler(cfg.BackupRoot, cfg.CredentialsFile, nil),
		lock:    flock.New(filepath.Join(cfg.BackupRoot, ".remobak.lock")),
	}, nil
}

// newTLSConfig loads the certificate chain and key; SSLv2/3 are not
// expressible with crypto/tls, the floor is pinned to TLS 1.2. When a
// client CA bundle is configured, client certificates are demanded and
// verified.
func newTLSConfig(cfg *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ClientCA != "" {
		pem, err := os.ReadFile(cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.ClientCA)
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock backup root: %w", err)
	}
	if !locked {
		return fmt.Errorf("backup root %s is in use by another server", s.cfg.BackupRoot)
	}
	defer s.lock.Unlock() //nolint:errcheck
	defer s.audit.Close()

	addr := net.JoinHostPort(s.cfg.Address, s.cfg.Service)
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	slog.Info("server listening", "addr", addr, "backup_root", s.cfg.BackupRoot)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return ctx.Err()
	})

	sessions, sctx := errgroup.WithContext(ctx)
	sessions.SetLimit(s.cfg.Workers)

	g.Go(func() error {
		defer sessions.Wait() //nolint:errcheck
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("accept failed", "error", err)
				continue
			}
			tc := tls.Server(conn, s.tlsConf)
			sessions.Go(func() error {
				NewSession(tc, s.handler, s.audit).Run(sctx)
				return nil
			})
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
