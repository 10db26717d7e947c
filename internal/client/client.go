// Package client implements the backup client: a TLS connection to the
// server, a scheduler that reconciles the local tree with the server's
// listing, and a watcher that feeds local changes into the scheduler.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/remobak/remobak/internal/client/config"
	"github.com/remobak/remobak/internal/dirview"
	"github.com/remobak/remobak/internal/taskq"
)

// Client composes the connection, scheduler, watcher and worker pool.
type Client struct {
	cfg   *config.Config
	conn  *Conn
	pool  *taskq.Pool
	view  *dirview.Dir[dirview.ClientResource]
	sched *Scheduler
}

// New builds an unconnected client from a validated configuration.
func New(cfg *config.Config) (*Client, error) {
	tlsConf, err := NewTLSConfig(cfg.CABundle, cfg.Hostname)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:  cfg,
		conn: NewConn(net.JoinHostPort(cfg.Hostname, cfg.Service), tlsConf),
		pool: taskq.NewPool(),
		view: dirview.New[dirview.ClientResource](cfg.WatchPath, true),
	}
	return c, nil
}

// Start connects, logs in interactively, and runs the watch loop until ctx
// is cancelled or an unrecoverable error occurs.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.sched = NewScheduler(ctx, c.view, c.conn, c.pool,
		func() (AuthData, error) { return PromptCredentials(os.Stdin, os.Stdout) },
		func(err error) {
			slog.Error("unrecoverable failure", "error", err)
			cancel(err)
		},
	)
	c.conn.OnLost(c.sched.Reconnect)

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	defer c.conn.Close()

	if err := c.sched.Login(); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	watcher, err := NewWatcher(c.view, c.sched, c.cfg.Delay())
	if err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pool.Run(ctx, c.cfg.Workers) })
	g.Go(func() error { return watcher.Start(ctx) })

	err = g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Restore connects, logs in, and pulls the whole backup tree down into the
// watch path.
func (c *Client) Restore(ctx context.Context) error {
	c.sched = NewScheduler(ctx, c.view, c.conn, c.pool,
		func() (AuthData, error) { return PromptCredentials(os.Stdin, os.Stdout) },
		func(err error) { slog.Error("unrecoverable failure", "error", err) },
	)

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	defer c.conn.Close()

	if err := c.sched.Login(); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return c.sched.Restore()
}
