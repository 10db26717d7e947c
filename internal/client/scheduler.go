package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/remobak/remobak/internal/digest"
	"github.com/remobak/remobak/internal/dirview"
	"github.com/remobak/remobak/internal/taskq"
	"github.com/remobak/remobak/internal/wire"
)

// transport is the slice of Conn the scheduler drives. Narrowed to an
// interface so scheduler tests can run against a scripted peer.
type transport interface {
	Connect(ctx context.Context) error
	Post(req *wire.Message) (*wire.Message, PostStatus)
	PostChunked(fc *wire.FileChunker) (*wire.Message, PostStatus)
	CancelKeepalive()
}

var (
	// ErrSyncFailed is returned when the server rejects the LIST exchange.
	ErrSyncFailed = errors.New("failed to sync server state")

	errAuthRejected = errors.New("authentication failed")
)

// Scheduler owns the client directory view and turns divergence between the
// local tree and the server's listing into CREATE/UPDATE/ERASE operations,
// tracking each path's sync state across the asynchronous responses. It
// also drives authentication replay after a reconnect.
type Scheduler struct {
	view *dirview.Dir[dirview.ClientResource]
	conn transport
	pool *taskq.Pool

	ctx   context.Context
	fatal func(error)

	auth  AuthData
	login func() (AuthData, error)
}

// NewScheduler wires the scheduler to its view, connection and worker pool.
// fatal is invoked for unrecoverable failures observed on worker
// goroutines (it typically cancels the application context); login is the
// interactive credential fallback used when a cached replay fails.
func NewScheduler(
	ctx context.Context,
	view *dirview.Dir[dirview.ClientResource],
	conn transport,
	pool *taskq.Pool,
	login func() (AuthData, error),
	fatal func(error),
) *Scheduler {
	return &Scheduler{
		view:  view,
		conn:  conn,
		pool:  pool,
		ctx:   ctx,
		login: login,
		fatal: fatal,
	}
}

// Auth runs one AUTH exchange with the given credentials. It returns
// errAuthRejected on a denied login and a transport error when the
// connection is lost mid-exchange.
func (s *Scheduler) Auth(creds AuthData) error {
	msg := wire.New(wire.MsgAuth)
	msg.AddString(wire.TLVUsername, creds.Username)
	msg.AddString(wire.TLVPassword, creds.Password)
	msg.AddEnd()

	resp, status := s.conn.Post(msg)
	switch status {
	case PostLost:
		return fmt.Errorf("connection lost during authentication")
	case PostDenied:
		return errAuthRejected
	}

	v := wire.NewView(resp)
	if v.Next() && v.Type() == wire.TLVOK {
		creds.Authenticated = true
		s.auth = creds
		return nil
	}
	return errAuthRejected
}

// Login authenticates interactively, giving three overall attempts.
func (s *Scheduler) Login() error {
	for attempts := loginAttempts; attempts > 0; {
		creds, err := s.login()
		if err != nil {
			return err
		}
		err = s.Auth(creds)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errAuthRejected) {
			return err
		}
		s.conn.CancelKeepalive()
		attempts--
		slog.Warn("authentication failed", "attempts_left", attempts)
	}
	return errAuthRejected
}

// Reconnect re-opens the stream and, when credentials are cached from a
// previous successful login, replays authentication and re-runs the initial
// sync. It is the handler behind the connection's lost signal.
func (s *Scheduler) Reconnect() {
	if err := s.conn.Connect(s.ctx); err != nil {
		s.fatal(fmt.Errorf("reconnect: %w", err))
		return
	}
	if !s.auth.Authenticated {
		return
	}
	if err := s.Auth(s.auth); err != nil {
		slog.Warn("cached credential replay failed", "error", err)
		creds, lerr := s.login()
		if lerr != nil || s.Auth(creds) != nil {
			s.fatal(fmt.Errorf("re-authentication failed after reconnect"))
			return
		}
	}
	if err := s.Sync(); err != nil {
		s.fatal(err)
	}
}

// Sync performs the initial list-based reconciliation: the server listing
// is diffed against the local view, scheduling ERASE for server-only
// paths (the client is the source of truth), UPDATE for digest mismatches
// and CREATE for local-only paths.
func (s *Scheduler) Sync() error {
	slog.Info("scheduling sync")
	req := wire.New(wire.MsgList)
	req.AddEnd()

	resp, status := s.conn.Post(req)
	if status == PostLost {
		s.Reconnect()
		return nil
	}
	if status == PostDenied {
		return ErrSyncFailed
	}

	v := wire.NewView(resp)
	if resp.Type() != wire.MsgList || !v.Next() || v.Type() == wire.TLVError {
		return ErrSyncFailed
	}

	serverPaths := mapset.NewSet[string]()
	for v.Valid() {
		if v.Type() == wire.TLVItem {
			rel, serverDigest, err := digest.SplitSign(v.Text())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			serverPaths.Add(rel)
			rsrc, ok := s.view.Get(rel)
			switch {
			case !ok:
				s.Erase(rel, serverDigest)
			case rsrc.Digest != serverDigest:
				s.Update(rel, rsrc.Digest)
			default:
				rsrc.Synced = dirview.StateSynced
				rsrc.ExistsOnServer = true
				s.view.Put(rel, rsrc)
			}
		}
		v.Next()
	}

	s.view.ForEach(func(path string, rsrc dirview.ClientResource) {
		if !serverPaths.Contains(path) {
			s.Create(path, rsrc.Digest)
		}
	})
	slog.Info("sync done")
	return nil
}

// Create schedules a CREATE for a path not yet on the server.
func (s *Scheduler) Create(rel, dig string) {
	s.pool.Submit(func() {
		slog.Info("scheduling CREATE", "path", rel)
		s.view.Put(rel, dirview.ClientResource{
			Synced:         dirview.StateUnknown,
			ExistsOnServer: false,
			Digest:         dig,
		})
		sign := digest.Sign(rel, dig)
		fc, err := wire.NewFileChunker(wire.MsgCreate, filepath.Join(s.view.Root(), rel), sign, wire.UploadChunkSize)
		if err != nil {
			slog.Error("CREATE failed to open file", "path", rel, "error", err)
			s.markFailed(rel)
			return
		}
		resp, status := s.conn.PostChunked(fc)
		s.integrate(wire.MsgCreate, rel, sign, resp, status)
	})
}

// Update schedules an UPDATE for a path whose content diverged.
func (s *Scheduler) Update(rel, dig string) {
	s.pool.Submit(func() {
		slog.Info("scheduling UPDATE", "path", rel)
		s.view.Put(rel, dirview.ClientResource{
			Synced:         dirview.StateUnknown,
			ExistsOnServer: true,
			Digest:         dig,
		})
		sign := digest.Sign(rel, dig)
		fc, err := wire.NewFileChunker(wire.MsgUpdate, filepath.Join(s.view.Root(), rel), sign, wire.UploadChunkSize)
		if err != nil {
			slog.Error("UPDATE failed to open file", "path", rel, "error", err)
			s.markFailed(rel)
			return
		}
		resp, status := s.conn.PostChunked(fc)
		s.integrate(wire.MsgUpdate, rel, sign, resp, status)
	})
}

// Erase schedules an ERASE for a path deleted locally. Erases run ahead of
// queued transfers so a delete-then-recreate settles in the right order.
func (s *Scheduler) Erase(rel, dig string) {
	s.pool.SubmitPriority(func() {
		slog.Info("scheduling ERASE", "path", rel)
		s.view.Put(rel, dirview.ClientResource{
			Synced:         dirview.StateUnknown,
			ExistsOnServer: true,
			Digest:         dig,
		})
		sign := digest.Sign(rel, dig)
		req := wire.New(wire.MsgErase)
		req.AddString(wire.TLVItem, sign)
		req.AddEnd()
		resp, status := s.conn.Post(req)
		s.integrate(wire.MsgErase, rel, sign, resp, status)
	}, taskq.PriorityHigh)
}

// integrate folds one response into the view. A lost transport fires the
// reconnection path; any failure marks the entry out-of-sync so the next
// watcher tick retries it.
func (s *Scheduler) integrate(op wire.MsgType, rel, sign string, resp *wire.Message, status PostStatus) {
	if status == PostLost {
		s.markFailed(rel)
		s.Reconnect()
		return
	}

	accepted := responseAccepted(resp, op, sign)
	rsrc, ok := s.view.Get(rel)
	if !ok {
		// erased from the view while in flight; nothing to record
		return
	}

	if !accepted {
		slog.Warn("operation failed, will retry", "op", op, "path", rel)
		rsrc.Synced = dirview.StateOutOfSync
		s.view.Put(rel, rsrc)
		return
	}

	slog.Info("operation done", "op", op, "path", rel)
	switch op {
	case wire.MsgErase:
		s.view.Erase(rel)
	case wire.MsgCreate:
		rsrc.Synced = dirview.StateSynced
		rsrc.ExistsOnServer = true
		s.view.Put(rel, rsrc)
	default:
		rsrc.Synced = dirview.StateSynced
		s.view.Put(rel, rsrc)
	}
}

func (s *Scheduler) markFailed(rel string) {
	if rsrc, ok := s.view.Get(rel); ok {
		rsrc.Synced = dirview.StateOutOfSync
		s.view.Put(rel, rsrc)
	}
}

// responseAccepted validates a mutation reply: matching message type, an
// ITEM echoing the request's sign, then OK. ERR_CREATE_ALREADY_EXIST and
// ERR_UPDATE_ALREADY_UPDATED count as success (the server already holds
// this exact version).
func responseAccepted(resp *wire.Message, op wire.MsgType, sign string) bool {
	if resp == nil || resp.Type() != op {
		return false
	}
	v := wire.NewView(resp)
	if !v.Next() || v.Type() != wire.TLVItem || v.Text() != sign {
		return false
	}
	if !v.Next() {
		return false
	}
	switch v.Type() {
	case wire.TLVOK:
		return true
	case wire.TLVError:
		code, err := strconv.Atoi(v.Text())
		if err != nil {
			return false
		}
		switch {
		case op == wire.MsgCreate && wire.ErrType(code) == wire.ErrCreateAlreadyExist:
			return true
		case op == wire.MsgUpdate && wire.ErrType(code) == wire.ErrUpdateAlreadyUpdated:
			return true
		}
	}
	return false
}
