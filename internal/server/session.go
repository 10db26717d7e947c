package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/remobak/remobak/internal/wire"
)

const (
	// idleTimeout evicts a silent session. It is twice the client's 30 s
	// keepalive interval so a single missed keepalive is not fatal.
	idleTimeout = 60 * time.Second

	// maxFrameSize bounds a single request frame; the largest legal frame
	// is an upload chunk plus its TLV and sign overhead.
	maxFrameSize = wire.UploadChunkSize + 4096
)

// Session serves one client connection: TLS handshake, then a strict
// read-request → dispatch → write-replies loop until the peer goes away or
// the idle timer fires. All I/O for a session happens on its own goroutine,
// which is the serial executor the per-path ordering guarantees rely on.
type Session struct {
	id      string
	conn    *tls.Conn
	handler *Handler
	audit   *AuditLog
	user    *User
}

// NewSession wraps an accepted TLS connection.
func NewSession(conn *tls.Conn, handler *Handler, audit *AuditLog) *Session {
	user := &User{}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		user.IP = addr.IP.String()
	} else {
		user.IP = conn.RemoteAddr().String()
	}
	return &Session{
		id:      uuid.NewString(),
		conn:    conn,
		handler: handler,
		audit:   audit,
		user:    user,
	}
}

// Run drives the session until ctx is cancelled, the idle timer fires, or
// the connection drops.
func (s *Session) Run(ctx context.Context) {
	defer s.shutdown()

	// unblock the read loop when the server is stopping
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	s.audit.Event(s.user, "Accepted connection")
	slog.Info("session start", "session", s.id, "ip", s.user.IP)

	if err := s.handshake(ctx); err != nil {
		slog.Warn("handshake failed", "session", s.id, "error", err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		req, err := s.readRequest()
		if err != nil {
			if !timedOut(err) && !errors.Is(err, io.EOF) {
				slog.Warn("read failed", "session", s.id, "error", err)
				s.audit.Result(s.user, wire.MsgNone, wire.ErrNone, false)
			}
			return
		}

		replies := s.handler.Handle(req, s.user)
		if err := s.writeReplies(replies); err != nil {
			slog.Warn("write failed", "session", s.id, "error", err)
			s.audit.Result(s.user, replies.Type(), replies.Err(), false)
			return
		}
		s.audit.Result(s.user, replies.Type(), replies.Err(), true)
	}
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		return err
	}
	if err := s.conn.HandshakeContext(ctx); err != nil {
		return err
	}
	// from here on only reads are bounded by the idle timer
	return s.conn.SetWriteDeadline(time.Time{})
}

// readRequest reads one frame, re-arming the idle deadline before each of
// the header and payload reads.
func (s *Session) readRequest() (*wire.Message, error) {
	var header [wire.HeaderSize]byte
	if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint64(header[:])
	if length == 0 || length > maxFrameSize {
		return nil, fmt.Errorf("rejecting frame of %d bytes", length)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, err
	}
	return wire.FromBytes(payload), nil
}

func (s *Session) writeReplies(q *wire.ReplyQueue) error {
	for _, frame := range q.Frames() {
		if _, err := s.conn.Write(frame.Frame()); err != nil {
			return err
		}
	}
	return nil
}

// shutdown abandons any in-flight stream, logs, and closes the transport.
// Idempotent against double closes from the accept loop's context watcher.
func (s *Session) shutdown() {
	if s.user.ID != "" {
		s.handler.Streams().Abandon(s.user.ID)
	}
	s.audit.Event(s.user, "Shutdown")
	slog.Info("session end", "session", s.id, "user", s.user.Username, "ip", s.user.IP)
	s.conn.Close()
}

func timedOut(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
