package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/remobak/remobak/internal/wire"
)

const (
	keepaliveInterval = 30 * time.Second
	redialInterval    = 5 * time.Second
	dialTimeout       = 10 * time.Second

	// maxResponseFrame bounds a single reply frame; replies are capped at
	// the server's reply frame limit plus chunk and sign overhead.
	maxResponseFrame = wire.ReplyFrameLimit + wire.DownloadChunkSize + 1024
)

// PostStatus is the tri-state outcome of a request/response exchange.
type PostStatus int

const (
	// PostOK means a response was obtained.
	PostOK PostStatus = iota
	// PostDenied means the exchange failed but the connection is usable.
	PostDenied
	// PostLost means the transport is gone and a reconnect is required.
	PostLost
)

func (s PostStatus) String() string {
	switch s {
	case PostOK:
		return "ok"
	case PostDenied:
		return "denied"
	default:
		return "lost"
	}
}

// Conn multiplexes request/response exchanges over a single TLS stream.
// Every exchange runs under the connection mutex, so a second request is
// never written before the previous response has been read. A 30 s
// keepalive timer is re-armed after every successful write or read; when it
// fires with no traffic a KEEP_ALIVE frame is sent, and if that send
// reports a lost transport the reconnection callback runs.
type Conn struct {
	addr    string
	tlsConf *tls.Config

	mu        sync.Mutex
	stream    net.Conn
	keepalive *time.Timer

	onLost func()
}

// NewTLSConfig builds the client TLS parameters: the server is verified
// against the CA bundle at caPath and its certificate must be present.
func NewTLSConfig(caPath, serverName string) (*tls.Config, error) {
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caPath)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// NewConn returns an unconnected Conn for addr ("host:port").
func NewConn(addr string, tlsConf *tls.Config) *Conn {
	return &Conn{addr: addr, tlsConf: tlsConf}
}

// OnLost registers the reconnection callback. It is invoked outside the
// connection mutex when a keepalive send observes a lost transport; Post and
// PostChunked report PostLost to their caller instead.
func (c *Conn) OnLost(fn func()) {
	c.onLost = fn
}

// Connect dials the server, retrying the TCP connect every 5 s until it
// succeeds or ctx is cancelled. A TLS handshake failure is not retried.
func (c *Conn) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	for {
		nc, err := d.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			tc := tls.Client(nc, c.tlsConf)
			if err := tc.HandshakeContext(ctx); err != nil {
				nc.Close()
				return fmt.Errorf("tls handshake with %s: %w", c.addr, err)
			}
			c.mu.Lock()
			if c.stream != nil {
				c.stream.Close()
			}
			c.stream = tc
			c.mu.Unlock()
			slog.Info("connected", "addr", c.addr)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("connect failed, retrying", "addr", c.addr, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redialInterval):
		}
	}
}

// Close tears the stream down and cancels the keepalive timer.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopKeepaliveLocked()
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}

// CancelKeepalive stops the keepalive timer. Idempotent.
func (c *Conn) CancelKeepalive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopKeepaliveLocked()
}

func (c *Conn) stopKeepaliveLocked() {
	if c.keepalive != nil {
		c.keepalive.Stop()
	}
}

func (c *Conn) armKeepaliveLocked() {
	if c.keepalive == nil {
		c.keepalive = time.AfterFunc(keepaliveInterval, c.keepaliveFire)
		return
	}
	c.keepalive.Reset(keepaliveInterval)
}

func (c *Conn) keepaliveFire() {
	msg := wire.New(wire.MsgKeepAlive)
	msg.AddEnd()
	_, status := c.Post(msg)
	if status == PostLost {
		c.fireLost()
	}
}

func (c *Conn) fireLost() {
	if c.onLost != nil {
		c.onLost()
	}
}

// Post writes one request frame and reads the complete response. The
// response may span several sub-frames; they are concatenated per the
// protocol's continuation rule before being returned.
func (c *Conn) Post(req *wire.Message) (*wire.Message, PostStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status := c.writeLocked(req); status != PostOK {
		return nil, status
	}
	return c.readLocked()
}

// PostChunked streams a file-chunked message, one write/read round-trip per
// chunk, and returns the final chunk's response. It stops early on the
// first failed exchange.
func (c *Conn) PostChunked(fc *wire.FileChunker) (*wire.Message, PostStatus) {
	defer fc.Close()

	var (
		resp   *wire.Message
		status = PostDenied
	)
	for {
		msg, err := fc.Next()
		if errors.Is(err, io.EOF) {
			return resp, status
		}
		if err != nil {
			slog.Error("chunk read failed", "sign", fc.Sign(), "error", err)
			return nil, PostDenied
		}
		resp, status = c.Post(msg)
		if status != PostOK {
			return resp, status
		}
	}
}

func (c *Conn) writeLocked(req *wire.Message) PostStatus {
	if c.stream == nil {
		return PostLost
	}
	c.stopKeepaliveLocked()
	if _, err := c.stream.Write(req.Frame()); err != nil {
		if isLost(err) {
			slog.Warn("connection to the server has been lost", "error", err)
			return PostLost
		}
		slog.Error("write failed", "error", err)
		c.armKeepaliveLocked()
		return PostDenied
	}
	c.armKeepaliveLocked()
	return PostOK
}

// readLocked reads header/payload pairs, concatenating payloads into one
// buffer. Every pair after the first is a continuation: its leading
// MSG_TYPE byte is stripped so the type byte is not duplicated in the
// concatenation. Reading stops once the accumulated buffer ends with an
// END record.
func (c *Conn) readLocked() (*wire.Message, PostStatus) {
	if c.stream == nil {
		return nil, PostLost
	}
	c.stopKeepaliveLocked()

	var (
		buf    []byte
		header [wire.HeaderSize]byte
		first  = true
	)
	for {
		if _, err := io.ReadFull(c.stream, header[:]); err != nil {
			return nil, c.readErrLocked(err)
		}
		length := binary.LittleEndian.Uint64(header[:])
		if length == 0 || length > maxResponseFrame {
			slog.Error("rejecting response frame", "bytes", length)
			c.armKeepaliveLocked()
			return nil, PostDenied
		}
		if !first {
			// continuation frames repeat the message type; drop it
			var typ [1]byte
			if _, err := io.ReadFull(c.stream, typ[:]); err != nil {
				return nil, c.readErrLocked(err)
			}
			length--
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.stream, payload); err != nil {
			return nil, c.readErrLocked(err)
		}
		buf = append(buf, payload...)
		first = false
		if wire.VerifyEnd(buf) {
			break
		}
	}
	c.armKeepaliveLocked()
	return wire.FromBytes(buf), PostOK
}

func (c *Conn) readErrLocked(err error) PostStatus {
	if isLost(err) {
		slog.Warn("connection to the server has been lost", "error", err)
		return PostLost
	}
	slog.Error("read failed", "error", err)
	c.armKeepaliveLocked()
	return PostDenied
}

func isLost(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
