package server

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/remobak/remobak/internal/wire"
)

const auditTimeFormat = "2006-01-02T15:04:05Z"

// AuditLog appends one line per session event or served request to the
// audit file. A single mutex keeps lines whole under concurrent sessions.
type AuditLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenAuditLog opens (or creates) the audit file in append mode.
func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{f: f}, nil
}

func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func identity(u *User) string {
	if u.Username == "" {
		return u.IP
	}
	return u.Username + "@" + u.IP
}

func (l *AuditLog) line(u *User, body string) {
	now := time.Now().UTC().Format(auditTimeFormat)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "[%s][%s][%s]\n", now, identity(u), body)
}

// Event records a free-text session event, e.g. "Accepted connection".
func (l *AuditLog) Event(u *User, text string) {
	l.line(u, text)
}

// Result records the outcome of one served request.
func (l *AuditLog) Result(u *User, t wire.MsgType, e wire.ErrType, connOK bool) {
	conn := "OK"
	if !connOK {
		conn = "ERR"
	}
	l.line(u, fmt.Sprintf("TYPE: %s RES: %s CONN: %s", t, e, conn))
}
