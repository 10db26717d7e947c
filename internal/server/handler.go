package server

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/remobak/remobak/internal/digest"
	"github.com/remobak/remobak/internal/dirview"
	"github.com/remobak/remobak/internal/utils"
	"github.com/remobak/remobak/internal/wire"
)

// tempDigest marks a view entry whose transfer is still in flight.
const tempDigest = "TEMP"

// tempSuffix is appended to a path while an UPDATE accumulates chunks; the
// final chunk renames it over the original.
const tempSuffix = ".temp"

// User is the per-session state: identity, the authentication → listing
// gate, and the directory view rooted at the user's backup tree.
type User struct {
	ID            string
	Username      string
	IP            string
	Authenticated bool
	Listed        bool
	Dir           *dirview.Dir[dirview.ServerResource]
}

// Handler decodes one request, mutates the session and produces the reply
// queue. It is shared by all sessions; per-path state is isolated because
// each session owns its directory view, and the open-stream map carries its
// own lock.
type Handler struct {
	backupRoot      string
	credentialsPath string
	streams         *OpenStreams

	// fatal is invoked for filesystem failures that imply corruption
	// (cannot remove or rename inside the backup root).
	fatal func(error)
}

// NewHandler builds the shared request handler.
func NewHandler(backupRoot, credentialsPath string, fatal func(error)) *Handler {
	if fatal == nil {
		fatal = func(err error) {
			slog.Error("unrecoverable filesystem failure", "error", err)
			os.Exit(1)
		}
	}
	return &Handler{
		backupRoot:      backupRoot,
		credentialsPath: credentialsPath,
		streams:         NewOpenStreams(),
		fatal:           fatal,
	}
}

// Streams exposes the open-stream map for session teardown.
func (h *Handler) Streams() *OpenStreams {
	return h.streams
}

// Handle dispatches a decoded request against the session state machine:
// AUTH is the only message accepted before authentication, LIST the only
// one between authentication and listing, and the mutation set afterwards.
// Anything else is rejected with ERR_MSG_TYPE_REJECTED.
func (h *Handler) Handle(req *wire.Message, u *User) *wire.ReplyQueue {
	q := wire.NewReplyQueue(req.Type())
	v := wire.NewView(req)
	if !v.Next() {
		q.CloseError(wire.ErrNoContent)
		return q
	}

	switch {
	case !u.Authenticated:
		if req.Type() == wire.MsgAuth {
			h.handleAuth(v, q, u)
		} else {
			q.CloseError(wire.ErrMsgTypeRejected)
		}
	case !u.Listed:
		if req.Type() == wire.MsgList {
			h.handleList(q, u)
		} else {
			q.CloseError(wire.ErrMsgTypeRejected)
		}
	default:
		switch req.Type() {
		case wire.MsgCreate:
			h.handleCreate(v, q, u)
		case wire.MsgUpdate:
			h.handleUpdate(v, q, u)
		case wire.MsgErase:
			h.handleErase(v, q, u)
		case wire.MsgRetrieve:
			h.handleRetrieve(v, q, u)
		case wire.MsgKeepAlive:
			q.CloseOK()
		default:
			q.CloseError(wire.ErrMsgTypeRejected)
		}
	}
	return q
}

// handleAuth expects USRN then PSWD records and verifies them against the
// credentials file. Success binds the session to <backup-root>/<md5(user)>.
func (h *Handler) handleAuth(v *wire.View, q *wire.ReplyQueue, u *User) {
	if v.Type() != wire.TLVUsername {
		q.CloseError(wire.ErrAuthNoUsername)
		return
	}
	username := v.Text()

	if !v.Next() || v.Type() != wire.TLVPassword {
		q.CloseError(wire.ErrAuthNoPassword)
		return
	}
	password := v.Text()

	if !digest.VerifyPassword(h.credentialsPath, username, password) {
		q.CloseError(wire.ErrAuthFailed)
		return
	}

	u.ID = digest.Text(username)
	u.Username = username
	u.Dir = dirview.New[dirview.ServerResource](filepath.Join(h.backupRoot, u.ID), false)
	if err := utils.EnsureDir(u.Dir.Root()); err != nil {
		q.CloseError(wire.ErrAuthFailed)
		return
	}
	u.Authenticated = true
	q.CloseOK()
}

// handleList streams the user's tree as ITEM records, rebuilding the
// session view as it walks. Any filesystem error resets the reply and
// clears the view.
func (h *Handler) handleList(q *wire.ReplyQueue, u *User) {
	root := u.Dir.Root()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		dig, err := digest.File(path, rel)
		if err != nil {
			return err
		}
		u.Dir.Put(rel, dirview.ServerResource{Synced: true, Digest: dig})
		q.AddString(wire.TLVItem, digest.Sign(rel, dig))
		return nil
	})
	if err != nil {
		slog.Error("list walk failed", "user", u.Username, "error", err)
		u.Dir.Clear()
		q.Reset()
		q.CloseError(wire.ErrListFailed)
		return
	}
	u.Listed = true
	q.CloseOK()
}

// writeChunk appends the CONTENT record(s) the view is positioned on to the
// stream. The sender pins one CONTENT per frame but trailing CONTENT
// records are tolerated.
func writeChunk(v *wire.View, f io.Writer) error {
	for {
		if _, err := f.Write(v.Value()); err != nil {
			return err
		}
		if !v.Next() || v.Type() != wire.TLVContent {
			return nil
		}
	}
}

// handleCreate streams chunks into the target path, appending across
// request cycles via the open-stream map, and verifies the digest once the
// last chunk arrives.
func (h *Handler) handleCreate(v *wire.View, q *wire.ReplyQueue, u *User) {
	if v.Type() != wire.TLVItem {
		q.CloseError(wire.ErrCreateNoItem)
		return
	}
	sign := v.Text()
	rel, cDigest, err := digest.SplitSign(sign)
	if err != nil {
		q.CloseError(wire.ErrCreateNoItem)
		return
	}
	q.AddString(wire.TLVItem, sign)

	if !v.Next() || v.Type() != wire.TLVContent {
		q.CloseError(wire.ErrCreateNoContent)
		return
	}

	if rsrc, ok := u.Dir.Get(rel); ok && rsrc.Synced {
		q.CloseError(wire.ErrCreateAlreadyExist)
		return
	}

	absolute := filepath.Join(u.Dir.Root(), filepath.FromSlash(rel))
	if err := utils.EnsureParent(absolute); err != nil {
		q.CloseError(wire.ErrCreateFailed)
		return
	}

	f, isFirst, err := h.streams.Get(u.ID, absolute)
	if err != nil {
		q.CloseError(wire.ErrCreateFailed)
		return
	}
	isLast := v.VerifyEnd()

	if err := writeChunk(v, f); err != nil {
		q.CloseError(wire.ErrCreateFailed)
		return
	}

	if isFirst {
		dig := tempDigest
		if isLast {
			dig = cDigest
		}
		u.Dir.Put(rel, dirview.ServerResource{Synced: isLast, Digest: dig})
	} else if isLast {
		u.Dir.Put(rel, dirview.ServerResource{Synced: true, Digest: cDigest})
	}

	if isLast {
		if err := h.streams.Close(u.ID); err != nil {
			q.CloseError(wire.ErrCreateFailed)
			return
		}
		sDigest, err := digest.File(absolute, rel)
		if err != nil {
			h.discard(absolute, rel, u)
			q.CloseError(wire.ErrCreateFailed)
			return
		}
		if sDigest != cDigest {
			h.discard(absolute, rel, u)
			q.CloseError(wire.ErrCreateNoMatch)
			return
		}
	}
	q.CloseOK()
}

// handleUpdate is the CREATE streaming contract against <path>.temp, with
// an atomic remove+rename once the last chunk has been written.
func (h *Handler) handleUpdate(v *wire.View, q *wire.ReplyQueue, u *User) {
	if v.Type() != wire.TLVItem {
		q.CloseError(wire.ErrUpdateNoItem)
		return
	}
	sign := v.Text()
	rel, cDigest, err := digest.SplitSign(sign)
	if err != nil {
		q.CloseError(wire.ErrUpdateNoItem)
		return
	}
	q.AddString(wire.TLVItem, sign)

	if !v.Next() || v.Type() != wire.TLVContent {
		q.CloseError(wire.ErrUpdateNoContent)
		return
	}

	rsrc, ok := u.Dir.Get(rel)
	if !ok {
		q.CloseError(wire.ErrUpdateNotExist)
		return
	}
	if rsrc.Digest == cDigest {
		q.CloseError(wire.ErrUpdateAlreadyUpdated)
		return
	}

	absolute := filepath.Join(u.Dir.Root(), filepath.FromSlash(rel))
	tempPath := absolute + tempSuffix

	f, isFirst, err := h.streams.Get(u.ID, tempPath)
	if err != nil {
		q.CloseError(wire.ErrUpdateFailed)
		return
	}
	isLast := v.VerifyEnd()

	if err := writeChunk(v, f); err != nil {
		q.CloseError(wire.ErrUpdateFailed)
		return
	}

	if isFirst {
		dig := rsrc.Digest
		if isLast {
			dig = cDigest
		}
		u.Dir.Put(rel, dirview.ServerResource{Synced: isLast, Digest: dig})
	} else if isLast {
		u.Dir.Put(rel, dirview.ServerResource{Synced: true, Digest: cDigest})
	}

	if isLast {
		if err := h.streams.Close(u.ID); err != nil {
			q.CloseError(wire.ErrUpdateFailed)
			return
		}
		if err := os.Remove(absolute); err != nil && !os.IsNotExist(err) {
			h.fatal(fmt.Errorf("remove %s: %w", absolute, err))
			return
		}
		if err := os.Rename(tempPath, absolute); err != nil {
			h.fatal(fmt.Errorf("rename %s: %w", tempPath, err))
			return
		}
		sDigest, err := digest.File(absolute, rel)
		if err != nil {
			h.discard(absolute, rel, u)
			q.CloseError(wire.ErrUpdateFailed)
			return
		}
		if sDigest != cDigest {
			h.discard(absolute, rel, u)
			q.CloseError(wire.ErrUpdateNoMatch)
			return
		}
	}
	q.CloseOK()
}

// handleErase deletes the addressed file, then every ancestor directory
// that became empty, stopping short of the user's root.
func (h *Handler) handleErase(v *wire.View, q *wire.ReplyQueue, u *User) {
	if v.Type() != wire.TLVItem {
		q.CloseError(wire.ErrEraseNoItem)
		return
	}
	sign := v.Text()
	rel, cDigest, err := digest.SplitSign(sign)
	if err != nil {
		q.CloseError(wire.ErrEraseNoItem)
		return
	}
	q.AddString(wire.TLVItem, sign)

	rsrc, ok := u.Dir.Get(rel)
	if !ok || rsrc.Digest != cDigest {
		q.CloseError(wire.ErrEraseNoMatch)
		return
	}

	absolute := filepath.Join(u.Dir.Root(), filepath.FromSlash(rel))
	if err := os.Remove(absolute); err != nil {
		q.CloseError(wire.ErrEraseFailed)
		return
	}
	u.Dir.Erase(rel)
	q.CloseOK()

	pruneEmptyDirs(filepath.Dir(absolute), u.Dir.Root())
}

// pruneEmptyDirs removes dir and its ancestors while they are empty,
// stopping at (and never removing) root.
func pruneEmptyDirs(dir, root string) {
	for dir != root && len(dir) > len(root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// handleRetrieve streams the addressed file back as a file-chunked message:
// every frame carries ITEM and one 4 KiB CONTENT record, the last frame
// also the END.
func (h *Handler) handleRetrieve(v *wire.View, q *wire.ReplyQueue, u *User) {
	if v.Type() != wire.TLVItem {
		q.CloseError(wire.ErrRetrieveFailed)
		return
	}
	sign := v.Text()
	rel, _, err := digest.SplitSign(sign)
	if err != nil {
		q.CloseError(wire.ErrRetrieveFailed)
		return
	}

	absolute := filepath.Join(u.Dir.Root(), filepath.FromSlash(rel))
	fc, err := wire.NewFileChunker(wire.MsgRetrieve, absolute, sign, wire.DownloadChunkSize)
	if err != nil {
		q.CloseError(wire.ErrRetrieveFailed)
		return
	}
	defer fc.Close()

	for {
		msg, err := fc.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			q.Reset()
			q.CloseError(wire.ErrRetrieveFailed)
			return
		}
		q.AddMessage(msg)
	}
}

// discard removes a file whose transfer failed verification, together with
// its view entry. A failing remove means the backup tree is no longer
// trustworthy and terminates the process.
func (h *Handler) discard(absolute, rel string, u *User) {
	if err := os.Remove(absolute); err != nil && !os.IsNotExist(err) {
		h.fatal(fmt.Errorf("remove %s: %w", absolute, err))
		return
	}
	u.Dir.Erase(rel)
}
