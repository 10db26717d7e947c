package client

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/remobak/remobak/internal/digest"
	"github.com/remobak/remobak/internal/utils"
	"github.com/remobak/remobak/internal/wire"
)

// ErrRestoreFailed is returned when the restore listing cannot be obtained,
// and wrapped when any listed file fails to restore.
var ErrRestoreFailed = errors.New("restore failed")

// Restore pulls the full backup tree down into the watch root: one LIST,
// then a synchronous RETRIEVE per listed item. Files whose streamed content
// does not match the listed digest are deleted again.
func (s *Scheduler) Restore() error {
	slog.Info("scheduling restore")
	req := wire.New(wire.MsgList)
	req.AddEnd()

	resp, status := s.conn.Post(req)
	if status != PostOK {
		return fmt.Errorf("%w: could not obtain server file list", ErrRestoreFailed)
	}

	v := wire.NewView(resp)
	if resp.Type() != wire.MsgList || !v.Next() || v.Type() == wire.TLVError {
		return ErrRestoreFailed
	}

	restored, failed := 0, 0
	for v.Valid() {
		if v.Type() == wire.TLVItem {
			if err := s.retrieve(v.Text()); err != nil {
				slog.Warn("retrieve failed", "error", err)
				failed++
			} else {
				restored++
			}
		}
		v.Next()
	}
	slog.Info("restore done", "restored", restored, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%w: %d files failed", ErrRestoreFailed, failed)
	}
	return nil
}

// retrieve fetches one file version and writes it under the watch root,
// verifying the streamed bytes against the sign's digest.
func (s *Scheduler) retrieve(sign string) error {
	rel, want, err := digest.SplitSign(sign)
	if err != nil {
		return err
	}
	slog.Info("scheduling RETRIEVE", "path", rel)

	req := wire.New(wire.MsgRetrieve)
	req.AddString(wire.TLVItem, sign)
	req.AddEnd()

	resp, status := s.conn.Post(req)
	if status != PostOK || resp.Type() != wire.MsgRetrieve {
		return fmt.Errorf("RETRIEVE %s: no response", rel)
	}

	absolute := filepath.Join(s.view.Root(), filepath.FromSlash(rel))
	if err := utils.EnsureParent(absolute); err != nil {
		return fmt.Errorf("RETRIEVE %s: %w", rel, err)
	}
	f, err := os.Create(absolute)
	if err != nil {
		return fmt.Errorf("RETRIEVE %s: %w", rel, err)
	}

	written := int64(0)
	v := wire.NewView(resp)
	for v.Next() && v.Type() == wire.TLVItem && v.Text() == sign &&
		v.Next() && v.Type() == wire.TLVContent {
		n, werr := f.Write(v.Value())
		written += int64(n)
		if werr != nil {
			f.Close()
			os.Remove(absolute)
			return fmt.Errorf("RETRIEVE %s: %w", rel, werr)
		}
	}
	if v.Type() != wire.TLVEnd {
		f.Close()
		os.Remove(absolute)
		return fmt.Errorf("RETRIEVE %s: malformed stream", rel)
	}
	if err := f.Close(); err != nil {
		os.Remove(absolute)
		return fmt.Errorf("RETRIEVE %s: %w", rel, err)
	}

	got, err := digest.File(absolute, rel)
	if err != nil || got != want {
		os.Remove(absolute)
		return fmt.Errorf("RETRIEVE %s: digest mismatch", rel)
	}
	slog.Info("RETRIEVE done", "path", rel, "size", humanize.IBytes(uint64(written)))
	return nil
}
