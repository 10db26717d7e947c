package client

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/remobak/remobak/internal/digest"
	"github.com/remobak/remobak/internal/dirview"
	"github.com/remobak/remobak/internal/utils"
)

// notifyDebounce is how long a filesystem event is allowed to pull the next
// rescan forward. Polling stays the mechanism that detects changes; events
// only shorten the wait after a burst of writes.
const notifyDebounce = 500 * time.Millisecond

// ops is the scheduler surface the watcher drives.
type ops interface {
	Sync() error
	Create(rel, dig string)
	Update(rel, dig string)
	Erase(rel, dig string)
}

// Watcher rescans the watched tree on a fixed period and hands divergence
// between disk and the last-known synced state to the scheduler.
type Watcher struct {
	view   *dirview.Dir[dirview.ClientResource]
	sched  ops
	delay  time.Duration
	events chan notify.EventInfo
}

// NewWatcher builds a watcher and performs the initial synchronous scan,
// populating the view with unknown/not-on-server entries.
func NewWatcher(view *dirview.Dir[dirview.ClientResource], sched ops, delay time.Duration) (*Watcher, error) {
	w := &Watcher{
		view:   view,
		sched:  sched,
		delay:  delay,
		events: make(chan notify.EventInfo, 64),
	}
	slog.Info("scanning directory", "root", view.Root())
	if err := w.scanInitial(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watcher) scanInitial() error {
	return walkFiles(w.view.Root(), func(rel, absolute string) error {
		dig, err := digest.File(absolute, rel)
		if err != nil {
			return err
		}
		w.view.Put(rel, dirview.ClientResource{
			Synced:         dirview.StateUnknown,
			ExistsOnServer: false,
			Digest:         dig,
		})
		return nil
	})
}

// Start runs the initial sync and then loops until ctx is cancelled:
// every tick it schedules ERASE for view entries whose file disappeared and
// CREATE/UPDATE for new, changed, or previously failed paths.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.sched.Sync(); err != nil {
		return err
	}

	if err := notify.Watch(filepath.Join(w.view.Root(), "..."), w.events, notify.All); err != nil {
		slog.Warn("fs events unavailable, relying on polling only", "error", err)
	} else {
		defer notify.Stop(w.events)
	}

	// a timer, not a ticker: a slow pass must not queue extra ticks
	timer := time.NewTimer(w.delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-w.events:
			// collapse the burst, then rescan early
			w.drainEvents()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		w.tick()
		timer.Reset(w.delay)
	}
}

func (w *Watcher) drainEvents() {
	deadline := time.After(notifyDebounce)
	for {
		select {
		case <-w.events:
		case <-deadline:
			return
		}
	}
}

// tick runs one reconciliation pass between disk and the view.
func (w *Watcher) tick() {
	root := w.view.Root()

	w.view.ForEach(func(rel string, rsrc dirview.ClientResource) {
		if utils.FileExists(filepath.Join(root, filepath.FromSlash(rel))) {
			return
		}
		if rsrc.Synced != dirview.StateUnknown && rsrc.ExistsOnServer {
			w.sched.Erase(rel, rsrc.Digest)
		}
	})

	err := walkFiles(root, func(rel, absolute string) error {
		dig, err := digest.File(absolute, rel)
		if err != nil {
			// racing a writer or a deletion; next tick sees the settled state
			return nil
		}
		rsrc, ok := w.view.Get(rel)
		switch {
		case !ok:
			w.sched.Create(rel, dig)
		case rsrc.Synced == dirview.StateSynced && rsrc.Digest != dig:
			w.sched.Update(rel, dig)
		case rsrc.Synced == dirview.StateOutOfSync && rsrc.ExistsOnServer:
			w.sched.Update(rel, dig)
		case rsrc.Synced == dirview.StateOutOfSync && !rsrc.ExistsOnServer:
			w.sched.Create(rel, dig)
		}
		// StateUnknown: a response is still pending, leave it alone
		return nil
	})
	if err != nil {
		slog.Error("rescan failed", "error", err)
	}
}

// walkFiles calls fn for every regular file under root with its
// slash-separated relative path.
func walkFiles(root string, fn func(rel, absolute string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		return fn(filepath.ToSlash(rel), path)
	})
}
