package session

import (
	"context"
	"fmt"
	"time"

	"github.com/vmmaster/vmmaster/internal/logging"
)

// Worker is the background reaper: it times out idle sessions so
// abandoned clients cannot pin a clone forever.
type Worker struct {
	mgr    *Manager
	cancel context.CancelFunc
	done   chan struct{}
}

// StartWorker launches the timeout loop. The check interval is a
// fraction of the session timeout so expiry lands close to the
// configured value.
func (m *Manager) StartWorker() *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{mgr: m, cancel: cancel, done: make(chan struct{})}
	go w.run(ctx)
	return w
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	interval := w.mgr.cfg.SessionTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reap(ctx)
		}
	}
}

// Stop terminates the loop and waits for it to exit.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
	logging.Op().Info("session worker stopped")
}

func (w *Worker) reap(ctx context.Context) {
	timeout := w.mgr.cfg.SessionTimeout
	for _, s := range w.mgr.Active() {
		idle := s.idle()
		if idle < timeout {
			continue
		}
		logging.Session(s.ID).Warn("session timed out", "idle", idle)
		w.mgr.Timeout(ctx, s,
			fmt.Sprintf("session timeout: no activity for %s", idle.Round(time.Second)))
	}
}
