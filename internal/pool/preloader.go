package pool

import (
	"context"
	"time"

	"github.com/vmmaster/vmmaster/internal/logging"
)

// Preloader keeps the configured number of warm clones per platform.
// One preload per tick keeps the loop responsive to shutdown and avoids
// bursts that starve on-demand adds.
type Preloader struct {
	pool   *Pool
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPreloader launches the preload loop.
func (p *Pool) StartPreloader() *Preloader {
	ctx, cancel := context.WithCancel(context.Background())
	pl := &Preloader{pool: p, cancel: cancel, done: make(chan struct{})}
	go pl.run(ctx)
	return pl
}

func (pl *Preloader) run(ctx context.Context) {
	defer close(pl.done)

	freq := pl.pool.cfg.PreloaderFrequency
	if freq <= 0 {
		freq = 3 * time.Second
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if pl.pool.CanProduce() == 0 {
			continue
		}
		platform := pl.pool.needLoad()
		if platform == "" {
			continue
		}

		logging.Op().Info("preloading clone", "platform", platform)
		if _, err := pl.pool.Preload(ctx, platform); err != nil {
			logging.Op().Error("preload failed", "platform", platform, "error", err)
		}
	}
}

// Stop terminates the loop and waits for it to exit.
func (pl *Preloader) Stop() {
	pl.cancel()
	<-pl.done
	logging.Op().Info("preloader stopped")
}

// needLoad returns the first platform whose preloaded population (ready
// pool plus preloaded clones still in use) is below its configured
// count, or "" when none is.
func (p *Pool) needLoad() string {
	p.mu.Lock()
	have := countByPlatform(p.ready)
	for _, vm := range p.using {
		if vm.Preloaded() {
			have[vm.Platform]++
		}
	}
	p.mu.Unlock()

	for _, pl := range p.Platforms() {
		need, ok := p.cfg.Preloaded[pl.Name]
		if ok && need > have[pl.Name] {
			return pl.Name
		}
	}
	return ""
}
