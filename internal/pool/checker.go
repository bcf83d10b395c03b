package pool

import (
	"context"
	"time"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
)

// Checker periodically probes every pooled clone and rebuilds or
// destroys the broken ones. The checking flag suppresses allocation for
// the duration of the probe.
type Checker struct {
	pool   *Pool
	cancel context.CancelFunc
	done   chan struct{}
}

// StartChecker launches the health-check loop. Returns nil when VM
// checking is disabled in the config.
func (p *Pool) StartChecker() *Checker {
	if !p.cfg.VMCheck {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{pool: p, cancel: cancel, done: make(chan struct{})}
	go c.run(ctx)
	return c
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.done)

	freq := c.pool.cfg.VMCheckFrequency
	if freq <= 0 {
		freq = 30 * time.Minute
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.fixBrokenVMs(ctx)
		}
	}
}

// Stop terminates the loop and waits for it to exit. Safe on the nil
// checker of a disabled config.
func (c *Checker) Stop() {
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
	logging.Op().Info("vm checker stopped")
}

func (c *Checker) fixBrokenVMs(ctx context.Context) {
	p := c.pool

	p.mu.Lock()
	pooled := make([]*domain.VM, len(p.ready))
	copy(pooled, p.ready)
	p.mu.Unlock()

	for _, vm := range pooled {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// The snapshot is stale by now: a concurrent Get may have
		// reserved or taken the VM. Claim it atomically or leave it
		// alone.
		if !p.reserveForCheck(vm) {
			continue
		}
		logging.Op().Info("checking clone", "name", vm.Name, "ip", vm.IP(), "port", p.cfg.SeleniumPort)
		if vm.Ready() && !p.vmIsReady(ctx, vm) {
			c.rebuild(ctx, vm)
		}
		vm.SetChecking(false)
	}
}

// rebuild temporarily moves the clone to the in-use set so Get cannot
// hand it out mid-rebuild, then returns it on success or destroys it on
// failure.
func (c *Checker) rebuild(ctx context.Context, vm *domain.VM) {
	p := c.pool

	p.mu.Lock()
	p.ready = removeVM(p.ready, vm)
	p.using = append(p.using, vm)
	p.updateGaugesLocked()
	p.mu.Unlock()

	prov, ok := p.providers[vm.Provider]
	if !ok {
		p.Destroy(ctx, vm)
		return
	}

	if err := prov.Rebuild(ctx, vm); err != nil {
		logging.Op().Error("rebuild failed, destroying clone", "name", vm.Name, "error", err)
		p.Destroy(ctx, vm)
		return
	}

	p.metrics.VMRebuilt()
	p.ReturnVM(vm)
	logging.Op().Info("clone rebuilt", "name", vm.Name)
}
