// Package pool owns every clone in the system: the ready list, the in-use
// set, admission against the global capacity, and the background preloader
// and health checker.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/provider"
)

// ErrCapacityExceeded is returned by Add when the pool is at capacity.
var ErrCapacityExceeded = errors.New("maximum count of virtual machines already running")

// ErrUnknownPlatform is returned when no provider serves the platform.
var ErrUnknownPlatform = errors.New("unknown platform")

// Config holds the pool's operational settings.
type Config struct {
	SeleniumPort int
	PingTimeout  time.Duration
	Preloaded    map[string]int
	PreloaderFrequency time.Duration
	VMCheck            bool
	VMCheckFrequency   time.Duration
}

// Pool keeps the two canonical VM lists. A VM is in at most one of them;
// everything else is destroyed. All list mutations happen under mu;
// provider calls never do.
type Pool struct {
	mu    sync.Mutex
	ready []*domain.VM
	using []*domain.VM

	providers map[string]provider.Provider
	platforms map[string]string // platform name -> provider name

	cfg      Config
	capacity int
	metrics  *metrics.Metrics
}

// New builds a pool over the given providers and discovers their
// platforms.
func New(ctx context.Context, providers []provider.Provider, cfg Config) (*Pool, error) {
	p := &Pool{
		providers: make(map[string]provider.Provider),
		platforms: make(map[string]string),
		cfg:       cfg,
		metrics:   metrics.Global(),
	}

	for _, prov := range providers {
		p.providers[prov.Name()] = prov
		p.capacity += prov.MaxCount()

		platforms, err := prov.Platforms(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover %s platforms: %w", prov.Name(), err)
		}
		for _, pl := range platforms {
			p.platforms[pl.Name] = prov.Name()
		}
	}

	p.metrics.SetCanProduce(p.capacity)
	return p, nil
}

// Platforms returns the discovered platform descriptors.
func (p *Pool) Platforms() []domain.Platform {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Platform, 0, len(p.platforms))
	for name, prov := range p.platforms {
		out = append(out, domain.Platform{Name: name, Node: prov})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasPlatform reports whether any provider serves the platform.
func (p *Pool) HasPlatform(platform string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.platforms[platform]
	return ok
}

// Count is the number of VMs across both lists.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready) + len(p.using)
}

// CanProduce is the remaining admission headroom.
func (p *Pool) CanProduce() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canProduceLocked()
}

func (p *Pool) canProduceLocked() int {
	n := p.capacity - len(p.ready) - len(p.using)
	if n < 0 {
		return 0
	}
	return n
}

// Has reports whether a ready, non-checking VM for the platform is
// available.
func (p *Pool) Has(platform string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, vm := range p.ready {
		if vm.Platform == platform && vm.Ready() && !vm.Checking() {
			return true
		}
	}
	return false
}

// Add admits one on-demand VM into the in-use set and provisions it.
// Fails with ErrCapacityExceeded at capacity. On any creation error the
// clone is deleted and removed; a half-constructed VM is never left
// referenced.
func (p *Pool) Add(ctx context.Context, platform string) (*domain.VM, error) {
	return p.add(ctx, platform, "", toUsing)
}

// Preload admits one preloaded VM into the ready pool.
func (p *Pool) Preload(ctx context.Context, platform string) (*domain.VM, error) {
	return p.add(ctx, platform, domain.PrefixPreloaded, toReady)
}

type dest int

const (
	toUsing dest = iota
	toReady
)

func (p *Pool) add(ctx context.Context, platform, prefix string, to dest) (*domain.VM, error) {
	p.mu.Lock()
	provName, ok := p.platforms[platform]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	if p.canProduceLocked() == 0 {
		p.mu.Unlock()
		return nil, ErrCapacityExceeded
	}

	vm := domain.NewVM(platform, provName, prefix)
	if to == toReady {
		p.ready = append(p.ready, vm)
	} else {
		p.using = append(p.using, vm)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	prov := p.providers[provName]
	if err := prov.Create(ctx, vm); err != nil {
		logging.Op().Error("clone creation failed", "name", vm.Name, "platform", platform, "error", err)
		if derr := prov.Delete(context.WithoutCancel(ctx), vm); derr != nil {
			logging.Op().Error("cleanup after failed creation", "name", vm.Name, "error", derr)
		}
		p.remove(vm)
		return nil, err
	}

	p.metrics.VMCreated(platform)
	return vm, nil
}

// Get selects the oldest ready, non-checking VM for the platform,
// re-validates it, and moves it to the in-use set. A VM that fails
// validation is destroyed; the caller falls back to Add. Get never
// retries internally.
func (p *Pool) Get(ctx context.Context, platform string) *domain.VM {
	for {
		p.mu.Lock()
		var candidate *domain.VM
		for _, vm := range p.ready {
			if vm.Platform != platform || !vm.Ready() || vm.Checking() {
				continue
			}
			if candidate == nil || vm.CreationTime.Before(candidate.CreationTime) {
				candidate = vm
			}
		}
		if candidate == nil {
			p.mu.Unlock()
			return nil
		}
		// Reserve before probing so the checker and concurrent Gets
		// skip it.
		candidate.SetChecking(true)
		p.mu.Unlock()

		if p.vmIsReady(ctx, candidate) {
			p.mu.Lock()
			p.ready = removeVM(p.ready, candidate)
			p.using = append(p.using, candidate)
			p.updateGaugesLocked()
			p.mu.Unlock()
			candidate.SetChecking(false)
			candidate.Touch()
			return candidate
		}

		logging.Op().Warn("pooled clone failed validation, destroying", "name", candidate.Name)
		candidate.SetChecking(false)
		p.Destroy(ctx, candidate)
	}
}

// ReturnVM moves a VM from the in-use set back to the ready pool. Only
// internal rebuild paths use it; session termination destroys instead,
// because Selenium state is not safely reusable across clients.
func (p *Pool) ReturnVM(vm *domain.VM) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.using = removeVM(p.using, vm)
	p.ready = append(p.ready, vm)
	p.updateGaugesLocked()
}

// Destroy removes the VM from whichever list holds it and deletes it at
// the provider.
func (p *Pool) Destroy(ctx context.Context, vm *domain.VM) {
	p.remove(vm)
	if prov, ok := p.providers[vm.Provider]; ok {
		if err := prov.Delete(ctx, vm); err != nil {
			logging.Op().Error("clone deletion failed", "name", vm.Name, "error", err)
			return
		}
	}
	p.metrics.VMDeleted(vm.Platform)
}

func (p *Pool) remove(vm *domain.VM) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = removeVM(p.ready, vm)
	p.using = removeVM(p.using, vm)
	p.updateGaugesLocked()
}

// Free destroys everything in both lists. Terminal.
func (p *Pool) Free(ctx context.Context) {
	p.mu.Lock()
	vms := make([]*domain.VM, 0, len(p.ready)+len(p.using))
	vms = append(vms, p.ready...)
	vms = append(vms, p.using...)
	p.ready = nil
	p.using = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	logging.Op().Info("freeing pool", "count", len(vms))
	g, ctx := errgroup.WithContext(ctx)
	for _, vm := range vms {
		g.Go(func() error {
			if prov, ok := p.providers[vm.Provider]; ok {
				if err := prov.Delete(ctx, vm); err != nil {
					logging.Op().Error("clone deletion failed", "name", vm.Name, "error", err)
					return nil
				}
				p.metrics.VMDeleted(vm.Platform)
			}
			return nil
		})
	}
	g.Wait()
}

// reserveForCheck claims a clone for a health probe. The claim only
// succeeds while the VM is still in the ready list and nobody else holds
// it; a VM reserved by a concurrent Get keeps its flag untouched.
func (p *Pool) reserveForCheck(vm *domain.VM) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !containsVM(p.ready, vm) || vm.Checking() {
		return false
	}
	vm.SetChecking(true)
	return true
}

// vmIsReady probes the clone's Selenium port.
func (p *Pool) vmIsReady(ctx context.Context, vm *domain.VM) bool {
	return provider.Ping(ctx, vm.IP(), p.cfg.SeleniumPort, p.cfg.PingTimeout)
}

func containsVM(list []*domain.VM, vm *domain.VM) bool {
	for _, v := range list {
		if v == vm {
			return true
		}
	}
	return false
}

func removeVM(list []*domain.VM, vm *domain.VM) []*domain.VM {
	for i, v := range list {
		if v == vm {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func countByPlatform(list []*domain.VM) map[string]int {
	out := map[string]int{}
	for _, vm := range list {
		out[vm.Platform]++
	}
	return out
}

func (p *Pool) updateGaugesLocked() {
	for platform := range p.platforms {
		p.metrics.SetPoolReady(platform, 0)
		p.metrics.SetPoolUsing(platform, 0)
	}
	for platform, n := range countByPlatform(p.ready) {
		p.metrics.SetPoolReady(platform, n)
	}
	for platform, n := range countByPlatform(p.using) {
		p.metrics.SetPoolUsing(platform, n)
	}
	p.metrics.SetCanProduce(p.canProduceLocked())
}

// Info is the admin-surface snapshot of both lists.
func (p *Pool) Info() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	views := func(list []*domain.VM) []domain.View {
		out := make([]domain.View, 0, len(list))
		for _, vm := range list {
			out = append(out, vm.View())
		}
		return out
	}

	return map[string]any{
		"pool": map[string]any{
			"count": countByPlatform(p.ready),
			"list":  views(p.ready),
		},
		"using": map[string]any{
			"count": countByPlatform(p.using),
			"list":  views(p.using),
		},
		"can_produce": p.canProduceLocked(),
	}
}
