// Package domain holds the core types shared by the pool, sessions,
// providers and the store.
package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Prefixes classifying how a clone came to exist.
const (
	PrefixOnDemand  = "ondemand"
	PrefixPreloaded = "preloaded"
)

// VM is a clone produced from an origin image. A VM belongs to exactly one
// of the pool's ready list, the in-use set, or is destroyed.
type VM struct {
	Name     string
	Platform string
	Provider string
	Prefix   string

	mu       sync.Mutex
	ip       string
	mac      string
	ready    bool
	checking bool

	CreationTime time.Time
	lastActivity time.Time
}

// NewVM builds a clone descriptor named "<prefix>-<uuid>". An empty
// prefix means on-demand.
func NewVM(platform, provider, prefix string) *VM {
	if prefix == "" {
		prefix = PrefixOnDemand
	}
	now := time.Now()
	return &VM{
		Name:         fmt.Sprintf("%s-%s", prefix, uuid.New()),
		Platform:     platform,
		Provider:     provider,
		Prefix:       prefix,
		CreationTime: now,
		lastActivity: now,
	}
}

func (vm *VM) IP() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.ip
}

func (vm *VM) Mac() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.mac
}

// SetAddress records the provider-reported addresses.
func (vm *VM) SetAddress(ip, mac string) {
	vm.mu.Lock()
	vm.ip = ip
	vm.mac = mac
	vm.mu.Unlock()
}

func (vm *VM) Ready() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.ready
}

func (vm *VM) SetReady(ready bool) {
	vm.mu.Lock()
	vm.ready = ready
	vm.mu.Unlock()
}

// Checking reports whether the health checker currently owns this VM.
// A checking VM is excluded from allocation.
func (vm *VM) Checking() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.checking
}

func (vm *VM) SetChecking(checking bool) {
	vm.mu.Lock()
	vm.checking = checking
	vm.mu.Unlock()
}

// Touch resets the activity timer. Called on every successfully
// forwarded request.
func (vm *VM) Touch() {
	vm.mu.Lock()
	vm.lastActivity = time.Now()
	vm.mu.Unlock()
}

// Idle returns how long ago the VM last saw activity.
func (vm *VM) Idle() time.Duration {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return time.Since(vm.lastActivity)
}

// Preloaded reports whether the clone was produced by the preloader.
func (vm *VM) Preloaded() bool {
	return len(vm.Prefix) >= len(PrefixPreloaded) && vm.Prefix[:len(PrefixPreloaded)] == PrefixPreloaded
}

// View is the admin-surface snapshot of a VM.
type View struct {
	Name     string `json:"name"`
	IP       string `json:"ip"`
	Ready    bool   `json:"ready"`
	Checking bool   `json:"checking"`
}

func (vm *VM) View() View {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return View{Name: vm.Name, IP: vm.ip, Ready: vm.ready, Checking: vm.checking}
}
