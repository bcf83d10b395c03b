package pool

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/provider"
)

type fakeProvider struct {
	mu         sync.Mutex
	name       string
	maxCount   int
	platforms  []string
	ip         string
	createErr  error
	rebuildErr error
	created    []string
	deleted    []string
	rebuilt    []string
}

var _ provider.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) MaxCount() int { return f.maxCount }

func (f *fakeProvider) Platforms(context.Context) ([]domain.Platform, error) {
	out := make([]domain.Platform, 0, len(f.platforms))
	for _, p := range f.platforms {
		out = append(out, domain.Platform{Name: p, Node: f.name})
	}
	return out, nil
}

func (f *fakeProvider) Create(_ context.Context, vm *domain.VM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	vm.SetAddress(f.ip, "52:54:00:00:00:01")
	vm.SetReady(true)
	f.created = append(f.created, vm.Name)
	return nil
}

func (f *fakeProvider) Delete(_ context.Context, vm *domain.VM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, vm.Name)
	return nil
}

func (f *fakeProvider) Rebuild(_ context.Context, vm *domain.VM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rebuildErr != nil {
		return f.rebuildErr
	}
	f.rebuilt = append(f.rebuilt, vm.Name)
	return nil
}

func (f *fakeProvider) Exists(context.Context, *domain.VM) (bool, error)  { return true, nil }
func (f *fakeProvider) Created(context.Context, *domain.VM) (bool, error) { return true, nil }

func (f *fakeProvider) deletedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// listenTCP opens a local listener standing in for a clone's Selenium
// port.
func listenTCP(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func newTestPool(t *testing.T, f *fakeProvider, port int, preloaded map[string]int) *Pool {
	t.Helper()
	p, err := New(context.Background(), []provider.Provider{f}, Config{
		SeleniumPort: port,
		PingTimeout:  time.Second,
		Preloaded:    preloaded,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func TestAddCapacityExceeded(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 1, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	if _, err := p.Add(context.Background(), "ubuntu"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := p.Add(context.Background(), "ubuntu")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if got := p.Count(); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
}

func TestAddUnknownPlatform(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 1, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	_, err := p.Add(context.Background(), "windows")
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestAddCleansUpOnCreateFailure(t *testing.T) {
	f := &fakeProvider{
		name: "kvm", maxCount: 2, platforms: []string{"ubuntu"},
		createErr: errors.New("qemu exploded"),
	}
	p := newTestPool(t, f, 1, nil)

	if _, err := p.Add(context.Background(), "ubuntu"); err == nil {
		t.Fatal("expected creation error")
	}
	if got := p.Count(); got != 0 {
		t.Fatalf("failed creation left %d VMs referenced", got)
	}
	if len(f.deletedNames()) != 1 {
		t.Fatalf("expected cleanup delete, got %v", f.deletedNames())
	}
}

func TestGetReturnsOldestReady(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 3, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	first, err := p.Preload(context.Background(), "ubuntu")
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := p.Preload(context.Background(), "ubuntu"); err != nil {
		t.Fatalf("preload: %v", err)
	}

	got := p.Get(context.Background(), "ubuntu")
	if got == nil {
		t.Fatal("expected a VM")
	}
	if got != first {
		t.Fatalf("expected oldest VM %s, got %s", first.Name, got.Name)
	}
	if p.Has("ubuntu") != true {
		t.Fatal("second VM should still be in the ready pool")
	}
}

func TestGetSkipsCheckingVMs(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 2, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	first, _ := p.Preload(context.Background(), "ubuntu")
	time.Sleep(5 * time.Millisecond)
	second, _ := p.Preload(context.Background(), "ubuntu")

	first.SetChecking(true)
	got := p.Get(context.Background(), "ubuntu")
	if got != second {
		t.Fatalf("expected the non-checking VM %s, got %v", second.Name, got)
	}
}

func TestGetDestroysUnreachableVM(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 2, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	vm, _ := p.Preload(context.Background(), "ubuntu")
	// Point at a port nothing listens on.
	vm.SetAddress("127.0.0.1", vm.Mac())
	p.cfg.SeleniumPort = port + 1

	if got := p.Get(context.Background(), "ubuntu"); got != nil {
		t.Fatalf("expected no VM, got %s", got.Name)
	}
	if len(f.deletedNames()) != 1 {
		t.Fatalf("unreachable VM should be destroyed, deletions: %v", f.deletedNames())
	}
	if p.Count() != 0 {
		t.Fatalf("destroyed VM still referenced, count %d", p.Count())
	}
}

func TestReturnVM(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 1, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	vm, err := p.Add(context.Background(), "ubuntu")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if p.Has("ubuntu") {
		t.Fatal("in-use VM must not be allocatable")
	}

	p.ReturnVM(vm)
	if !p.Has("ubuntu") {
		t.Fatal("returned VM should be in the ready pool")
	}
	if p.Count() != 1 {
		t.Fatalf("expected count 1, got %d", p.Count())
	}
}

func TestNeedLoad(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 3, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, map[string]int{"ubuntu": 2})

	if got := p.needLoad(); got != "ubuntu" {
		t.Fatalf("expected ubuntu to need preloading, got %q", got)
	}

	p.Preload(context.Background(), "ubuntu")
	if got := p.needLoad(); got != "ubuntu" {
		t.Fatalf("one of two preloaded, expected ubuntu, got %q", got)
	}

	p.Preload(context.Background(), "ubuntu")
	if got := p.needLoad(); got != "" {
		t.Fatalf("preload target met, expected none, got %q", got)
	}

	// A preloaded VM handed to a session still counts.
	p.Get(context.Background(), "ubuntu")
	if got := p.needLoad(); got != "" {
		t.Fatalf("preloaded VM in use still counts, got %q", got)
	}
}

func TestFreeDestroysEverything(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 3, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	p.Preload(context.Background(), "ubuntu")
	p.Add(context.Background(), "ubuntu")

	p.Free(context.Background())
	if p.Count() != 0 {
		t.Fatalf("expected empty pool, count %d", p.Count())
	}
	if len(f.deletedNames()) != 2 {
		t.Fatalf("expected 2 deletions, got %v", f.deletedNames())
	}
	if p.CanProduce() != 3 {
		t.Fatalf("expected full headroom after free, got %d", p.CanProduce())
	}
}

func TestCheckerRebuildsBrokenVM(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 1, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	vm, _ := p.Preload(context.Background(), "ubuntu")
	// Break connectivity so the probe fails.
	p.cfg.SeleniumPort = port + 1

	c := &Checker{pool: p}
	c.fixBrokenVMs(context.Background())

	if len(f.rebuilt) != 1 {
		t.Fatalf("expected one rebuild, got %v", f.rebuilt)
	}
	if !p.Has("ubuntu") {
		t.Fatal("rebuilt VM should be back in the ready pool")
	}
	if vm.Checking() {
		t.Fatal("checking flag must be cleared after the pass")
	}
}

func TestCheckerDestroysWhenRebuildFails(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{
		name: "kvm", maxCount: 1, platforms: []string{"ubuntu"}, ip: ip,
		rebuildErr: errors.New("rebuild failed"),
	}
	p := newTestPool(t, f, port, nil)

	p.Preload(context.Background(), "ubuntu")
	p.cfg.SeleniumPort = port + 1

	c := &Checker{pool: p}
	c.fixBrokenVMs(context.Background())

	if p.Count() != 0 {
		t.Fatalf("unrebuildable VM should be destroyed, count %d", p.Count())
	}
	if len(f.deletedNames()) != 1 {
		t.Fatalf("expected one deletion, got %v", f.deletedNames())
	}
}

func TestCheckerLeavesReservedVMAlone(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 1, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	vm, _ := p.Preload(context.Background(), "ubuntu")
	// Break connectivity so a probe would trigger a rebuild.
	p.cfg.SeleniumPort = port + 1
	// A concurrent Get holds the clone mid-probe.
	vm.SetChecking(true)

	c := &Checker{pool: p}
	c.fixBrokenVMs(context.Background())

	if !vm.Checking() {
		t.Fatal("checker released a reservation it does not own")
	}
	if len(f.rebuilt) != 0 || len(f.deletedNames()) != 0 {
		t.Fatalf("reserved VM touched: rebuilt %v, deleted %v", f.rebuilt, f.deletedNames())
	}
}

func TestReserveForCheckRequiresReadyMembership(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 1, platforms: []string{"ubuntu"}, ip: ip}
	p := newTestPool(t, f, port, nil)

	vm, _ := p.Preload(context.Background(), "ubuntu")
	if !p.reserveForCheck(vm) {
		t.Fatal("could not reserve a pooled clone")
	}
	if p.reserveForCheck(vm) {
		t.Fatal("double reservation")
	}
	vm.SetChecking(false)

	if got := p.Get(context.Background(), "ubuntu"); got != vm {
		t.Fatalf("expected %s from the pool, got %v", vm.Name, got)
	}
	if p.reserveForCheck(vm) {
		t.Fatal("reserved a clone outside the ready pool")
	}
}

func TestStartCheckerHonorsVMCheck(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 1, platforms: []string{"ubuntu"}, ip: ip}

	p := newTestPool(t, f, port, nil)
	c := p.StartChecker()
	if c != nil {
		t.Fatal("checker started with vm_check disabled")
	}
	c.Stop()

	p2, err := New(context.Background(), []provider.Provider{f}, Config{
		SeleniumPort:     port,
		PingTimeout:      time.Second,
		VMCheck:          true,
		VMCheckFrequency: time.Hour,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	c2 := p2.StartChecker()
	if c2 == nil {
		t.Fatal("checker not started with vm_check enabled")
	}
	c2.Stop()
}

func TestPreloaderFillsPool(t *testing.T) {
	ip, port := listenTCP(t)
	f := &fakeProvider{name: "kvm", maxCount: 2, platforms: []string{"ubuntu"}, ip: ip}
	p, err := New(context.Background(), []provider.Provider{f}, Config{
		SeleniumPort:       port,
		PingTimeout:        time.Second,
		Preloaded:          map[string]int{"ubuntu": 2},
		PreloaderFrequency: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	pl := p.StartPreloader()
	defer pl.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Count() == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("preloader never reached target, count %d", p.Count())
}
