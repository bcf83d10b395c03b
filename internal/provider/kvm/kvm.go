// Package kvm provisions clones as libvirt domains backed by qcow2
// copy-on-write drives cloned from the origin images.
package kvm

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/provider"
)

// Config holds the settings for the KVM provider.
type Config struct {
	ClonesDir     string
	OriginsDir    string
	MaxCount      int
	SeleniumPort  int
	CheckPause    time.Duration
	CheckAttempts int
}

// runner executes an external command and returns its combined output.
// Swapped out in tests.
type runner func(ctx context.Context, name string, args ...string) (string, error)

// Provider implements provider.Provider on top of the virsh and qemu-img
// command line tools.
type Provider struct {
	cfg Config
	run runner
}

var _ provider.Provider = (*Provider)(nil)

// New creates the KVM provider.
func New(cfg Config) *Provider {
	return &Provider{cfg: cfg, run: runCommand}
}

func (p *Provider) Name() string  { return "kvm" }
func (p *Provider) MaxCount() int { return p.cfg.MaxCount }

// Platforms lists origin directories that carry a drive image.
func (p *Provider) Platforms(_ context.Context) ([]domain.Platform, error) {
	entries, err := os.ReadDir(p.cfg.OriginsDir)
	if err != nil {
		return nil, fmt.Errorf("read origins dir: %w", err)
	}
	host, _ := os.Hostname()

	var platforms []domain.Platform
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		drive := filepath.Join(p.cfg.OriginsDir, e.Name(), "drive.qcow2")
		if _, err := os.Stat(drive); err != nil {
			continue
		}
		platforms = append(platforms, domain.Platform{Name: e.Name(), Node: host})
	}
	return platforms, nil
}

// Create clones the origin drive, defines and starts the domain, resolves
// its address and waits for the Selenium service.
func (p *Provider) Create(ctx context.Context, vm *domain.VM) error {
	drive, err := p.cloneDrive(ctx, vm.Platform, vm.Name)
	if err != nil {
		return err
	}

	mac := generateMAC()
	xmlPath := filepath.Join(p.cfg.ClonesDir, vm.Name+".xml")
	if err := os.WriteFile(xmlPath, []byte(domainXML(vm.Name, drive, mac)), 0644); err != nil {
		return fmt.Errorf("write domain xml: %w", err)
	}

	if _, err := p.run(ctx, "virsh", "define", xmlPath); err != nil {
		return fmt.Errorf("define domain %s: %w", vm.Name, err)
	}
	if _, err := p.run(ctx, "virsh", "start", vm.Name); err != nil {
		return fmt.Errorf("start domain %s: %w", vm.Name, err)
	}

	ip, err := p.waitIP(ctx, vm.Name)
	if err != nil {
		return err
	}
	vm.SetAddress(ip, mac)

	if err := provider.WaitService(ctx, ip, p.cfg.SeleniumPort, p.cfg.CheckPause, p.cfg.CheckAttempts); err != nil {
		return err
	}

	vm.SetReady(true)
	logging.Op().Info("clone created", "provider", "kvm", "name", vm.Name, "ip", ip)
	return nil
}

// Delete destroys the domain and removes its files. Every step tolerates
// the domain or file being already gone.
func (p *Provider) Delete(ctx context.Context, vm *domain.VM) error {
	if out, err := p.run(ctx, "virsh", "destroy", vm.Name); err != nil && !notFound(out, err) {
		logging.Op().Warn("destroy domain", "name", vm.Name, "error", err)
	}
	if out, err := p.run(ctx, "virsh", "undefine", vm.Name); err != nil && !notFound(out, err) {
		logging.Op().Warn("undefine domain", "name", vm.Name, "error", err)
	}

	for _, f := range []string{
		filepath.Join(p.cfg.ClonesDir, vm.Name+".qcow2"),
		filepath.Join(p.cfg.ClonesDir, vm.Name+".xml"),
	} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", f, err)
		}
	}

	vm.SetReady(false)
	logging.Op().Info("clone deleted", "provider", "kvm", "name", vm.Name)
	return nil
}

// Rebuild swaps in a fresh copy of the origin drive and reboots the
// domain, then waits for the service again.
func (p *Provider) Rebuild(ctx context.Context, vm *domain.VM) error {
	vm.SetReady(false)

	if out, err := p.run(ctx, "virsh", "destroy", vm.Name); err != nil && !notFound(out, err) {
		return fmt.Errorf("stop domain %s for rebuild: %w", vm.Name, err)
	}

	drivePath := filepath.Join(p.cfg.ClonesDir, vm.Name+".qcow2")
	if err := os.Remove(drivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove drive for rebuild: %w", err)
	}
	if _, err := p.cloneDrive(ctx, vm.Platform, vm.Name); err != nil {
		return err
	}

	if _, err := p.run(ctx, "virsh", "start", vm.Name); err != nil {
		return fmt.Errorf("restart domain %s: %w", vm.Name, err)
	}

	ip, err := p.waitIP(ctx, vm.Name)
	if err != nil {
		return err
	}
	vm.SetAddress(ip, vm.Mac())

	if err := provider.WaitService(ctx, ip, p.cfg.SeleniumPort, p.cfg.CheckPause, p.cfg.CheckAttempts); err != nil {
		return err
	}

	vm.SetReady(true)
	logging.Op().Info("clone rebuilt", "provider", "kvm", "name", vm.Name)
	return nil
}

func (p *Provider) Exists(ctx context.Context, vm *domain.VM) (bool, error) {
	out, err := p.run(ctx, "virsh", "domstate", vm.Name)
	if err != nil {
		if notFound(out, err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *Provider) Created(ctx context.Context, vm *domain.VM) (bool, error) {
	out, err := p.run(ctx, "virsh", "domstate", vm.Name)
	if err != nil {
		if notFound(out, err) {
			return false, nil
		}
		return false, err
	}
	return strings.Contains(out, "running"), nil
}

func (p *Provider) cloneDrive(ctx context.Context, platform, name string) (string, error) {
	origin := filepath.Join(p.cfg.OriginsDir, platform, "drive.qcow2")
	clone := filepath.Join(p.cfg.ClonesDir, name+".qcow2")

	if err := os.MkdirAll(p.cfg.ClonesDir, 0755); err != nil {
		return "", fmt.Errorf("create clones dir: %w", err)
	}
	if _, err := p.run(ctx, "qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-b", origin, clone); err != nil {
		return "", fmt.Errorf("clone drive for %s: %w", name, err)
	}
	return clone, nil
}

// waitIP polls virsh domifaddr until the guest acquires a lease.
func (p *Provider) waitIP(ctx context.Context, name string) (string, error) {
	for i := 0; i < p.cfg.CheckAttempts; i++ {
		out, err := p.run(ctx, "virsh", "domifaddr", name)
		if err == nil {
			if ip := parseDomIfAddr(out); ip != "" {
				return ip, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.cfg.CheckPause):
		}
	}
	return "", fmt.Errorf("domain %s never acquired an address", name)
}

// parseDomIfAddr extracts the first IPv4 address from virsh domifaddr
// output:
//
//	Name       MAC address          Protocol     Address
//	-------------------------------------------------------------
//	vnet0      52:54:00:ab:cd:ef    ipv4         192.168.122.45/24
func parseDomIfAddr(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[2] == "ipv4" {
			addr := fields[3]
			if i := strings.IndexByte(addr, '/'); i > 0 {
				addr = addr[:i]
			}
			return addr
		}
	}
	return ""
}

func notFound(out string, err error) bool {
	msg := out + " " + err.Error()
	return strings.Contains(msg, "failed to get domain") ||
		strings.Contains(msg, "Domain not found") ||
		strings.Contains(msg, "domain is not running")
}

// generateMAC returns a random locally-administered MAC in the QEMU OUI.
func generateMAC() string {
	buf := make([]byte, 3)
	rand.Read(buf)
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", buf[0], buf[1], buf[2])
}

func domainXML(name, drive, mac string) string {
	return fmt.Sprintf(`<domain type='kvm'>
  <name>%s</name>
  <memory unit='MiB'>2048</memory>
  <vcpu>2</vcpu>
  <os>
    <type arch='x86_64'>hvm</type>
    <boot dev='hd'/>
  </os>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='%s'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <interface type='network'>
      <mac address='%s'/>
      <source network='default'/>
      <model type='virtio'/>
    </interface>
    <graphics type='vnc' port='-1'/>
  </devices>
</domain>
`, name, drive, mac)
}
