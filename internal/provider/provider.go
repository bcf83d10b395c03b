// Package provider defines the interface the pool consumes to provision,
// probe and destroy clones on a virtualization backend.
package provider

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vmmaster/vmmaster/internal/domain"
)

// Provider manages clone lifecycles on one backend (KVM or OpenStack).
type Provider interface {
	// Name identifies the backend ("kvm", "openstack").
	Name() string

	// MaxCount is this backend's contribution to pool capacity.
	MaxCount() int

	// Platforms lists the origin images available on this backend.
	Platforms(ctx context.Context) ([]domain.Platform, error)

	// Create provisions the clone and blocks until its service answers,
	// filling in the VM's addresses and marking it ready. Cancelable via
	// ctx; a canceled create must leave nothing behind after Delete.
	Create(ctx context.Context, vm *domain.VM) error

	// Delete tears the clone down. Idempotent; safe if the VM never
	// existed.
	Delete(ctx context.Context, vm *domain.VM) error

	// Rebuild destructively resets the clone to its origin image and
	// waits for the service again.
	Rebuild(ctx context.Context, vm *domain.VM) error

	// Exists reports whether the backend knows about the clone at all.
	Exists(ctx context.Context, vm *domain.VM) (bool, error)

	// Created reports whether the backend considers the clone up.
	Created(ctx context.Context, vm *domain.VM) (bool, error)
}

// Ping probes ip:port with a TCP connect bounded by timeout.
func Ping(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitService polls ip:port until it accepts a connection, for at most
// attempts probes spaced by pause. Returns an error when the service never
// came up or the context was canceled.
func WaitService(ctx context.Context, ip string, port int, pause time.Duration, attempts int) error {
	for i := 0; i < attempts; i++ {
		if Ping(ctx, ip, port, pause) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	return fmt.Errorf("service %s:%d did not activate after %d attempts", ip, port, attempts)
}
