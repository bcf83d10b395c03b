package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.SeleniumPort != 4455 {
		t.Errorf("selenium port: %d", cfg.SeleniumPort)
	}
	if cfg.AgentPort != 9000 {
		t.Errorf("agent port: %d", cfg.AgentPort)
	}
	if cfg.ThreadPoolMax != 100 {
		t.Errorf("thread pool max: %d", cfg.ThreadPoolMax)
	}
	if cfg.SessionTimeout != 6*time.Minute {
		t.Errorf("session timeout: %s", cfg.SessionTimeout)
	}
	if cfg.Capacity() != 0 {
		t.Errorf("no providers enabled yet capacity is %d", cfg.Capacity())
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"addr": ":8080",
		"use_kvm": true,
		"kvm_max_vm_count": 5,
		"kvm_preloaded": {"ubuntu-14.04-x64": 2},
		"selenium_port": 4444
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || !cfg.UseKVM || cfg.KVMMaxVMCount != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SeleniumPort != 4444 {
		t.Fatalf("override lost: %d", cfg.SeleniumPort)
	}
	// Untouched fields keep their defaults.
	if cfg.AgentPort != 9000 {
		t.Fatalf("default lost: %d", cfg.AgentPort)
	}
	if cfg.Capacity() != 5 {
		t.Fatalf("capacity: %d", cfg.Capacity())
	}
	if got := cfg.Preloaded()["ubuntu-14.04-x64"]; got != 2 {
		t.Fatalf("preloaded: %d", got)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "addr: \":8081\"\nuse_openstack: true\nopenstack_max_vm_count: 3\nopenstack:\n  auth_url: http://keystone:5000/v2.0\n  tenant_name: qa\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.UseOpenStack || cfg.OpenStackMaxVMCount != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.OpenStack.TenantName != "qa" {
		t.Fatalf("nested yaml lost: %+v", cfg.OpenStack)
	}
	if cfg.Capacity() != 3 {
		t.Fatalf("capacity: %d", cfg.Capacity())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VMMASTER_ADDR", ":7000")
	t.Setenv("VMMASTER_POSTGRES_DSN", "postgres://test")
	t.Setenv("VMMASTER_SELENIUM_PORT", "4555")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.Addr != ":7000" || cfg.Postgres.DSN != "postgres://test" || cfg.SeleniumPort != 4555 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestCapacitySumsEnabledProviders(t *testing.T) {
	cfg := Default()
	cfg.UseKVM = true
	cfg.KVMMaxVMCount = 2
	cfg.UseOpenStack = true
	cfg.OpenStackMaxVMCount = 4
	if cfg.Capacity() != 6 {
		t.Fatalf("capacity: %d", cfg.Capacity())
	}

	cfg.UseOpenStack = false
	if cfg.Capacity() != 2 {
		t.Fatalf("capacity after disable: %d", cfg.Capacity())
	}
}
