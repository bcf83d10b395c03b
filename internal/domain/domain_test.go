package domain

import (
	"strings"
	"testing"
)

func TestNewVMNaming(t *testing.T) {
	vm := NewVM("ubuntu", "kvm", "")
	if !strings.HasPrefix(vm.Name, PrefixOnDemand+"-") {
		t.Fatalf("default prefix not applied: %s", vm.Name)
	}
	if vm.Preloaded() {
		t.Fatal("on-demand VM reported as preloaded")
	}

	vm = NewVM("ubuntu", "kvm", PrefixPreloaded)
	if !strings.HasPrefix(vm.Name, PrefixPreloaded+"-") {
		t.Fatalf("preloaded prefix not applied: %s", vm.Name)
	}
	if !vm.Preloaded() {
		t.Fatal("preloaded VM not recognized")
	}
}

func TestVMNamesAreUnique(t *testing.T) {
	a := NewVM("ubuntu", "kvm", "")
	b := NewVM("ubuntu", "kvm", "")
	if a.Name == b.Name {
		t.Fatalf("two VMs share the name %s", a.Name)
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	for status, terminal := range map[SessionStatus]bool{
		StatusUnknown:   false,
		StatusWaiting:   false,
		StatusRunning:   false,
		StatusSucceeded: true,
		StatusFailed:    true,
	} {
		if status.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v, want %v", status, status.Terminal(), terminal)
		}
	}
}

func TestUserTokenHiddenFromJSON(t *testing.T) {
	u := User{Username: "anna", Password: "secret", Token: GenerateToken()}
	info := u.Info()
	for _, field := range []string{"password", "token"} {
		if _, ok := info[field]; ok {
			t.Errorf("user info leaks %s", field)
		}
	}
}
