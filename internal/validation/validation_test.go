package validation

import (
	"errors"
	"testing"
)

func TestServiceName(t *testing.T) {
	valid := []string{"sshd", "getty@tty1", "systemd-resolved.service", "my_unit"}
	invalid := []string{"", "ssh; rm -rf /", "a b", "$(id)", "unit|cat"}
	for _, s := range valid {
		if err := ServiceName(s); err != nil {
			t.Errorf("ServiceName(%q) = %v, want nil", s, err)
		}
	}
	for _, s := range invalid {
		if err := ServiceName(s); !errors.Is(err, ErrInvalid) {
			t.Errorf("ServiceName(%q) = %v, want ErrInvalid", s, err)
		}
	}
}

func TestProcessPattern(t *testing.T) {
	if err := ProcessPattern("nvidia-*"); err != nil {
		t.Errorf("wildcards should be allowed: %v", err)
	}
	if err := ProcessPattern("Xorg?"); err != nil {
		t.Errorf("? should be allowed: %v", err)
	}
	if err := ProcessPattern("getty@tty1"); err == nil {
		t.Error("@ is not allowed in process patterns")
	}
}

func TestSafePath(t *testing.T) {
	if err := SafePath("/etc/modprobe.d/nvidia.conf"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, p := range []string{"", "/tmp/x; rm -rf /", "/tmp/$(whoami)", "/tmp/`id`"} {
		if err := SafePath(p); err == nil {
			t.Errorf("SafePath(%q) should fail", p)
		}
	}
}

func TestStructTags(t *testing.T) {
	type probe struct {
		Service string `validate:"svcname"`
		Module  string `validate:"omitempty,modname"`
	}
	if err := Struct(probe{Service: "nginx"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Struct(probe{Service: "nginx", Module: "bad module"}); err == nil {
		t.Error("expected module name failure")
	}
}
