package relay

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
)

func TestDetectOnLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test asserts the linux fast path")
	}
	if ex := Detect("stoker-vm"); ex != nil {
		t.Fatalf("Detect() = %v, want nil on linux", ex)
	}
}

func TestShellArgs(t *testing.T) {
	e := NewLimaExecutor("stoker-vm")

	got := e.shellArgs([]string{"run", "--name", "web", "--image", "ubuntu"})
	want := []string{"shell", "stoker-vm", "sudo", "stoker", "run", "--name", "web", "--image", "ubuntu"}

	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExecUnprovisioned(t *testing.T) {
	e := NewLimaExecutor("definitely-not-a-vm")
	// A missing limactl binary must fail the same way as a missing VM:
	// with a hint at setup, not a panic or a silent zero exit.
	e.limactl = "/nonexistent/limactl"

	code, err := e.Exec(context.Background(), []string{"list"})
	if err == nil {
		t.Fatal("expected error for unprovisioned environment")
	}
	if code == 0 {
		t.Error("exit code = 0 for failed relay")
	}
	if !errors.Is(err, ErrEnvironmentUnavailable) {
		t.Errorf("err = %v, want ErrEnvironmentUnavailable", err)
	}
	if !strings.Contains(err.Error(), "stoker setup") {
		t.Errorf("error %q should point at setup", err)
	}
}

func TestLimaTemplateEmbedded(t *testing.T) {
	for _, fragment := range []string{"nestedVirtualization: true", "ubuntu-24.04"} {
		if !strings.Contains(string(limaTemplate), fragment) {
			t.Errorf("lima template missing %q", fragment)
		}
	}
}
