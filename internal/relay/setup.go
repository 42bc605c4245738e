package relay

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

//go:embed lima.yaml
var limaTemplate []byte

// Setup provisions the Lima VM end to end: creates it from the embedded
// template and installs the current stoker binary inside, so forwarded
// commands find the same version they were invoked with.
func (e *LimaExecutor) Setup(ctx context.Context) error {
	yamlPath := filepath.Join(os.TempDir(), e.instance+".yaml")
	if err := os.WriteFile(yamlPath, limaTemplate, 0o644); err != nil {
		return fmt.Errorf("write lima template: %w", err)
	}
	defer func() { _ = os.Remove(yamlPath) }()

	e.logger.Info("creating execution environment, this may take a few minutes",
		"instance", e.instance)

	if err := e.limaRun(ctx, "start", "--name="+e.instance, "--tty=false", yamlPath); err != nil {
		return fmt.Errorf("create lima vm: %w", err)
	}

	return e.installBinary(ctx)
}

// installBinary copies the running executable into the VM. This only works
// when host and guest architectures match; otherwise the user installs a
// Linux build of stoker inside the VM themselves.
func (e *LimaExecutor) installBinary(ctx context.Context) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own binary: %w", err)
	}

	if err := e.limaRun(ctx, "copy", self, e.instance+":/tmp/stoker"); err != nil {
		return fmt.Errorf("copy binary into vm: %w", err)
	}
	if err := e.limaRun(ctx, "shell", e.instance, "sudo", "install", "-m", "0755", "/tmp/stoker", "/usr/local/bin/stoker"); err != nil {
		return fmt.Errorf("install binary in vm: %w", err)
	}

	e.logger.Info("setup complete", "instance", e.instance)
	return nil
}

func (e *LimaExecutor) limaRun(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.limactl, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
