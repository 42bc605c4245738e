// Package relay makes stoker usable on hosts that cannot run firecracker
// themselves. Commands invoked on such a host are forwarded verbatim into a
// Lima-managed Linux VM where the same binary executes them natively; exit
// codes and stdio pass straight through so the relay stays invisible.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Executor runs a stoker command line somewhere and reports its exit code.
type Executor interface {
	Exec(ctx context.Context, args []string) (int, error)
}

// Detect returns the executor for the current host: nil on Linux, where
// commands run in-process, and a Lima relay everywhere else.
func Detect(instance string) Executor {
	if runtime.GOOS == "linux" {
		return nil
	}
	return NewLimaExecutor(instance)
}

// LimaExecutor forwards commands into a Lima VM over limactl shell.
type LimaExecutor struct {
	instance string
	limactl  string
	logger   *slog.Logger
}

func NewLimaExecutor(instance string) *LimaExecutor {
	return &LimaExecutor{
		instance: instance,
		limactl:  "limactl",
		logger:   slog.Default(),
	}
}

// Exec runs `sudo stoker <args>` inside the VM with stdio attached to the
// caller's terminal. The VM-side exit code comes back unchanged.
func (e *LimaExecutor) Exec(ctx context.Context, args []string) (int, error) {
	if err := e.ensureProvisioned(ctx); err != nil {
		return 1, err
	}

	cmd := exec.CommandContext(ctx, e.limactl, e.shellArgs(args)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// The VM-side command already printed its own error.
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}

// shellArgs builds the limactl argument list for one forwarded command.
func (e *LimaExecutor) shellArgs(args []string) []string {
	out := []string{"shell", e.instance, "sudo", "stoker"}
	return append(out, args...)
}

// ensureProvisioned makes sure the VM exists and is running before the
// first forwarded command. A stopped VM is started; a missing one points
// the user at `stoker setup`.
func (e *LimaExecutor) ensureProvisioned(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.limactl, "list", "--format", "{{.Status}}", e.instance)
	out, err := cmd.Output()
	if err != nil || len(strings.TrimSpace(string(out))) == 0 {
		return fmt.Errorf("%w: %q not found, run `stoker setup` first", ErrEnvironmentUnavailable, e.instance)
	}

	if strings.TrimSpace(string(out)) == "Running" {
		return nil
	}

	e.logger.Info("starting execution environment", "instance", e.instance)
	if err := e.limaRun(ctx, "start", e.instance); err != nil {
		return fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	return nil
}
