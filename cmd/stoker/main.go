// stoker is a docker-like CLI for Firecracker microVMs: build images, boot
// instances on isolated /30 segments, ssh in, tear down. On hosts without
// native virtualization support commands are relayed into a Lima VM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/zer0touch/stoker/internal/config"
	"github.com/zer0touch/stoker/internal/relay"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	cfg, err := config.Load(configPathFromArgs(os.Args[1:]))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if ex := relay.Detect(cfg.LimaInstance); ex != nil {
		os.Exit(runRelayed(ex, os.Args[1:]))
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runRelayed forwards the command line into the execution environment.
// `setup` is the one command that runs on the host itself: it is what
// creates the environment in the first place.
func runRelayed(ex relay.Executor, args []string) int {
	ctx := context.Background()

	if len(args) > 0 && args[0] == "setup" {
		lima, ok := ex.(*relay.LimaExecutor)
		if !ok {
			fmt.Fprintln(os.Stderr, "Error: setup is not supported for this executor")
			return 1
		}
		if err := lima.Setup(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return 1
		}
		return 0
	}

	code, err := ex.Exec(ctx, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return code
}

// configPathFromArgs pre-scans for --config because the relay decision has
// to happen before cobra parses anything.
func configPathFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if len(arg) > len("--config=") && arg[:len("--config=")] == "--config=" {
			return arg[len("--config="):]
		}
	}
	return ""
}

func logLevel() slog.Level {
	if os.Getenv("STOKER_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
