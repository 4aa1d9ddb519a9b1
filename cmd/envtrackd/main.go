// Command envtrackd runs the envtrack daemon: the HTTP adapter over the
// envelope engine, notes, and note images.
package main

import (
	"context"
	"fmt"
	"os"

	"envtrack/internal/config"
	"envtrack/internal/daemonrun"
)

// configEnv names an explicit config file; empty uses the default search.
const configEnv = "ENVTRACK_CONFIG"

func main() {
	if err := run(context.Background(), os.Getenv(configEnv)); err != nil {
		fmt.Fprintf(os.Stderr, "envtrackd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return daemonrun.Run(ctx, cfg, daemonrun.Options{})
}
