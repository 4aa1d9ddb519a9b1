package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"envtrack/internal/config"
	"envtrack/internal/daemon"
	"envtrack/internal/logging"
)

type commandContext struct {
	configFlag *string
	actorFlag  *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, actorFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		actorFlag:  actorFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) actor() string {
	if c.actorFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.actorFlag)
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// withServices opens the shared components for one command. Writers take
// the data-directory lock first so they never race a running daemon.
func (c *commandContext) withServices(ctx context.Context, write bool, fn func(*daemon.Services) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if write {
		lock, err := daemon.TryLock(cfg)
		if err != nil {
			if errors.Is(err, daemon.ErrLocked) {
				return fmt.Errorf("%w; use the HTTP API while the daemon is running", err)
			}
			return err
		}
		defer func() { _ = lock.Unlock() }()
	}

	logger, err := logging.New(logging.Options{
		Level:       "warn",
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	services, err := daemon.OpenServices(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer services.Close()
	return fn(services)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
