package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeTransitions()
	c.normalizeSigning()
	c.normalizeRateLimit()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ImageDir) == "" {
		c.Paths.ImageDir = defaultImageDir
	}
	if c.Paths.ImageDir, err = expandPath(c.Paths.ImageDir); err != nil {
		return fmt.Errorf("paths.image_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if value, ok := os.LookupEnv(EnvAPIToken); ok && strings.TrimSpace(value) != "" {
		c.Paths.APIToken = value
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeTransitions() {
	c.Transitions.MachinePolicy = strings.ToLower(strings.TrimSpace(c.Transitions.MachinePolicy))
	if c.Transitions.MachinePolicy == "" {
		c.Transitions.MachinePolicy = defaultMachinePolicy
	}
	c.Transitions.PalletizingMarker = strings.TrimSpace(c.Transitions.PalletizingMarker)
	if c.Transitions.PalletizingMarker == "" {
		c.Transitions.PalletizingMarker = defaultPalletizingMarker
	}
	c.Transitions.DefaultSection = strings.ToUpper(strings.TrimSpace(c.Transitions.DefaultSection))
	if c.Transitions.DefaultSection == "" {
		c.Transitions.DefaultSection = defaultSection
	}
}

func (c *Config) normalizeSigning() {
	if value, ok := os.LookupEnv(EnvSigningSecret); ok && strings.TrimSpace(value) != "" {
		c.Signing.Secret = value
	}
	c.Signing.Secret = strings.TrimSpace(c.Signing.Secret)
	c.Signing.BasePath = "/" + strings.Trim(strings.TrimSpace(c.Signing.BasePath), "/")
	if c.Signing.BasePath == "/" {
		c.Signing.BasePath = defaultSignedBasePath
	}
}

func (c *Config) normalizeRateLimit() {
	c.RateLimit.Backend = strings.ToLower(strings.TrimSpace(c.RateLimit.Backend))
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = defaultRateBackend
	}
	if value, ok := os.LookupEnv(EnvRedisAddr); ok && strings.TrimSpace(value) != "" {
		c.RateLimit.RedisAddr = value
	}
	c.RateLimit.RedisAddr = strings.TrimSpace(c.RateLimit.RedisAddr)
}
