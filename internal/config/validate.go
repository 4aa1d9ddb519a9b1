package config

import (
	"errors"
	"fmt"
	"unicode"
)

const minSigningSecretLength = 16

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTransitions(); err != nil {
		return err
	}
	if err := c.validateImages(); err != nil {
		return err
	}
	if err := c.validateSigning(); err != nil {
		return err
	}
	if err := c.validateRateLimit(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateTransitions() error {
	switch c.Transitions.MachinePolicy {
	case PolicyTransfer, PolicyBlock:
	default:
		return fmt.Errorf("transitions.machine_policy must be %q or %q, got %q", PolicyTransfer, PolicyBlock, c.Transitions.MachinePolicy)
	}
	section := []rune(c.Transitions.DefaultSection)
	if len(section) != 1 || !unicode.IsLetter(section[0]) {
		return fmt.Errorf("transitions.default_section must be a single letter, got %q", c.Transitions.DefaultSection)
	}
	return nil
}

func (c *Config) validateImages() error {
	if c.Images.MaxUploadBytes <= 0 {
		return errors.New("images.max_upload_bytes must be positive")
	}
	if c.Images.MaxDimension <= 0 {
		return errors.New("images.max_dimension must be positive")
	}
	if c.Images.WebPQuality < 1 || c.Images.WebPQuality > 100 {
		return errors.New("images.webp_quality must be between 1 and 100")
	}
	if c.Images.MaxPerNote <= 0 {
		return errors.New("images.max_per_note must be positive")
	}
	if c.Images.MinFreeBytes < 0 {
		return errors.New("images.min_free_bytes must not be negative")
	}
	if c.Images.OrphanGraceSeconds < 0 {
		return errors.New("images.orphan_grace_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateSigning() error {
	if c.Signing.Secret == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("signing.secret is required. Set %s or edit %s (create with 'envtrack config init')", EnvSigningSecret, defaultPath)
	}
	if len(c.Signing.Secret) < minSigningSecretLength {
		return fmt.Errorf("signing.secret must be at least %d characters", minSigningSecretLength)
	}
	if c.Signing.URLTTLSeconds <= 0 {
		return errors.New("signing.url_ttl_seconds must be positive")
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	switch c.RateLimit.Backend {
	case RateBackendMemory:
	case RateBackendRedis:
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rate_limit.redis_addr must be set when backend is redis (or export %s)", EnvRedisAddr)
		}
	default:
		return fmt.Errorf("rate_limit.backend must be %q or %q, got %q", RateBackendMemory, RateBackendRedis, c.RateLimit.Backend)
	}
	if c.RateLimit.UserMax <= 0 || c.RateLimit.IPMax <= 0 {
		return errors.New("rate_limit.user_max and rate_limit.ip_max must be positive")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return errors.New("rate_limit.window_seconds must be positive")
	}
	return nil
}
