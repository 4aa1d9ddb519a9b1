package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	ImageDir string `toml:"image_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Transitions contains envelope lifecycle policy knobs.
type Transitions struct {
	// MachinePolicy decides what Bind does when the envelope already runs on
	// another machine: "transfer" moves it, "block" rejects with MACHINE_BUSY.
	MachinePolicy string `toml:"machine_policy"`
	// PalletizingMarker is matched case-insensitively against the holder on Release.
	PalletizingMarker string `toml:"palletizing_marker"`
	DefaultSection    string `toml:"default_section"`
}

// Images contains upload normalization and retention settings.
type Images struct {
	MaxUploadBytes     int64 `toml:"max_upload_bytes"`
	MaxDimension       int   `toml:"max_dimension"`
	WebPQuality        int   `toml:"webp_quality"`
	MaxPerNote         int   `toml:"max_per_note"`
	MinFreeBytes       int64 `toml:"min_free_bytes"`
	OrphanGraceSeconds int   `toml:"orphan_grace_seconds"`
}

// Signing contains signed image URL settings.
type Signing struct {
	Secret        string `toml:"secret"`
	URLTTLSeconds int    `toml:"url_ttl_seconds"`
	BasePath      string `toml:"base_path"`
}

// RateLimit contains upload rate limiter settings.
type RateLimit struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	UserMax       int    `toml:"user_max"`
	IPMax         int    `toml:"ip_max"`
	WindowSeconds int    `toml:"window_seconds"`
}

// Config encapsulates all configuration values for envtrack.
//
// Configuration sections by subsystem:
//   - Paths: data, image and log directories plus the API bind address
//   - Logging: log format and level
//   - Transitions: bind policy and release routing
//   - Images: upload limits, re-encoding and orphan sweep grace
//   - Signing: signed image URL secret and lifetime
//   - RateLimit: upload limiter backend and windows
type Config struct {
	Paths       Paths       `toml:"paths"`
	Logging     Logging     `toml:"logging"`
	Transitions Transitions `toml:"transitions"`
	Images      Images      `toml:"images"`
	Signing     Signing     `toml:"signing"`
	RateLimit   RateLimit   `toml:"rate_limit"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(filepath.Dir(resolvedPath)); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv imports a .env file next to the config without overriding
// variables that are already set in the process environment.
func loadDotEnv(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("load env file %s: %w", envPath, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("envtrack.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.ImageDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "envtrack.db")
}

// LockPath returns the single-writer lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "envtrack.lock")
}

// URLTTL returns the signed URL lifetime.
func (c *Config) URLTTL() time.Duration {
	return time.Duration(c.Signing.URLTTLSeconds) * time.Second
}

// RateWindow returns the upload limiter window.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// OrphanGrace returns how old an unreferenced image file must be before the sweep removes it.
func (c *Config) OrphanGrace() time.Duration {
	return time.Duration(c.Images.OrphanGraceSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
