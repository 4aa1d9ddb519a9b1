package testsupport

import (
	"path/filepath"
	"testing"

	"envtrack/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// TestSigningSecret is the signing secret used by generated configs.
const TestSigningSecret = "test-signing-secret-0123456789"

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.ImageDir = filepath.Join(base, "images")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Signing.Secret = TestSigningSecret
	cfgVal.Images.MinFreeBytes = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithMachinePolicy selects the Bind policy for a different-machine bind.
func WithMachinePolicy(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Transitions.MachinePolicy = policy
	}
}

// WithRateLimits overrides the per-user and per-origin upload limits.
func WithRateLimits(userMax, ipMax, windowSeconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.RateLimit.UserMax = userMax
		b.cfg.RateLimit.IPMax = ipMax
		b.cfg.RateLimit.WindowSeconds = windowSeconds
	}
}

// WithMaxUploadBytes lowers the upload size limit.
func WithMaxUploadBytes(limit int64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Images.MaxUploadBytes = limit
	}
}

// WithAPIToken enables bearer authentication on the HTTP adapter.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIToken = token
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
