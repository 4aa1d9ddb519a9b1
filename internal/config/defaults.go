package config

const (
	defaultConfigPath         = "~/.config/envtrack/config.toml"
	defaultDataDir            = "~/.local/share/envtrack"
	defaultImageDir           = "~/.local/share/envtrack/images"
	defaultLogDir             = "~/.local/share/envtrack/logs"
	defaultAPIBind            = "127.0.0.1:7490"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultMachinePolicy      = PolicyTransfer
	defaultPalletizingMarker  = "PALLET"
	defaultSection            = "A"
	defaultMaxUploadBytes     = 10 << 20
	defaultMaxDimension       = 1600
	defaultWebPQuality        = 82
	defaultMaxPerNote         = 3
	defaultMinFreeBytes       = 64 << 20
	defaultOrphanGraceSeconds = 3600
	defaultURLTTLSeconds      = 300
	defaultSignedBasePath     = "/images"
	defaultRateBackend        = RateBackendMemory
	defaultRateUserMax        = 20
	defaultRateIPMax          = 60
	defaultRateWindowSeconds  = 60
)

// Machine policies accepted by transitions.machine_policy.
const (
	PolicyTransfer = "transfer"
	PolicyBlock    = "block"
)

// Rate limiter backends accepted by rate_limit.backend.
const (
	RateBackendMemory = "memory"
	RateBackendRedis  = "redis"
)

// Environment variables consulted during normalization.
const (
	EnvSigningSecret = "ENVTRACK_SIGNING_SECRET"
	EnvAPIToken      = "ENVTRACK_API_TOKEN"
	EnvRedisAddr     = "ENVTRACK_REDIS_ADDR"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			ImageDir: defaultImageDir,
			LogDir:   defaultLogDir,
			APIBind:  defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Transitions: Transitions{
			MachinePolicy:     defaultMachinePolicy,
			PalletizingMarker: defaultPalletizingMarker,
			DefaultSection:    defaultSection,
		},
		Images: Images{
			MaxUploadBytes:     defaultMaxUploadBytes,
			MaxDimension:       defaultMaxDimension,
			WebPQuality:        defaultWebPQuality,
			MaxPerNote:         defaultMaxPerNote,
			MinFreeBytes:       defaultMinFreeBytes,
			OrphanGraceSeconds: defaultOrphanGraceSeconds,
		},
		Signing: Signing{
			URLTTLSeconds: defaultURLTTLSeconds,
			BasePath:      defaultSignedBasePath,
		},
		RateLimit: RateLimit{
			Backend:       defaultRateBackend,
			UserMax:       defaultRateUserMax,
			IPMax:         defaultRateIPMax,
			WindowSeconds: defaultRateWindowSeconds,
		},
	}
}
