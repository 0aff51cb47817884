package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime settings for the agent, the monitor and the sync engine.
type Config struct {
	AppEnv           string
	HTTPAddr         string
	DatabaseURL      string
	MigrationsDir    string
	DeviceHost       string
	SSHPort          int
	SSHUser          string
	SSHPassword      string
	SSHTimeoutSec    int
	CaptureDir       string
	RemoteConfigPath string
	LocalDir         string
	MaxDownloadCount int
	ProbeIntervalSec int
	ProbeTimeoutMs   int
	ICMPEnabled      bool
	MapAccuracy      int
	RecordsCacheSec  int
	LogLevel         string
	LogFormat        string
	LogFile          string
	AllowedOrigins   []string
}

func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func (c Config) SSHTimeout() time.Duration {
	return time.Duration(c.SSHTimeoutSec) * time.Second
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MIGRATIONS_DIR", "")
	v.SetDefault("DEVICE_HOST", "10.0.0.2")
	v.SetDefault("SSH_PORT", 22)
	v.SetDefault("SSH_USER", "root")
	v.SetDefault("SSH_PASSWORD", "root")
	v.SetDefault("SSH_TIMEOUT_SEC", 10)
	v.SetDefault("CAPTURE_DIR", "/root/captures")
	v.SetDefault("REMOTE_CONFIG_PATH", "/etc/pwnagotchi/config.toml")
	v.SetDefault("LOCAL_DIR", "captures")
	v.SetDefault("MAX_DOWNLOAD_COUNT", 0)
	v.SetDefault("PROBE_INTERVAL_SEC", 5)
	v.SetDefault("PROBE_TIMEOUT_MS", 2000)
	v.SetDefault("ICMP_ENABLED", false)
	v.SetDefault("MAP_ACCURACY", 0)
	v.SetDefault("RECORDS_CACHE_SEC", 30)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")
}

// Load reads configuration from the environment and, when PWNLINK_CONFIG
// points at a file, from that file first.
func Load() (Config, error) {
	return LoadViper(viper.New())
}

// LoadViper is Load on a caller-owned viper, so command-line flags bound to v
// take precedence.
func LoadViper(v *viper.Viper) (Config, error) {
	v.AutomaticEnv()
	SetDefaults(v)
	if path := v.GetString("PWNLINK_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		AppEnv:           v.GetString("APP_ENV"),
		HTTPAddr:         v.GetString("HTTP_ADDR"),
		DatabaseURL:      v.GetString("DATABASE_URL"),
		MigrationsDir:    v.GetString("MIGRATIONS_DIR"),
		DeviceHost:       strings.TrimSpace(v.GetString("DEVICE_HOST")),
		SSHPort:          v.GetInt("SSH_PORT"),
		SSHUser:          v.GetString("SSH_USER"),
		SSHPassword:      v.GetString("SSH_PASSWORD"),
		SSHTimeoutSec:    v.GetInt("SSH_TIMEOUT_SEC"),
		CaptureDir:       strings.TrimRight(v.GetString("CAPTURE_DIR"), "/"),
		RemoteConfigPath: v.GetString("REMOTE_CONFIG_PATH"),
		LocalDir:         v.GetString("LOCAL_DIR"),
		MaxDownloadCount: v.GetInt("MAX_DOWNLOAD_COUNT"),
		ProbeIntervalSec: v.GetInt("PROBE_INTERVAL_SEC"),
		ProbeTimeoutMs:   v.GetInt("PROBE_TIMEOUT_MS"),
		ICMPEnabled:      v.GetBool("ICMP_ENABLED"),
		MapAccuracy:      v.GetInt("MAP_ACCURACY"),
		RecordsCacheSec:  v.GetInt("RECORDS_CACHE_SEC"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
		LogFile:          v.GetString("LOG_FILE"),
	}

	for _, origin := range strings.Split(v.GetString("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	if cfg.DeviceHost == "" {
		return Config{}, fmt.Errorf("DEVICE_HOST must not be empty")
	}
	if cfg.CaptureDir == "" {
		return Config{}, fmt.Errorf("CAPTURE_DIR must not be empty")
	}
	if cfg.LocalDir == "" {
		return Config{}, fmt.Errorf("LOCAL_DIR must not be empty")
	}
	if cfg.SSHPort < 1 || cfg.SSHPort > 65535 {
		return Config{}, fmt.Errorf("SSH_PORT must be between 1 and 65535")
	}
	if cfg.SSHTimeoutSec < 1 {
		return Config{}, fmt.Errorf("SSH_TIMEOUT_SEC must be >= 1")
	}
	if err := ValidateSettings(cfg.ProbeIntervalSec, cfg.ProbeTimeoutMs, cfg.MaxDownloadCount, cfg.MapAccuracy); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func ValidateSettings(intervalSec, timeoutMs, maxDownloadCount, mapAccuracy int) error {
	if intervalSec < 1 || intervalSec > 60 {
		return fmt.Errorf("probe_interval_sec must be between 1 and 60")
	}
	if timeoutMs < 50 || timeoutMs > 10000 {
		return fmt.Errorf("probe_timeout_ms must be between 50 and 10000")
	}
	if timeoutMs > intervalSec*1000 {
		return fmt.Errorf("probe_timeout_ms must not exceed the probe interval")
	}
	if maxDownloadCount < 0 {
		return fmt.Errorf("max_download_count must be >= 0 (0 means unbounded)")
	}
	if mapAccuracy < 0 {
		return fmt.Errorf("map_accuracy must be >= 0 (0 disables the filter)")
	}
	return nil
}
