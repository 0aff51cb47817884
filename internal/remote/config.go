package remote

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"pwnlink/agent/internal/logging"
	"pwnlink/agent/internal/model"
)

const (
	KeyDeviceName  = "main.name"
	KeyWebUser     = "ui.web.username"
	KeyWebPassword = "ui.web.password"

	PlaceholderName       = "unknown"
	PlaceholderCredential = "changeme"
)

// ConfigReader reads the device configuration file over its own session.
type ConfigReader struct {
	dialer Dialer
	path   string
	logger *zap.Logger
}

func NewConfigReader(dialer Dialer, path string, logger *zap.Logger) *ConfigReader {
	return &ConfigReader{dialer: dialer, path: path, logger: logging.OrNop(logger)}
}

// FetchConfig opens a session, reads the config file through SFTP and
// extracts the known keys. Missing keys fall back to placeholders; dial,
// auth and read errors are returned.
func (r *ConfigReader) FetchConfig(ctx context.Context) (model.RemoteConfig, error) {
	session, err := r.dialer.Dial(ctx)
	if err != nil {
		return model.RemoteConfig{}, err
	}
	defer func() { _ = session.Close() }()

	transfer, err := session.OpenFileTransfer()
	if err != nil {
		return model.RemoteConfig{}, err
	}
	defer func() { _ = transfer.Close() }()

	raw, err := transfer.ReadFile(r.path)
	if err != nil {
		return model.RemoteConfig{}, fmt.Errorf("%w: read config %s: %v", ErrRemoteExec, r.path, err)
	}

	cfg := ParseConfig(string(raw))
	cfg.FetchedAt = time.Now().UTC()
	r.logger.Debug("remote config parsed", zap.String("path", r.path), zap.String("device_name", cfg.DeviceName), zap.Int("bytes", len(raw)))
	return cfg, nil
}

func ParseConfig(raw string) model.RemoteConfig {
	return model.RemoteConfig{
		Raw:         raw,
		DeviceName:  valueOr(raw, KeyDeviceName, PlaceholderName),
		WebUser:     valueOr(raw, KeyWebUser, PlaceholderCredential),
		WebPassword: valueOr(raw, KeyWebPassword, PlaceholderCredential),
	}
}

// ParseValue returns the quoted value of the first `key = "value"` line.
func ParseValue(content, key string) (string, bool) {
	pattern := regexp.MustCompile(`(?m)^[ \t]*` + regexp.QuoteMeta(key) + `[ \t]*=[ \t]*"([^"]*)"`)
	match := pattern.FindStringSubmatch(content)
	if match == nil {
		return "", false
	}
	return match[1], true
}

func valueOr(content, key, fallback string) string {
	if value, ok := ParseValue(content, key); ok && value != "" {
		return value
	}
	return fallback
}
