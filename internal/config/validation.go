package config

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for configuration validation, checkable with errors.Is().
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingSecretKey indicates SECRET_KEY is not set.
	ErrMissingSecretKey = errors.New("missing secret key")

	// ErrWeakSecretKey indicates the secret key is too short for HS256.
	ErrWeakSecretKey = errors.New("secret key too short")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidTokenTTL indicates a token lifetime is out of range.
	ErrInvalidTokenTTL = errors.New("invalid token TTL")

	// ErrInvalidEnv indicates app_env is not a recognized environment.
	ErrInvalidEnv = errors.New("invalid app environment")

	// ErrInvalidLogFormat indicates log_format is not "json" or "text".
	ErrInvalidLogFormat = errors.New("invalid log format")

	// ErrInvalidUploadLimit indicates max_upload_bytes is not positive.
	ErrInvalidUploadLimit = errors.New("invalid upload limit")
)

// minSecretKeyLen is the minimum accepted HS256 signing key length.
const minSecretKeyLen = 32

var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks the configuration and fails fast with a clear error.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.AppEnv != EnvDevelopment && c.AppEnv != EnvProduction {
		return fmt.Errorf("%w: %q (expected %q or %q)", ErrInvalidEnv, c.AppEnv, EnvDevelopment, EnvProduction)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return ErrInvalidPostgresDBName
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.SecretKey == "" {
		return fmt.Errorf("%w: set SECRET_KEY", ErrMissingSecretKey)
	}
	if len(c.SecretKey) < minSecretKeyLen {
		return fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecretKey, minSecretKeyLen, len(c.SecretKey))
	}

	if c.AccessTokenTTLMin < 1 || c.AccessTokenTTLMin > 24*60 {
		return fmt.Errorf("%w: access_token_ttl_min=%d", ErrInvalidTokenTTL, c.AccessTokenTTLMin)
	}
	if c.RefreshTokenTTLDy < 1 || c.RefreshTokenTTLDy > 365 {
		return fmt.Errorf("%w: refresh_token_ttl_days=%d", ErrInvalidTokenTTL, c.RefreshTokenTTLDy)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.LogFormat)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidUploadLimit, c.MaxUploadBytes)
	}

	return nil
}
