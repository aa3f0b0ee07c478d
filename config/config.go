// Package config loads device provisioning material — the master secret,
// AAGUID, and attestation key/certificate — plus ambient logging and
// metrics settings, using koanf/v2 over a YAML file with environment
// variable overrides. It is the one place this module reads from outside
// world state; everything downstream (authenticator, metrics, pipe) takes
// plain Go values.
package config

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nrehlein/ctaphid/authenticator"
	"github.com/nrehlein/ctaphid/ctapcrypto"
	"github.com/nrehlein/ctaphid/ctaptypes"
)

// Config holds the complete ctaphid-sim configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Device  DeviceConfig  `koanf:"device"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is "json" or "text".
	Format string `koanf:"format"`
}

// DeviceConfig holds the provisioning material for an InsecureRAM backend.
// Every field is hex or string encoded so it can round-trip through a YAML
// file or an environment variable unchanged.
type DeviceConfig struct {
	// MasterSecretHex is a hex-encoded master secret, at least 32 bytes.
	MasterSecretHex string `koanf:"master_secret"`
	// AAGUID is a UUID string, e.g. "12345678-1234-1234-1234-123456789abc".
	AAGUID string `koanf:"aaguid"`
	// AttestationKeyHex is a hex-encoded 32-byte little-endian P-256
	// private scalar.
	AttestationKeyHex string `koanf:"attestation_key"`
	// AttestationCertHex is a hex-encoded DER attestation certificate,
	// at most 511 bytes.
	AttestationCertHex string `koanf:"attestation_cert"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint, e.g. ":9100".
	Addr string `koanf:"addr"`
	// Path is the URL path serving Prometheus's text exposition format.
	Path string `koanf:"path"`
}

// envPrefix is the environment variable prefix for ctaphid-sim overrides.
// Variables are named CTAPHID_<section>_<key>, e.g. CTAPHID_DEVICE_AAGUID.
const envPrefix = "CTAPHID_"

// maxAttestationCertLength matches the fixed authenticatorData/X5C budget:
// an attestation certificate must fit inside the single-credential response
// envelope alongside authData, the signature, and CBOR framing overhead.
const maxAttestationCertLength = 511

// DefaultConfig returns a Config populated with the reference device
// material described for the insecure RAM backend: a fixed, well-known
// master secret and AAGUID, suitable only for local testing.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Device: DeviceConfig{
			MasterSecretHex:    strings.Repeat("a5", 32),
			AAGUID:             "f1d02000-0000-4000-8000-000000000001",
			AttestationKeyHex:  strings.Repeat("01", 32),
			AttestationCertHex: "",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// Load reads configuration from a YAML file at path, overlaid with
// CTAPHID_-prefixed environment variables, on top of DefaultConfig(). An
// empty path loads only defaults and environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, trace.Wrap(err, "load config defaults")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, trace.Wrap(err, "load config from %s", path)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, trace.Wrap(err, "load env overrides")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, trace.Wrap(err, "unmarshal config")
	}

	if err := Validate(cfg); err != nil {
		return nil, trace.Wrap(err, "validate config from %s", path)
	}

	return cfg, nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	// Only the first underscore separates section from key; keys such as
	// master_secret keep their own underscores.
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
		"device.master_secret":    defaults.Device.MasterSecretHex,
		"device.aaguid":           defaults.Device.AAGUID,
		"device.attestation_key":  defaults.Device.AttestationKeyHex,
		"device.attestation_cert": defaults.Device.AttestationCertHex,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	secret, err := cfg.Device.MasterSecret()
	if err != nil {
		return trace.Wrap(err, "device.master_secret")
	}
	if len(secret) < 32 {
		return trace.BadParameter("device.master_secret must decode to at least 32 bytes, got %d", len(secret))
	}

	if _, err := cfg.Device.parsedAAGUID(); err != nil {
		return trace.Wrap(err, "device.aaguid")
	}

	if _, err := cfg.Device.AttestationKey(); err != nil {
		return trace.Wrap(err, "device.attestation_key")
	}

	cert, err := cfg.Device.AttestationCert()
	if err != nil {
		return trace.Wrap(err, "device.attestation_cert")
	}
	if len(cert) > maxAttestationCertLength {
		return trace.BadParameter("device.attestation_cert must be at most %d bytes, got %d", maxAttestationCertLength, len(cert))
	}

	if cfg.Metrics.Addr == "" {
		return trace.BadParameter("metrics.addr must not be empty")
	}

	return nil
}

// MasterSecret decodes the hex-encoded master secret.
func (d DeviceConfig) MasterSecret() ([]byte, error) {
	b, err := hex.DecodeString(d.MasterSecretHex)
	if err != nil {
		return nil, fmt.Errorf("decode hex master secret: %w", err)
	}
	return b, nil
}

// AttestationKey decodes and parses the fixed P-256 attestation private key.
// The provisioned scalar is little-endian; it is reversed into the
// big-endian form ParseP256PrivateKey takes.
func (d DeviceConfig) AttestationKey() (*ecdsa.PrivateKey, error) {
	raw, err := hex.DecodeString(d.AttestationKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode hex attestation key: %w", err)
	}
	bigEndian := make([]byte, len(raw))
	for i, b := range raw {
		bigEndian[len(raw)-1-i] = b
	}
	priv, err := ctapcrypto.ParseP256PrivateKey(bigEndian)
	if err != nil {
		return nil, fmt.Errorf("parse attestation key: %w", err)
	}
	return priv, nil
}

// parsedAAGUID parses the AAGUID UUID string.
func (d DeviceConfig) parsedAAGUID() (ctaptypes.AAGUID, error) {
	u, err := uuid.Parse(d.AAGUID)
	if err != nil {
		return ctaptypes.AAGUID{}, fmt.Errorf("parse aaguid: %w", err)
	}
	return ctaptypes.FromUUID(u), nil
}

// Backend constructs an authenticator.InsecureRAM from the device's
// provisioned material. Validate should be called first; Backend does not
// re-check lengths it assumes Validate already enforced.
func (c *Config) Backend() (*authenticator.InsecureRAM, error) {
	secret, err := c.Device.MasterSecret()
	if err != nil {
		return nil, trace.Wrap(err, "device.master_secret")
	}
	aaguid, err := c.Device.parsedAAGUID()
	if err != nil {
		return nil, trace.Wrap(err, "device.aaguid")
	}
	attestationKey, err := c.Device.AttestationKey()
	if err != nil {
		return nil, trace.Wrap(err, "device.attestation_key")
	}
	cert, err := c.Device.AttestationCert()
	if err != nil {
		return nil, trace.Wrap(err, "device.attestation_cert")
	}
	return authenticator.NewInsecureRAM(secret, aaguid, attestationKey, cert), nil
}

// AttestationCert decodes the hex-encoded DER attestation certificate. An
// empty string decodes to a nil (empty) certificate, valid for local testing
// where no real attestation chain is required.
func (d DeviceConfig) AttestationCert() ([]byte, error) {
	if d.AttestationCertHex == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(d.AttestationCertHex)
	if err != nil {
		return nil, fmt.Errorf("decode hex attestation cert: %w", err)
	}
	return b, nil
}

// ParseLogLevel maps a LogConfig level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
