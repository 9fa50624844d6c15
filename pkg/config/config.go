// Package config loads cryptctl settings from YAML with CRYPT_* environment
// overrides. There is deliberately no setting for debug keys.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-crypt/pkg/keystore"
	"github.com/dd0wney/cluso-crypt/pkg/validation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CRYPT_"

// Config is the full cryptctl configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	KeyStore KeyStoreConfig `yaml:"keystore"`
	Rotation RotationConfig `yaml:"rotation"`
	Envelope EnvelopeConfig `yaml:"envelope"`
	KeySync  KeySyncConfig  `yaml:"keysync"`
	Audit    AuditConfig    `yaml:"audit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json zap"`
}

type KeyStoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file s3 postgres"`
	Dir     string `yaml:"dir"`

	// Exactly one of MasterKey or Passphrase (with Salt) supplies the master key.
	MasterKey  string `yaml:"master_key"`
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`

	S3       S3Config       `yaml:"s3"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type S3Config struct {
	Bucket       string `yaml:"bucket" validate:"omitempty,s3bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint" validate:"omitempty,url"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type RotationConfig struct {
	MaxAge       time.Duration `yaml:"max_age"`
	CleanupAfter time.Duration `yaml:"cleanup_after"`
}

type EnvelopeConfig struct {
	Compress bool `yaml:"compress"`
	MaxSize  int  `yaml:"max_size" validate:"min=1"`
}

type KeySyncConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address" validate:"omitempty,syncaddr"`
	Interval time.Duration `yaml:"interval"`
}

type AuditConfig struct {
	Journal string `yaml:"journal"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		KeyStore: KeyStoreConfig{Backend: "file", Dir: "./data/keys"},
		Rotation: RotationConfig{MaxAge: 90 * 24 * time.Hour, CleanupAfter: 365 * 24 * time.Hour},
		Envelope: EnvelopeConfig{MaxSize: 64 << 20},
		KeySync:  KeySyncConfig{Address: "tcp://127.0.0.1:7480", Interval: 5 * time.Second},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that overlay more settings
// (command-line flags) before validating.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays CRYPT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("KEYSTORE_BACKEND", &c.KeyStore.Backend)
	str("KEYSTORE_DIR", &c.KeyStore.Dir)
	str("MASTER_KEY", &c.KeyStore.MasterKey)
	str("PASSPHRASE", &c.KeyStore.Passphrase)
	str("SALT", &c.KeyStore.Salt)
	str("S3_BUCKET", &c.KeyStore.S3.Bucket)
	str("S3_PREFIX", &c.KeyStore.S3.Prefix)
	str("S3_REGION", &c.KeyStore.S3.Region)
	str("S3_ENDPOINT", &c.KeyStore.S3.Endpoint)
	boolean("S3_USE_PATH_STYLE", &c.KeyStore.S3.UsePathStyle)
	str("DATABASE_URL", &c.KeyStore.Postgres.URL)
	dur("ROTATION_MAX_AGE", &c.Rotation.MaxAge)
	dur("ROTATION_CLEANUP_AFTER", &c.Rotation.CleanupAfter)
	boolean("ENVELOPE_COMPRESS", &c.Envelope.Compress)
	boolean("KEYSYNC_ENABLED", &c.KeySync.Enabled)
	str("KEYSYNC_ADDRESS", &c.KeySync.Address)
	dur("KEYSYNC_INTERVAL", &c.KeySync.Interval)
	str("AUDIT_JOURNAL", &c.Audit.Journal)

	return errors.Join(errs...)
}

// Validate checks tags first, then the rules that span fields.
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if err := validation.Struct(c); err != nil {
		return err
	}

	return validation.NewConfigValidator("Config").
		When(c.KeyStore.Backend == "file", func(cv *validation.ConfigValidator) {
			cv.Required("keystore.dir", c.KeyStore.Dir)
		}).
		When(c.KeyStore.Backend == "s3", func(cv *validation.ConfigValidator) {
			cv.Required("keystore.s3.bucket", c.KeyStore.S3.Bucket)
		}).
		When(c.KeyStore.Backend == "postgres", func(cv *validation.ConfigValidator) {
			cv.Required("keystore.postgres.url", c.KeyStore.Postgres.URL)
		}).
		Custom("keystore", c.KeyStore.checkMaster).
		When(c.KeyStore.MasterKey != "", func(cv *validation.ConfigValidator) {
			cv.HexKey("keystore.master_key", c.KeyStore.MasterKey, keystore.MasterKeySize)
		}).
		When(c.KeyStore.Passphrase != "", func(cv *validation.ConfigValidator) {
			cv.Custom("keystore.salt", func() error {
				_, err := c.KeyStore.SaltBytes()
				return err
			})
		}).
		MinDuration("rotation.max_age", c.Rotation.MaxAge, time.Minute).
		When(c.KeySync.Enabled, func(cv *validation.ConfigValidator) {
			cv.Required("keysync.address", c.KeySync.Address).
				MinDuration("keysync.interval", c.KeySync.Interval, 10*time.Millisecond)
		}).
		Validate()
}

func (k *KeyStoreConfig) checkMaster() error {
	switch {
	case k.MasterKey != "" && k.Passphrase != "":
		return errors.New("set master_key or passphrase, not both")
	case k.MasterKey == "" && k.Passphrase == "":
		return errors.New("master_key or passphrase is required")
	}
	return nil
}

// MasterKeyBytes decodes MasterKey.
func (k *KeyStoreConfig) MasterKeyBytes() ([]byte, error) {
	return validation.ParseHexKey(k.MasterKey, keystore.MasterKeySize)
}

// SaltBytes decodes Salt, which must be at least keystore.MinSaltSize bytes.
func (k *KeyStoreConfig) SaltBytes() ([]byte, error) {
	salt, err := hex.DecodeString(strings.TrimSpace(k.Salt))
	if err != nil {
		return nil, fmt.Errorf("salt is not valid hex: %w", err)
	}
	if len(salt) < keystore.MinSaltSize {
		return nil, keystore.ErrSaltTooShort
	}
	return salt, nil
}
