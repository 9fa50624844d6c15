package keystore

import (
	"errors"
	"time"

	"github.com/dd0wney/cluso-crypt/pkg/audit"
	"github.com/dd0wney/cluso-crypt/pkg/crypt"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
	"github.com/dd0wney/cluso-crypt/pkg/metrics"
)

const (
	// KeySize is the size of every managed key.
	KeySize = crypt.KeySize
	// MasterKeySize is the size of the key that wraps managed keys.
	MasterKeySize = crypt.KeySize
	// SaltSize is the size of salts produced by GenerateSalt.
	SaltSize = 32
	// MinSaltSize is the shortest salt NewKeyManagerFromPassphrase accepts.
	MinSaltSize = 16
	// PBKDF2Iterations is the work factor for passphrase-derived master keys.
	PBKDF2Iterations = 600000

	// Algorithm names the cipher managed keys are for.
	Algorithm = "AES-128-GCM"

	wrapTagSize = crypt.MaxTagSize
)

var (
	ErrKeyNotFound       = errors.New("keystore: key not found")
	ErrKeyRevoked        = errors.New("keystore: key revoked")
	ErrKeySizeMismatch   = errors.New("keystore: requested size does not match key size")
	ErrActiveKey         = errors.New("keystore: operation not allowed on the active key, rotate first")
	ErrNoBackend         = errors.New("keystore: no backend configured")
	ErrInvalidMasterKey  = errors.New("keystore: master key must be 16 bytes")
	ErrSaltTooShort      = errors.New("keystore: salt too short")
	ErrUnsupportedFormat = errors.New("keystore: unsupported export format")
	ErrClosed            = errors.New("keystore: key manager closed")
)

// KeyStatus represents the status of a key
type KeyStatus string

const (
	KeyStatusActive     KeyStatus = "active"     // used for new encryption
	KeyStatusRotated    KeyStatus = "rotated"    // decrypt only
	KeyStatusDeprecated KeyStatus = "deprecated" // scheduled for removal
	KeyStatusRevoked    KeyStatus = "revoked"    // never handed out
)

// KeyMetadata contains metadata about a managed key
type KeyMetadata struct {
	Version     keyversion.KeyVersion `json:"version" yaml:"version"`
	CreatedAt   time.Time             `json:"created_at" yaml:"created_at"`
	ActivatedAt time.Time             `json:"activated_at,omitempty" yaml:"activated_at,omitempty"`
	RotatedAt   time.Time             `json:"rotated_at,omitempty" yaml:"rotated_at,omitempty"`
	Status      KeyStatus             `json:"status" yaml:"status"`
	Algorithm   string                `json:"algorithm" yaml:"algorithm"`
}

// KeyEntry is the persisted form of a key: its metadata and the key bytes
// sealed under the master key.
type KeyEntry struct {
	Metadata   KeyMetadata `json:"metadata"`
	IV         []byte      `json:"iv"`
	WrappedKey []byte      `json:"wrapped_key"`
	Tag        []byte      `json:"tag"`
}

// Config holds configuration for the key manager
type Config struct {
	Backend   Backend
	MasterKey []byte // copied into protected memory; the caller keeps ownership

	Logger  logging.Logger
	Metrics *metrics.Registry
	Audit   audit.Logger

	// OnActivate is called with the new version after every successful
	// generate or rotate.
	OnActivate func(keyversion.KeyVersion)
}

// Statistics holds statistics about the key manager
type Statistics struct {
	TotalKeys      int                   `json:"total_keys"`
	ActiveKeys     int                   `json:"active_keys"`
	RotatedKeys    int                   `json:"rotated_keys"`
	DeprecatedKeys int                   `json:"deprecated_keys"`
	RevokedKeys    int                   `json:"revoked_keys"`
	ActiveVersion  keyversion.KeyVersion `json:"active_version"`
	ActiveKeyAge   time.Duration         `json:"active_key_age"`
	OldestKeyAge   time.Duration         `json:"oldest_key_age"`
	NewestKeyAge   time.Duration         `json:"newest_key_age"`
}
