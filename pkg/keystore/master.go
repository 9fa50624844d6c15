package keystore

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/dd0wney/cluso-crypt/pkg/crypt"
)

// masterKey keeps the wrapping key encrypted at rest in memory and only
// decrypts it into a locked buffer for the duration of one call.
type masterKey struct {
	enclave *memguard.Enclave
}

func newMasterKey(key []byte) (*masterKey, error) {
	if len(key) != MasterKeySize {
		return nil, ErrInvalidMasterKey
	}
	buf := make([]byte, len(key))
	copy(buf, key)
	// NewEnclave wipes buf.
	return &masterKey{enclave: memguard.NewEnclave(buf)}, nil
}

func (m *masterKey) with(fn func(key []byte) error) error {
	if m == nil || m.enclave == nil {
		return ErrClosed
	}
	buffer, err := m.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open master key: %w", err)
	}
	defer buffer.Destroy()
	return fn(buffer.Bytes())
}

// SyncSecretSize is the length of the secret returned by SyncSecret.
const SyncSecretSize = 32

const syncSecretInfo = "cluso-crypt keysync v1"

// SyncSecret derives the secret that signs key version announcements.
// Every process holding the same master key derives the same secret.
func (km *KeyManager) SyncSecret() ([]byte, error) {
	km.mu.RLock()
	master := km.master
	km.mu.RUnlock()

	secret := make([]byte, SyncSecretSize)
	err := master.with(func(mk []byte) error {
		_, err := io.ReadFull(hkdf.New(sha256.New, mk, nil, []byte(syncSecretInfo)), secret)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to derive sync secret: %w", err)
	}
	return secret, nil
}

// DeriveMasterKey stretches passphrase into a master key with PBKDF2-SHA256.
func DeriveMasterKey(passphrase, salt []byte) ([]byte, error) {
	if len(salt) < MinSaltSize {
		return nil, ErrSaltTooShort
	}
	return pbkdf2.Key(passphrase, salt, PBKDF2Iterations, MasterKeySize, sha256.New), nil
}

// GenerateSalt returns SaltSize random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if err := crypt.RandomBytes(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateMasterKey returns a random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if err := crypt.RandomBytes(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}
