// Package keystore is the default key-management system. It keeps
// versioned AES-128 keys sealed under a master key in a pluggable backend and
// serves them to the rest of the process as a keyversion.Resolver.
package keystore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-crypt/pkg/audit"
	"github.com/dd0wney/cluso-crypt/pkg/crypt"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
	"github.com/dd0wney/cluso-crypt/pkg/metrics"
)

// KeyManager manages versioned keys, including rotation.
type KeyManager struct {
	master        *masterKey
	backend       Backend
	keys          map[keyversion.KeyVersion]*KeyEntry
	activeVersion keyversion.KeyVersion
	mu            sync.RWMutex

	log        logging.Logger
	metrics    *metrics.Registry
	audit      audit.Logger
	onActivate func(keyversion.KeyVersion)
}

var _ keyversion.Resolver = (*KeyManager)(nil)

// NewKeyManager loads every key the backend holds.
func NewKeyManager(ctx context.Context, cfg Config) (*KeyManager, error) {
	if cfg.Backend == nil {
		return nil, ErrNoBackend
	}
	master, err := newMasterKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	km := &KeyManager{
		master:     master,
		backend:    cfg.Backend,
		keys:       make(map[keyversion.KeyVersion]*KeyEntry),
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		audit:      cfg.Audit,
		onActivate: cfg.OnActivate,
	}
	if km.log == nil {
		km.log = logging.With(logging.Component("keystore"))
	}
	if km.metrics == nil {
		km.metrics = metrics.DefaultRegistry()
	}

	if err := km.loadKeys(ctx); err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	km.log.Info("key manager ready",
		logging.String("backend", km.backend.Name()),
		logging.Count(len(km.keys)),
		logging.KeyVersion(uint32(km.activeVersion)),
	)
	return km, nil
}

// NewKeyManagerFromPassphrase derives the master key from passphrase and salt.
func NewKeyManagerFromPassphrase(ctx context.Context, passphrase, salt []byte, cfg Config) (*KeyManager, error) {
	master, err := DeriveMasterKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer wipe(master)

	cfg.MasterKey = master
	return NewKeyManager(ctx, cfg)
}

// Name identifies the key manager in resolver logs.
func (km *KeyManager) Name() string {
	return "keystore/" + km.backend.Name()
}

// Register makes km the default resolver.
func (km *KeyManager) Register() {
	keyversion.SetDefault(km)
}

// LatestVersion returns the active key version, 0 when there is none.
func (km *KeyManager) LatestVersion() keyversion.KeyVersion {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.activeVersion
}

// Key unwraps the key for version. size must be KeySize.
func (km *KeyManager) Key(version keyversion.KeyVersion, size int) ([]byte, error) {
	key, err := km.key(version, size)
	km.metrics.RecordKeyOperation("get", status(err))
	return key, err
}

func (km *KeyManager) key(version keyversion.KeyVersion, size int) ([]byte, error) {
	km.mu.RLock()
	if km.keys == nil {
		km.mu.RUnlock()
		return nil, ErrClosed
	}
	entry, exists := km.keys[version]
	var e KeyEntry
	if exists {
		e = *entry
	}
	master := km.master
	km.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("version %d: %w", version, ErrKeyNotFound)
	}
	if e.Metadata.Status == KeyStatusRevoked {
		return nil, fmt.Errorf("version %d: %w", version, ErrKeyRevoked)
	}
	if size != KeySize {
		return nil, fmt.Errorf("size %d: %w", size, ErrKeySizeMismatch)
	}
	return unwrap(master, &e)
}

// Close discards the key table and closes the backend.
func (km *KeyManager) Close() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	km.keys = nil
	km.activeVersion = 0
	km.master = nil
	return km.backend.Close()
}

func (km *KeyManager) wrap(version keyversion.KeyVersion, key []byte) (*KeyEntry, error) {
	iv := make([]byte, crypt.GCMIVSize)
	if err := crypt.RandomBytes(iv); err != nil {
		return nil, err
	}

	var wrapped, tag []byte
	err := km.master.with(func(mk []byte) error {
		var err error
		wrapped, tag, err = crypt.EncryptGCM(mk, iv, versionAAD(version), key, wrapTagSize)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}
	return &KeyEntry{IV: iv, WrappedKey: wrapped, Tag: tag}, nil
}

// unwrap takes the master key snapshotted under the lock, so a concurrent
// Close cannot swap it out mid-call.
func unwrap(master *masterKey, e *KeyEntry) ([]byte, error) {
	var key []byte
	err := master.with(func(mk []byte) error {
		var err error
		key, err = crypt.DecryptGCM(mk, e.IV, versionAAD(e.Metadata.Version), e.WrappedKey, e.Tag)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key version %d: %w", e.Metadata.Version, err)
	}
	return key, nil
}

func (km *KeyManager) loadKeys(ctx context.Context) error {
	op := logging.StartTimer(km.log, "key entries loaded", logging.String("backend", km.backend.Name()))
	start := time.Now()
	entries, err := km.backend.LoadAll(ctx)
	km.metrics.ObserveBackend(km.backend.Name(), "load", time.Since(start))
	if err != nil {
		op.EndError(err)
		return err
	}
	op.End()

	for _, entry := range entries {
		km.keys[entry.Metadata.Version] = entry
		if entry.Metadata.Status == KeyStatusActive && entry.Metadata.Version > km.activeVersion {
			km.activeVersion = entry.Metadata.Version
		}
	}

	// A crash between saving a new key and demoting the old one leaves two
	// active entries; the highest wins.
	for version, entry := range km.keys {
		if entry.Metadata.Status == KeyStatusActive && version != km.activeVersion {
			entry.Metadata.Status = KeyStatusRotated
		}
	}

	km.updateCounts()
	return nil
}

func (km *KeyManager) save(ctx context.Context, entry *KeyEntry) error {
	start := time.Now()
	err := km.backend.Save(ctx, entry)
	km.metrics.ObserveBackend(km.backend.Name(), "save", time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to save key version %d: %w", entry.Metadata.Version, err)
	}
	return nil
}

func (km *KeyManager) remove(ctx context.Context, version keyversion.KeyVersion) error {
	start := time.Now()
	err := km.backend.Delete(ctx, version)
	km.metrics.ObserveBackend(km.backend.Name(), "delete", time.Since(start))
	return err
}

// updateCounts must be called with mu held.
func (km *KeyManager) updateCounts() {
	counts := map[string]int{
		string(KeyStatusActive):     0,
		string(KeyStatusRotated):    0,
		string(KeyStatusDeprecated): 0,
		string(KeyStatusRevoked):    0,
	}
	for _, entry := range km.keys {
		counts[string(entry.Metadata.Status)]++
	}
	km.metrics.UpdateKeyCounts(counts)
}

func (km *KeyManager) record(event *audit.Event) {
	if km.audit == nil {
		return
	}
	if err := km.audit.Log(event); err != nil {
		km.log.Warn("audit log failed",
			logging.Operation(string(event.Action)),
			logging.Error(err),
		)
	}
}

func versionAAD(v keyversion.KeyVersion) []byte {
	var b [keyversion.Width]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
