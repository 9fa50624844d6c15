package keystore

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-crypt/pkg/audit"
	"github.com/dd0wney/cluso-crypt/pkg/crypt"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
)

// GenerateKey creates a new key and makes it active. The previous active key
// becomes rotated and stays usable for decryption.
func (km *KeyManager) GenerateKey(ctx context.Context) (keyversion.KeyVersion, error) {
	return km.activate(ctx, audit.ActionGenerate)
}

// RotateKey is GenerateKey recorded as a rotation.
func (km *KeyManager) RotateKey(ctx context.Context) (keyversion.KeyVersion, error) {
	return km.activate(ctx, audit.ActionRotate)
}

func (km *KeyManager) activate(ctx context.Context, action audit.Action) (keyversion.KeyVersion, error) {
	version, err := km.activateLocked(ctx)
	km.metrics.RecordKeyOperation(string(action), status(err))
	if err != nil {
		km.log.Error("key activation failed", logging.Operation(string(action)), logging.Error(err))
		km.record(audit.NewFailedEvent(action, audit.ResourceKey, uint32(version), err))
		return 0, err
	}

	km.log.Info("key activated", logging.Operation(string(action)), logging.KeyVersion(uint32(version)))
	km.record(audit.NewEvent(action, audit.ResourceKey, uint32(version)))
	if km.onActivate != nil {
		km.onActivate(version)
	}
	return version, nil
}

func (km *KeyManager) activateLocked(ctx context.Context) (keyversion.KeyVersion, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.keys == nil {
		return 0, ErrClosed
	}

	key := make([]byte, KeySize)
	if err := crypt.RandomBytes(key); err != nil {
		return 0, fmt.Errorf("failed to generate key: %w", err)
	}
	defer wipe(key)

	version := km.nextVersion()
	entry, err := km.wrap(version, key)
	if err != nil {
		return version, err
	}
	now := time.Now().UTC()
	entry.Metadata = KeyMetadata{
		Version:     version,
		CreatedAt:   now,
		ActivatedAt: now,
		Status:      KeyStatusActive,
		Algorithm:   Algorithm,
	}

	if err := km.save(ctx, entry); err != nil {
		return version, err
	}

	if old, exists := km.keys[km.activeVersion]; exists && km.activeVersion != 0 {
		demoted := *old
		demoted.Metadata.Status = KeyStatusRotated
		demoted.Metadata.RotatedAt = now
		if err := km.save(ctx, &demoted); err != nil {
			// The new key is already durable and wins on reload.
			km.log.Warn("failed to persist rotated key",
				logging.KeyVersion(uint32(old.Metadata.Version)),
				logging.Error(err),
			)
		}
		km.keys[km.activeVersion] = &demoted
	}

	km.keys[version] = entry
	km.activeVersion = version
	km.metrics.RecordKeyRotation(uint32(version), now)
	km.updateCounts()
	return version, nil
}

// RevokeKey marks a key as revoked. Revoked keys are never returned by Key.
func (km *KeyManager) RevokeKey(ctx context.Context, version keyversion.KeyVersion) error {
	return km.setStatus(ctx, version, KeyStatusRevoked, audit.ActionRevoke)
}

// DeprecateKey marks a key as deprecated. It stays readable until cleanup.
func (km *KeyManager) DeprecateKey(ctx context.Context, version keyversion.KeyVersion) error {
	return km.setStatus(ctx, version, KeyStatusDeprecated, audit.ActionDeprecate)
}

func (km *KeyManager) setStatus(ctx context.Context, version keyversion.KeyVersion, s KeyStatus, action audit.Action) error {
	err := km.setStatusLocked(ctx, version, s)
	km.metrics.RecordKeyOperation(string(action), status(err))
	if err != nil {
		km.record(audit.NewFailedEvent(action, audit.ResourceKey, uint32(version), err))
		return err
	}
	km.log.Info("key status changed",
		logging.KeyVersion(uint32(version)),
		logging.String("status", string(s)),
	)
	km.record(audit.NewEvent(action, audit.ResourceKey, uint32(version)))
	return nil
}

func (km *KeyManager) setStatusLocked(ctx context.Context, version keyversion.KeyVersion, s KeyStatus) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.keys == nil {
		return ErrClosed
	}
	entry, exists := km.keys[version]
	if !exists {
		return fmt.Errorf("version %d: %w", version, ErrKeyNotFound)
	}
	if version == km.activeVersion {
		return ErrActiveKey
	}

	updated := *entry
	updated.Metadata.Status = s
	if err := km.save(ctx, &updated); err != nil {
		return err
	}
	km.keys[version] = &updated
	km.updateCounts()
	return nil
}

// ShouldRotate reports whether the active key is older than maxAge or there
// is no active key at all.
func (km *KeyManager) ShouldRotate(maxAge time.Duration) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()

	entry, exists := km.keys[km.activeVersion]
	if km.activeVersion == 0 || !exists {
		return true
	}
	return time.Since(entry.Metadata.CreatedAt) > maxAge
}

// CleanupDeprecatedKeys deletes deprecated and revoked keys created more
// than olderThan ago. It returns how many were removed.
func (km *KeyManager) CleanupDeprecatedKeys(ctx context.Context, olderThan time.Duration) (int, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.keys == nil {
		return 0, ErrClosed
	}

	removed := 0
	now := time.Now()
	for version, entry := range km.keys {
		if version == km.activeVersion {
			continue
		}
		if entry.Metadata.Status != KeyStatusDeprecated && entry.Metadata.Status != KeyStatusRevoked {
			continue
		}
		if now.Sub(entry.Metadata.CreatedAt) <= olderThan {
			continue
		}
		if err := km.remove(ctx, version); err != nil {
			km.updateCounts()
			km.metrics.RecordKeyOperation(string(audit.ActionCleanup), "failure")
			return removed, fmt.Errorf("failed to delete key version %d: %w", version, err)
		}
		delete(km.keys, version)
		removed++
		km.record(audit.NewEvent(audit.ActionCleanup, audit.ResourceKey, uint32(version)))
	}

	km.updateCounts()
	km.metrics.RecordKeyOperation(string(audit.ActionCleanup), "success")
	if removed > 0 {
		km.log.Info("deprecated keys removed", logging.Count(removed))
	}
	return removed, nil
}

// nextVersion must be called with mu held.
func (km *KeyManager) nextVersion() keyversion.KeyVersion {
	var highest keyversion.KeyVersion
	for version := range km.keys {
		if version > highest {
			highest = version
		}
	}
	return highest + 1
}
