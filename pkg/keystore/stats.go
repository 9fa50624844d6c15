package keystore

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-crypt/pkg/audit"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
)

// ListKeys returns metadata for all keys, lowest version first.
func (km *KeyManager) ListKeys() []KeyMetadata {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.listLocked()
}

func (km *KeyManager) listLocked() []KeyMetadata {
	result := make([]KeyMetadata, 0, len(km.keys))
	for _, entry := range km.keys {
		result = append(result, entry.Metadata)
	}
	slices.SortFunc(result, func(a, b KeyMetadata) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return result
}

// GetKeyMetadata returns metadata for a specific key version
func (km *KeyManager) GetKeyMetadata(version keyversion.KeyVersion) (*KeyMetadata, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	entry, exists := km.keys[version]
	if !exists {
		return nil, fmt.Errorf("version %d: %w", version, ErrKeyNotFound)
	}
	metadata := entry.Metadata
	return &metadata, nil
}

// GetKeyAge returns the age of a key version
func (km *KeyManager) GetKeyAge(version keyversion.KeyVersion) (time.Duration, error) {
	metadata, err := km.GetKeyMetadata(version)
	if err != nil {
		return 0, err
	}
	return time.Since(metadata.CreatedAt), nil
}

// GetStatistics returns statistics about the key manager
func (km *KeyManager) GetStatistics() Statistics {
	km.mu.RLock()
	defer km.mu.RUnlock()

	stats := Statistics{
		TotalKeys:     len(km.keys),
		ActiveVersion: km.activeVersion,
	}

	for _, entry := range km.keys {
		switch entry.Metadata.Status {
		case KeyStatusActive:
			stats.ActiveKeys++
		case KeyStatusRotated:
			stats.RotatedKeys++
		case KeyStatusDeprecated:
			stats.DeprecatedKeys++
		case KeyStatusRevoked:
			stats.RevokedKeys++
		}

		age := time.Since(entry.Metadata.CreatedAt)
		if stats.OldestKeyAge == 0 || age > stats.OldestKeyAge {
			stats.OldestKeyAge = age
		}
		if stats.NewestKeyAge == 0 || age < stats.NewestKeyAge {
			stats.NewestKeyAge = age
		}
	}

	if active, exists := km.keys[km.activeVersion]; exists {
		stats.ActiveKeyAge = time.Since(active.Metadata.CreatedAt)
	}
	return stats
}

// ExportKeyMetadata renders key metadata (never key material) as "json" or
// "yaml".
func (km *KeyManager) ExportKeyMetadata(format string) ([]byte, error) {
	km.mu.RLock()
	metadata := km.listLocked()
	km.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(format) {
	case "", "json":
		data, err = json.MarshalIndent(metadata, "", "  ")
	case "yaml", "yml":
		data, err = yaml.Marshal(metadata)
	default:
		return nil, fmt.Errorf("%q: %w", format, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	km.metrics.RecordKeyOperation(string(audit.ActionExport), "success")
	km.record(audit.NewEvent(audit.ActionExport, audit.ResourceKey, uint32(km.LatestVersion())))
	return data, nil
}
