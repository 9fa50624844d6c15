package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
)

// Backend persists key entries. Entries are already sealed; backends never
// see key material in the clear.
type Backend interface {
	Name() string
	Save(ctx context.Context, entry *KeyEntry) error
	LoadAll(ctx context.Context) ([]*KeyEntry, error)
	Delete(ctx context.Context, version keyversion.KeyVersion) error
	Close() error
}

func entryName(version keyversion.KeyVersion) string {
	return fmt.Sprintf("key_v%d.json", version)
}

func isEntryName(name string) bool {
	return strings.HasPrefix(name, "key_v") && strings.HasSuffix(name, ".json")
}

func decodeEntry(name string, data []byte) (*KeyEntry, error) {
	var entry KeyEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key entry %s: %w", name, err)
	}
	if entry.Metadata.Version == 0 {
		return nil, fmt.Errorf("key entry %s has no version", name)
	}
	return &entry, nil
}

// FileBackend stores one JSON file per version in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir with owner-only permissions if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) path(version keyversion.KeyVersion) string {
	return filepath.Join(b.dir, entryName(version))
}

// Save writes the entry through a temporary file so a crash never leaves a
// truncated key file behind.
func (b *FileBackend) Save(ctx context.Context, entry *KeyEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key entry: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, ".key-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set key file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}
	if err := os.Rename(tmpName, b.path(entry.Metadata.Version)); err != nil {
		return fmt.Errorf("failed to install key file: %w", err)
	}
	return nil
}

func (b *FileBackend) LoadAll(ctx context.Context) ([]*KeyEntry, error) {
	files, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	var entries []*KeyEntry
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.IsDir() || !isEntryName(f.Name()) {
			continue
		}
		path := filepath.Join(b.dir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
		}
		entry, err := decodeEntry(path, data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (b *FileBackend) Delete(ctx context.Context, version keyversion.KeyVersion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(b.path(version)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
