package keyversion

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-crypt/pkg/logging"
)

// Deterministic debug keys. When enabled, every lookup bypasses the
// installed resolver: LatestVersion reports a settable counter and Key
// returns the version in big-endian followed by zeros. Anything encrypted
// this way is readable by anyone. Config files and the CLI cannot reach
// these functions; only code that imports them can.

var (
	debugEnabled atomic.Bool

	debugMu      sync.RWMutex
	debugVersion KeyVersion
)

// DangerouslyEnableDebugKeys switches every lookup to predictable keys.
func DangerouslyEnableDebugKeys() {
	debugEnabled.Store(true)
	logger().Warn("DEBUG KEYS ENABLED: key material is predictable")
	registry().SetDebugOverride(true)
}

// DisableDebugKeys returns lookups to the installed resolver.
func DisableDebugKeys() {
	debugEnabled.Store(false)
	logger().Info("debug keys disabled")
	registry().SetDebugOverride(false)
}

// DebugKeysEnabled reports whether the debug override is active.
func DebugKeysEnabled() bool {
	return debugEnabled.Load()
}

// SetDebugKeyVersion sets the version LatestVersion reports while debug keys
// are enabled.
func SetDebugKeyVersion(v KeyVersion) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugVersion = v
	logger().Debug("debug key version set", logging.KeyVersion(uint32(v)))
}

func debugLatestVersion() KeyVersion {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debugVersion
}

func debugKey(version KeyVersion, size int) ([]byte, error) {
	if size < Width {
		return nil, ErrKeyTooSmall
	}
	key := make([]byte, size)
	binary.BigEndian.PutUint32(key, uint32(version))
	return key, nil
}
