// Package keyversion resolves which key generation is active and what the
// key bytes of any generation are.
//
// Resolution goes through one process-wide Resolver. The key-management
// system linked into the binary registers itself with SetDefault at startup;
// Install replaces it wholesale (tests, rotation drills) and Install(nil)
// puts the default back. Both halves of a Resolver are always swapped
// together, so a reader can never pair one generation's LatestVersion with
// another's Key.
package keyversion

import (
	"errors"
	"sync/atomic"

	"github.com/dd0wney/cluso-crypt/pkg/logging"
	"github.com/dd0wney/cluso-crypt/pkg/metrics"
)

// KeyVersion identifies a key generation.
type KeyVersion uint32

// Width is the size in bytes of a KeyVersion on the wire (big-endian).
const Width = 4

var (
	// ErrNoKeySource is returned before any key-management system has
	// registered a default resolver.
	ErrNoKeySource = errors.New("keyversion: no key source configured")

	// ErrKeyTooSmall is returned by debug keys when size < Width.
	ErrKeyTooSmall = errors.New("keyversion: requested key smaller than version width")

	// ErrIncompleteResolver is returned by NewFuncs when either function is nil.
	ErrIncompleteResolver = errors.New("keyversion: resolver needs both functions")
)

// Resolver answers the two key questions as a unit.
type Resolver interface {
	// LatestVersion returns the generation new data should be encrypted under.
	LatestVersion() KeyVersion
	// Key returns size bytes of key material for version.
	Key(version KeyVersion, size int) ([]byte, error)
}

// funcs adapts a pair of functions to Resolver.
type funcs struct {
	latest func() KeyVersion
	key    func(KeyVersion, int) ([]byte, error)
}

// NewFuncs pairs latest and key into a Resolver. Neither may be nil.
func NewFuncs(latest func() KeyVersion, key func(KeyVersion, int) ([]byte, error)) (Resolver, error) {
	if latest == nil || key == nil {
		return nil, ErrIncompleteResolver
	}
	return &funcs{latest: latest, key: key}, nil
}

func (f *funcs) LatestVersion() KeyVersion { return f.latest() }

func (f *funcs) Key(version KeyVersion, size int) ([]byte, error) {
	return f.key(version, size)
}

type unconfigured struct{}

func (unconfigured) LatestVersion() KeyVersion { return 0 }

func (unconfigured) Key(KeyVersion, int) ([]byte, error) { return nil, ErrNoKeySource }

// slot holds a Resolver so the pair is published with one pointer store.
type slot struct {
	r Resolver
}

var (
	defaultSlot   atomic.Pointer[slot]
	installedSlot atomic.Pointer[slot]
	metricsSink   atomic.Pointer[metrics.Registry]
)

func logger() logging.Logger {
	return logging.With(logging.Component("keyversion"))
}

func registry() *metrics.Registry {
	if r := metricsSink.Load(); r != nil {
		return r
	}
	return metrics.DefaultRegistry()
}

// SetMetrics sets the registry lookups and installs are recorded into.
// Nil restores metrics.DefaultRegistry.
func SetMetrics(r *metrics.Registry) {
	metricsSink.Store(r)
}

// SetDefault registers the resolver Install(nil) restores. It is meant to
// be called once by the key-management system during startup. Nil
// unregisters it.
func SetDefault(r Resolver) {
	if r == nil {
		defaultSlot.Store(nil)
		return
	}
	defaultSlot.Store(&slot{r: r})
}

// Install replaces the active resolver. Nil restores the default.
func Install(r Resolver) {
	if r == nil {
		installedSlot.Store(nil)
		logger().Info("key resolver reset to default")
		registry().RecordResolverInstall("default")
		return
	}
	installedSlot.Store(&slot{r: r})
	logger().Info("key resolver installed", logging.String("resolver", resolverName(r)))
	registry().RecordResolverInstall("custom")
}

// Installed returns the resolver lookups currently go to, ignoring the
// debug override.
func Installed() Resolver {
	if s := installedSlot.Load(); s != nil {
		return s.r
	}
	if s := defaultSlot.Load(); s != nil {
		return s.r
	}
	return unconfigured{}
}

// LatestVersion returns the active key generation.
func LatestVersion() KeyVersion {
	if debugEnabled.Load() {
		return debugLatestVersion()
	}
	return Installed().LatestVersion()
}

// Key returns size bytes of key material for version. Errors from the
// resolver are returned unchanged.
func Key(version KeyVersion, size int) ([]byte, error) {
	if debugEnabled.Load() {
		key, err := debugKey(version, size)
		registry().RecordKeyLookup("debug", lookupResult(err))
		return key, err
	}

	key, err := Installed().Key(version, size)
	registry().RecordKeyLookup("resolver", lookupResult(err))
	if err != nil {
		logger().Warn("key lookup failed",
			logging.KeyVersion(uint32(version)),
			logging.Size(size),
			logging.Error(err),
		)
	}
	return key, err
}

func lookupResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func resolverName(r Resolver) string {
	if n, ok := r.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "custom"
}
