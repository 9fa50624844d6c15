// Package keysync spreads "the latest key version is N" from the process
// that rotates keys to every process that encrypts with them.
//
// The announcer publishes on a mangos PUB socket and repeats the current
// version on an interval so late subscribers catch up. Each announcement is
// an HS256 JWT signed with a secret both ends derive from the master key;
// followers drop anything unsigned, foreign or older than MaxAge. Followers subscribe
// and act as a keyversion.Resolver: LatestVersion tracks announcements while
// Key still goes to a local key source.
package keysync

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
	"github.com/dd0wney/cluso-crypt/pkg/metrics"
)

const (
	// DefaultInterval is how often the current version is repeated.
	DefaultInterval = 5 * time.Second
	// DefaultMaxAge is how long an announcement stays acceptable.
	DefaultMaxAge = time.Minute
)

// Config configures both ends.
type Config struct {
	Address  string // e.g. tcp://127.0.0.1:7480 or inproc://keys
	Secret   []byte // signing secret, see keystore.KeyManager.SyncSecret
	Interval time.Duration
	MaxAge   time.Duration
	Logger   logging.Logger
	Metrics  *metrics.Registry
}

func (c *Config) defaults(role string) error {
	if len(c.Secret) < MinSecretSize {
		return ErrShortSecret
	}
	// Callers may wipe their copy once the socket is open.
	c.Secret = bytes.Clone(c.Secret)
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Logger == nil {
		c.Logger = logging.With(logging.Component("keysync"), logging.String("role", role))
	}
	if c.Metrics == nil {
		c.Metrics = metrics.DefaultRegistry()
	}
	return nil
}

// Announcer publishes key version announcements.
type Announcer struct {
	cfg    Config
	sock   mangos.Socket
	latest atomic.Uint32
	mu     sync.Mutex // serializes sends
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAnnouncer binds a PUB socket to cfg.Address and starts repeating.
func NewAnnouncer(cfg Config) (*Announcer, error) {
	if err := cfg.defaults("announcer"); err != nil {
		return nil, err
	}

	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err := sock.Listen(cfg.Address); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to bind PUB socket: %w", err)
	}

	a := &Announcer{
		cfg:    cfg,
		sock:   sock,
		stopCh: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.repeat()

	cfg.Logger.Info("key announcer listening", logging.String("address", cfg.Address))
	return a, nil
}

// Announce makes v the current version and publishes it immediately.
func (a *Announcer) Announce(v keyversion.KeyVersion) error {
	a.latest.Store(uint32(v))
	return a.send(v)
}

// Latest returns the version being announced.
func (a *Announcer) Latest() keyversion.KeyVersion {
	return keyversion.KeyVersion(a.latest.Load())
}

func (a *Announcer) send(v keyversion.KeyVersion) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	msg, err := Announcement{Version: v, At: time.Now()}.sign(a.cfg.Secret, a.cfg.MaxAge)
	if err != nil {
		a.cfg.Metrics.RecordKeySyncError("announcer")
		return err
	}
	if err := a.sock.Send(msg); err != nil {
		a.cfg.Metrics.RecordKeySyncError("announcer")
		a.cfg.Logger.Warn("announce failed", logging.KeyVersion(uint32(v)), logging.Error(err))
		return fmt.Errorf("failed to publish key version: %w", err)
	}
	a.cfg.Metrics.RecordKeySyncMessage("sent", uint32(v))
	return nil
}

func (a *Announcer) repeat() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if v := a.Latest(); v != 0 {
				_ = a.send(v)
			}
		}
	}
}

// Close stops repeating and closes the socket.
func (a *Announcer) Close() error {
	var err error
	a.once.Do(func() {
		close(a.stopCh)
		a.wg.Wait()
		err = a.sock.Close()
	})
	return err
}
