package keysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
)

// Follower tracks announcements and resolves keys through a local source.
// Until the first announcement arrives LatestVersion is the source's own.
type Follower struct {
	cfg    Config
	sock   mangos.Socket
	source keyversion.Resolver

	latest atomic.Uint32
	heard  atomic.Bool
	last   atomic.Int64 // unix nanos of the last accepted announcement

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ keyversion.Resolver = (*Follower)(nil)

// NewFollower subscribes to cfg.Address. The dial is asynchronous, so the
// announcer may start later.
func NewFollower(cfg Config, source keyversion.Resolver) (*Follower, error) {
	if source == nil {
		return nil, errors.New("keysync: follower needs a key source")
	}
	if err := cfg.defaults("follower"); err != nil {
		return nil, err
	}

	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create SUB socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, Topic); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, time.Second); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set receive deadline: %w", err)
	}
	if err := sock.DialOptions(cfg.Address, map[string]interface{}{
		mangos.OptionDialAsynch: true,
	}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to connect to announcer: %w", err)
	}

	f := &Follower{
		cfg:    cfg,
		sock:   sock,
		source: source,
		stopCh: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.receive()

	cfg.Logger.Info("key follower connected", logging.String("address", cfg.Address))
	return f, nil
}

// Name identifies the follower in resolver logs.
func (f *Follower) Name() string { return "keysync" }

// LatestVersion returns the newest announced version.
func (f *Follower) LatestVersion() keyversion.KeyVersion {
	if !f.heard.Load() {
		return f.source.LatestVersion()
	}
	return keyversion.KeyVersion(f.latest.Load())
}

// Key delegates to the key source.
func (f *Follower) Key(version keyversion.KeyVersion, size int) ([]byte, error) {
	return f.source.Key(version, size)
}

// LastAnnouncement returns when the accepted announcement was made, zero if
// none has arrived.
func (f *Follower) LastAnnouncement() time.Time {
	n := f.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// WaitForVersion blocks until an announcement of at least v has been
// accepted.
func (f *Follower) WaitForVersion(ctx context.Context, v keyversion.KeyVersion) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if f.heard.Load() && keyversion.KeyVersion(f.latest.Load()) >= v {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Follower) receive() {
	defer f.wg.Done()

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		msg, err := f.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			f.cfg.Metrics.RecordKeySyncError("follower")
			f.cfg.Logger.Warn("receive failed", logging.Error(err))
			continue
		}
		f.accept(msg)
	}
}

func (f *Follower) accept(msg []byte) {
	a, err := verify(msg, f.cfg.Secret, f.cfg.MaxAge, time.Now())
	if err != nil {
		f.cfg.Metrics.RecordKeySyncError("follower")
		f.cfg.Logger.Warn("dropping announcement", logging.Size(len(msg)), logging.Error(err))
		return
	}
	f.cfg.Metrics.RecordKeySyncMessage("received", uint32(a.Version))

	// Versions only move forward; repeats and stragglers are ignored. Only
	// the receive goroutine writes latest.
	if f.heard.Load() && uint32(a.Version) <= f.latest.Load() {
		return
	}
	f.latest.Store(uint32(a.Version))
	f.last.Store(a.At.UnixNano())
	f.heard.Store(true)
	f.cfg.Logger.Info("key version advanced", logging.KeyVersion(uint32(a.Version)))
}

// Close stops the receiver and closes the socket.
func (f *Follower) Close() error {
	var err error
	f.once.Do(func() {
		close(f.stopCh)
		err = f.sock.Close()
		f.wg.Wait()
	})
	return err
}
