// Package envelope seals records with the active key version and opens them
// with whatever version they name.
//
// A sealed record is a 64-byte header followed by the IV, the tag and the
// ciphertext. The header and any caller AAD are authenticated. Opening
// fails with ErrRejected for every problem past header parsing: callers
// must drop the record either way.
package envelope

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-crypt/pkg/crypt"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
	"github.com/dd0wney/cluso-crypt/pkg/metrics"
)

// DefaultMaxSize bounds the decompressed size of one record or block.
const DefaultMaxSize = 64 << 20

var (
	// ErrRejected is returned by Open for any authentication, key or
	// decoding failure.
	ErrRejected = errors.New("envelope: rejected")

	// ErrNoKey is returned by Seal when the resolver reports version 0.
	ErrNoKey = errors.New("envelope: no active key version")

	// ErrTooLarge is returned when a payload exceeds the size limit.
	ErrTooLarge = errors.New("envelope: payload too large")
)

// Sealer seals and opens records.
type Sealer struct {
	resolver keyversion.Resolver
	compress bool
	maxSize  int
	log      logging.Logger
	metrics  *metrics.Registry
}

// Option configures a Sealer.
type Option func(*Sealer)

// WithCompression snappy-compresses payloads before encryption.
func WithCompression(on bool) Option {
	return func(s *Sealer) { s.compress = on }
}

// WithResolver uses r instead of the process-wide keyversion state.
func WithResolver(r keyversion.Resolver) Option {
	return func(s *Sealer) { s.resolver = r }
}

// WithMaxSize sets the largest payload accepted, before or after compression.
func WithMaxSize(n int) Option {
	return func(s *Sealer) { s.maxSize = n }
}

func WithLogger(l logging.Logger) Option {
	return func(s *Sealer) { s.log = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(s *Sealer) { s.metrics = r }
}

// New returns a Sealer.
func New(opts ...Option) *Sealer {
	s := &Sealer{maxSize: DefaultMaxSize}
	for _, o := range opts {
		o(s)
	}
	if s.resolver == nil {
		s.resolver = globalResolver{}
	}
	if s.log == nil {
		s.log = logging.With(logging.Component("envelope"))
	}
	if s.metrics == nil {
		s.metrics = metrics.DefaultRegistry()
	}
	return s
}

// globalResolver reads the process-wide keyversion state on every call so
// Install and the debug override take effect immediately.
type globalResolver struct{}

func (globalResolver) LatestVersion() keyversion.KeyVersion { return keyversion.LatestVersion() }

func (globalResolver) Key(v keyversion.KeyVersion, size int) ([]byte, error) {
	return keyversion.Key(v, size)
}

// Seal encrypts plaintext under the latest key version. aad is
// authenticated but not stored; Open needs the same aad.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	sealed, err := s.seal(plaintext, aad)
	s.metrics.RecordEnvelope("seal", status(err), len(plaintext), len(sealed))
	return sealed, err
}

func (s *Sealer) seal(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) > s.maxSize {
		return nil, ErrTooLarge
	}

	version, key, err := s.latestKey()
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	var flags uint32
	data := plaintext
	if s.compress {
		data = snappy.Encode(nil, plaintext)
		flags |= FlagCompressed
	}

	header := MarshalHeader(newHeader(version, flags))
	iv := make([]byte, crypt.GCMIVSize)
	if err := crypt.RandomBytes(iv); err != nil {
		return nil, err
	}

	ct, tag, err := sealGCM(key, iv, concat(header, aad), data)
	if err != nil {
		s.log.Error("seal failed", logging.KeyVersion(uint32(version)), logging.Error(err))
		return nil, fmt.Errorf("failed to seal: %w", err)
	}

	out := make([]byte, 0, HeaderSize+len(iv)+len(tag)+len(ct))
	out = append(out, header...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Open authenticates and decrypts a record produced by Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	pt, err := s.open(sealed, aad)
	s.metrics.RecordEnvelope("open", status(err), len(pt), len(sealed))
	return pt, err
}

func (s *Sealer) open(sealed, aad []byte) ([]byte, error) {
	h, err := UnmarshalHeader(sealed)
	if err != nil {
		return nil, err
	}
	if h.Stream() {
		return nil, ErrInvalidHeader
	}
	body := sealed[HeaderSize:]
	ivSize, tagSize := int(h.IVSize), int(h.TagSize)
	if len(body) < ivSize+tagSize {
		return nil, ErrTruncated
	}
	iv := body[:ivSize]
	tag := body[ivSize : ivSize+tagSize]
	ct := body[ivSize+tagSize:]

	key, err := s.resolver.Key(h.KeyVersion, crypt.KeySize)
	if err != nil {
		return nil, s.reject(h.KeyVersion, err)
	}
	defer wipe(key)

	data, err := openGCM(key, iv, concat(sealed[:HeaderSize], aad), ct, tag)
	if err != nil {
		return nil, s.reject(h.KeyVersion, err)
	}
	if !h.Compressed() {
		return data, nil
	}
	return s.decompress(data)
}

func (s *Sealer) decompress(data []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if n > s.maxSize {
		return nil, ErrTooLarge
	}
	out, err := snappy.Decode(make([]byte, n), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return out, nil
}

func (s *Sealer) latestKey() (keyversion.KeyVersion, []byte, error) {
	version := s.resolver.LatestVersion()
	if version == 0 {
		return 0, nil, ErrNoKey
	}
	key, err := s.resolver.Key(version, crypt.KeySize)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to resolve key version %d: %w", version, err)
	}
	return version, key, nil
}

func (s *Sealer) reject(v keyversion.KeyVersion, cause error) error {
	s.log.Warn("record rejected", logging.KeyVersion(uint32(v)), logging.Error(cause))
	return fmt.Errorf("%w: %w", ErrRejected, cause)
}

// sealGCM drives the adapter directly so an empty payload is sealed
// rather than treated as a caller bug.
func sealGCM(key, iv, assoc, data []byte) (ct, tag []byte, err error) {
	enc := crypt.NewGCMEncrypter()
	defer enc.Close()

	if err := enc.Init(key, iv); err != nil {
		return nil, nil, err
	}
	if len(assoc) > 0 {
		if err := enc.AddAAD(assoc); err != nil {
			return nil, nil, err
		}
	}
	if len(data) > 0 {
		if ct, err = enc.Encrypt(nil, data); err != nil {
			return nil, nil, err
		}
	}
	tag, err = enc.Tag(crypt.MaxTagSize)
	if err != nil {
		return nil, nil, err
	}
	return ct, tag, nil
}

func openGCM(key, iv, assoc, ct, tag []byte) ([]byte, error) {
	dec := crypt.NewGCMDecrypter()
	defer dec.Close()

	if err := dec.Init(key, iv); err != nil {
		return nil, err
	}
	if err := dec.SetTag(tag); err != nil {
		return nil, err
	}
	if len(assoc) > 0 {
		if err := dec.AddAAD(assoc); err != nil {
			return nil, err
		}
	}
	var pt []byte
	if len(ct) > 0 {
		var err error
		if pt, err = dec.Decrypt(nil, ct); err != nil {
			return nil, err
		}
	}
	if err := dec.CheckTag(); err != nil {
		wipe(pt)
		return nil, err
	}
	if pt == nil {
		pt = []byte{}
	}
	return pt, nil
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
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
