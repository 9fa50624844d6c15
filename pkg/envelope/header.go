package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-crypt/pkg/crypt"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/validation"
)

const (
	Magic         = "CCRYPT01"
	HeaderSize    = 64
	FormatVersion = 1

	// AlgAES128GCM is the only algorithm identifier defined.
	AlgAES128GCM uint32 = 1

	// MinTagSize is the shortest tag Open accepts.
	MinTagSize = 12
)

// Header flags
const (
	FlagCompressed uint32 = 1 << iota // payload is snappy-compressed
	FlagStream                        // a sequence of blocks follows
)

var (
	ErrInvalidHeader      = errors.New("envelope: invalid header")
	ErrUnsupportedVersion = errors.New("envelope: unsupported format version")
	ErrTruncated          = errors.New("envelope: truncated")
	ErrTrailingData       = errors.New("envelope: data after final block")
)

// Header is the fixed-size prefix of every sealed record and stream. All of
// it is authenticated.
type Header struct {
	Magic      [8]byte
	Version    uint32
	Algorithm  uint32
	KeyVersion keyversion.KeyVersion
	Flags      uint32
	IVSize     uint16
	TagSize    uint16
	Reserved   [36]byte
}

func newHeader(v keyversion.KeyVersion, flags uint32) *Header {
	h := &Header{
		Version:    FormatVersion,
		Algorithm:  AlgAES128GCM,
		KeyVersion: v,
		Flags:      flags,
		IVSize:     crypt.GCMIVSize,
		TagSize:    crypt.MaxTagSize,
	}
	copy(h.Magic[:], Magic)
	return h
}

// Compressed reports whether FlagCompressed is set.
func (h *Header) Compressed() bool { return h.Flags&FlagCompressed != 0 }

// Stream reports whether FlagStream is set.
func (h *Header) Stream() bool { return h.Flags&FlagStream != 0 }

// MarshalHeader serializes a header to HeaderSize bytes.
func MarshalHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.Algorithm)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.KeyVersion))
	binary.LittleEndian.PutUint32(buf[20:24], h.Flags)
	binary.LittleEndian.PutUint16(buf[24:26], h.IVSize)
	binary.LittleEndian.PutUint16(buf[26:28], h.TagSize)
	copy(buf[28:64], h.Reserved[:])
	return buf
}

// UnmarshalHeader parses and validates a header.
func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}

	h := &Header{
		Version:    binary.LittleEndian.Uint32(buf[8:12]),
		Algorithm:  binary.LittleEndian.Uint32(buf[12:16]),
		KeyVersion: keyversion.KeyVersion(binary.LittleEndian.Uint32(buf[16:20])),
		Flags:      binary.LittleEndian.Uint32(buf[20:24]),
		IVSize:     binary.LittleEndian.Uint16(buf[24:26]),
		TagSize:    binary.LittleEndian.Uint16(buf[26:28]),
	}
	copy(h.Magic[:], buf[0:8])
	copy(h.Reserved[:], buf[28:64])

	return h, validateHeader(h)
}

func validateHeader(h *Header) error {
	if string(h.Magic[:]) != Magic {
		return ErrInvalidHeader
	}
	if h.Version != FormatVersion {
		return ErrUnsupportedVersion
	}
	switch {
	case h.Algorithm != AlgAES128GCM,
		h.Flags&^(FlagCompressed|FlagStream) != 0,
		h.IVSize == 0 || h.IVSize > 64:
		return ErrInvalidHeader
	}
	if err := validation.ValidateTagSize(int(h.TagSize), MinTagSize, crypt.MaxTagSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	for _, b := range h.Reserved {
		if b != 0 {
			return ErrInvalidHeader
		}
	}
	return nil
}
