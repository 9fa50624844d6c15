// Package primitive provides the AES transform engine that pkg/crypt drives.
//
// A Context is deliberately shaped like a cipher context from a C crypto
// library: a transform is selected, parameters are set through separate calls,
// key material is bound, and bytes are pushed through Update until Final. The
// call-order rules that make this safe live in pkg/crypt; this package only
// refuses what the transform itself cannot do.
package primitive

import (
	"fmt"

	"golang.org/x/sys/cpu"
)

const (
	// KeySize is the AES-128 key size in bytes.
	KeySize = 16

	// BlockSize is the AES block size in bytes.
	BlockSize = 16

	// DefaultGCMIVLen is the IV length GCM uses until SetIVLen is called.
	DefaultGCMIVLen = 12

	// MaxTagSize is the full GCM tag size. Shorter tags are prefixes.
	MaxTagSize = 16
)

// Cipher selects the transform a Context runs.
type Cipher int

const (
	// CipherNone keeps the currently selected transform when passed to Init.
	CipherNone Cipher = iota
	AES128CTR
	AES128GCM
	AES128ECB
)

func (c Cipher) String() string {
	switch c {
	case AES128CTR:
		return "aes-128-ctr"
	case AES128GCM:
		return "aes-128-gcm"
	case AES128ECB:
		return "aes-128-ecb"
	default:
		return "none"
	}
}

// Direction is the direction a Context transforms bytes in.
type Direction int

const (
	Decrypt Direction = iota
	Encrypt
)

func (d Direction) String() string {
	if d == Encrypt {
		return "encrypt"
	}
	return "decrypt"
}

// Reason codes carried by Error.
const (
	ReasonNoCipherSet uint32 = iota + 100
	ReasonInvalidKeyLength
	ReasonInvalidIVLength
	ReasonIVAlreadyBound
	ReasonNotInitialized
	ReasonUnsupportedOperation
	ReasonOutputTooShort
	ReasonDataNotMultipleOfBlock
	ReasonAADAfterData
	ReasonInvalidTagLength
	ReasonTagNotSet
	ReasonAlreadyFinalized
	ReasonBadDecrypt
)

// Error describes a primitive failure the way a library error queue entry
// would: the failing call, a numeric reason and a readable explanation.
type Error struct {
	Op     string
	Code   uint32
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Reason, e.Code)
}

func newError(op string, code uint32, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Reason: fmt.Sprintf(format, args...)}
}

var implementation = "generic"

// Implementation reports which AES implementation the process is using.
func Implementation() string {
	return implementation
}

func init() {
	switch {
	case cpu.X86.HasAES && cpu.X86.HasPCLMULQDQ:
		implementation = "aesni"
	case cpu.ARM64.HasAES && cpu.ARM64.HasPMULL:
		implementation = "armv8-aes"
	}
}
