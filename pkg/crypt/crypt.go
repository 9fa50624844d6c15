// Package crypt drives AES-128 in CTR, GCM and ECB mode through a strict
// per-instance call order.
//
// Each adapter is good for exactly one encrypt or decrypt operation:
//
//	Init -> [AddAAD...] -> Encrypt/Decrypt... -> Tag / SetTag+CheckTag
//
// Failures are reported as ErrBadIV or ErrPrimitive (see Code). Passing an
// empty input to any update call terminates the process: for GCM an empty
// update would silently desynchronize the authenticated stream, and no caller
// is allowed to continue past that point.
//
// Adapters are not safe for concurrent use. Distinct adapters share nothing
// and may run in parallel.
package crypt

import (
	"sync/atomic"

	"github.com/dd0wney/cluso-crypt/internal/primitive"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
	"github.com/dd0wney/cluso-crypt/pkg/metrics"
)

const (
	// KeySize is the AES-128 key size.
	KeySize = primitive.KeySize

	// BlockSize is the AES block size; ECB input must be a multiple of it.
	BlockSize = primitive.BlockSize

	// CTRIVSize is the only IV size CTR accepts.
	CTRIVSize = primitive.BlockSize

	// GCMIVSize is the recommended GCM IV size. Other sizes are accepted.
	GCMIVSize = primitive.DefaultGCMIVLen

	// MaxTagSize is the largest GCM tag. Tags of 1 to 16 bytes are accepted.
	MaxTagSize = primitive.MaxTagSize
)

// Mode is the cipher mode an adapter runs.
type Mode int

const (
	ModeCTR Mode = iota
	ModeGCM
	ModeECB
)

func (m Mode) String() string {
	switch m {
	case ModeCTR:
		return "ctr"
	case ModeGCM:
		return "gcm"
	case ModeECB:
		return "ecb"
	default:
		return "unknown"
	}
}

func (m Mode) cipher() primitive.Cipher {
	switch m {
	case ModeCTR:
		return primitive.AES128CTR
	case ModeGCM:
		return primitive.AES128GCM
	case ModeECB:
		return primitive.AES128ECB
	default:
		return primitive.CipherNone
	}
}

// Direction is whether an adapter encrypts or decrypts.
type Direction int

const (
	Decrypting Direction = iota
	Encrypting
)

func (d Direction) String() string {
	if d == Encrypting {
		return "encrypt"
	}
	return "decrypt"
}

func (d Direction) primitive() primitive.Direction {
	if d == Encrypting {
		return primitive.Encrypt
	}
	return primitive.Decrypt
}

// Implementation reports the AES implementation in use.
func Implementation() string {
	return primitive.Implementation()
}

type loggerBox struct {
	logging.Logger
}

var (
	diagLogger  atomic.Pointer[loggerBox]
	metricsSink atomic.Pointer[metrics.Registry]
)

// SetLogger sets the sink for diagnostics. Nil restores the process default
// logger.
func SetLogger(l logging.Logger) {
	if l == nil {
		diagLogger.Store(nil)
		return
	}
	diagLogger.Store(&loggerBox{l.With(logging.Component("crypt"))})
}

func logger() logging.Logger {
	if b := diagLogger.Load(); b != nil {
		return b.Logger
	}
	return logging.With(logging.Component("crypt"))
}

// SetMetrics sets the registry operations are recorded into. Nil restores
// metrics.DefaultRegistry.
func SetMetrics(r *metrics.Registry) {
	metricsSink.Store(r)
}

func registry() *metrics.Registry {
	if r := metricsSink.Load(); r != nil {
		return r
	}
	return metrics.DefaultRegistry()
}
