package crypt

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func nonEmptyBytes() gopter.Gen {
	return gen.SliceOf(gen.UInt8()).SuchThat(func(v []uint8) bool {
		return len(v) > 0
	})
}

func fixedBytes(n int) gopter.Gen {
	return gen.SliceOfN(n, gen.UInt8())
}

// TestRoundTripProperties checks that every mode inverts itself for
// arbitrary keys, IVs and payloads.
func TestRoundTripProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	if testing.Short() {
		parameters.MinSuccessfulTests = 20
	}

	properties := gopter.NewProperties(parameters)

	properties.Property("ctr decrypt inverts encrypt", prop.ForAll(
		func(key, iv, pt []byte) bool {
			ct, err := EncryptCTR(key, iv, pt)
			if err != nil || len(ct) != len(pt) {
				return false
			}
			out, err := DecryptCTR(key, iv, ct)
			return err == nil && bytes.Equal(out, pt)
		},
		fixedBytes(KeySize),
		fixedBytes(CTRIVSize),
		nonEmptyBytes(),
	))

	properties.Property("gcm decrypt inverts encrypt", prop.ForAll(
		func(key, iv, aad, pt []byte, tagSize int) bool {
			ct, tag, err := EncryptGCM(key, iv, aad, pt, tagSize)
			if err != nil || len(ct) != len(pt) || len(tag) != tagSize {
				return false
			}
			out, err := DecryptGCM(key, iv, aad, ct, tag)
			return err == nil && bytes.Equal(out, pt)
		},
		fixedBytes(KeySize),
		fixedBytes(GCMIVSize),
		gen.SliceOf(gen.UInt8()),
		nonEmptyBytes(),
		gen.IntRange(1, MaxTagSize),
	))

	properties.Property("gcm rejects a flipped ciphertext bit", prop.ForAll(
		func(key, iv, pt []byte, bit int) bool {
			ct, tag, err := EncryptGCM(key, iv, nil, pt, MaxTagSize)
			if err != nil {
				return false
			}
			bit %= len(ct) * 8
			ct[bit/8] ^= 1 << (bit % 8)
			out, err := DecryptGCM(key, iv, nil, ct, tag)
			return Code(err) == PrimitiveFailure && out == nil
		},
		fixedBytes(KeySize),
		fixedBytes(GCMIVSize),
		nonEmptyBytes(),
		gen.IntRange(0, 1<<20),
	))

	properties.Property("ecb decrypt inverts encrypt", prop.ForAll(
		func(key, pt []byte) bool {
			if rem := len(pt) % BlockSize; rem != 0 {
				pt = append(pt, make([]byte, BlockSize-rem)...)
			}
			ct, err := EncryptECB(key, pt)
			if err != nil || len(ct) != len(pt) {
				return false
			}
			out, err := DecryptECB(key, ct)
			return err == nil && bytes.Equal(out, pt)
		},
		fixedBytes(KeySize),
		nonEmptyBytes(),
	))

	properties.TestingRun(t)
}
