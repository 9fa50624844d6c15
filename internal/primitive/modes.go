package primitive

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
)

type ctrStream struct {
	stream cipher.Stream
}

func (s *ctrStream) update(dst, src []byte) (int, error) {
	if dst == nil {
		return 0, newError("Update", ReasonUnsupportedOperation, "ctr has no additional data")
	}
	if len(dst) < len(src) {
		return 0, newError("Update", ReasonOutputTooShort, "output buffer %d < input %d", len(dst), len(src))
	}
	s.stream.XORKeyStream(dst[:len(src)], src)
	return len(src), nil
}

func (s *ctrStream) final() (int, error) { return 0, nil }

func (s *ctrStream) reset() { s.stream = nil }

type ecbBlocks struct {
	block cipher.Block
	dir   Direction
}

func (e *ecbBlocks) update(dst, src []byte) (int, error) {
	if dst == nil {
		return 0, newError("Update", ReasonUnsupportedOperation, "ecb has no additional data")
	}
	if len(src)%BlockSize != 0 {
		return 0, newError("Update", ReasonDataNotMultipleOfBlock, "data length %d not a multiple of block size", len(src))
	}
	if len(dst) < len(src) {
		return 0, newError("Update", ReasonOutputTooShort, "output buffer %d < input %d", len(dst), len(src))
	}
	for i := 0; i < len(src); i += BlockSize {
		if e.dir == Encrypt {
			e.block.Encrypt(dst[i:i+BlockSize], src[i:i+BlockSize])
		} else {
			e.block.Decrypt(dst[i:i+BlockSize], src[i:i+BlockSize])
		}
	}
	return len(src), nil
}

func (e *ecbBlocks) final() (int, error) { return 0, nil }

func (e *ecbBlocks) reset() { e.block = nil }

// gcmStream runs GCM incrementally. The keystream is produced as payload
// arrives, starting from inc32(J0) which is recovered from the standard
// library's GCM so that any IV length derives the same counter. The tag is
// computed at final over the buffered plaintext and additional data.
type gcmStream struct {
	block cipher.Block
	aead  cipher.AEAD
	nonce []byte
	dir   Direction

	counter   [BlockSize]byte
	keystream [BlockSize]byte
	used      int

	aad       []byte
	plaintext []byte
	sawData   bool

	expected []byte
	tag      [MaxTagSize]byte
	finished bool
}

func newGCMStream(block cipher.Block, nonce []byte, dir Direction) (*gcmStream, error) {
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, newError("Init", ReasonInvalidIVLength, "%v", err)
	}

	g := &gcmStream{
		block: block,
		aead:  aead,
		nonce: append([]byte(nil), nonce...),
		dir:   dir,
		used:  BlockSize,
	}

	// The first keystream block is E(K, inc32(J0)); decrypting it yields the
	// starting counter.
	var zero [BlockSize]byte
	first := aead.Seal(nil, g.nonce, zero[:], nil)
	block.Decrypt(g.counter[:], first[:BlockSize])
	wipe(first)

	return g, nil
}

func (g *gcmStream) update(dst, src []byte) (int, error) {
	const op = "Update"

	if g.finished {
		return 0, newError(op, ReasonAlreadyFinalized, "gcm already finalized")
	}

	if dst == nil {
		if g.sawData {
			return 0, newError(op, ReasonAADAfterData, "additional data after payload")
		}
		g.aad = append(g.aad, src...)
		return 0, nil
	}

	if len(dst) < len(src) {
		return 0, newError(op, ReasonOutputTooShort, "output buffer %d < input %d", len(dst), len(src))
	}
	g.sawData = true

	out := dst[:len(src)]
	if g.dir == Encrypt {
		g.plaintext = append(g.plaintext, src...)
		g.xorKeyStream(out, src)
	} else {
		g.xorKeyStream(out, src)
		g.plaintext = append(g.plaintext, out...)
	}
	return len(src), nil
}

func (g *gcmStream) xorKeyStream(dst, src []byte) {
	for i := range src {
		if g.used == BlockSize {
			g.block.Encrypt(g.keystream[:], g.counter[:])
			ctr := binary.BigEndian.Uint32(g.counter[12:])
			binary.BigEndian.PutUint32(g.counter[12:], ctr+1)
			g.used = 0
		}
		dst[i] = src[i] ^ g.keystream[g.used]
		g.used++
	}
}

func (g *gcmStream) final() (int, error) {
	const op = "Final"

	if g.finished {
		return 0, newError(op, ReasonAlreadyFinalized, "gcm already finalized")
	}
	if g.dir == Decrypt && g.expected == nil {
		return 0, newError(op, ReasonTagNotSet, "expected tag not set")
	}
	g.finished = true

	sealed := g.aead.Seal(nil, g.nonce, g.plaintext, g.aad)
	copy(g.tag[:], sealed[len(g.plaintext):])
	wipe(sealed)
	wipe(g.plaintext)
	g.plaintext = nil

	if g.dir == Decrypt {
		if subtle.ConstantTimeCompare(g.tag[:len(g.expected)], g.expected) != 1 {
			return 0, newError(op, ReasonBadDecrypt, "bad decrypt")
		}
	}
	return 0, nil
}

func (g *gcmStream) getTag(n int) ([]byte, error) {
	const op = "Tag"

	if g.dir != Encrypt {
		return nil, newError(op, ReasonUnsupportedOperation, "tag is only produced when encrypting")
	}
	if !g.finished {
		return nil, newError(op, ReasonNotInitialized, "tag requested before final")
	}
	if n < 1 || n > MaxTagSize {
		return nil, newError(op, ReasonInvalidTagLength, "invalid tag length %d", n)
	}
	return append([]byte(nil), g.tag[:n]...), nil
}

func (g *gcmStream) setTag(tag []byte) error {
	const op = "SetTag"

	if g.dir != Decrypt {
		return newError(op, ReasonUnsupportedOperation, "tag is only settable when decrypting")
	}
	if g.finished {
		return newError(op, ReasonAlreadyFinalized, "gcm already finalized")
	}
	if len(tag) < 1 || len(tag) > MaxTagSize {
		return newError(op, ReasonInvalidTagLength, "invalid tag length %d", len(tag))
	}
	g.expected = append([]byte(nil), tag...)
	return nil
}

func (g *gcmStream) reset() {
	wipe(g.plaintext)
	wipe(g.aad)
	wipe(g.keystream[:])
	wipe(g.tag[:])
	g.plaintext = nil
	g.aad = nil
	g.block = nil
	g.aead = nil
}
