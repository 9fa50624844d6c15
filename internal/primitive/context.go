package primitive

import (
	"crypto/aes"
	"crypto/cipher"
)

// transform is one keyed cipher mode.
type transform interface {
	update(dst, src []byte) (int, error)
	final() (int, error)
	reset()
}

// Context holds the state of one transform. The zero value is not usable;
// call NewContext. A Context is not safe for concurrent use.
type Context struct {
	cipher Cipher
	dir    Direction
	ivLen  int

	key []byte
	iv  []byte

	mode transform
	gcm  *gcmStream
}

// NewContext returns an empty context with no transform selected.
func NewContext() *Context {
	return &Context{}
}

// Init selects a transform and binds key material. Passing CipherNone keeps
// the current transform; a nil key or iv keeps whatever was bound before.
// The transform becomes usable once both a key and (except for ECB) an IV
// are bound.
func (c *Context) Init(ciph Cipher, key, iv []byte, dir Direction) error {
	const op = "Init"

	if ciph != CipherNone {
		c.Reset()
		c.cipher = ciph
		switch ciph {
		case AES128GCM:
			c.ivLen = DefaultGCMIVLen
		case AES128CTR:
			c.ivLen = BlockSize
		}
	}
	if c.cipher == CipherNone {
		return newError(op, ReasonNoCipherSet, "no cipher selected")
	}
	c.dir = dir

	if key != nil {
		if len(key) != KeySize {
			return newError(op, ReasonInvalidKeyLength, "invalid key length %d, want %d", len(key), KeySize)
		}
		wipe(c.key)
		c.key = append([]byte(nil), key...)
	}

	if iv != nil && c.cipher != AES128ECB {
		if len(iv) != c.ivLen {
			return newError(op, ReasonInvalidIVLength, "invalid iv length %d, want %d", len(iv), c.ivLen)
		}
		c.iv = append([]byte(nil), iv...)
	}

	if c.key == nil || (c.iv == nil && c.cipher != AES128ECB) {
		return nil
	}
	return c.bind()
}

// SetIVLen configures the GCM IV length. It must be called before the IV is
// bound.
func (c *Context) SetIVLen(n int) error {
	const op = "SetIVLen"

	if c.cipher != AES128GCM {
		return newError(op, ReasonUnsupportedOperation, "iv length is only configurable for gcm, have %s", c.cipher)
	}
	if c.mode != nil || c.iv != nil {
		return newError(op, ReasonIVAlreadyBound, "iv already bound")
	}
	if n <= 0 {
		return newError(op, ReasonInvalidIVLength, "invalid iv length %d", n)
	}
	c.ivLen = n
	return nil
}

func (c *Context) bind() error {
	const op = "Init"

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return newError(op, ReasonInvalidKeyLength, "%v", err)
	}

	if c.mode != nil {
		c.mode.reset()
	}
	c.gcm = nil

	switch c.cipher {
	case AES128CTR:
		c.mode = &ctrStream{stream: cipher.NewCTR(block, c.iv)}
	case AES128ECB:
		c.mode = &ecbBlocks{block: block, dir: c.dir}
	case AES128GCM:
		g, err := newGCMStream(block, c.iv, c.dir)
		if err != nil {
			return err
		}
		c.gcm = g
		c.mode = g
	}
	return nil
}

// Update transforms src into dst and returns the number of bytes written.
// For GCM a nil dst registers src as additional authenticated data.
func (c *Context) Update(dst, src []byte) (int, error) {
	if c.mode == nil {
		return 0, newError("Update", ReasonNotInitialized, "context not initialized")
	}
	return c.mode.update(dst, src)
}

// Final completes the transform and returns the number of trailing output
// bytes produced. None of the supported transforms produce any. For GCM
// decryption Final verifies the tag set with SetTag.
func (c *Context) Final() (int, error) {
	if c.mode == nil {
		return 0, newError("Final", ReasonNotInitialized, "context not initialized")
	}
	return c.mode.final()
}

// Tag returns the first n bytes of the GCM tag. Only valid after Final on an
// encrypting context.
func (c *Context) Tag(n int) ([]byte, error) {
	const op = "Tag"

	if c.gcm == nil {
		return nil, newError(op, ReasonUnsupportedOperation, "tag is only available for gcm, have %s", c.cipher)
	}
	return c.gcm.getTag(n)
}

// SetTag sets the expected GCM tag on a decrypting context. It must be called
// before Final.
func (c *Context) SetTag(tag []byte) error {
	const op = "SetTag"

	if c.gcm == nil {
		return newError(op, ReasonUnsupportedOperation, "tag is only settable for gcm, have %s", c.cipher)
	}
	return c.gcm.setTag(tag)
}

// Reset clears all key material and returns the context to its empty state.
func (c *Context) Reset() {
	if c.mode != nil {
		c.mode.reset()
	}
	wipe(c.key)
	wipe(c.iv)
	*c = Context{}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
