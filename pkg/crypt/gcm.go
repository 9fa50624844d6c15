package crypt

import (
	"fmt"

	"github.com/dd0wney/cluso-crypt/internal/primitive"
)

// GCMEncrypter encrypts with AES-128-GCM.
//
// Call order: Init, any number of AddAAD, any number of Encrypt, then Tag
// exactly once.
type GCMEncrypter struct {
	crypter
}

func NewGCMEncrypter() *GCMEncrypter {
	return &GCMEncrypter{crypter: newCrypter(ModeGCM, Encrypting)}
}

// Init binds a 16-byte key and an IV of any non-zero length. 12 bytes is
// the size to use unless interoperating with something that picked another.
func (e *GCMEncrypter) Init(key, iv []byte) error {
	err := e.bind(key, iv)
	if err != nil {
		e.record(err, 0)
	}
	return err
}

// AddAAD authenticates data without encrypting it. Only legal before the
// first Encrypt.
func (e *GCMEncrypter) AddAAD(data []byte) error {
	err := e.aad(data)
	if err != nil {
		e.record(err, 0)
	}
	return err
}

// Encrypt appends the ciphertext of plaintext to dst.
func (e *GCMEncrypter) Encrypt(dst, plaintext []byte) ([]byte, error) {
	out, err := e.payload("Encrypt", dst, plaintext)
	e.record(err, len(plaintext))
	return out, err
}

// Tag finalizes the operation and returns the first size bytes (1 to 16)
// of the authentication tag.
func (e *GCMEncrypter) Tag(size int) ([]byte, error) {
	const op = "Tag"

	switch e.state {
	case stateReady, stateAAD, statePayload:
	default:
		return nil, e.stateError("tag")
	}

	tag, err := e.tag(op, size)
	e.record(err, 0)
	return tag, err
}

func (e *GCMEncrypter) tag(op string, size int) ([]byte, error) {
	if err := e.finish(op); err != nil {
		return nil, err
	}
	tag, err := e.ctx.Tag(size)
	if err != nil {
		return nil, e.fail(op, "tag extraction failed", err)
	}
	return tag, nil
}

// GCMDecrypter decrypts with AES-128-GCM.
//
// Call order: Init, SetTag (any time before CheckTag), any number of AddAAD,
// any number of Decrypt, then CheckTag exactly once. Plaintext returned by
// Decrypt is unauthenticated until CheckTag returns nil; on any error from
// CheckTag it must be discarded.
type GCMDecrypter struct {
	crypter
	tagSet bool
}

func NewGCMDecrypter() *GCMDecrypter {
	return &GCMDecrypter{crypter: newCrypter(ModeGCM, Decrypting)}
}

func (d *GCMDecrypter) Init(key, iv []byte) error {
	err := d.bind(key, iv)
	if err != nil {
		d.record(err, 0)
	}
	return err
}

// SetTag sets the expected tag (1 to 16 bytes). It may be called once.
func (d *GCMDecrypter) SetTag(tag []byte) error {
	const op = "SetTag"

	switch d.state {
	case stateReady, stateAAD, statePayload:
	default:
		return d.stateError("set tag")
	}
	if d.tagSet {
		return fmt.Errorf("gcm tag already set: %w", ErrState)
	}

	if err := d.ctx.SetTag(tag); err != nil {
		return d.fail(op, "gcm set tag failed", err)
	}
	d.tagSet = true
	return nil
}

func (d *GCMDecrypter) AddAAD(data []byte) error {
	err := d.aad(data)
	if err != nil {
		d.record(err, 0)
	}
	return err
}

// Decrypt appends the unauthenticated plaintext of ciphertext to dst.
func (d *GCMDecrypter) Decrypt(dst, ciphertext []byte) ([]byte, error) {
	out, err := d.payload("Decrypt", dst, ciphertext)
	d.record(err, len(ciphertext))
	return out, err
}

// CheckTag finalizes the operation and verifies the tag. A mismatch is
// ErrPrimitive, indistinguishable from any other failure.
func (d *GCMDecrypter) CheckTag() error {
	const op = "CheckTag"

	switch d.state {
	case stateReady, stateAAD, statePayload:
	default:
		return d.stateError("check tag")
	}
	if !d.tagSet {
		return fmt.Errorf("gcm tag not set: %w", ErrState)
	}

	err := d.finish(op)
	if err != nil && d.reason == primitive.ReasonBadDecrypt {
		registry().RecordAuthFailure(d.mode.String())
	}
	d.record(err, 0)
	return err
}
