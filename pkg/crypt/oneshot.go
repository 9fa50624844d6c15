package crypt

import (
	"crypto/rand"
	"fmt"

	"github.com/dd0wney/cluso-crypt/pkg/logging"
)

// EncryptCTR encrypts plaintext with AES-128-CTR. The ciphertext has the
// same length as plaintext. An empty plaintext terminates the process.
func EncryptCTR(key, iv, plaintext []byte) ([]byte, error) {
	e := NewCTREncrypter()
	defer e.Close()

	if err := e.Init(key, iv); err != nil {
		return nil, err
	}
	out, err := e.Encrypt(make([]byte, 0, len(plaintext)), plaintext)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptCTR decrypts ciphertext with AES-128-CTR.
func DecryptCTR(key, iv, ciphertext []byte) ([]byte, error) {
	d := NewCTRDecrypter()
	defer d.Close()

	if err := d.Init(key, iv); err != nil {
		return nil, err
	}
	out, err := d.Decrypt(make([]byte, 0, len(ciphertext)), ciphertext)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptGCM encrypts plaintext with AES-128-GCM and returns the ciphertext
// and a tag of tagSize bytes. The IV length is len(iv). Empty aad is
// skipped; an empty plaintext terminates the process.
func EncryptGCM(key, iv, aad, plaintext []byte, tagSize int) (ciphertext, tag []byte, err error) {
	e := NewGCMEncrypter()
	defer e.Close()

	if err := e.Init(key, iv); err != nil {
		return nil, nil, err
	}
	if len(aad) > 0 {
		if err := e.AddAAD(aad); err != nil {
			return nil, nil, err
		}
	}
	ciphertext, err = e.Encrypt(make([]byte, 0, len(plaintext)), plaintext)
	if err != nil {
		return nil, nil, err
	}
	tag, err = e.Tag(tagSize)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, tag, nil
}

// DecryptGCM decrypts and authenticates ciphertext with AES-128-GCM. The tag
// size is len(tag). On any error no plaintext is returned.
func DecryptGCM(key, iv, aad, ciphertext, tag []byte) ([]byte, error) {
	d := NewGCMDecrypter()
	defer d.Close()

	if err := d.Init(key, iv); err != nil {
		return nil, err
	}
	if err := d.SetTag(tag); err != nil {
		return nil, err
	}
	if len(aad) > 0 {
		if err := d.AddAAD(aad); err != nil {
			return nil, err
		}
	}
	plaintext, err := d.Decrypt(make([]byte, 0, len(ciphertext)), ciphertext)
	if err != nil {
		return nil, err
	}
	if err := d.CheckTag(); err != nil {
		wipe(plaintext)
		return nil, err
	}
	return plaintext, nil
}

// EncryptECB encrypts plaintext with AES-128-ECB. The length must be a
// multiple of BlockSize.
func EncryptECB(key, plaintext []byte) ([]byte, error) {
	e := NewECBEncrypter()
	defer e.Close()

	if err := e.Init(key); err != nil {
		return nil, err
	}
	out, err := e.Encrypt(make([]byte, 0, len(plaintext)), plaintext)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptECB decrypts ciphertext with AES-128-ECB.
func DecryptECB(key, ciphertext []byte) ([]byte, error) {
	d := NewECBDecrypter()
	defer d.Close()

	if err := d.Init(key); err != nil {
		return nil, err
	}
	out, err := d.Decrypt(make([]byte, 0, len(ciphertext)), ciphertext)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RandomBytes fills buf from the system CSPRNG.
func RandomBytes(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		logger().Error("random generator failed", logging.Size(len(buf)), logging.Error(err))
		return fmt.Errorf("RandomBytes: %w", ErrPrimitive)
	}
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
