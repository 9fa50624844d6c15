package crypt

// ECBEncrypter encrypts whole blocks with AES-128-ECB.
//
// ECB encrypts identical plaintext blocks to identical ciphertext blocks
// under one key. It exists for data already written that way; use GCM for
// anything new.
type ECBEncrypter struct {
	crypter
}

func NewECBEncrypter() *ECBEncrypter {
	return &ECBEncrypter{crypter: newCrypter(ModeECB, Encrypting)}
}

// Init binds a 16-byte key. ECB takes no IV.
func (e *ECBEncrypter) Init(key []byte) error {
	err := e.bind(key, nil)
	if err != nil {
		e.record(err, 0)
	}
	return err
}

// Encrypt appends the ciphertext of plaintext to dst. The plaintext length
// must be a multiple of BlockSize; anything else is ErrPrimitive.
func (e *ECBEncrypter) Encrypt(dst, plaintext []byte) ([]byte, error) {
	out, err := e.payload("Encrypt", dst, plaintext)
	e.record(err, len(plaintext))
	return out, err
}

// ECBDecrypter decrypts whole blocks with AES-128-ECB.
type ECBDecrypter struct {
	crypter
}

func NewECBDecrypter() *ECBDecrypter {
	return &ECBDecrypter{crypter: newCrypter(ModeECB, Decrypting)}
}

func (d *ECBDecrypter) Init(key []byte) error {
	err := d.bind(key, nil)
	if err != nil {
		d.record(err, 0)
	}
	return err
}

// Decrypt appends the plaintext of ciphertext to dst. The ciphertext length
// must be a multiple of BlockSize.
func (d *ECBDecrypter) Decrypt(dst, ciphertext []byte) ([]byte, error) {
	out, err := d.payload("Decrypt", dst, ciphertext)
	d.record(err, len(ciphertext))
	return out, err
}
