package crypt

// CTREncrypter encrypts with AES-128-CTR. There is no finalize step; the
// stream may stop at any byte.
type CTREncrypter struct {
	crypter
}

// NewCTREncrypter returns an encrypter awaiting Init.
func NewCTREncrypter() *CTREncrypter {
	return &CTREncrypter{crypter: newCrypter(ModeCTR, Encrypting)}
}

// Init binds a 16-byte key and a 16-byte IV. Any other IV length is
// ErrBadIV.
func (e *CTREncrypter) Init(key, iv []byte) error {
	err := e.bind(key, iv)
	if err != nil {
		e.record(err, 0)
	}
	return err
}

// Encrypt appends the ciphertext of plaintext to dst. May be called
// repeatedly to continue the stream.
func (e *CTREncrypter) Encrypt(dst, plaintext []byte) ([]byte, error) {
	out, err := e.payload("Encrypt", dst, plaintext)
	e.record(err, len(plaintext))
	return out, err
}

// CTRDecrypter decrypts with AES-128-CTR.
type CTRDecrypter struct {
	crypter
}

// NewCTRDecrypter returns a decrypter awaiting Init.
func NewCTRDecrypter() *CTRDecrypter {
	return &CTRDecrypter{crypter: newCrypter(ModeCTR, Decrypting)}
}

// Init binds a 16-byte key and a 16-byte IV.
func (d *CTRDecrypter) Init(key, iv []byte) error {
	err := d.bind(key, iv)
	if err != nil {
		d.record(err, 0)
	}
	return err
}

// Decrypt appends the plaintext of ciphertext to dst.
func (d *CTRDecrypter) Decrypt(dst, ciphertext []byte) ([]byte, error) {
	out, err := d.payload("Decrypt", dst, ciphertext)
	d.record(err, len(ciphertext))
	return out, err
}
