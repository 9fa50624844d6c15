package primitive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func reasonOf(err error) uint32 {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return 0
}

func TestGCMKnownAnswer(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
		ciphertxt string
		tag       string
	}{
		{"empty payload", "", "", "58e2fccefa7e3061367f1d57a4e7455a"},
		{"one zero block", "00000000000000000000000000000000", "0388dace60b6a392f328c2b971b2fe78", "ab6e47d42cec13bdf53a67b21257bddf"},
	}

	key := make([]byte, KeySize)
	iv := make([]byte, DefaultGCMIVLen)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt := mustHex(t, tt.plaintext)

			ctx := NewContext()
			if err := ctx.Init(AES128GCM, key, iv, Encrypt); err != nil {
				t.Fatalf("Init() failed: %v", err)
			}
			ct := make([]byte, len(pt))
			if len(pt) > 0 {
				if _, err := ctx.Update(ct, pt); err != nil {
					t.Fatalf("Update() failed: %v", err)
				}
			}
			if n, err := ctx.Final(); err != nil || n != 0 {
				t.Fatalf("Final() = %d, %v; want 0, nil", n, err)
			}
			tag, err := ctx.Tag(MaxTagSize)
			if err != nil {
				t.Fatalf("Tag() failed: %v", err)
			}

			if got := hex.EncodeToString(ct); got != tt.ciphertxt {
				t.Errorf("ciphertext = %s, want %s", got, tt.ciphertxt)
			}
			if got := hex.EncodeToString(tag); got != tt.tag {
				t.Errorf("tag = %s, want %s", got, tt.tag)
			}
		})
	}
}

func TestGCMChunkedMatchesSeal(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	aad := []byte("header bytes")
	pt := make([]byte, 1000)
	for i := range pt {
		pt[i] = byte(i * 7)
	}

	for _, ivLen := range []int{8, 12, 16, 60} {
		iv := bytes.Repeat([]byte{0x11}, ivLen)

		ctx := NewContext()
		if err := ctx.Init(AES128GCM, nil, nil, Encrypt); err != nil {
			t.Fatalf("Init(select) failed: %v", err)
		}
		if err := ctx.SetIVLen(ivLen); err != nil {
			t.Fatalf("SetIVLen(%d) failed: %v", ivLen, err)
		}
		if err := ctx.Init(CipherNone, key, iv, Encrypt); err != nil {
			t.Fatalf("Init(bind) failed: %v", err)
		}

		// AAD in two pieces, payload in uneven chunks.
		if _, err := ctx.Update(nil, aad[:5]); err != nil {
			t.Fatalf("Update(aad) failed: %v", err)
		}
		if _, err := ctx.Update(nil, aad[5:]); err != nil {
			t.Fatalf("Update(aad) failed: %v", err)
		}
		ct := make([]byte, len(pt))
		for off, step := 0, 1; off < len(pt); step += 13 {
			end := off + step
			if end > len(pt) {
				end = len(pt)
			}
			if _, err := ctx.Update(ct[off:end], pt[off:end]); err != nil {
				t.Fatalf("Update(payload) failed: %v", err)
			}
			off = end
		}
		if _, err := ctx.Final(); err != nil {
			t.Fatalf("Final() failed: %v", err)
		}
		tag, _ := ctx.Tag(MaxTagSize)

		block, _ := aes.NewCipher(key)
		aead, _ := cipher.NewGCMWithNonceSize(block, ivLen)
		want := aead.Seal(nil, iv, pt, aad)

		got := append(append([]byte(nil), ct...), tag...)
		if !bytes.Equal(got, want) {
			t.Errorf("iv length %d: streamed output differs from one-shot seal", ivLen)
		}
	}
}

func TestGCMDecryptVerifiesTag(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	iv := bytes.Repeat([]byte{0x02}, DefaultGCMIVLen)
	pt := []byte("attack at dawn, bring snacks")
	aad := []byte("v1")

	block, _ := aes.NewCipher(key)
	aead, _ := cipher.NewGCM(block)
	sealed := aead.Seal(nil, iv, pt, aad)
	ct, tag := sealed[:len(pt)], sealed[len(pt):]

	decrypt := func(tag []byte, ct []byte) ([]byte, error) {
		ctx := NewContext()
		if err := ctx.Init(AES128GCM, key, iv, Decrypt); err != nil {
			return nil, err
		}
		if err := ctx.SetTag(tag); err != nil {
			return nil, err
		}
		if _, err := ctx.Update(nil, aad); err != nil {
			return nil, err
		}
		out := make([]byte, len(ct))
		if _, err := ctx.Update(out, ct); err != nil {
			return nil, err
		}
		if _, err := ctx.Final(); err != nil {
			return nil, err
		}
		return out, nil
	}

	out, err := decrypt(tag, ct)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(out, pt) {
		t.Errorf("plaintext = %q, want %q", out, pt)
	}

	// Truncated tags are accepted as prefixes.
	if _, err := decrypt(tag[:4], ct); err != nil {
		t.Errorf("decrypt with 4-byte tag failed: %v", err)
	}

	badTag := append([]byte(nil), tag...)
	badTag[0] ^= 0x80
	if _, err := decrypt(badTag, ct); reasonOf(err) != ReasonBadDecrypt {
		t.Errorf("tampered tag error = %v, want bad decrypt", err)
	}

	badCT := append([]byte(nil), ct...)
	badCT[len(badCT)-1] ^= 0x01
	if _, err := decrypt(tag, badCT); reasonOf(err) != ReasonBadDecrypt {
		t.Errorf("tampered ciphertext error = %v, want bad decrypt", err)
	}
}

func TestGCMRejectsMisuse(t *testing.T) {
	key := make([]byte, KeySize)
	iv := make([]byte, DefaultGCMIVLen)

	ctx := NewContext()
	if err := ctx.Init(AES128GCM, key, iv, Encrypt); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := ctx.SetIVLen(16); reasonOf(err) != ReasonIVAlreadyBound {
		t.Errorf("SetIVLen after bind = %v, want iv already bound", err)
	}
	if _, err := ctx.Tag(16); reasonOf(err) != ReasonNotInitialized {
		t.Errorf("Tag before Final = %v, want not initialized", err)
	}
	if err := ctx.SetTag(make([]byte, 16)); reasonOf(err) != ReasonUnsupportedOperation {
		t.Errorf("SetTag on encrypt = %v, want unsupported", err)
	}

	out := make([]byte, 4)
	if _, err := ctx.Update(out, []byte("data")); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if _, err := ctx.Update(nil, []byte("late aad")); reasonOf(err) != ReasonAADAfterData {
		t.Errorf("AAD after payload = %v, want aad after data", err)
	}
	if _, err := ctx.Final(); err != nil {
		t.Fatalf("Final() failed: %v", err)
	}
	if _, err := ctx.Final(); reasonOf(err) != ReasonAlreadyFinalized {
		t.Errorf("second Final = %v, want already finalized", err)
	}
	if _, err := ctx.Tag(0); reasonOf(err) != ReasonInvalidTagLength {
		t.Errorf("Tag(0) = %v, want invalid tag length", err)
	}
	if _, err := ctx.Tag(17); reasonOf(err) != ReasonInvalidTagLength {
		t.Errorf("Tag(17) = %v, want invalid tag length", err)
	}

	dec := NewContext()
	if err := dec.Init(AES128GCM, key, iv, Decrypt); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if _, err := dec.Final(); reasonOf(err) != ReasonTagNotSet {
		t.Errorf("Final without tag = %v, want tag not set", err)
	}
}

func TestCTRMatchesStandardLibrary(t *testing.T) {
	key := bytes.Repeat([]byte{0x2b}, KeySize)
	// Counter block near overflow to cover carry into the upper 64 bits.
	iv := mustHex(t, "00000000000000fffffffffffffffffe")
	pt := bytes.Repeat([]byte("0123456789abcdef"), 5)

	ctx := NewContext()
	if err := ctx.Init(AES128CTR, key, iv, Encrypt); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	ct := make([]byte, len(pt))
	if n, err := ctx.Update(ct[:7], pt[:7]); err != nil || n != 7 {
		t.Fatalf("Update() = %d, %v", n, err)
	}
	if _, err := ctx.Update(ct[7:], pt[7:]); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	block, _ := aes.NewCipher(key)
	want := make([]byte, len(pt))
	cipher.NewCTR(block, iv).XORKeyStream(want, pt)

	if !bytes.Equal(ct, want) {
		t.Error("CTR output differs from crypto/cipher")
	}
}

func TestInitValidation(t *testing.T) {
	tests := []struct {
		name   string
		cipher Cipher
		key    []byte
		iv     []byte
		reason uint32
	}{
		{"no cipher", CipherNone, make([]byte, 16), make([]byte, 16), ReasonNoCipherSet},
		{"short key", AES128CTR, make([]byte, 15), make([]byte, 16), ReasonInvalidKeyLength},
		{"aes-256 key", AES128GCM, make([]byte, 32), make([]byte, 12), ReasonInvalidKeyLength},
		{"ctr short iv", AES128CTR, make([]byte, 16), make([]byte, 12), ReasonInvalidIVLength},
		{"gcm wrong iv", AES128GCM, make([]byte, 16), make([]byte, 16), ReasonInvalidIVLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewContext().Init(tt.cipher, tt.key, tt.iv, Encrypt)
			if got := reasonOf(err); got != tt.reason {
				t.Errorf("Init() reason = %d (%v), want %d", got, err, tt.reason)
			}
		})
	}
}

func TestECB(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	pt := mustHex(t, "6bc1bee22e409f96e93d7e117393172a6bc1bee22e409f96e93d7e117393172a")
	want := "3ad77bb40d7a3660a89ecaf32466ef97"

	enc := NewContext()
	if err := enc.Init(AES128ECB, key, nil, Encrypt); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	ct := make([]byte, len(pt))
	if _, err := enc.Update(ct, pt); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if got := hex.EncodeToString(ct[:16]); got != want {
		t.Errorf("first block = %s, want %s", got, want)
	}
	if !bytes.Equal(ct[:16], ct[16:]) {
		t.Error("identical plaintext blocks should produce identical ciphertext blocks")
	}

	if _, err := enc.Update(make([]byte, 15), pt[:15]); reasonOf(err) != ReasonDataNotMultipleOfBlock {
		t.Errorf("unaligned Update = %v, want not multiple of block", err)
	}

	dec := NewContext()
	if err := dec.Init(AES128ECB, key, nil, Decrypt); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	out := make([]byte, len(ct))
	if _, err := dec.Update(out, ct); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if !bytes.Equal(out, pt) {
		t.Error("ECB round trip mismatch")
	}
}

func TestUpdateBeforeInit(t *testing.T) {
	ctx := NewContext()
	if _, err := ctx.Update(make([]byte, 1), []byte{1}); reasonOf(err) != ReasonNotInitialized {
		t.Errorf("Update() = %v, want not initialized", err)
	}

	// Cipher selected but no key bound yet.
	if err := ctx.Init(AES128CTR, nil, make([]byte, 16), Encrypt); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if _, err := ctx.Update(make([]byte, 1), []byte{1}); reasonOf(err) != ReasonNotInitialized {
		t.Errorf("Update() without key = %v, want not initialized", err)
	}

	ctx.Reset()
	if _, err := ctx.Final(); reasonOf(err) != ReasonNotInitialized {
		t.Errorf("Final() after Reset = %v, want not initialized", err)
	}
}

func TestImplementation(t *testing.T) {
	switch impl := Implementation(); impl {
	case "aesni", "armv8-aes", "generic":
	default:
		t.Errorf("Implementation() = %q", impl)
	}
}
