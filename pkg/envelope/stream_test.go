package envelope

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-crypt/pkg/crypt"
)

const rawBlockSize = blockPrefixSize + crypt.GCMIVSize + crypt.MaxTagSize + DefaultBlockSize

func sealStream(t *testing.T, s *Sealer, chunks ...[]byte) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := s.NewStreamWriter(&out)
	require.NoError(t, err)
	for _, c := range chunks {
		n, err := w.Write(c)
		require.NoError(t, err)
		require.Equal(t, len(c), n)
	}
	require.NoError(t, w.Close())
	return out.Bytes()
}

func openStream(s *Sealer, data []byte) ([]byte, error) {
	r, err := s.NewStreamReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func TestStreamRoundTrip(t *testing.T) {
	payload := randomBytes(t, 2*DefaultBlockSize+100)

	for _, compress := range []bool{false, true} {
		s := newSealer(newResolver(5), WithCompression(compress))

		// Uneven writes straddle block boundaries.
		sealed := sealStream(t, s, payload[:1000], payload[1000:DefaultBlockSize+7], payload[DefaultBlockSize+7:])
		out, err := openStream(s, sealed)
		require.NoError(t, err)
		assert.Equal(t, payload, out)

		h, err := UnmarshalHeader(sealed)
		require.NoError(t, err)
		assert.True(t, h.Stream())
		assert.Equal(t, compress, h.Compressed())
	}
}

func TestStreamEmptyAndExactBlock(t *testing.T) {
	s := newSealer(newResolver(1))

	out, err := openStream(s, sealStream(t, s))
	require.NoError(t, err)
	assert.Empty(t, out)

	exact := bytes.Repeat([]byte{7}, DefaultBlockSize)
	sealed := sealStream(t, s, exact)
	assert.Len(t, sealed, HeaderSize+rawBlockSize, "one final block, no empty trailer")
	out, err = openStream(s, sealed)
	require.NoError(t, err)
	assert.Equal(t, exact, out)
}

func TestStreamTamper(t *testing.T) {
	s := newSealer(newResolver(1))
	payload := bytes.Repeat([]byte("abc"), DefaultBlockSize) // three blocks
	sealed := sealStream(t, s, payload)
	require.Len(t, sealed, HeaderSize+2*rawBlockSize+blockPrefixSize+crypt.GCMIVSize+crypt.MaxTagSize+DefaultBlockSize)

	t.Run("truncated before final block", func(t *testing.T) {
		_, err := openStream(s, sealed[:HeaderSize+2*rawBlockSize])
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("blocks swapped", func(t *testing.T) {
		swapped := bytes.Clone(sealed)
		first := sealed[HeaderSize : HeaderSize+rawBlockSize]
		second := sealed[HeaderSize+rawBlockSize : HeaderSize+2*rawBlockSize]
		copy(swapped[HeaderSize:], second)
		copy(swapped[HeaderSize+rawBlockSize:], first)
		_, err := openStream(s, swapped)
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("non-final block marked final", func(t *testing.T) {
		forged := bytes.Clone(sealed[:HeaderSize+rawBlockSize])
		forged[HeaderSize+4] = 1
		_, err := openStream(s, forged)
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("ciphertext bit", func(t *testing.T) {
		flipped := bytes.Clone(sealed)
		flipped[len(flipped)-1] ^= 0x01
		_, err := openStream(s, flipped)
		assert.ErrorIs(t, err, ErrRejected)
	})
}

func TestStreamTrailingData(t *testing.T) {
	s := newSealer(newResolver(1))
	sealed := sealStream(t, s, []byte("hello"))

	out, err := openStream(s, append(bytes.Clone(sealed), bytes.Repeat([]byte{0xAA}, 34)...))
	assert.ErrorIs(t, err, ErrTrailingData)
	assert.Empty(t, out)

	// A second complete stream glued on is still trailing data.
	out, err = openStream(s, append(bytes.Clone(sealed), sealed...))
	assert.ErrorIs(t, err, ErrTrailingData)
	assert.Empty(t, out)

	out, err = openStream(s, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestStreamAndRecordAreNotInterchangeable(t *testing.T) {
	s := newSealer(newResolver(1))

	record, err := s.Seal([]byte("record"), nil)
	require.NoError(t, err)
	_, err = s.NewStreamReader(bytes.NewReader(record))
	assert.ErrorIs(t, err, ErrInvalidHeader)

	stream := sealStream(t, s, []byte("stream"))
	_, err = s.Open(stream, nil)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestStreamWriterClosed(t *testing.T) {
	s := newSealer(newResolver(1))
	var out bytes.Buffer
	w, err := s.NewStreamWriter(&out)
	require.NoError(t, err)
	assert.Equal(t, s.resolver.LatestVersion(), w.KeyVersion())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = newSealer(newResolver(0)).NewStreamWriter(&out)
	assert.ErrorIs(t, err, ErrNoKey)
}
