package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-crypt/pkg/crypt"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
)

// DefaultBlockSize is the plaintext size of each stream block.
const DefaultBlockSize = 64 << 10

const blockPrefixSize = 5 // length (LE uint32) + final flag

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("envelope: stream closed")

// StreamWriter seals everything written to it as a sequence of blocks under
// one key version. Each block authenticates the stream header, its index and
// whether it is the last one, so blocks cannot be reordered, dropped or
// truncated away. Close must be called to write the final block.
type StreamWriter struct {
	s       *Sealer
	w       io.Writer
	header  []byte
	version keyversion.KeyVersion
	key     []byte
	buf     []byte
	index   uint64
	closed  bool
}

// NewStreamWriter writes the stream header to w.
func (s *Sealer) NewStreamWriter(w io.Writer) (*StreamWriter, error) {
	version, key, err := s.latestKey()
	if err != nil {
		return nil, err
	}

	flags := FlagStream
	if s.compress {
		flags |= FlagCompressed
	}
	header := MarshalHeader(newHeader(version, flags))
	if _, err := w.Write(header); err != nil {
		wipe(key)
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	return &StreamWriter{
		s:       s,
		w:       w,
		header:  header,
		version: version,
		key:     key,
		buf:     make([]byte, 0, DefaultBlockSize),
	}, nil
}

// KeyVersion returns the version the stream is sealed under.
func (sw *StreamWriter) KeyVersion() keyversion.KeyVersion { return sw.version }

// Write buffers p, sealing a block each time DefaultBlockSize bytes collect.
func (sw *StreamWriter) Write(p []byte) (int, error) {
	if sw.closed {
		return 0, ErrClosed
	}
	n := 0
	for len(p) > 0 {
		take := min(DefaultBlockSize-len(sw.buf), len(p))
		sw.buf = append(sw.buf, p[:take]...)
		p = p[take:]
		n += take

		// A full buffer is only flushed once more data arrives, so the
		// last block is always written by Close with the final flag.
		if len(sw.buf) == DefaultBlockSize && len(p) > 0 {
			if err := sw.flush(false); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Close seals the final block and wipes the key. It does not close the
// underlying writer.
func (sw *StreamWriter) Close() error {
	if sw.closed {
		return nil
	}
	err := sw.flush(true)
	sw.closed = true
	wipe(sw.key)
	sw.s.metrics.RecordEnvelope("stream_seal", status(err), 0, 0)
	return err
}

func (sw *StreamWriter) flush(final bool) error {
	data := sw.buf
	if sw.s.compress {
		data = snappy.Encode(nil, sw.buf)
	}

	iv := make([]byte, crypt.GCMIVSize)
	if err := crypt.RandomBytes(iv); err != nil {
		return err
	}
	ct, tag, err := sealGCM(sw.key, iv, blockAAD(sw.header, sw.index, final), data)
	if err != nil {
		return fmt.Errorf("failed to seal block %d: %w", sw.index, err)
	}

	rec := make([]byte, blockPrefixSize, blockPrefixSize+len(iv)+len(tag)+len(ct))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(ct)))
	if final {
		rec[4] = 1
	}
	rec = append(rec, iv...)
	rec = append(rec, tag...)
	rec = append(rec, ct...)
	if _, err := sw.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write block %d: %w", sw.index, err)
	}

	sw.s.metrics.RecordEnvelope("stream_block", "success", len(sw.buf), len(rec))
	sw.index++
	sw.buf = sw.buf[:0]
	return nil
}

// StreamReader opens a stream produced by StreamWriter.
type StreamReader struct {
	s      *Sealer
	r      io.Reader
	header *Header
	raw    []byte
	key    []byte
	index  uint64
	plain  []byte
	done   bool
	err    error
}

// NewStreamReader reads the stream header and resolves its key.
func (s *Sealer) NewStreamReader(r io.Reader) (*StreamReader, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", ErrTruncated)
	}
	h, err := UnmarshalHeader(raw)
	if err != nil {
		return nil, err
	}
	if !h.Stream() {
		return nil, ErrInvalidHeader
	}

	key, err := s.resolver.Key(h.KeyVersion, crypt.KeySize)
	if err != nil {
		return nil, s.reject(h.KeyVersion, err)
	}
	return &StreamReader{s: s, r: r, header: h, raw: raw, key: key}, nil
}

// Header returns the stream header.
func (sr *StreamReader) Header() *Header { return sr.header }

// Read returns authenticated plaintext. A stream that ends before its final
// block fails with ErrTruncated; one that continues past it fails with
// ErrTrailingData and the final block is withheld.
func (sr *StreamReader) Read(p []byte) (int, error) {
	for len(sr.plain) == 0 {
		if sr.err != nil {
			return 0, sr.err
		}
		if sr.done {
			return 0, io.EOF
		}
		if err := sr.next(); err != nil {
			sr.err = err
			wipe(sr.key)
			return 0, err
		}
	}
	n := copy(p, sr.plain)
	sr.plain = sr.plain[n:]
	return n, nil
}

func (sr *StreamReader) next() error {
	prefix := make([]byte, blockPrefixSize)
	if _, err := io.ReadFull(sr.r, prefix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	size := binary.LittleEndian.Uint32(prefix[0:4])
	final := prefix[4] == 1
	limit := sr.s.maxSize
	if sr.header.Compressed() {
		limit = snappy.MaxEncodedLen(limit)
	}
	if prefix[4] > 1 || limit < 0 || int64(size) > int64(limit) {
		return fmt.Errorf("%w: block %d", ErrRejected, sr.index)
	}

	ivSize, tagSize := int(sr.header.IVSize), int(sr.header.TagSize)
	body := make([]byte, ivSize+tagSize+int(size))
	if _, err := io.ReadFull(sr.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}

	data, err := openGCM(sr.key, body[:ivSize], blockAAD(sr.raw, sr.index, final),
		body[ivSize+tagSize:], body[ivSize:ivSize+tagSize])
	if err != nil {
		return sr.s.reject(sr.header.KeyVersion, fmt.Errorf("block %d: %w", sr.index, err))
	}
	if sr.header.Compressed() {
		if data, err = sr.s.decompress(data); err != nil {
			return err
		}
	}
	if final {
		if err := sr.expectEOF(); err != nil {
			return err
		}
	}

	sr.s.log.Debug("stream block opened", logging.Count(int(sr.index)), logging.Size(len(data)))
	sr.plain = data
	sr.done = final
	sr.index++
	return nil
}

func (sr *StreamReader) expectEOF() error {
	var b [1]byte
	n, err := io.ReadFull(sr.r, b[:])
	if n > 0 {
		return fmt.Errorf("%w: after block %d", ErrTrailingData, sr.index)
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Close wipes the key.
func (sr *StreamReader) Close() error {
	wipe(sr.key)
	sr.plain = nil
	return nil
}

func blockAAD(header []byte, index uint64, final bool) []byte {
	aad := make([]byte, len(header)+9)
	copy(aad, header)
	binary.BigEndian.PutUint64(aad[len(header):], index)
	if final {
		aad[len(aad)-1] = 1
	}
	return aad
}
