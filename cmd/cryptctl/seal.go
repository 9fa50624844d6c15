package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-crypt/pkg/audit"
	"github.com/dd0wney/cluso-crypt/pkg/crypt"
	"github.com/dd0wney/cluso-crypt/pkg/envelope"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
)

type ioFlags struct {
	in     string
	out    string
	aad    string
	stream bool
}

func (f *ioFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.in, "in", "i", "-", "input file (- for stdin)")
	cmd.Flags().StringVarP(&f.out, "out", "o", "-", "output file (- for stdout)")
	cmd.Flags().StringVar(&f.aad, "aad", "", "associated data bound to the record (not stored)")
}

func newSealCmd(a *app) *cobra.Command {
	var f ioFlags
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt input under the active key",
		Long: `Seal reads plaintext and writes a sealed record: a 64-byte header naming the key
version, then IV, tag and AES-128-GCM ciphertext. With --stream the input is
sealed in 64 KiB blocks so it never has to fit in memory.`,
		Annotations: keyStoreAnnotation,
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			version := a.keys.LatestVersion()
			defer func() { a.recordEnvelope(audit.ActionSeal, version, err) }()

			if f.stream && f.aad != "" {
				return errors.New("--aad is not supported with --stream")
			}
			in, closeIn, err := openInput(cmd, f.in)
			if err != nil {
				return err
			}
			defer closeIn()

			out, err := createOutput(cmd, f.out)
			if err != nil {
				return err
			}
			defer out.abort()

			if f.stream {
				sw, err := a.sealer.NewStreamWriter(out)
				if err != nil {
					return err
				}
				version = sw.KeyVersion()
				if _, err := io.Copy(sw, in); err != nil {
					return fmt.Errorf("failed to seal stream: %w", err)
				}
				if err := sw.Close(); err != nil {
					return err
				}
				return out.commit()
			}

			plaintext, err := readLimited(in, a.cfg.Envelope.MaxSize)
			if err != nil {
				return err
			}
			sealed, err := a.sealer.Seal(plaintext, []byte(f.aad))
			if err != nil {
				return err
			}
			if h, err := envelope.UnmarshalHeader(sealed); err == nil {
				version = h.KeyVersion
			}
			if _, err := out.Write(sealed); err != nil {
				return err
			}
			return out.commit()
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&f.stream, "stream", false, "seal as a stream of blocks")
	return cmd
}

func newOpenCmd(a *app) *cobra.Command {
	var f ioFlags
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Decrypt a sealed record or stream",
		Long: `Open authenticates and decrypts input produced by seal. Records and streams are
told apart by the header. An --out file is only created once the whole input
authenticates.`,
		Annotations: keyStoreAnnotation,
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var version keyversion.KeyVersion
			defer func() { a.recordEnvelope(audit.ActionOpen, version, err) }()

			in, closeIn, err := openInput(cmd, f.in)
			if err != nil {
				return err
			}
			defer closeIn()

			br := bufio.NewReader(in)
			raw, err := br.Peek(envelope.HeaderSize)
			if err != nil {
				return fmt.Errorf("failed to read header: %w", envelope.ErrTruncated)
			}
			h, err := envelope.UnmarshalHeader(raw)
			if err != nil {
				return err
			}
			version = h.KeyVersion

			out, err := createOutput(cmd, f.out)
			if err != nil {
				return err
			}
			defer out.abort()

			if h.Stream() {
				if f.aad != "" {
					return errors.New("--aad is not supported with streams")
				}
				sr, err := a.sealer.NewStreamReader(br)
				if err != nil {
					return err
				}
				defer sr.Close()
				if _, err := io.Copy(out, sr); err != nil {
					return err
				}
				return out.commit()
			}

			sealed, err := readLimited(br, sealedLimit(a.cfg.Envelope.MaxSize))
			if err != nil {
				return err
			}
			plaintext, err := a.sealer.Open(sealed, []byte(f.aad))
			if err != nil {
				return err
			}
			if _, err := out.Write(plaintext); err != nil {
				return err
			}
			return out.commit()
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) recordEnvelope(action audit.Action, v keyversion.KeyVersion, err error) {
	event := audit.NewEvent(action, audit.ResourceEnvelope, uint32(v))
	if err != nil {
		event = audit.NewFailedEvent(action, audit.ResourceEnvelope, uint32(v), err)
	}
	if lerr := a.audit.Log(event); lerr != nil {
		a.logger.Warn("audit log failed", logging.Operation(string(action)), logging.Error(lerr))
	}
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return file, func() { file.Close() }, nil
}

// sealedLimit bounds a record whose plaintext is at most max bytes.
func sealedLimit(max int) int {
	return snappy.MaxEncodedLen(max) + envelope.HeaderSize + 2*crypt.MaxTagSize + crypt.GCMIVSize
}

func readLimited(r io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if len(data) > limit {
		return nil, envelope.ErrTooLarge
	}
	return data, nil
}

// output buffers a file result in a temporary file that replaces the
// target only on commit. Standard output is written directly.
type output struct {
	io.Writer
	tmp  *os.File
	path string
	done bool
}

func createOutput(cmd *cobra.Command, path string) (*output, error) {
	if path == "" || path == "-" {
		return &output{Writer: cmd.OutOrStdout()}, nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cryptctl-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	return &output{Writer: tmp, tmp: tmp, path: path}, nil
}

func (o *output) commit() error {
	o.done = true
	if o.tmp == nil {
		return nil
	}
	if err := o.tmp.Sync(); err != nil {
		o.discard()
		return fmt.Errorf("failed to sync output: %w", err)
	}
	if err := o.tmp.Close(); err != nil {
		os.Remove(o.tmp.Name())
		return fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(o.tmp.Name(), o.path); err != nil {
		os.Remove(o.tmp.Name())
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (o *output) abort() {
	if o.done || o.tmp == nil {
		return
	}
	o.discard()
}

func (o *output) discard() {
	o.tmp.Close()
	os.Remove(o.tmp.Name())
}
