package crypt

import (
	"errors"
	"fmt"
	"os"

	"gitlab.com/yawning/slice.git"

	"github.com/dd0wney/cluso-crypt/internal/primitive"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
)

type state int

const (
	stateCreated state = iota
	stateReady
	stateAAD
	statePayload
	stateDone
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateReady:
		return "ready"
	case stateAAD:
		return "aad"
	case statePayload:
		return "payload"
	default:
		return "done"
	}
}

const emptyInputMessage = "crypt input was empty, which would reset the AES-GCM stream; aborting"

// crypter is the engine shared by every adapter: one primitive context and
// the state it is in.
type crypter struct {
	ctx   *primitive.Context
	mode  Mode
	dir   Direction
	state state

	// reason is the primitive reason code of the last failure.
	reason uint32
}

func newCrypter(mode Mode, dir Direction) crypter {
	return crypter{
		ctx:  primitive.NewContext(),
		mode: mode,
		dir:  dir,
	}
}

func (c *crypter) fields() []logging.Field {
	return []logging.Field{
		logging.Mode(c.mode.String()),
		logging.Direction(c.dir.String()),
	}
}

// fail logs the primitive's reason, wipes the context and returns
// ErrPrimitive. The reason never reaches the caller.
func (c *crypter) fail(op, msg string, err error) error {
	c.state = stateDone
	fields := append(c.fields(), logging.Operation(op))
	var perr *primitive.Error
	if errors.As(err, &perr) {
		c.reason = perr.Code
		fields = append(fields, logging.Reason(perr.Reason), logging.Int("reason_code", int(perr.Code)))
	} else if err != nil {
		fields = append(fields, logging.Error(err))
	}
	logger().Error(msg, fields...)
	c.ctx.Reset()
	return fmt.Errorf("%s: %w", op, ErrPrimitive)
}

func (c *crypter) stateError(op string) error {
	return fmt.Errorf("%s %s in state %s: %w", c.mode, op, c.state, ErrState)
}

// fatal reports an integrity fault and terminates the process.
func (c *crypter) fatal(msg string) {
	logger().Error(msg, c.fields()...)
	fmt.Fprintf(os.Stderr, "crypt: fatal: %s (mode=%s direction=%s)\n", msg, c.mode, c.dir)
	os.Exit(2)
}

// bind runs the mode's setup sequence against the primitive.
func (c *crypter) bind(key, iv []byte) error {
	const op = "Init"

	if c.state != stateCreated {
		return c.stateError("init")
	}

	switch c.mode {
	case ModeCTR:
		if len(iv) != CTRIVSize {
			c.state = stateDone
			logger().Error("ctr iv has wrong length", append(c.fields(), logging.Size(len(iv)))...)
			return fmt.Errorf("%s: iv is %d bytes, want %d: %w", op, len(iv), CTRIVSize, ErrBadIV)
		}
		if err := c.ctx.Init(c.mode.cipher(), key, iv, c.dir.primitive()); err != nil {
			return c.fail(op, "ctr init failed", err)
		}

	case ModeGCM:
		if err := c.ctx.Init(c.mode.cipher(), nil, nil, c.dir.primitive()); err != nil {
			return c.fail(op, "gcm cipher selection failed", err)
		}
		if err := c.ctx.SetIVLen(len(iv)); err != nil {
			return c.fail(op, "gcm iv length setup failed", err)
		}
		if err := c.ctx.Init(primitive.CipherNone, key, iv, c.dir.primitive()); err != nil {
			return c.fail(op, "gcm key and iv setup failed", err)
		}

	case ModeECB:
		if err := c.ctx.Init(c.mode.cipher(), key, nil, c.dir.primitive()); err != nil {
			return c.fail(op, "ecb init failed", err)
		}

	default:
		return c.fail(op, "unknown cipher mode", nil)
	}

	c.state = stateReady
	return nil
}

// aad registers additional authenticated data. Legal only before payload.
func (c *crypter) aad(data []byte) error {
	const op = "AddAAD"

	if len(data) == 0 {
		c.fatal(emptyInputMessage)
	}
	if c.state != stateReady && c.state != stateAAD {
		return c.stateError("aad")
	}

	n, err := c.ctx.Update(nil, data)
	if err != nil {
		return c.fail(op, "aad update failed", err)
	}
	if n != 0 {
		c.fatal("aad update produced output")
	}

	c.state = stateAAD
	return nil
}

// payload appends the transform of src to dst.
func (c *crypter) payload(op string, dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		c.fatal(emptyInputMessage)
	}
	switch c.state {
	case stateReady, stateAAD, statePayload:
	default:
		return dst, c.stateError("update")
	}

	ret, out := slice.ForAppend(dst, len(src))
	n, err := c.ctx.Update(out, src)
	if err != nil {
		return dst, c.fail(op, "payload update failed", err)
	}
	if n != len(src) {
		c.fatal(fmt.Sprintf("update produced %d bytes for %d bytes of input", n, len(src)))
	}

	c.state = statePayload
	return ret, nil
}

// finish runs the primitive's finalize step. Any output here is an
// integrity fault.
func (c *crypter) finish(op string) error {
	n, err := c.ctx.Final()
	c.state = stateDone
	if err != nil {
		return c.fail(op, "finalize failed", err)
	}
	if n != 0 {
		c.fatal(fmt.Sprintf("finalize produced %d unexpected bytes", n))
	}
	return nil
}

func (c *crypter) record(err error, bytes int) {
	registry().RecordCipherOperation(c.mode.String(), c.dir.String(), Code(err).String(), bytes)
}

// Close wipes key material. The adapter cannot be used afterwards.
func (c *crypter) Close() {
	c.ctx.Reset()
	c.state = stateDone
}
