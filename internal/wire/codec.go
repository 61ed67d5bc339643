package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"toolbridge/internal/fault"
)

// MaxFrameSize caps a single encoded frame. A line exceeding the cap is
// discarded as a protocol error and the decoder resynchronizes at the next
// newline.
const MaxFrameSize = 32 << 20

// ProtocolError reports a malformed frame. It is recoverable: the decoder
// keeps producing frames after returning one.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Unwrap ties ProtocolError into the shared taxonomy.
func (e *ProtocolError) Unwrap() error { return fault.ErrProtocol }

// IsRecoverable reports whether a decode error leaves the decoder usable.
func IsRecoverable(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Encode serializes a frame as one newline-terminated JSON record. It fails
// only on frames that classify as invalid or payloads that cannot be
// serialized.
func Encode(f *Frame) ([]byte, error) {
	if f.Kind() == KindInvalid {
		return nil, &ProtocolError{Reason: "refusing to encode invalid frame"}
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, &ProtocolError{Reason: "encode frame", Err: err}
	}
	return append(raw, '\n'), nil
}

// Decoder turns a byte stream without message boundaries into a sequence of
// frames. Partially received records are buffered across reads; frames come
// out in exactly the order their bytes arrived.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
}

// NewDecoder wraps r with the default frame size cap.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10), maxSize: MaxFrameSize}
}

// Next returns the next frame from the stream. A malformed record yields a
// *ProtocolError and the decoder remains usable; io.EOF or any other read
// error is terminal.
func (d *Decoder) Next() (*Frame, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var f Frame
		if uerr := json.Unmarshal(line, &f); uerr != nil {
			return nil, &ProtocolError{Reason: "malformed frame", Err: uerr}
		}
		if f.Kind() == KindInvalid {
			return nil, &ProtocolError{Reason: "frame classifies as neither request, response, nor notification"}
		}
		return &f, nil
	}
}

// readLine accumulates one newline-terminated record, growing past the
// bufio buffer as needed up to the frame size cap. Oversized records are
// drained to the next newline so subsequent frames stay intact.
func (d *Decoder) readLine() ([]byte, error) {
	var acc []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		acc = append(acc, chunk...)
		switch err {
		case nil:
			return acc, nil
		case bufio.ErrBufferFull:
			if len(acc) > d.maxSize {
				if derr := d.discardToNewline(); derr != nil {
					return nil, derr
				}
				return nil, &ProtocolError{Reason: fmt.Sprintf("frame exceeds %d byte cap", d.maxSize)}
			}
		default:
			if err == io.EOF && len(acc) > 0 {
				// Final record without a trailing newline.
				return acc, nil
			}
			return nil, err
		}
	}
}

func (d *Decoder) discardToNewline() error {
	for {
		_, err := d.r.ReadSlice('\n')
		switch err {
		case nil:
			return nil
		case bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}
