package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"
)

// ErrStream wraps failures of the underlying reader. The decoder cannot
// continue after one; any other decode error concerns a single line.
var ErrStream = errors.New("protocol stream error")

// Encoder writes protocol messages to an io.Writer. It is safe for
// concurrent use; each message is written as one whole line.
type Encoder struct {
	mu    sync.Mutex
	w     *bufio.Writer
	clock clockwork.Clock
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithClock sets the clock used for message timestamps.
func WithClock(clock clockwork.Clock) EncoderOption {
	return func(e *Encoder) { e.clock = clock }
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		w:     bufio.NewWriter(w),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: e.clock.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeBody writes body under the message type matching its Go type.
func (e *Encoder) EncodeBody(body interface{}) error {
	msgType, err := TypeOf(body)
	if err != nil {
		return err
	}
	return e.Encode(msgType, body)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message from the input stream. Blank lines are
// skipped; io.EOF is returned once the stream ends.
func (d *Decoder) Decode() (*Message, error) {
	var line []byte
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrStream, err)
			}
			return nil, io.EOF
		}
		line = bytes.TrimSpace(d.r.Bytes())
		if len(line) > 0 {
			break
		}
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// DecodeBody reads the next message and decodes its data.
func (d *Decoder) DecodeBody() (MessageType, interface{}, error) {
	msg, err := d.Decode()
	if err != nil {
		return "", nil, err
	}
	body, err := msg.Body()
	if err != nil {
		return msg.Type, nil, err
	}
	return msg.Type, body, nil
}
