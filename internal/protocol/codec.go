package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxLineBytes is the maximum size of a single newline-delimited wire
// message. A line exceeding this terminates the connection with a parse
// error, per spec.
const MaxLineBytes = 1 << 20 // 1 MiB

// ErrLineTooLong is returned by Decoder.ReadLine when a line exceeds
// MaxLineBytes.
var ErrLineTooLong = fmt.Errorf("line exceeds maximum size of %d bytes", MaxLineBytes)

// Decoder reads newline-delimited JSON-RPC request lines from a
// connection, one at a time.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r with a bufio.Scanner bounded to MaxLineBytes.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), MaxLineBytes)
	return &Decoder{scanner: s}
}

// ReadLine returns the next non-empty trimmed line, skipping blank lines
// silently (matching the reference daemon's handle_connection loop).
// io.EOF is returned when the peer has closed the connection cleanly.
func (d *Decoder) ReadLine() (string, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return "", ErrLineTooLong
		}
		return "", err
	}
	return "", io.EOF
}

// ParseRequest parses a single line into a Request. Parse errors map to
// CodeParseError with a null id, per spec §4.2.
func ParseRequest(line string) (*Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return &req, nil
}

// Encoder writes newline-delimited JSON-RPC response/notification lines
// to a connection. Callers must serialize calls to Write externally (or
// use a single writer goroutine) so replies and notifications never
// interleave on the wire.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteResponse serializes resp and writes it followed by a newline.
func (e *Encoder) WriteResponse(resp *Response) error {
	return e.writeLine(resp)
}

// WriteNotification serializes note and writes it followed by a newline.
func (e *Encoder) WriteNotification(note *Notification) error {
	return e.writeLine(note)
}

func (e *Encoder) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		// Last resort: should never happen for our own well-formed types.
		data = []byte(fmt.Sprintf(
			`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":"serialization failed: %s"}}`,
			CodeInternalError, err,
		))
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}
