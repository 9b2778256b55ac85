package lsp

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	headerContentLength = "Content-Length"
	headerSeparator     = ": "
	lineTerminator      = "\r\n"

	// maxMessageSize caps a single body so a corrupt header cannot make the
	// reader allocate unbounded memory.
	maxMessageSize = 64 << 20
)

// Framer reads Content-Length framed payloads from a byte stream.
// It is not safe for concurrent use; a connection's read loop is its
// only caller.
type Framer struct {
	reader *bufio.Reader
}

// NewFramer creates a framer over r.
func NewFramer(r io.Reader) *Framer {
	if br, ok := r.(*bufio.Reader); ok {
		return &Framer{reader: br}
	}
	return &Framer{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadMessage returns the next complete payload.
// It returns io.EOF when the stream ends cleanly before a header line,
// and a *FramingError for any malformed header or body.
func (f *Framer) ReadMessage() ([]byte, error) {
	contentLength := -1
	first := true
	for {
		line, err := f.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line == "" && first {
					return nil, io.EOF
				}
				if line == "" {
					return nil, &FramingError{Reason: "stream ended inside header block", Err: io.ErrUnexpectedEOF}
				}
				return nil, &FramingError{Reason: "header line not terminated by CRLF", Header: line}
			}
			return nil, &FramingError{Reason: "read header", Err: err}
		}
		first = false

		if !strings.HasSuffix(line, lineTerminator) {
			return nil, &FramingError{Reason: "header line not terminated by CRLF", Header: line}
		}
		line = strings.TrimSuffix(line, lineTerminator)
		if line == "" {
			break // End of headers
		}

		key, value, ok := strings.Cut(line, headerSeparator)
		if !ok {
			return nil, &FramingError{Reason: "malformed header", Header: line}
		}
		if !strings.EqualFold(key, headerContentLength) {
			continue // Content-Type and friends are ignored
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, &FramingError{Reason: "invalid Content-Length", Header: line, Err: err}
		}
		if n > maxMessageSize {
			return nil, &FramingError{Reason: "Content-Length exceeds limit", Header: line}
		}
		contentLength = n
	}

	if contentLength < 0 {
		return nil, &FramingError{Reason: "missing Content-Length header"}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, &FramingError{Reason: "read body", Err: err}
	}
	if !utf8.Valid(body) {
		return nil, &FramingError{Reason: "body is not valid UTF-8"}
	}
	return body, nil
}

// Encode frames a payload with its Content-Length header.
func Encode(payload []byte) []byte {
	header := headerContentLength + headerSeparator + strconv.Itoa(len(payload)) + lineTerminator + lineTerminator
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...)
}

// WriteMessage frames payload and writes it to w in a single call.
func WriteMessage(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}
