package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
)

// maxFrameSize bounds a single JSON message read from a byte stream.
const maxFrameSize = 32 << 20

// framer splits a byte stream into complete top-level JSON values. It
// tracks nesting depth outside of string literals (honouring escapes),
// so braces inside strings never end a frame early, a value may span
// any number of lines, and several values may share a line.
//
// Text between values that does not start a JSON object or array is
// discarded up to the next newline. Servers routinely print banners or
// log lines to stdout before they start speaking JSON-RPC.
type framer struct {
	r      *bufio.Reader
	logger *slog.Logger
}

func newFramer(r io.Reader, logger *slog.Logger) *framer {
	if logger == nil {
		logger = slog.Default()
	}
	return &framer{r: bufio.NewReaderSize(r, 1<<20), logger: logger}
}

// Next returns the next complete JSON value. It returns io.EOF when the
// stream ends between values and io.ErrUnexpectedEOF when it ends
// inside one.
func (f *framer) Next() ([]byte, error) {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return f.readValue(b)
		default:
			if err := f.skipLine(b); err != nil {
				return nil, err
			}
		}
	}
}

func (f *framer) skipLine(first byte) error {
	rest, err := f.r.ReadBytes('\n')
	line := bytes.TrimSpace(append([]byte{first}, rest...))
	f.logger.Debug("skipping non-JSON output", "line", truncate(string(line), 200))
	if err == io.EOF {
		return io.EOF
	}
	return err
}

func (f *framer) readValue(open byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(open)
	depth := 1
	inString := false
	escaped := false

	for depth > 0 {
		b, err := f.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf.WriteByte(b)
		if buf.Len() > maxFrameSize {
			return nil, fmt.Errorf("JSON message exceeds %d bytes", maxFrameSize)
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
