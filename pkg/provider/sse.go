package provider

import (
	"bufio"
	"bytes"
	"io"
)

// sseScannerBuffer bounds a single SSE line; large model chunks can
// exceed bufio's 64KB default.
const sseScannerBuffer = 1 << 20

// SSEScanner iterates the data payloads of a server-sent-event stream.
// Event tag lines and comments are skipped; only `data:` lines are
// surfaced. Adapters layer their wire format decoding on top.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner wraps an SSE response body.
func NewSSEScanner(r io.Reader) *SSEScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), sseScannerBuffer)
	return &SSEScanner{scanner: sc}
}

// Next returns the next non-empty data payload. It returns io.EOF when
// the stream ends and the underlying read error otherwise.
func (s *SSEScanner) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 {
			continue
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
