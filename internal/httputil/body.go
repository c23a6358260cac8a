// Package httputil provides helpers shared by the API handlers and the
// provider adapters for reading HTTP bodies with a hard size cap.
package httputil

import (
	"errors"
	"io"
)

// DefaultMaxErrorBodyBytes caps upstream provider error bodies to 10MB.
// Dispatch requests use the tighter cap the API layer configures.
const DefaultMaxErrorBodyBytes int64 = 10 * 1024 * 1024

// ErrBodyTooLarge reports a body that exceeded its cap. The truncated
// prefix is still returned alongside, so callers can log or surface it.
var ErrBodyTooLarge = errors.New("http body exceeds size limit")

// ReadBody reads at most maxBytes from reader. When the body runs past
// the cap it returns the first maxBytes together with ErrBodyTooLarge.
// A cap of zero or below disables the limit.
func ReadBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], ErrBodyTooLarge
	}
	return body, nil
}
