// Package errors defines the closed error taxonomy for provider failures
// and the classifier that maps any provider or transport error into it.
// Classification is deliberately dumb and total; deciding whether to retry
// is the retry policy's job.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
)

// Kind is one of the closed set of provider error kinds.
type Kind string

const (
	KindRateLimit          Kind = "rate_limit"
	KindNetwork            Kind = "network"
	KindServiceUnavailable Kind = "service_unavailable"
	KindAuthentication     Kind = "authentication"
	KindQuota              Kind = "quota"
	KindInvalidRequest     Kind = "invalid_request"
	KindContextLength      Kind = "context_length"
	KindContentFilter      Kind = "content_filter"
	KindUnknown            Kind = "unknown"
)

// Permanent reports whether retrying the same inputs can never succeed.
func (k Kind) Permanent() bool {
	switch k {
	case KindAuthentication, KindQuota, KindInvalidRequest, KindContextLength, KindContentFilter:
		return true
	default:
		return false
	}
}

// StatusError is a provider error that carries an HTTP status code.
// Provider adapters wrap upstream error responses in this type so the
// classifier can map by status before falling back to message scanning.
type StatusError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`

	// RetryAfter is the Retry-After header value in seconds, when present.
	RetryAfter int `json:"-"`
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (provider=%s, model=%s, code=%d)",
		e.Message, e.Provider, e.Model, e.StatusCode)
}

// NewStatusError builds a StatusError from an upstream response.
func NewStatusError(statusCode int, provider, model, message string) *StatusError {
	return &StatusError{
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Model:      model,
	}
}

// ClassifiedError is the classifier output: the original error annotated
// with its kind, permanence, and an optional retry hint.
type ClassifiedError struct {
	Kind      Kind `json:"kind"`
	Permanent bool `json:"permanent"`

	// RetryAfter is a provider-supplied delay hint in seconds; 0 means none.
	RetryAfter int `json:"retry_after_s,omitempty"`

	Message string `json:"message"`
	cause   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the original error for errors.Is/As.
func (e *ClassifiedError) Unwrap() error { return e.cause }

// messagePattern pairs an error kind with the phrases that identify it.
// Order matters: the first matching pattern wins.
type messagePattern struct {
	kind Kind
	re   *regexp.Regexp
}

var messagePatterns = []messagePattern{
	{KindRateLimit, regexp.MustCompile(`(?i)rate.?limit|too many requests|requests per minute`)},
	{KindNetwork, regexp.MustCompile(`(?i)connection (refused|reset|aborted|closed)|network|broken pipe|no such host|timeout|timed out|unexpected EOF`)},
	{KindServiceUnavailable, regexp.MustCompile(`(?i)service unavailable|server (is )?overloaded|temporarily unavailable|bad gateway`)},
	{KindAuthentication, regexp.MustCompile(`(?i)unauthorized|invalid (api.?key|credential|token)|authentication|permission denied|forbidden`)},
	{KindQuota, regexp.MustCompile(`(?i)quota|billing|insufficient.{0,10}(funds|credit)|exceeded your current`)},
	{KindContextLength, regexp.MustCompile(`(?i)context.{0,10}(length|window)|maximum.{0,16}tokens|prompt (is )?too (long|large)|payload too large`)},
	{KindContentFilter, regexp.MustCompile(`(?i)content (filter|policy|blocked)|safety (system|filter)|prohibited content`)},
	{KindInvalidRequest, regexp.MustCompile(`(?i)invalid request|bad request|malformed|missing (required|parameter)|unprocessable`)},
}

// retryAfterRe extracts a "Retry-After: n" hint embedded in error text.
var retryAfterRe = regexp.MustCompile(`(?i)retry.?after[:\s]+(\d+)`)

// Classify maps any error to exactly one kind. It never returns nil for a
// non-nil input; anything unrecognized is Unknown and treated as temporary.
//
// Order: explicit HTTP status, message phrase scan, transport error types,
// Unknown backstop. A previously classified error passes through unchanged.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr, err)
	}

	msg := err.Error()
	for _, p := range messagePatterns {
		if p.re.MatchString(msg) {
			ce := newClassified(p.kind, msg, err)
			if p.kind == KindRateLimit {
				ce.RetryAfter = extractRetryAfter(msg)
			}
			return ce
		}
	}

	if isTransportError(err) {
		return newClassified(KindNetwork, msg, err)
	}

	return newClassified(KindUnknown, msg, err)
}

func classifyStatus(se *StatusError, cause error) *ClassifiedError {
	var kind Kind
	switch se.StatusCode {
	case http.StatusTooManyRequests:
		kind = KindRateLimit
	case http.StatusServiceUnavailable:
		kind = KindServiceUnavailable
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuthentication
	case http.StatusRequestEntityTooLarge:
		kind = KindContextLength
	case http.StatusBadRequest:
		kind = KindInvalidRequest
	default:
		// Unmapped status: fall back to message scanning.
		for _, p := range messagePatterns {
			if p.re.MatchString(se.Message) {
				kind = p.kind
				break
			}
		}
		if kind == "" {
			if se.StatusCode >= 500 {
				kind = KindServiceUnavailable
			} else {
				kind = KindUnknown
			}
		}
	}

	ce := newClassified(kind, se.Message, cause)
	if kind == KindRateLimit {
		ce.RetryAfter = se.RetryAfter
		if ce.RetryAfter == 0 {
			ce.RetryAfter = extractRetryAfter(se.Message)
		}
	}
	return ce
}

func newClassified(kind Kind, msg string, cause error) *ClassifiedError {
	return &ClassifiedError{
		Kind:      kind,
		Permanent: kind.Permanent(),
		Message:   msg,
		cause:     cause,
	}
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func extractRetryAfter(msg string) int {
	m := retryAfterRe.FindStringSubmatch(msg)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
