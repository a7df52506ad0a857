package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	// ErrBufferOverflow is returned when a partial frame outgrows the buffer cap
	ErrBufferOverflow = errors.New("stream: frame buffer overflow")
	// ErrReadTimeout is returned when no bytes arrive within the read timeout
	ErrReadTimeout = errors.New("stream: read timeout")
	// ErrStreamEnded is returned when the source closes the byte stream
	ErrStreamEnded = errors.New("stream: stream ended")
	// ErrDuplicateSource matches DuplicateSourceError via errors.Is
	ErrDuplicateSource = errors.New("stream: source already streaming")
	// ErrInvalidSource is returned for an empty id or endpoint
	ErrInvalidSource = errors.New("stream: source id and endpoint are required")
)

// DuplicateSourceError reports a registration for an id that already has a
// live worker on the same endpoint
type DuplicateSourceError struct {
	ID       string
	Endpoint string
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("stream: source %q already streaming from %s", e.ID, e.Endpoint)
}

// Is makes errors.Is(err, ErrDuplicateSource) succeed
func (e *DuplicateSourceError) Is(target error) bool {
	return target == ErrDuplicateSource
}

// StatusError reports a non-200 HTTP response from a source
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream: unexpected response %s", e.Status)
}

// ErrorCategory represents the classification of stream errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates connection failures (refused, DNS, reset)
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryTimeout indicates connect or read timeouts
	ErrCategoryTimeout
	// ErrCategoryEOF indicates the source closed the stream
	ErrCategoryEOF
	// ErrCategoryOverflow indicates a frame larger than the buffer cap
	ErrCategoryOverflow
	// ErrCategoryHTTP indicates a non-200 response
	ErrCategoryHTTP
	// ErrCategoryAuth indicates a 401/403 response
	ErrCategoryAuth
	// ErrCategoryCanceled indicates shutdown or deregistration
	ErrCategoryCanceled
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryEOF:
		return "eof"
	case ErrCategoryOverflow:
		return "overflow"
	case ErrCategoryHTTP:
		return "http"
	case ErrCategoryAuth:
		return "auth"
	case ErrCategoryCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ClassifyError categorizes a stream error.
//
// Typed errors are checked first; the message heuristics only catch errors
// that lost their type on the way up (e.g. wrapped by the HTTP transport).
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	var statusErr *StatusError
	var netErr net.Error

	switch {
	case errors.Is(err, context.Canceled):
		return ErrCategoryCanceled
	case errors.Is(err, ErrReadTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCategoryTimeout
	case errors.Is(err, ErrBufferOverflow):
		return ErrCategoryOverflow
	case errors.Is(err, ErrStreamEnded), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrCategoryEOF
	case errors.As(err, &statusErr):
		if statusErr.Code == 401 || statusErr.Code == 403 {
			return ErrCategoryAuth
		}
		return ErrCategoryHTTP
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ErrCategoryTimeout
		}
		return ErrCategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"connection", "refused", "reset", "unreachable", "no such host", "broken pipe"} {
		if strings.Contains(msg, kw) {
			return ErrCategoryNetwork
		}
	}
	return ErrCategoryUnknown
}
