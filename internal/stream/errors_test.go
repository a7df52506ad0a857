package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrCategoryUnknown},
		{"canceled", fmt.Errorf("get: %w", context.Canceled), ErrCategoryCanceled},
		{"read timeout", ErrReadTimeout, ErrCategoryTimeout},
		{"deadline", context.DeadlineExceeded, ErrCategoryTimeout},
		{"overflow", fmt.Errorf("scan: %w", ErrBufferOverflow), ErrCategoryOverflow},
		{"ended", ErrStreamEnded, ErrCategoryEOF},
		{"unexpected eof", io.ErrUnexpectedEOF, ErrCategoryEOF},
		{"status", &StatusError{Code: 500, Status: "500 Internal Server Error"}, ErrCategoryHTTP},
		{"auth", &StatusError{Code: 401, Status: "401 Unauthorized"}, ErrCategoryAuth},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrCategoryTimeout},
		{"net refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrCategoryNetwork},
		{"message only", errors.New("read: connection reset by peer"), ErrCategoryNetwork},
		{"other", errors.New("boom"), ErrCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDuplicateSourceErrorIs(t *testing.T) {
	var err error = &DuplicateSourceError{ID: "cam1", Endpoint: "http://x"}
	if !errors.Is(err, ErrDuplicateSource) {
		t.Error("errors.Is(DuplicateSourceError, ErrDuplicateSource) = false, want true")
	}
	var dup *DuplicateSourceError
	if !errors.As(err, &dup) || dup.ID != "cam1" {
		t.Errorf("errors.As() = %v, want ID cam1", dup)
	}
}
