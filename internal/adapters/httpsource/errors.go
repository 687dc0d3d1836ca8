package httpsource

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChecksumMismatch means a downloaded file does not match its expected sha256.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrUnsupportedScheme is returned for source URIs other than http(s) and local paths.
	ErrUnsupportedScheme = errors.New("unsupported source scheme")
)

// FetchError reports one source that could not be listed or staged.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// BatchError aggregates the failed sources of an incomplete batch.
type BatchError struct {
	Failed []*FetchError
	Staged int
}

func (e *BatchError) Error() string {
	urls := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		urls[i] = f.URL
	}
	return fmt.Sprintf("incomplete batch: %d failed, %d staged (%s)", len(e.Failed), e.Staged, strings.Join(urls, ", "))
}

// Unwrap exposes every FetchError to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errs
}
