package normalize

import "fmt"

// NormalizationError reports staged input that cannot be turned into the
// requested dataset: unreadable files, schema or selector mismatches.
type NormalizationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	msg := "normalize"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}
