package cds

import "fmt"

// apiError is an unexpected HTTP status from the processes API.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("cds: %s: status %d", e.Message, e.StatusCode)
}

// ClientError names the retrieval stage that failed.
type ClientError struct {
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("cds client: %s: %v", e.Message, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}
