package ai

import "fmt"

// ConnectionError means the upstream could not be reached or the transfer broke.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ResponseError means the upstream answered, but with a non-2xx status or a body
// that could not be decoded. StatusCode is 0 for decode failures.
type ResponseError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ResponseError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
	}
	return "upstream: " + e.Message
}

func (e *ResponseError) Unwrap() error { return e.Err }
