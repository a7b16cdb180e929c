package sibol

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError means the request never produced an HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("sibol %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is any non-2xx answer. Message is the backend's own text when it sent one.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("sibol %s: %d %s", e.Op, e.StatusCode, msg)
}

// PartialFailureError reports an upload whose blob was stored but whose attachment
// metadata was not registered. PublicID identifies the orphaned blob.
type PartialFailureError struct {
	RequestID int64
	FilePath  string
	PublicID  string
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("sibol attachment for ticket %d: file stored at %q but not registered: %v", e.RequestID, e.FilePath, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
