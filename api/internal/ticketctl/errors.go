package ticketctl

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrActionNotAllowed = errors.New("action not allowed for this ticket")
	ErrSubmitInFlight   = errors.New("a submission is already in progress")
	ErrNotOpen          = errors.New("no ticket is open")
	ErrStale            = errors.New("ticket view changed while refreshing")
	ErrDeleteDeclined   = errors.New("backend declined to delete the ticket")
)

// ValidationError is raised before any backend call. Fields maps form field to message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field string, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
