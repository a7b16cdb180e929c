package ticketctl

import (
	"strings"
	"time"

	"sibol-maintenance/shared/clients/sibol"
)

const dateLayout = "2006-01-02"

type CreateForm struct {
	Title    string
	Details  string
	Priority string
	DueDate  string
	File     *sibol.File
}

type AssignForm struct {
	AssignTo *int64
	Priority string
	DueDate  string
}

type RemarkForm struct {
	Text string
	File *sibol.File
}

type TransitionInput struct {
	Reason   string
	AssignTo *int64
}

// validateCreate is the single creation policy: a title is required, everything else is
// checked only when given.
func validateCreate(f CreateForm, priorities []sibol.Priority) (sibol.CreateTicketInput, error) {
	var verr ValidationError
	in := sibol.CreateTicketInput{
		Title:   strings.TrimSpace(f.Title),
		Details: strings.TrimSpace(f.Details),
	}
	if in.Title == "" {
		verr.add("title", "title is required")
	}
	if p, ok := matchPriority(f.Priority, priorities); ok {
		in.Priority = p
	} else {
		verr.add("priority", "unknown priority")
	}
	if d, ok := parseDueDate(f.DueDate); ok {
		in.DueDate = d
	} else {
		verr.add("due_date", "due date must be YYYY-MM-DD")
	}
	return in, verr.orNil()
}

func validateAssign(f AssignForm, priorities []sibol.Priority, operators []sibol.Operator) (int64, sibol.AcceptOptions, error) {
	var verr ValidationError
	var opts sibol.AcceptOptions
	var target int64
	if f.AssignTo == nil || *f.AssignTo <= 0 {
		verr.add("assign_to", "select an operator")
	} else {
		target = *f.AssignTo
		if len(operators) > 0 && !knownOperator(target, operators) {
			verr.add("assign_to", "unknown operator")
		}
	}
	if p, ok := matchPriority(f.Priority, priorities); ok {
		opts.Priority = p
	} else {
		verr.add("priority", "unknown priority")
	}
	if d, ok := parseDueDate(f.DueDate); ok {
		opts.DueDate = d
	} else {
		verr.add("due_date", "due date must be YYYY-MM-DD")
	}
	return target, opts, verr.orNil()
}

// matchPriority canonicalizes raw to an option name. Empty input is valid and stays empty.
func matchPriority(raw string, options []sibol.Priority) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", true
	}
	if len(options) == 0 {
		options = sibol.FallbackPriorities
	}
	for _, p := range options {
		if strings.EqualFold(p.Name, raw) {
			return p.Name, true
		}
	}
	return "", false
}

func parseDueDate(raw string) (*time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, false
	}
	return &t, true
}

func knownOperator(id int64, operators []sibol.Operator) bool {
	for _, op := range operators {
		if op.AccountID == id {
			return true
		}
	}
	return false
}
