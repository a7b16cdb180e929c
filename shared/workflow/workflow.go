package workflow

import "strings"

const (
	StatusRequested       = "Requested"
	StatusOnGoing         = "On-going"
	StatusForVerification = "For Verification"
	StatusCancelRequested = "Cancel Requested"
	StatusCancelled       = "Cancelled"
	StatusCompleted       = "Completed"
)

const (
	EventRequested       = "Requested"
	EventAccepted        = "Accepted"
	EventReassigned      = "Reassigned"
	EventForVerification = "ForVerification"
	EventCancelRequested = "CancelRequested"
	EventCancelled       = "Cancelled"
	EventCompleted       = "Completed"
	EventDeleted         = "Deleted"
	EventReopened        = "Reopened"
)

// PendingStatuses is sent verbatim as the status filter; the backend reads it as an OR.
const PendingStatuses = StatusOnGoing + "," + StatusForVerification + "," + StatusCancelRequested

const ClosedStatuses = StatusCompleted + "," + StatusCancelled

type Action string

const (
	ActionAccept           Action = "accept"
	ActionReassign         Action = "reassign"
	ActionMarkVerification Action = "mark-for-verification"
	ActionVerifyCompletion Action = "verify-completion"
	ActionRequestCancel    Action = "request-cancel"
	ActionConfirmCancel    Action = "confirm-cancel"
	ActionRejectCancel     Action = "reject-cancel"
	ActionDelete           Action = "delete"
)

type transition struct {
	to    string
	event string
}

var ticketTransitions = map[string]map[Action]transition{
	StatusRequested: {
		ActionAccept: {to: StatusOnGoing, event: EventAccepted},
	},
	StatusOnGoing: {
		ActionReassign:         {to: StatusOnGoing, event: EventReassigned},
		ActionMarkVerification: {to: StatusForVerification, event: EventForVerification},
		ActionRequestCancel:    {to: StatusCancelRequested, event: EventCancelRequested},
	},
	StatusForVerification: {
		ActionVerifyCompletion: {to: StatusCompleted, event: EventCompleted},
	},
	StatusCancelRequested: {
		ActionConfirmCancel: {to: StatusCancelled, event: EventCancelled},
		ActionRejectCancel:  {to: StatusOnGoing, event: EventReopened},
	},
}

// NormalizeStatus maps loose spellings ("ongoing", "for_verification") onto the canonical set.
// Unknown values are returned trimmed but otherwise untouched.
func NormalizeStatus(status string) string {
	trimmed := strings.TrimSpace(status)
	key := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(trimmed))
	switch key {
	case "requested":
		return StatusRequested
	case "ongoing", "accepted", "inprogress":
		return StatusOnGoing
	case "forverification":
		return StatusForVerification
	case "cancelrequested":
		return StatusCancelRequested
	case "cancelled", "canceled":
		return StatusCancelled
	case "completed", "done":
		return StatusCompleted
	}
	return trimmed
}

func IsTerminal(status string, deleted bool) bool {
	if deleted {
		return true
	}
	switch NormalizeStatus(status) {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CanApply reports whether action is legal from status. Soft delete is allowed from every
// non-terminal status.
func CanApply(status string, deleted bool, action Action) bool {
	if IsTerminal(status, deleted) {
		return false
	}
	if action == ActionDelete {
		return true
	}
	_, ok := ticketTransitions[NormalizeStatus(status)][action]
	return ok
}

func TargetStatus(status string, action Action) string {
	if action == ActionDelete {
		return NormalizeStatus(status)
	}
	return ticketTransitions[NormalizeStatus(status)][action].to
}

func EventTypeForAction(status string, action Action) string {
	if action == ActionDelete {
		return EventDeleted
	}
	return ticketTransitions[NormalizeStatus(status)][action].event
}

// AvailableActions lists the actions legal from status in a stable order.
func AvailableActions(status string, deleted bool) []Action {
	if IsTerminal(status, deleted) {
		return nil
	}
	out := make([]Action, 0, 4)
	for _, a := range AllActions() {
		if CanApply(status, deleted, a) {
			out = append(out, a)
		}
	}
	return out
}

func ParseAction(raw string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllActions() {
		if a == known {
			return a, true
		}
	}
	return "", false
}

func AllActions() []Action {
	return []Action{
		ActionAccept,
		ActionReassign,
		ActionMarkVerification,
		ActionVerifyCompletion,
		ActionRequestCancel,
		ActionConfirmCancel,
		ActionRejectCancel,
		ActionDelete,
	}
}

func AllStatuses() []string {
	return []string{
		StatusRequested,
		StatusOnGoing,
		StatusForVerification,
		StatusCancelRequested,
		StatusCancelled,
		StatusCompleted,
	}
}

// SplitStatuses expands a comma-separated filter into canonical statuses.
func SplitStatuses(filter string) []string {
	parts := strings.Split(filter, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, NormalizeStatus(p))
	}
	return out
}
