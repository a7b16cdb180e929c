package listview

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sibol-maintenance/api/internal/ticketctl"
	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/httpx"
	"sibol-maintenance/shared/logx"
	"sibol-maintenance/shared/metricsx"
	"sibol-maintenance/shared/workflow"
)

type Tab string

const (
	TabRequested Tab = "requested"
	TabPending   Tab = "pending"
	TabCompleted Tab = "completed"
	TabDeleted   Tab = "deleted"
)

func ParseTab(raw string) (Tab, bool) {
	switch t := Tab(strings.ToLower(strings.TrimSpace(raw))); t {
	case TabRequested, TabPending, TabCompleted, TabDeleted:
		return t, true
	}
	return "", false
}

type Column struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

type tabSpec struct {
	filter  string
	mode    ticketctl.Mode
	columns []Column
}

var (
	colID       = Column{Key: "request_id", Label: "ID"}
	colTitle    = Column{Key: "title", Label: "Title"}
	colPriority = Column{Key: "priority", Label: "Priority"}
	colStatus   = Column{Key: "status", Label: "Status"}
	colDue      = Column{Key: "due_date", Label: "Due date"}
	colCreated  = Column{Key: "created_at", Label: "Requested on"}
	colCreator  = Column{Key: "created_by_name", Label: "Requested by"}
	colAssignee = Column{Key: "assigned_to_name", Label: "Assigned to"}
	colUpdated  = Column{Key: "updated_at", Label: "Closed on"}
	colReason   = Column{Key: "deleted_reason", Label: "Deletion reason"}
)

var tabs = map[Tab]tabSpec{
	TabRequested: {
		filter:  workflow.StatusRequested,
		mode:    ticketctl.ModeAssign,
		columns: []Column{colID, colTitle, colPriority, colCreator, colCreated},
	},
	TabPending: {
		filter:  workflow.PendingStatuses,
		mode:    ticketctl.ModePending,
		columns: []Column{colID, colTitle, colPriority, colStatus, colAssignee, colDue},
	},
	TabCompleted: {
		filter:  workflow.ClosedStatuses,
		mode:    ticketctl.ModeCompleted,
		columns: []Column{colID, colTitle, colStatus, colAssignee, colUpdated},
	},
	TabDeleted: {
		mode:    ticketctl.ModeCompleted,
		columns: []Column{colID, colTitle, colStatus, colReason, colUpdated},
	},
}

type Row struct {
	Ticket   sibol.Ticket   `json:"ticket"`
	OpenMode ticketctl.Mode `json:"open_mode"`
}

type View struct {
	Tab     Tab      `json:"tab"`
	Filter  string   `json:"filter,omitempty"`
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
	Error   string   `json:"error,omitempty"`
}

// Scope narrows a tab to one operator's or one requester's tickets. Ignored on the deleted tab.
type Scope struct {
	AssignedTo *int64
	CreatedBy  *int64
}

type Lister interface {
	ListTickets(ctx context.Context, filter sibol.TicketFilter) ([]sibol.Ticket, error)
	ListDeletedTickets(ctx context.Context) ([]sibol.Ticket, error)
}

type Service struct {
	backend Lister
	log     logx.Logger
}

func NewService(backend Lister, log logx.Logger) *Service {
	return &Service{backend: backend, log: log}
}

// Load fetches one tab. A backend failure is reported inside the view, never as an error.
func (s *Service) Load(ctx context.Context, tab Tab, scope Scope) (View, error) {
	spec, ok := tabs[tab]
	if !ok {
		return View{}, fmt.Errorf("unknown tab %q", tab)
	}
	view := View{Tab: tab, Filter: spec.filter, Columns: spec.columns, Rows: []Row{}}

	var (
		tickets []sibol.Ticket
		err     error
	)
	if tab == TabDeleted {
		tickets, err = s.backend.ListDeletedTickets(ctx)
	} else {
		tickets, err = s.backend.ListTickets(ctx, sibol.TicketFilter{
			Status:     spec.filter,
			AssignedTo: scope.AssignedTo,
			CreatedBy:  scope.CreatedBy,
		})
	}
	if err != nil {
		metricsx.IncRefreshFailure("list_" + string(tab))
		s.log.Warn(ctx, "ticket_list_failed", "could not load tickets",
			slog.String("request_id", httpx.RequestIDFromContext(ctx)),
			slog.String("tab", string(tab)),
			slog.String("error", err.Error()),
		)
		view.Error = "Could not load tickets. Please try again."
		return view, nil
	}

	allowed := statusSet(spec.filter)
	for _, t := range tickets {
		if !keep(tab, t, allowed) {
			continue
		}
		view.Rows = append(view.Rows, Row{Ticket: t, OpenMode: spec.mode})
	}
	return view, nil
}

// keep drops rows the backend should not have returned for the tab. Soft-deleted tickets
// stay visible on the Completed tab, where they open read-only.
func keep(tab Tab, t sibol.Ticket, allowed map[string]bool) bool {
	switch {
	case tab == TabDeleted:
		return t.IsDeleted
	case t.IsDeleted && tab != TabCompleted:
		return false
	}
	return allowed[t.Status]
}

func statusSet(filter string) map[string]bool {
	out := map[string]bool{}
	for _, s := range workflow.SplitStatuses(filter) {
		out[s] = true
	}
	return out
}
