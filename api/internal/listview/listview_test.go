package listview

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sibol-maintenance/api/internal/ticketctl"
	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/logx"
	"sibol-maintenance/shared/workflow"
)

type fakeLister struct {
	filters []sibol.TicketFilter
	tickets []sibol.Ticket
	deleted []sibol.Ticket
	err     error
}

func (f *fakeLister) ListTickets(_ context.Context, filter sibol.TicketFilter) ([]sibol.Ticket, error) {
	f.filters = append(f.filters, filter)
	return f.tickets, f.err
}

func (f *fakeLister) ListDeletedTickets(context.Context) ([]sibol.Ticket, error) {
	return f.deleted, f.err
}

func TestPendingTabSendsUnionVerbatim(t *testing.T) {
	b := &fakeLister{tickets: []sibol.Ticket{
		{RequestID: 1, Status: workflow.StatusOnGoing},
		{RequestID: 2, Status: workflow.StatusCancelRequested},
		{RequestID: 3, Status: workflow.StatusCompleted},
		{RequestID: 4, Status: workflow.StatusForVerification, IsDeleted: true},
	}}
	svc := NewService(b, logx.Nop())

	view, err := svc.Load(context.Background(), TabPending, Scope{})
	require.NoError(t, err)
	require.Len(t, b.filters, 1)
	assert.Equal(t, "On-going,For Verification,Cancel Requested", b.filters[0].Status)

	ids := []int64{}
	for _, r := range view.Rows {
		ids = append(ids, r.Ticket.RequestID)
		assert.Equal(t, ticketctl.ModePending, r.OpenMode)
	}
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestTabsMapToModes(t *testing.T) {
	cases := []struct {
		tab    Tab
		filter string
		mode   ticketctl.Mode
	}{
		{TabRequested, "Requested", ticketctl.ModeAssign},
		{TabCompleted, "Completed,Cancelled", ticketctl.ModeCompleted},
	}
	for _, tc := range cases {
		t.Run(string(tc.tab), func(t *testing.T) {
			b := &fakeLister{tickets: []sibol.Ticket{{RequestID: 1, Status: workflow.SplitStatuses(tc.filter)[0]}}}
			view, err := NewService(b, logx.Nop()).Load(context.Background(), tc.tab, Scope{})
			require.NoError(t, err)
			assert.Equal(t, tc.filter, b.filters[0].Status)
			require.Len(t, view.Rows, 1)
			assert.Equal(t, tc.mode, view.Rows[0].OpenMode)
			assert.NotEmpty(t, view.Columns)
		})
	}
}

func TestDeletedTabUsesDeletedEndpoint(t *testing.T) {
	b := &fakeLister{deleted: []sibol.Ticket{{RequestID: 8, Status: workflow.StatusRequested, IsDeleted: true, DeletedReason: "spam"}}}
	view, err := NewService(b, logx.Nop()).Load(context.Background(), TabDeleted, Scope{})
	require.NoError(t, err)
	assert.Empty(t, b.filters)
	require.Len(t, view.Rows, 1)
	assert.Equal(t, ticketctl.ModeCompleted, view.Rows[0].OpenMode)
	assert.Equal(t, "spam", view.Rows[0].Ticket.DeletedReason)
}

func TestCompletedTabKeepsDeletedRows(t *testing.T) {
	b := &fakeLister{tickets: []sibol.Ticket{
		{RequestID: 1, Status: workflow.StatusCompleted},
		{RequestID: 2, Status: workflow.StatusCompleted, IsDeleted: true, DeletedReason: "dup"},
		{RequestID: 3, Status: workflow.StatusOnGoing, IsDeleted: true},
	}}
	view, err := NewService(b, logx.Nop()).Load(context.Background(), TabCompleted, Scope{})
	require.NoError(t, err)

	require.Len(t, view.Rows, 2)
	assert.Equal(t, int64(1), view.Rows[0].Ticket.RequestID)
	assert.Equal(t, int64(2), view.Rows[1].Ticket.RequestID)
	assert.True(t, view.Rows[1].Ticket.IsDeleted)
	assert.Equal(t, ticketctl.ModeCompleted, view.Rows[1].OpenMode)
}

func TestFailedFetchYieldsEmptyRowsAndMessage(t *testing.T) {
	b := &fakeLister{err: errors.New("connection refused")}
	view, err := NewService(b, logx.Nop()).Load(context.Background(), TabRequested, Scope{})
	require.NoError(t, err)
	assert.Empty(t, view.Rows)
	assert.NotNil(t, view.Rows)
	assert.NotEmpty(t, view.Error)
}

func TestScopeAndUnknownTab(t *testing.T) {
	b := &fakeLister{}
	op := int64(12)
	_, err := NewService(b, logx.Nop()).Load(context.Background(), TabPending, Scope{AssignedTo: &op})
	require.NoError(t, err)
	require.NotNil(t, b.filters[0].AssignedTo)
	assert.Equal(t, int64(12), *b.filters[0].AssignedTo)

	_, err = NewService(b, logx.Nop()).Load(context.Background(), Tab("archived"), Scope{})
	assert.Error(t, err)
	_, ok := ParseTab(" Deleted ")
	assert.True(t, ok)
}
