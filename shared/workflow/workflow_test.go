package workflow

import "testing"

func TestCanApply(t *testing.T) {
	if !CanApply(StatusRequested, false, ActionAccept) {
		t.Fatalf("expected Requested -> accept to be allowed")
	}
	if CanApply(StatusCompleted, false, ActionAccept) {
		t.Fatalf("expected Completed -> accept to be blocked")
	}
	if CanApply(StatusOnGoing, true, ActionMarkVerification) {
		t.Fatalf("expected deleted ticket to reject every action")
	}
	if !CanApply(StatusForVerification, false, ActionDelete) {
		t.Fatalf("expected soft delete from a non-terminal status")
	}
}

func TestTerminalStatusesRejectEverything(t *testing.T) {
	cases := []struct {
		status  string
		deleted bool
	}{
		{StatusCompleted, false},
		{StatusCancelled, false},
		{StatusOnGoing, true},
	}
	for _, tc := range cases {
		for _, a := range AllActions() {
			if CanApply(tc.status, tc.deleted, a) {
				t.Fatalf("expected %s (deleted=%v) to reject %s", tc.status, tc.deleted, a)
			}
		}
		if got := AvailableActions(tc.status, tc.deleted); len(got) != 0 {
			t.Fatalf("expected no actions for %s, got %v", tc.status, got)
		}
	}
}

func TestEventTypeForAction(t *testing.T) {
	if ev := EventTypeForAction(StatusCancelRequested, ActionRejectCancel); ev != EventReopened {
		t.Fatalf("expected %s, got %q", EventReopened, ev)
	}
	if to := TargetStatus(StatusCancelRequested, ActionRejectCancel); to != StatusOnGoing {
		t.Fatalf("expected reject-cancel to reopen, got %q", to)
	}
	if ev := EventTypeForAction(StatusOnGoing, ActionDelete); ev != EventDeleted {
		t.Fatalf("expected %s, got %q", EventDeleted, ev)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"ongoing":           StatusOnGoing,
		" On-going ":        StatusOnGoing,
		"for_verification":  StatusForVerification,
		"Cancel Requested":  StatusCancelRequested,
		"canceled":          StatusCancelled,
		"Something Unknown": "Something Unknown",
	}
	for in, want := range cases {
		if got := NormalizeStatus(in); got != want {
			t.Fatalf("NormalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPendingStatusesUnion(t *testing.T) {
	if PendingStatuses != "On-going,For Verification,Cancel Requested" {
		t.Fatalf("unexpected pending filter: %q", PendingStatuses)
	}
	got := SplitStatuses(PendingStatuses)
	if len(got) != 3 {
		t.Fatalf("expected 3 statuses, got %v", got)
	}
}

func TestAvailableActionsOnGoing(t *testing.T) {
	got := AvailableActions(StatusOnGoing, false)
	want := []Action{ActionReassign, ActionMarkVerification, ActionRequestCancel, ActionDelete}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
