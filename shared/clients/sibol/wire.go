package sibol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sibol-maintenance/shared/workflow"
)

// The backend is loose about scalar encodings: ids arrive as numbers or strings, flags as
// booleans or 0/1, and timestamps as dates, SQL datetimes or RFC 3339.

type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("id %q is not an integer", s)
		}
		*f = flexInt64(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	i, err := n.Int64()
	if err != nil {
		fl, ferr := n.Float64()
		if ferr != nil {
			return err
		}
		i = int64(fl)
	}
	*f = flexInt64(i)
	return nil
}

type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(strings.Trim(string(bytes.TrimSpace(b)), `"`)) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

type flexTime struct {
	time.Time
	Valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// null or a non-string: leave unset rather than failing the whole payload
		*f = flexTime{}
		return nil
	}
	t, ok := ParseTime(s)
	*f = flexTime{Time: t, Valid: ok}
	return nil
}

func (f flexTime) ptr() *time.Time {
	if !f.Valid {
		return nil
	}
	t := f.Time
	return &t
}

// ParseTime accepts the timestamp shapes the backend emits. Results are UTC.
func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

type wireTicket struct {
	RequestID      flexInt64  `json:"request_id"`
	Title          string     `json:"title"`
	Details        string     `json:"details"`
	Priority       string     `json:"priority"`
	DueDate        flexTime   `json:"due_date"`
	Status         string     `json:"status"`
	AssignedTo     *flexInt64 `json:"assigned_to"`
	AssignedToName string     `json:"assigned_to_name"`
	CreatedBy      flexInt64  `json:"created_by"`
	CreatedByName  string     `json:"created_by_name"`
	CreatedAt      flexTime   `json:"created_at"`
	UpdatedAt      flexTime   `json:"updated_at"`
	CancelReason   string     `json:"cancel_reason"`
	DeletedReason  string     `json:"deleted_reason"`
	IsDeleted      flexBool   `json:"is_deleted"`
}

func (w wireTicket) normalize() Ticket {
	t := Ticket{
		RequestID:      int64(w.RequestID),
		Title:          strings.TrimSpace(w.Title),
		Details:        w.Details,
		Priority:       strings.TrimSpace(w.Priority),
		DueDate:        w.DueDate.ptr(),
		Status:         workflow.NormalizeStatus(w.Status),
		AssignedToName: strings.TrimSpace(w.AssignedToName),
		CreatedBy:      int64(w.CreatedBy),
		CreatedByName:  strings.TrimSpace(w.CreatedByName),
		CreatedAt:      w.CreatedAt.Time,
		UpdatedAt:      w.UpdatedAt.Time,
		IsDeleted:      bool(w.IsDeleted),
	}
	if w.AssignedTo != nil && *w.AssignedTo != 0 {
		id := int64(*w.AssignedTo)
		t.AssignedTo = &id
	}
	if t.Status == workflow.StatusCancelRequested || t.Status == workflow.StatusCancelled {
		t.CancelReason = strings.TrimSpace(w.CancelReason)
	}
	if t.IsDeleted {
		t.DeletedReason = strings.TrimSpace(w.DeletedReason)
	}
	return t
}

type wireRemark struct {
	RemarkID      flexInt64  `json:"remark_id"`
	RequestID     flexInt64  `json:"request_id"`
	RemarkText    string     `json:"remark_text"`
	CreatedBy     flexInt64  `json:"created_by"`
	CreatedByName string     `json:"created_by_name"`
	CreatedByRole string     `json:"created_by_role"`
	UserRole      string     `json:"user_role"`
	CreatedAt     flexTime   `json:"created_at"`
	EventID       *flexInt64 `json:"event_id"`
}

func (w wireRemark) normalize() Remark {
	role := strings.TrimSpace(w.CreatedByRole)
	if role == "" {
		role = strings.TrimSpace(w.UserRole)
	}
	return Remark{
		RemarkID:      int64(w.RemarkID),
		RequestID:     int64(w.RequestID),
		RemarkText:    w.RemarkText,
		CreatedBy:     int64(w.CreatedBy),
		CreatedByName: strings.TrimSpace(w.CreatedByName),
		CreatedByRole: role,
		CreatedAt:     w.CreatedAt.Time,
		EventID:       optionalID(w.EventID),
	}
}

type wireAttachment struct {
	AttachmentID flexInt64  `json:"attachment_id"`
	RequestID    flexInt64  `json:"request_id"`
	FilePath     string     `json:"filepath"`
	FileName     string     `json:"filename"`
	FileType     string     `json:"filetype"`
	FileSize     flexInt64  `json:"filesize"`
	UploadedBy   flexInt64  `json:"uploaded_by"`
	UploaderName string     `json:"uploader_name"`
	UploadedAt   flexTime   `json:"uploaded_at"`
	EventID      *flexInt64 `json:"event_id"`
}

func (w wireAttachment) normalize() Attachment {
	return Attachment{
		AttachmentID: int64(w.AttachmentID),
		RequestID:    int64(w.RequestID),
		FilePath:     strings.TrimSpace(w.FilePath),
		FileName:     strings.TrimSpace(w.FileName),
		FileType:     strings.TrimSpace(w.FileType),
		FileSize:     int64(w.FileSize),
		UploadedBy:   int64(w.UploadedBy),
		UploaderName: strings.TrimSpace(w.UploaderName),
		UploadedAt:   w.UploadedAt.Time,
		EventID:      optionalID(w.EventID),
	}
}

type wireEvent struct {
	EventID     flexInt64        `json:"event_id"`
	RequestID   flexInt64        `json:"request_id"`
	EventType   string           `json:"event_type"`
	ActorID     flexInt64        `json:"actor_account_id"`
	ActorIDAlt  flexInt64        `json:"actor_id"`
	ActorName   string           `json:"actor_name"`
	ActorRole   string           `json:"actor_role"`
	Notes       string           `json:"notes"`
	CreatedAt   flexTime         `json:"created_at"`
	Remarks     []wireRemark     `json:"remarks"`
	Attachments []wireAttachment `json:"attachments"`

	// The reassignment target has shipped under several names.
	ReassignedToName  string          `json:"reassigned_to_name"`
	NewAssigneeName   string          `json:"new_assignee_name"`
	AssignedToName    string          `json:"assigned_to_name"`
	ToOperatorName    string          `json:"to_operator_name"`
	TargetName        string          `json:"target_name"`
	ReassignedToValue json.RawMessage `json:"reassigned_to"`
}

func (w wireEvent) reassignedTo() string {
	for _, candidate := range []string{w.ReassignedToName, w.NewAssigneeName, w.ToOperatorName, w.TargetName, w.AssignedToName} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	raw := bytes.TrimSpace(w.ReassignedToValue)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if s := strings.TrimSpace(obj.FullName); s != "" {
			return s
		}
		return strings.TrimSpace(obj.Name)
	}
	return ""
}

func (w wireEvent) normalize() Event {
	ev := Event{
		EventID:   int64(w.EventID),
		RequestID: int64(w.RequestID),
		EventType: strings.TrimSpace(w.EventType),
		ActorID:   int64(w.ActorID),
		ActorName: strings.TrimSpace(w.ActorName),
		ActorRole: strings.TrimSpace(w.ActorRole),
		Notes:     strings.TrimSpace(w.Notes),
		CreatedAt: w.CreatedAt.Time,
	}
	if ev.ActorID == 0 {
		ev.ActorID = int64(w.ActorIDAlt)
	}
	if ev.EventType == workflow.EventReassigned {
		ev.ReassignedTo = w.reassignedTo()
	}
	if len(w.Remarks) > 0 {
		ev.Remarks = make([]Remark, 0, len(w.Remarks))
		for _, r := range w.Remarks {
			rm := r.normalize()
			if rm.EventID == nil {
				id := ev.EventID
				rm.EventID = &id
			}
			ev.Remarks = append(ev.Remarks, rm)
		}
	}
	if len(w.Attachments) > 0 {
		ev.Attachments = make([]Attachment, 0, len(w.Attachments))
		for _, a := range w.Attachments {
			at := a.normalize()
			if at.EventID == nil {
				id := ev.EventID
				at.EventID = &id
			}
			ev.Attachments = append(ev.Attachments, at)
		}
	}
	return ev
}

type wirePriority struct {
	ID   flexInt64 `json:"Priority_Id"`
	Name string    `json:"Priority"`
}

type wireOperator struct {
	AccountID flexInt64 `json:"account_id"`
	FullName  string    `json:"full_name"`
	Name      string    `json:"name"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      string    `json:"role"`
}

func (w wireOperator) normalize() Operator {
	name := strings.TrimSpace(w.FullName)
	if name == "" {
		name = strings.TrimSpace(w.Name)
	}
	if name == "" {
		name = strings.TrimSpace(strings.TrimSpace(w.FirstName) + " " + strings.TrimSpace(w.LastName))
	}
	return Operator{AccountID: int64(w.AccountID), Name: name, Role: strings.TrimSpace(w.Role)}
}

func optionalID(v *flexInt64) *int64 {
	if v == nil || *v == 0 {
		return nil
	}
	id := int64(*v)
	return &id
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
