package sibol

import (
	"io"
	"strings"
	"time"
)

// Ticket is a maintenance request as the rest of the service sees it: statuses are
// canonical and reasons only appear in the states that allow them.
type Ticket struct {
	RequestID      int64      `json:"request_id"`
	Title          string     `json:"title"`
	Details        string     `json:"details,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	Status         string     `json:"status"`
	AssignedTo     *int64     `json:"assigned_to,omitempty"`
	AssignedToName string     `json:"assigned_to_name,omitempty"`
	CreatedBy      int64      `json:"created_by"`
	CreatedByName  string     `json:"created_by_name,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	DeletedReason  string     `json:"deleted_reason,omitempty"`
	IsDeleted      bool       `json:"is_deleted"`
}

type Event struct {
	EventID      int64        `json:"event_id"`
	RequestID    int64        `json:"request_id"`
	EventType    string       `json:"event_type"`
	ActorID      int64        `json:"actor_id"`
	ActorName    string       `json:"actor_name,omitempty"`
	ActorRole    string       `json:"actor_role,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	ReassignedTo string       `json:"reassigned_to,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	Remarks      []Remark     `json:"remarks,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

type Remark struct {
	RemarkID      int64     `json:"remark_id"`
	RequestID     int64     `json:"request_id"`
	RemarkText    string    `json:"remark_text"`
	CreatedBy     int64     `json:"created_by"`
	CreatedByName string    `json:"created_by_name,omitempty"`
	CreatedByRole string    `json:"created_by_role,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	EventID       *int64    `json:"event_id,omitempty"`
}

type Attachment struct {
	AttachmentID int64     `json:"attachment_id"`
	RequestID    int64     `json:"request_id"`
	FilePath     string    `json:"file_path"`
	FileName     string    `json:"file_name"`
	FileType     string    `json:"file_type,omitempty"`
	FileSize     int64     `json:"file_size,omitempty"`
	UploadedBy   int64     `json:"uploaded_by"`
	UploaderName string    `json:"uploader_name,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
	EventID      *int64    `json:"event_id,omitempty"`
}

func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.FileType)), "image/")
}

type Priority struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// FallbackPriorities keeps the create form usable when the priority lookup fails.
var FallbackPriorities = []Priority{
	{ID: 1, Name: "Critical"},
	{ID: 2, Name: "Urgent"},
	{ID: 3, Name: "Mild"},
}

type Operator struct {
	AccountID int64  `json:"account_id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
}

type TicketFilter struct {
	// Status is sent verbatim; a comma-separated value is an OR over statuses.
	Status     string
	AssignedTo *int64
	CreatedBy  *int64
}

type CreateTicketInput struct {
	Title     string
	Details   string
	Priority  string
	DueDate   *time.Time
	CreatedBy int64
}

type AcceptOptions struct {
	Priority string
	DueDate  *time.Time
}

// File is an upload in flight. Reader is consumed exactly once.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

type uploadResult struct {
	FilePath string `json:"filepath"`
	PublicID string `json:"publicId"`
}
