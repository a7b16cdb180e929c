// Package timeline merges a ticket's events, remarks and attachments into one feed.
//
// Events become bookmarks. Remarks and attachments become chat items, right-aligned when the
// viewer wrote them. Items nested under an event and the same items fetched from the flat
// collections are emitted once. Build is pure: the same inputs give the same slice.
package timeline

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/workflow"
)

type Kind string

const (
	KindEvent      Kind = "event"
	KindRemark     Kind = "remark"
	KindAttachment Kind = "attachment"
)

type Style string

const (
	StyleBookmark Style = "bookmark"
	StyleChat     Style = "chat"
)

type Align string

const (
	AlignFlush Align = "flush"
	AlignLeft  Align = "left"
	AlignRight Align = "right"
)

type Item struct {
	Key     string    `json:"key"`
	Kind    Kind      `json:"kind"`
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	EventID *int64    `json:"event_id,omitempty"`
	Style   Style     `json:"style"`
	Align   Align     `json:"align"`

	// bookmark fields
	EventType   string `json:"event_type,omitempty"`
	Label       string `json:"label,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`

	// chat fields
	AuthorID   int64           `json:"author_id,omitempty"`
	Author     string          `json:"author,omitempty"`
	Text       string          `json:"text,omitempty"`
	Attachment *AttachmentView `json:"attachment,omitempty"`
}

type AttachmentView struct {
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	IsImage  bool   `json:"is_image"`
}

var eventLabels = map[string]string{
	workflow.EventRequested:       "Ticket requested",
	workflow.EventAccepted:        "Accepted and assigned",
	workflow.EventReassigned:      "Reassigned",
	workflow.EventForVerification: "Marked for verification",
	workflow.EventCancelRequested: "Cancellation requested",
	workflow.EventCancelled:       "Cancelled",
	workflow.EventCompleted:       "Completed",
	workflow.EventDeleted:         "Deleted",
	workflow.EventReopened:        "Cancellation rejected",
}

var kindOrder = map[Kind]int{KindEvent: 0, KindRemark: 1, KindAttachment: 2}

// Build returns the merged feed in ascending time order. viewerID decides chat alignment;
// pass 0 when nobody is signed in.
func Build(events []sibol.Event, remarks []sibol.Remark, attachments []sibol.Attachment, viewerID int64) []Item {
	items := make([]Item, 0, len(events)+len(remarks)+len(attachments))
	seenEvents := make(map[int64]bool, len(events))
	seenRemarks := make(map[int64]bool, len(remarks))
	seenAttachments := make(map[int64]bool, len(attachments))

	for _, ev := range events {
		if ev.EventID != 0 {
			if seenEvents[ev.EventID] {
				continue
			}
			seenEvents[ev.EventID] = true
		}
		items = append(items, bookmark(ev))

		owner := ev.EventID
		for _, r := range ev.Remarks {
			if markSeen(seenRemarks, r.RemarkID) {
				items = append(items, remarkItem(r, &owner, viewerID))
			}
		}
		for _, a := range ev.Attachments {
			if markSeen(seenAttachments, a.AttachmentID) {
				items = append(items, attachmentItem(a, &owner, viewerID))
			}
		}
	}

	for _, r := range remarks {
		if markSeen(seenRemarks, r.RemarkID) {
			items = append(items, remarkItem(r, nil, viewerID))
		}
	}
	for _, a := range attachments {
		if markSeen(seenAttachments, a.AttachmentID) {
			items = append(items, attachmentItem(a, nil, viewerID))
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if kindOrder[a.Kind] != kindOrder[b.Kind] {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		return a.ID < b.ID
	})
	return items
}

// markSeen reports whether id is new. Zero ids cannot be matched and always pass.
func markSeen(seen map[int64]bool, id int64) bool {
	if id == 0 {
		return true
	}
	if seen[id] {
		return false
	}
	seen[id] = true
	return true
}

func bookmark(ev sibol.Event) Item {
	it := Item{
		Key:       "event:" + strconv.FormatInt(ev.EventID, 10),
		Kind:      KindEvent,
		ID:        ev.EventID,
		At:        ev.CreatedAt,
		Style:     StyleBookmark,
		Align:     AlignFlush,
		EventType: ev.EventType,
		Label:     EventLabel(ev.EventType),
		Actor:     ActorDisplay(ev.ActorName, ev.ActorRole),
	}
	switch ev.EventType {
	case workflow.EventCancelRequested:
		it.Reason = ev.Notes
	case workflow.EventReassigned:
		it.Description = reassignmentPhrase(ev)
	}
	return it
}

func remarkItem(r sibol.Remark, owner *int64, viewerID int64) Item {
	return Item{
		Key:      "remark:" + strconv.FormatInt(r.RemarkID, 10),
		Kind:     KindRemark,
		ID:       r.RemarkID,
		At:       r.CreatedAt,
		EventID:  copyID(owner),
		Style:    StyleChat,
		Align:    chatAlign(r.CreatedBy, viewerID),
		AuthorID: r.CreatedBy,
		Author:   ActorDisplay(r.CreatedByName, r.CreatedByRole),
		Text:     r.RemarkText,
	}
}

func attachmentItem(a sibol.Attachment, owner *int64, viewerID int64) Item {
	return Item{
		Key:      "attachment:" + strconv.FormatInt(a.AttachmentID, 10),
		Kind:     KindAttachment,
		ID:       a.AttachmentID,
		At:       a.UploadedAt,
		EventID:  copyID(owner),
		Style:    StyleChat,
		Align:    chatAlign(a.UploadedBy, viewerID),
		AuthorID: a.UploadedBy,
		Author:   ActorDisplay(a.UploaderName, ""),
		Attachment: &AttachmentView{
			FilePath: a.FilePath,
			FileName: a.FileName,
			FileType: a.FileType,
			FileSize: a.FileSize,
			IsImage:  a.IsImage(),
		},
	}
}

func chatAlign(authorID int64, viewerID int64) Align {
	if viewerID != 0 && authorID == viewerID {
		return AlignRight
	}
	return AlignLeft
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// ActorDisplay renders "name (role)" with the "_staff" suffix dropped from the role.
func ActorDisplay(name string, role string) string {
	name = strings.TrimSpace(name)
	role = strings.TrimSpace(strings.ReplaceAll(role, "_staff", ""))
	switch {
	case name == "" && role == "":
		return "Unknown user"
	case name == "":
		return "(" + role + ")"
	case role == "":
		return name
	}
	return name + " (" + role + ")"
}

func EventLabel(eventType string) string {
	if label, ok := eventLabels[eventType]; ok {
		return label
	}
	return eventType
}

func reassignmentPhrase(ev sibol.Event) string {
	by := strings.TrimSpace(ev.ActorName)
	if by == "" {
		by = "Unknown user"
	}
	if ev.ReassignedTo == "" {
		return "by " + by
	}
	return "by " + by + " to " + ev.ReassignedTo
}
