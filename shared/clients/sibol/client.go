package sibol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"sibol-maintenance/shared/config"
	"sibol-maintenance/shared/metricsx"
	"sibol-maintenance/shared/observability"
)

const (
	maxErrorBody   = 64 << 10
	maxMessageRune = 200
)

// maxResponseBody caps a decoded success body. A var so tests can shrink it.
var maxResponseBody int64 = 16 << 20

type bearerKey struct{}

// WithBearer attaches the acting user's token; every call made with ctx forwards it.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, strings.TrimSpace(token))
}

func bearerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(bearerKey{}).(string); ok {
		return v
	}
	return ""
}

// Client talks to the SIBOL backend's maintenance endpoints. It never retries or caches:
// each method is one request (two for uploads) and every failure is returned to the caller.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.SibolAPIURL == "" {
		return nil, errors.New("SIBOL_API_URL is required")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.SibolAPIURL, "/"),
		http: &http.Client{
			Timeout:   cfg.SibolAPITimeout,
			Transport: observability.Transport(nil),
		},
	}, nil
}

// NewWithHTTPClient is used by tests and by callers that bring their own transport.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func ticketPath(id int64, suffix string) string {
	p := "/api/maintenance/" + strconv.FormatInt(id, 10)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) ListTickets(ctx context.Context, filter TicketFilter) ([]Ticket, error) {
	q := url.Values{}
	if s := strings.TrimSpace(filter.Status); s != "" {
		q.Set("status", s)
	}
	if filter.AssignedTo != nil {
		q.Set("assigned_to", strconv.FormatInt(*filter.AssignedTo, 10))
	}
	if filter.CreatedBy != nil {
		q.Set("created_by", strconv.FormatInt(*filter.CreatedBy, 10))
	}
	var raw []wireTicket
	if err := c.do(ctx, "list_tickets", http.MethodGet, "/api/maintenance", q, nil, &raw); err != nil {
		return nil, err
	}
	return normalizeTickets(raw), nil
}

func (c *Client) ListDeletedTickets(ctx context.Context) ([]Ticket, error) {
	var raw []wireTicket
	if err := c.do(ctx, "list_deleted_tickets", http.MethodGet, "/api/maintenance/deleted", nil, nil, &raw); err != nil {
		return nil, err
	}
	for i := range raw {
		// the endpoint only returns soft-deleted rows even when the flag is omitted
		raw[i].IsDeleted = true
	}
	return normalizeTickets(raw), nil
}

func (c *Client) GetTicket(ctx context.Context, id int64) (Ticket, error) {
	var raw wireTicket
	if err := c.do(ctx, "get_ticket", http.MethodGet, ticketPath(id, ""), nil, nil, &raw); err != nil {
		return Ticket{}, err
	}
	return raw.normalize(), nil
}

func (c *Client) CreateTicket(ctx context.Context, in CreateTicketInput) (Ticket, error) {
	body := map[string]any{
		"title":      strings.TrimSpace(in.Title),
		"created_by": in.CreatedBy,
	}
	if s := strings.TrimSpace(in.Details); s != "" {
		body["details"] = s
	}
	if s := strings.TrimSpace(in.Priority); s != "" {
		body["priority"] = s
	}
	if d := formatDate(in.DueDate); d != "" {
		body["due_date"] = d
	}
	var raw wireTicket
	if err := c.do(ctx, "create_ticket", http.MethodPost, "/api/maintenance", nil, body, &raw); err != nil {
		return Ticket{}, err
	}
	return raw.normalize(), nil
}

// AcceptAndAssign moves a Requested ticket to On-going. On an already assigned ticket the
// backend records a reassignment instead.
func (c *Client) AcceptAndAssign(ctx context.Context, id int64, staffID int64, assignTo *int64, opts AcceptOptions) (Ticket, error) {
	body := map[string]any{
		"staff_account_id": staffID,
		"assign_to":        assignTo,
	}
	if s := strings.TrimSpace(opts.Priority); s != "" {
		body["priority"] = s
	}
	if d := formatDate(opts.DueDate); d != "" {
		body["due_date"] = d
	}
	var raw wireTicket
	if err := c.do(ctx, "accept_ticket", http.MethodPut, ticketPath(id, "accept"), nil, body, &raw); err != nil {
		return Ticket{}, err
	}
	return raw.normalize(), nil
}

func (c *Client) MarkOnGoing(ctx context.Context, id int64, operatorID int64) error {
	return c.do(ctx, "mark_ongoing", http.MethodPut, ticketPath(id, "ongoing"), nil, map[string]any{"operator_account_id": operatorID}, nil)
}

func (c *Client) MarkForVerification(ctx context.Context, id int64, operatorID int64) error {
	return c.do(ctx, "mark_for_verification", http.MethodPut, ticketPath(id, "mark-for-verification"), nil, map[string]any{"operator_account_id": operatorID}, nil)
}

func (c *Client) VerifyCompletion(ctx context.Context, id int64, staffID int64) error {
	return c.do(ctx, "verify_completion", http.MethodPut, ticketPath(id, "verify-completion"), nil, map[string]any{"staff_account_id": staffID}, nil)
}

func (c *Client) RequestCancel(ctx context.Context, id int64, operatorID int64, reason string) error {
	body := map[string]any{
		"operator_account_id": operatorID,
		"reason":              strings.TrimSpace(reason),
	}
	return c.do(ctx, "request_cancel", http.MethodPut, ticketPath(id, "cancel-request"), nil, body, nil)
}

func (c *Client) CancelTicket(ctx context.Context, id int64, actorID int64) error {
	return c.do(ctx, "cancel_ticket", http.MethodPut, ticketPath(id, "cancel"), nil, map[string]any{"actor_account_id": actorID}, nil)
}

// DeleteTicket soft-deletes; the row stays readable through ListDeletedTickets.
func (c *Client) DeleteTicket(ctx context.Context, id int64, actorID int64, reason string) (bool, error) {
	q := url.Values{}
	q.Set("actor_account_id", strconv.FormatInt(actorID, 10))
	if s := strings.TrimSpace(reason); s != "" {
		q.Set("reason", s)
	}
	var out struct {
		Deleted flexBool `json:"deleted"`
	}
	if err := c.do(ctx, "delete_ticket", http.MethodDelete, ticketPath(id, ""), q, nil, &out); err != nil {
		return false, err
	}
	return bool(out.Deleted), nil
}

// GetPriorities returns FallbackPriorities together with the error when the lookup fails,
// so callers can keep the form usable and still log the failure.
func (c *Client) GetPriorities(ctx context.Context) ([]Priority, error) {
	var raw []wirePriority
	if err := c.do(ctx, "get_priorities", http.MethodGet, "/api/maintenance/priorities", nil, nil, &raw); err != nil {
		return append([]Priority(nil), FallbackPriorities...), err
	}
	out := make([]Priority, 0, len(raw))
	for _, p := range raw {
		if name := strings.TrimSpace(p.Name); name != "" {
			out = append(out, Priority{ID: int64(p.ID), Name: name})
		}
	}
	return out, nil
}

func (c *Client) ListOperators(ctx context.Context) ([]Operator, error) {
	var raw []wireOperator
	if err := c.do(ctx, "list_operators", http.MethodGet, "/api/maintenance/operators", nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Operator, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.normalize())
	}
	return out, nil
}

func (c *Client) GetTicketEvents(ctx context.Context, id int64) ([]Event, error) {
	var raw []wireEvent
	if err := c.do(ctx, "get_events", http.MethodGet, ticketPath(id, "events"), nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, e := range raw {
		out = append(out, e.normalize())
	}
	return out, nil
}

func (c *Client) GetTicketRemarks(ctx context.Context, id int64) ([]Remark, error) {
	var raw []wireRemark
	if err := c.do(ctx, "get_remarks", http.MethodGet, ticketPath(id, "remarks"), nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Remark, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.normalize())
	}
	return out, nil
}

func (c *Client) GetTicketAttachments(ctx context.Context, id int64) ([]Attachment, error) {
	var raw []wireAttachment
	if err := c.do(ctx, "get_attachments", http.MethodGet, ticketPath(id, "attachments"), nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Attachment, 0, len(raw))
	for _, a := range raw {
		out = append(out, a.normalize())
	}
	return out, nil
}

func (c *Client) AddRemark(ctx context.Context, id int64, text string, createdBy int64, role string) (Remark, error) {
	body := map[string]any{
		"remark_text": text,
		"created_by":  createdBy,
		"user_role":   role,
	}
	var raw wireRemark
	if err := c.do(ctx, "add_remark", http.MethodPost, ticketPath(id, "remarks"), nil, body, &raw); err != nil {
		return Remark{}, err
	}
	return raw.normalize(), nil
}

// UploadAttachment stores the blob, then registers it against the ticket. A failure in the
// second step comes back as *PartialFailureError; cleaning up the blob is the caller's call.
func (c *Client) UploadAttachment(ctx context.Context, requestID int64, uploadedBy int64, f File) (Attachment, error) {
	if f.Reader == nil {
		return Attachment{}, errors.New("sibol upload: file has no content")
	}
	stored, err := c.uploadFile(ctx, f)
	if err != nil {
		return Attachment{}, err
	}

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	body := map[string]any{
		"uploaded_by": uploadedBy,
		"filepath":    stored.FilePath,
		"filename":    f.Name,
		"filetype":    contentType,
		"filesize":    f.Size,
		"public_id":   stored.PublicID,
	}
	var raw wireAttachment
	if err := c.do(ctx, "register_attachment", http.MethodPost, ticketPath(requestID, "attachments"), nil, body, &raw); err != nil {
		return Attachment{}, &PartialFailureError{
			RequestID: requestID,
			FilePath:  stored.FilePath,
			PublicID:  stored.PublicID,
			Err:       err,
		}
	}
	att := raw.normalize()
	if att.FilePath == "" {
		att.FilePath = stored.FilePath
	}
	if att.RequestID == 0 {
		att.RequestID = requestID
	}
	return att, nil
}

// DeleteUpload removes a stored blob by public id. Used to compensate a PartialFailureError.
func (c *Client) DeleteUpload(ctx context.Context, publicID string) error {
	publicID = strings.TrimSpace(publicID)
	if publicID == "" {
		return errors.New("sibol delete upload: public id is required")
	}
	return c.do(ctx, "delete_upload", http.MethodDelete, "/api/upload/"+url.PathEscape(publicID), nil, nil, nil)
}

func (c *Client) uploadFile(ctx context.Context, f File) (uploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	header.Set("Content-Type", ct)
	part, err := mw.CreatePart(header)
	if err != nil {
		return uploadResult{}, err
	}
	if _, err := io.Copy(part, f.Reader); err != nil {
		return uploadResult{}, fmt.Errorf("sibol upload: read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return uploadResult{}, err
	}

	var out uploadResult
	if err := c.send(ctx, "upload_file", http.MethodPost, "/api/upload", nil, mw.FormDataContentType(), &buf, &out); err != nil {
		return uploadResult{}, err
	}
	if strings.TrimSpace(out.FilePath) == "" {
		return uploadResult{}, &ServerError{Op: "upload_file", StatusCode: http.StatusBadGateway, Message: "upload response has no filepath"}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op string, method string, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, op, method, path, query, contentType, reader, out)
}

func (c *Client) send(ctx context.Context, op string, method string, path string, query url.Values, contentType string, body io.Reader, out any) error {
	if c == nil || c.http == nil {
		return errors.New("sibol client not initialized")
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := bearerFromContext(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metricsx.ObserveBackendCall(op, "network_error", time.Since(start))
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metricsx.ObserveBackendCall(op, "http_"+strconv.Itoa(resp.StatusCode), time.Since(start))
		return &ServerError{Op: op, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	metricsx.ObserveBackendCall(op, "ok", time.Since(start))

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if int64(len(raw)) > maxResponseBody {
		return &ServerError{Op: op, StatusCode: http.StatusBadGateway, Message: "response body too large"}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("sibol %s: decode response: %w", op, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if s := strings.TrimSpace(body.Message); s != "" {
			return s
		}
		if s, ok := body.Error.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return truncateRunes(strings.TrimSpace(string(raw)), maxMessageRune)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func normalizeTickets(raw []wireTicket) []Ticket {
	out := make([]Ticket, 0, len(raw))
	for _, t := range raw {
		out = append(out, t.normalize())
	}
	return out
}
