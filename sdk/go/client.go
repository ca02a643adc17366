package revlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal revline HTTP API client.
type Client struct {
	BaseURL    string
	ProjectID  string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID, actorID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		ActorID:   actorID,
		Timeout:   10 * time.Second,
	}
}

// As returns a copy of the client acting as another user.
func (c *Client) As(actorID string) *Client {
	cp := *c
	cp.ActorID = actorID
	return &cp
}

// Project represents the API project model (partial).
type Project struct {
	ID                         string  `json:"id"`
	Name                       string  `json:"name"`
	ClientID                   string  `json:"client_id"`
	DesignerID                 string  `json:"designer_id"`
	TotalModificationCount     int     `json:"total_modification_count"`
	RemainingModificationCount int     `json:"remaining_modification_count"`
	CurrentRevisionNumber      int     `json:"current_revision_number"`
	AdditionalModificationFee  float64 `json:"additional_modification_fee"`
}

// ModificationRequest represents a client change request (partial).
type ModificationRequest struct {
	ID                    string          `json:"id"`
	ProjectID             string          `json:"project_id"`
	RequestNumber         int             `json:"request_number"`
	Description           string          `json:"description"`
	Status                string          `json:"status"`
	Urgency               string          `json:"urgency"`
	IsAdditionalCost      bool            `json:"is_additional_cost"`
	AdditionalCostAmount  *float64        `json:"additional_cost_amount"`
	RequestedBy           string          `json:"requested_by"`
	RejectionReason       *string         `json:"rejection_reason"`
	ClarificationRequests []Clarification `json:"clarification_requests"`
	WorkProgress          *WorkProgress   `json:"work_progress"`
}

// Clarification is a question on a pending request.
type Clarification struct {
	ID                    string  `json:"id"`
	ModificationRequestID string  `json:"modification_request_id"`
	Question              string  `json:"question"`
	Status                string  `json:"status"`
	Response              *string `json:"response"`
}

// WorkProgress is the checklist of an approved request.
type WorkProgress struct {
	ModificationRequestID string          `json:"modification_request_id"`
	ChecklistItems        []ChecklistItem `json:"checklist_items"`
	OverallProgress       int             `json:"overall_progress"`
	Status                string          `json:"status"`
}

// ChecklistItem is one unit of work.
type ChecklistItem struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Category           string   `json:"category"`
	Priority           string   `json:"priority"`
	Dependencies       []string `json:"dependencies"`
	Status             string   `json:"status"`
	ProgressPercentage int      `json:"progress_percentage"`
}

// ItemInput describes a checklist item to create. Dependencies name other
// items of the same batch by Ref.
type ItemInput struct {
	Ref          string   `json:"ref,omitempty"`
	Title        string   `json:"title"`
	Category     string   `json:"category,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ItemPatch updates one checklist item. Nil fields are left unchanged.
type ItemPatch struct {
	Title              *string `json:"title,omitempty"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	Status             *string `json:"status,omitempty"`
	ProgressPercentage *int    `json:"progress_percentage,omitempty"`
}

// Tracker is the revision budget read model.
type Tracker struct {
	TotalAllowed          int     `json:"total_allowed"`
	Used                  int     `json:"used"`
	InProgress            int     `json:"in_progress"`
	Reserved              int     `json:"reserved"`
	RevisionsConsumed     int     `json:"revisions_consumed"`
	Remaining             int     `json:"remaining"`
	CurrentRevisionNumber int     `json:"current_revision_number"`
	TotalAdditionalCost   float64 `json:"total_additional_cost"`
}

// Quote is the cost decision for a prospective request.
type Quote struct {
	Remaining        int      `json:"remaining"`
	IsAdditionalCost bool     `json:"is_additional_cost"`
	Amount           *float64 `json:"amount"`
}

// SurfaceItem is an entry on the active revision.
type SurfaceItem struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	RevisionNumber   int    `json:"revision_number"`
	Title            string `json:"title"`
	Completed        bool   `json:"completed"`
	IsRevisionHeader bool   `json:"is_revision_header"`
	CommentCount     int    `json:"comment_count"`
}

// RevisionAdvance is the outcome of closing a revision (partial).
type RevisionAdvance struct {
	Archive struct {
		ID             string `json:"id"`
		RevisionNumber int    `json:"revision_number"`
	} `json:"archive"`
	NewHeader SurfaceItem `json:"new_header"`
	Project   Project     `json:"project"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the envelope code of an API error, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Submit creates a modification request on the client's project.
func (c *Client) Submit(ctx context.Context, description, urgency string, feedbackIDs ...string) (ModificationRequest, error) {
	body := map[string]any{"description": description}
	if urgency != "" {
		body["urgency"] = urgency
	}
	if len(feedbackIDs) > 0 {
		body["feedback_ids"] = feedbackIDs
	}
	var resp ModificationRequest
	err := c.do(ctx, http.MethodPost, c.projectPath("requests"), body, &resp)
	return resp, err
}

// Request fetches a modification request with its clarifications and work.
func (c *Client) Request(ctx context.Context, id string) (ModificationRequest, error) {
	var resp ModificationRequest
	err := c.do(ctx, http.MethodGet, requestPath(id, ""), nil, &resp)
	return resp, err
}

// Requests lists the project's requests, optionally filtered by status.
func (c *Client) Requests(ctx context.Context, status string) ([]ModificationRequest, error) {
	endpoint := c.projectPath("requests")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []ModificationRequest
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id string) (ModificationRequest, error) {
	var resp ModificationRequest
	err := c.do(ctx, http.MethodPost, requestPath(id, "approve"), nil, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, id, reason string) (ModificationRequest, error) {
	var resp ModificationRequest
	err := c.do(ctx, http.MethodPost, requestPath(id, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Complete(ctx context.Context, id string) (ModificationRequest, error) {
	var resp ModificationRequest
	err := c.do(ctx, http.MethodPost, requestPath(id, "complete"), nil, &resp)
	return resp, err
}

// Ask opens a clarification on a pending request.
func (c *Client) Ask(ctx context.Context, requestID, question string) (Clarification, error) {
	var resp Clarification
	err := c.do(ctx, http.MethodPost, requestPath(requestID, "clarifications"), map[string]any{"question": question}, &resp)
	return resp, err
}

func (c *Client) Respond(ctx context.Context, clarificationID, response string) (Clarification, error) {
	var resp Clarification
	endpoint := fmt.Sprintf("v0/clarifications/%s/respond", url.PathEscape(clarificationID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"response": response}, &resp)
	return resp, err
}

func (c *Client) Resolve(ctx context.Context, clarificationID string) (Clarification, error) {
	var resp Clarification
	endpoint := fmt.Sprintf("v0/clarifications/%s/resolve", url.PathEscape(clarificationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Reconcile returns the request to pending when every clarification is
// resolved.
func (c *Client) Reconcile(ctx context.Context, requestID string) (ModificationRequest, bool, error) {
	var resp struct {
		Request  ModificationRequest `json:"request"`
		Reopened bool                `json:"reopened"`
	}
	err := c.do(ctx, http.MethodPost, requestPath(requestID, "clarifications/reconcile"), nil, &resp)
	return resp.Request, resp.Reopened, err
}

// StartWork creates the checklist of an approved request.
func (c *Client) StartWork(ctx context.Context, requestID string, items []ItemInput) (WorkProgress, error) {
	var resp WorkProgress
	err := c.do(ctx, http.MethodPost, requestPath(requestID, "work"), map[string]any{"items": items}, &resp)
	return resp, err
}

func (c *Client) UpdateItem(ctx context.Context, requestID, itemID string, patch ItemPatch) (WorkProgress, error) {
	var resp WorkProgress
	endpoint := requestPath(requestID, "work/items/"+url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPatch, endpoint, patch, &resp)
	return resp, err
}

func (c *Client) Tracker(ctx context.Context) (Tracker, error) {
	var resp Tracker
	err := c.do(ctx, http.MethodGet, c.projectPath("tracker"), nil, &resp)
	return resp, err
}

func (c *Client) Quote(ctx context.Context, urgency string) (Quote, error) {
	var resp Quote
	endpoint := c.projectPath("additional-cost")
	if urgency != "" {
		endpoint += "?urgency=" + url.QueryEscape(urgency)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddSurfaceItem posts a markup, feedback or checklist item to the active
// revision.
func (c *Client) AddSurfaceItem(ctx context.Context, kind, title string) (SurfaceItem, error) {
	var resp SurfaceItem
	err := c.do(ctx, http.MethodPost, c.projectPath("surface"), map[string]any{"kind": kind, "title": title}, &resp)
	return resp, err
}

func (c *Client) CompleteSurfaceItem(ctx context.Context, itemID string, completed bool) (SurfaceItem, error) {
	var resp SurfaceItem
	endpoint := fmt.Sprintf("v0/surface/%s/complete", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"completed": completed}, &resp)
	return resp, err
}

func (c *Client) AdvanceRevision(ctx context.Context) (RevisionAdvance, error) {
	var resp RevisionAdvance
	err := c.do(ctx, http.MethodPost, c.projectPath("revisions/advance"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func requestPath(id, action string) string {
	p := "v0/requests/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
