package domain

// Request statuses.
const (
	StatusPending             = "pending"
	StatusClarificationNeeded = "clarification_needed"
	StatusApproved            = "approved"
	StatusInProgress          = "in_progress"
	StatusCompleted           = "completed"
	StatusRejected            = "rejected"
)

// Clarification statuses.
const (
	ClarificationPending  = "pending"
	ClarificationAnswered = "answered"
	ClarificationResolved = "resolved"
)

// Work progress and checklist item statuses.
const (
	WorkNotStarted = "not_started"
	WorkInProgress = "in_progress"
	WorkCompleted  = "completed"

	ItemPending    = "pending"
	ItemInProgress = "in_progress"
	ItemCompleted  = "completed"
)

const (
	UrgencyNormal = "normal"
	UrgencyUrgent = "urgent"
)

// Surface item kinds.
const (
	SurfaceMarkup         = "markup"
	SurfaceMarkupFeedback = "markup_feedback"
	SurfaceFeedback       = "feedback"
	SurfaceChecklist      = "checklist"
)

type Project struct {
	ID                         string  `json:"id"`
	Name                       string  `json:"name"`
	Description                string  `json:"description,omitempty"`
	Status                     string  `json:"status"`
	ClientID                   string  `json:"client_id,omitempty"`
	DesignerID                 string  `json:"designer_id,omitempty"`
	TotalModificationCount     int     `json:"total_modification_count"`
	RemainingModificationCount int     `json:"remaining_modification_count"`
	CurrentRevisionNumber      int     `json:"current_revision_number"`
	AdditionalModificationFee  float64 `json:"additional_modification_fee"`
	Version                    int64   `json:"version"`
	CreatedAt                  string  `json:"created_at" format:"date-time"`
	UpdatedAt                  string  `json:"updated_at" format:"date-time"`
}

type ModificationRequest struct {
	ID                      string                 `json:"id"`
	ProjectID               string                 `json:"project_id"`
	RequestNumber           int                    `json:"request_number"`
	FeedbackIDs             []string               `json:"feedback_ids"`
	Description             string                 `json:"description,omitempty"`
	Status                  string                 `json:"status" enum:"pending,clarification_needed,approved,in_progress,completed,rejected"`
	Urgency                 string                 `json:"urgency" enum:"normal,urgent"`
	IsAdditionalCost        bool                   `json:"is_additional_cost"`
	AdditionalCostAmount    *float64               `json:"additional_cost_amount,omitempty"`
	RequestedBy             string                 `json:"requested_by"`
	RequestedAt             string                 `json:"requested_at" format:"date-time"`
	ApprovedBy              *string                `json:"approved_by,omitempty"`
	ApprovedAt              *string                `json:"approved_at,omitempty" format:"date-time"`
	RejectedAt              *string                `json:"rejected_at,omitempty" format:"date-time"`
	RejectionReason         *string                `json:"rejection_reason,omitempty"`
	CompletedAt             *string                `json:"completed_at,omitempty" format:"date-time"`
	EstimatedCompletionDate *string                `json:"estimated_completion_date,omitempty"`
	Notes                   string                 `json:"notes,omitempty"`
	UpdatedAt               string                 `json:"updated_at" format:"date-time"`
	ClarificationRequests   []ClarificationRequest `json:"clarification_requests"`
	WorkProgress            *WorkProgress          `json:"work_progress,omitempty"`
}

// Terminal reports whether no further transition is allowed.
func (m ModificationRequest) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusRejected
}

type ClarificationRequest struct {
	ID                    string  `json:"id"`
	ModificationRequestID string  `json:"modification_request_id"`
	FeedbackID            string  `json:"feedback_id,omitempty"`
	Question              string  `json:"question"`
	Status                string  `json:"status" enum:"pending,answered,resolved"`
	RequestedBy           string  `json:"requested_by"`
	RequestedAt           string  `json:"requested_at" format:"date-time"`
	Response              *string `json:"response,omitempty"`
	AnsweredBy            *string `json:"answered_by,omitempty"`
	AnsweredAt            *string `json:"answered_at,omitempty" format:"date-time"`
	ResolvedBy            *string `json:"resolved_by,omitempty"`
	ResolvedAt            *string `json:"resolved_at,omitempty" format:"date-time"`
}

// WorkProgress is the execution tracker of one approved request.
// OverallProgress and Status are derived from ChecklistItems.
type WorkProgress struct {
	ModificationRequestID string              `json:"modification_request_id"`
	ChecklistItems        []WorkChecklistItem `json:"checklist_items"`
	OverallProgress       int                 `json:"overall_progress"`
	EstimatedCompletion   *string             `json:"estimated_completion,omitempty"`
	Status                string              `json:"status" enum:"not_started,in_progress,completed"`
	CreatedAt             string              `json:"created_at" format:"date-time"`
	LastUpdated           string              `json:"last_updated" format:"date-time"`
}

type WorkChecklistItem struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	Description        string           `json:"description,omitempty"`
	Category           string           `json:"category" enum:"design,development,review,delivery,other"`
	Priority           string           `json:"priority" enum:"low,medium,high,critical"`
	EstimatedHours     float64          `json:"estimated_hours"`
	AssignedTo         *string          `json:"assigned_to,omitempty"`
	Dependencies       []string         `json:"dependencies"`
	Status             string           `json:"status" enum:"pending,in_progress,completed"`
	ProgressPercentage int              `json:"progress_percentage"`
	StartedAt          *string          `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string          `json:"completed_at,omitempty" format:"date-time"`
	Attachments        []WorkAttachment `json:"attachments"`
	UpdatedAt          string           `json:"updated_at" format:"date-time"`
}

type WorkAttachment struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	MimeType   string `json:"mime_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	UploadedBy string `json:"uploaded_by,omitempty"`
	UploadedAt string `json:"uploaded_at,omitempty" format:"date-time"`
}

// ModificationTracker is the budget read model of one project.
type ModificationTracker struct {
	ProjectID             string                `json:"project_id"`
	TotalAllowed          int                   `json:"total_allowed"`
	Used                  int                   `json:"used"`
	InProgress            int                   `json:"in_progress"`
	Reserved              int                   `json:"reserved"`
	RevisionsConsumed     int                   `json:"revisions_consumed"`
	Remaining             int                   `json:"remaining"`
	CurrentRevisionNumber int                   `json:"current_revision_number"`
	AdditionalRequests    []ModificationRequest `json:"additional_requests"`
	TotalAdditionalCost   float64               `json:"total_additional_cost"`
	StatusCounts          map[string]int        `json:"status_counts"`
}

// Balanced reports whether the budget conservation equation holds.
func (t ModificationTracker) Balanced() bool {
	return t.Used+t.InProgress+t.Reserved+t.RevisionsConsumed+t.Remaining == t.TotalAllowed
}

// AdditionalCostQuote is the outcome of an additional-cost decision.
type AdditionalCostQuote struct {
	ProjectID        string   `json:"project_id"`
	Urgency          string   `json:"urgency"`
	Remaining        int      `json:"remaining"`
	IsAdditionalCost bool     `json:"is_additional_cost"`
	Amount           *float64 `json:"amount,omitempty"`
}

// SurfaceItem is one entry on a project's active revision surface.
type SurfaceItem struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Kind             string  `json:"kind" enum:"markup,markup_feedback,feedback,checklist"`
	RevisionNumber   int     `json:"revision_number"`
	Title            string  `json:"title"`
	Content          string  `json:"content,omitempty"`
	AuthorID         string  `json:"author_id,omitempty"`
	Completed        bool    `json:"completed"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	IsRevisionHeader bool    `json:"is_revision_header"`
	CommentCount     int     `json:"comment_count"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	ArchivedAt       *string `json:"archived_at,omitempty" format:"date-time"`
}

// RevisionArchive is the frozen surface of one closed revision.
type RevisionArchive struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"project_id"`
	RevisionNumber int           `json:"revision_number"`
	Markups        []SurfaceItem `json:"markups"`
	MarkupFeedback []SurfaceItem `json:"markup_feedback"`
	Feedback       []SurfaceItem `json:"feedback"`
	ChecklistItems []SurfaceItem `json:"checklist_items"`
	ArchivedBy     string        `json:"archived_by"`
	ArchivedAt     string        `json:"archived_at" format:"date-time"`
}

// RevisionAdvance is returned by a successful revision advance.
type RevisionAdvance struct {
	Archive   RevisionArchive `json:"archive"`
	NewHeader SurfaceItem     `json:"new_header"`
	Project   Project         `json:"project"`
}

// HistoryEntry is the audit record of one completed request.
type HistoryEntry struct {
	ID                   int64    `json:"id"`
	ProjectID            string   `json:"project_id"`
	RequestID            string   `json:"request_id"`
	RequestNumber        int      `json:"request_number"`
	Urgency              string   `json:"urgency"`
	IsAdditionalCost     bool     `json:"is_additional_cost"`
	AdditionalCostAmount *float64 `json:"additional_cost_amount,omitempty"`
	CompletedBy          string   `json:"completed_by"`
	CompletedAt          string   `json:"completed_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
