package server

import (
	"encoding/json"

	"revline/internal/domain"
	"revline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID                        string   `json:"id,omitempty"`
	Name                      string   `json:"name,omitempty"`
	Description               string   `json:"description,omitempty"`
	ClientID                  string   `json:"client_id,omitempty"`
	DesignerID                string   `json:"designer_id,omitempty"`
	TotalModificationCount    *int     `json:"total_modification_count,omitempty" minimum:"0"`
	AdditionalModificationFee *float64 `json:"additional_modification_fee,omitempty" minimum:"0"`
}

type CreateModificationRequest struct {
	FeedbackIDs             []string `json:"feedback_ids,omitempty"`
	Description             string   `json:"description,omitempty"`
	Urgency                 string   `json:"urgency,omitempty" enum:"normal,urgent"`
	Notes                   string   `json:"notes,omitempty"`
	EstimatedCompletionDate string   `json:"estimated_completion_date,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type AskClarificationRequest struct {
	FeedbackID string `json:"feedback_id,omitempty"`
	Question   string `json:"question"`
}

type RespondClarificationRequest struct {
	Response string `json:"response"`
}

type CreateWorkProgressRequest struct {
	Items               []engine.ChecklistItemInput `json:"items"`
	EstimatedCompletion string                      `json:"estimated_completion,omitempty"`
}

type AddSurfaceItemRequest struct {
	Kind         string `json:"kind" enum:"markup,markup_feedback,feedback,checklist"`
	Title        string `json:"title"`
	Content      string `json:"content,omitempty"`
	CommentCount int    `json:"comment_count,omitempty" minimum:"0"`
}

type CompleteSurfaceItemRequest struct {
	Completed *bool `json:"completed,omitempty"`
}

// Response payloads

type ReconcileResponse struct {
	Request  domain.ModificationRequest `json:"request"`
	Reopened bool                       `json:"reopened"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
