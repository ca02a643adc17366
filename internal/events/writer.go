package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the audit log.
const (
	ProjectCreated         = "project.created"
	ProjectConfigUpdated   = "project.config.updated"
	RequestSubmitted       = "request.submitted"
	RequestApproved        = "request.approved"
	RequestRejected        = "request.rejected"
	RequestCompleted       = "request.completed"
	ClarificationRequested = "clarification.requested"
	ClarificationAnswered  = "clarification.answered"
	ClarificationResolved  = "clarification.resolved"
	ClarificationsCleared  = "clarification.reconciled"
	WorkStarted            = "work.started"
	WorkItemUpdated        = "work.item.updated"
	WorkUpdated            = "work.updated"
	WorkCompleted          = "work.completed"
	LedgerDeducted         = "ledger.deducted"
	LedgerRestored         = "ledger.restored"
	LedgerExhausted        = "ledger.exhausted"
	RevisionAdvanced       = "revision.advanced"
	SurfaceItemAdded       = "surface.item.added"
	SurfaceItemUpdated     = "surface.item.updated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an audit row inside tx so it commits or rolls back with the transition.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
