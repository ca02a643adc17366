package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/repo"
)

// RequestCreateOptions are parameters for filing a modification request.
type RequestCreateOptions struct {
	ProjectID               string
	FeedbackIDs             []string
	Description             string
	Urgency                 string
	Notes                   string
	EstimatedCompletionDate string
	ActorID                 string
}

// CreateModificationRequest files a request. The request number and the
// additional-cost decision are taken under the project lock; a request
// inside the budget consumes one unit immediately.
func (e Engine) CreateModificationRequest(ctx context.Context, opts RequestCreateOptions) (domain.ModificationRequest, error) {
	if opts.ProjectID == "" {
		return domain.ModificationRequest{}, ValidationError{Field: "project_id", Reason: "required"}
	}
	urgency, err := normalizeUrgency(opts.Urgency)
	if err != nil {
		return domain.ModificationRequest{}, err
	}
	feedback := dedupe(opts.FeedbackIDs)
	if len(feedback) == 0 && strings.TrimSpace(opts.Description) == "" {
		return domain.ModificationRequest{}, ValidationError{Field: "feedback_ids", Reason: "at least one feedback item or a description is required"}
	}

	cfg := e.projectConfig(ctx, opts.ProjectID)

	var m domain.ModificationRequest
	err = e.mutate(ctx, opts.ProjectID, func(tx *sql.Tx, out *outbox) error {
		p, err := e.Repo.GetProject(ctx, tx, opts.ProjectID)
		if err != nil {
			return notFound("project", opts.ProjectID, err)
		}
		for _, fb := range feedback {
			item, err := e.Repo.GetSurfaceItem(ctx, tx, fb)
			if err != nil {
				return notFound("feedback", fb, err)
			}
			if item.ProjectID != p.ID {
				return ValidationError{Field: "feedback_ids", Reason: fmt.Sprintf("%s belongs to another project", fb)}
			}
		}
		number, err := e.Repo.NextRequestNumber(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		quote := quoteFor(p, cfg, urgency)
		now := e.stamp()
		m = domain.ModificationRequest{
			ID:                      uuid.NewString(),
			ProjectID:               p.ID,
			RequestNumber:           number,
			FeedbackIDs:             feedback,
			Description:             strings.TrimSpace(opts.Description),
			Status:                  domain.StatusPending,
			Urgency:                 urgency,
			IsAdditionalCost:        quote.IsAdditionalCost,
			AdditionalCostAmount:    quote.Amount,
			RequestedBy:             actorOr(opts.ActorID),
			RequestedAt:             now,
			EstimatedCompletionDate: optionalString(opts.EstimatedCompletionDate),
			Notes:                   opts.Notes,
			UpdatedAt:               now,
			ClarificationRequests:   []domain.ClarificationRequest{},
		}
		if err := e.Repo.InsertRequest(ctx, tx, m); err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		payload := events.EventPayload{
			"request_number":     m.RequestNumber,
			"urgency":            m.Urgency,
			"is_additional_cost": m.IsAdditionalCost,
		}
		if m.AdditionalCostAmount != nil {
			payload["additional_cost_amount"] = *m.AdditionalCostAmount
		}
		if err := e.Events.Append(ctx, tx, events.RequestSubmitted, p.ID, "request", m.ID, opts.ActorID, payload); err != nil {
			return err
		}
		out.notify(events.RequestSubmitted, "request", m.ID, opts.ActorID, payload, designerSide(p)...)
		out.transition("request", m.Status)
		if !m.IsAdditionalCost {
			if _, err := e.applyLedger(ctx, tx, out, p, ledgerDeduct, "request", m.ID, opts.ActorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.ModificationRequest{}, err
	}
	e.Log.Info().Str("project_id", m.ProjectID).Str("request_id", m.ID).Int("number", m.RequestNumber).
		Bool("additional_cost", m.IsAdditionalCost).Msg("modification request submitted")
	return m, nil
}

// GetModificationRequest loads a request with its clarifications and work
// progress.
func (e Engine) GetModificationRequest(ctx context.Context, id string) (domain.ModificationRequest, error) {
	m, err := e.Repo.GetRequest(ctx, nil, id)
	if err != nil {
		return m, notFound("request", id, err)
	}
	return e.hydrate(ctx, nil, m)
}

func (e Engine) hydrate(ctx context.Context, tx *sql.Tx, m domain.ModificationRequest) (domain.ModificationRequest, error) {
	clarifications, err := e.Repo.ListClarifications(ctx, tx, m.ID)
	if err != nil {
		return m, err
	}
	m.ClarificationRequests = clarifications
	wp, err := e.loadWorkProgress(ctx, tx, m.ID)
	switch {
	case err == nil:
		m.WorkProgress = &wp
	case errors.Is(err, repo.ErrNotFound):
	default:
		return m, err
	}
	return m, nil
}

func (e Engine) ListModificationRequests(ctx context.Context, projectID, status string) ([]domain.ModificationRequest, error) {
	if status != "" && !validRequestStatus(status) {
		return nil, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListRequests(ctx, nil, repo.RequestFilters{ProjectID: projectID, Status: status})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.ModificationRequest{}
	}
	return items, nil
}

// withRequest resolves the owning project of a request, then runs fn under
// that project's lock with the request re-read inside the transaction.
func (e Engine) withRequest(ctx context.Context, requestID string, fn func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest) error) error {
	head, err := e.Repo.GetRequest(ctx, nil, requestID)
	if err != nil {
		return notFound("request", requestID, err)
	}
	return e.mutate(ctx, head.ProjectID, func(tx *sql.Tx, out *outbox) error {
		m, err := e.Repo.GetRequest(ctx, tx, requestID)
		if err != nil {
			return notFound("request", requestID, err)
		}
		p, err := e.Repo.GetProject(ctx, tx, m.ProjectID)
		if err != nil {
			return notFound("project", m.ProjectID, err)
		}
		return fn(tx, out, p, m)
	})
}

// Approve moves a pending request to approved. Open clarifications block it.
func (e Engine) Approve(ctx context.Context, requestID, actorID string) (domain.ModificationRequest, error) {
	var res domain.ModificationRequest
	err := e.withRequest(ctx, requestID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest) error {
		if m.Status != domain.StatusPending && m.Status != domain.StatusClarificationNeeded {
			return InvalidStateError{Entity: "request", ID: m.ID, Status: m.Status, Action: "approve"}
		}
		clarifications, err := e.Repo.ListClarifications(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if open := unresolved(clarifications); open > 0 {
			return ClarificationPendingError{RequestID: m.ID, Unresolved: open}
		}
		if m.Status != domain.StatusPending {
			return InvalidStateError{Entity: "request", ID: m.ID, Status: m.Status, Action: "approve", Reason: "reconcile clarifications first"}
		}
		now := e.stamp()
		by := actorOr(actorID)
		m.Status = domain.StatusApproved
		m.ApprovedBy = &by
		m.ApprovedAt = &now
		m.UpdatedAt = now
		if err := e.Repo.UpdateRequest(ctx, tx, m); err != nil {
			return err
		}
		payload := events.EventPayload{"request_number": m.RequestNumber}
		if err := e.Events.Append(ctx, tx, events.RequestApproved, p.ID, "request", m.ID, actorID, payload); err != nil {
			return err
		}
		out.notify(events.RequestApproved, "request", m.ID, actorID, payload, clientSide(p, &m)...)
		out.transition("request", m.Status)
		m.ClarificationRequests = clarifications
		res = m
		return nil
	})
	return res, err
}

// Reject closes a pending request. A request inside the budget gives its
// unit back.
func (e Engine) Reject(ctx context.Context, requestID, reason, actorID string) (domain.ModificationRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.ModificationRequest{}, ValidationError{Field: "reason", Reason: "required"}
	}
	var res domain.ModificationRequest
	err := e.withRequest(ctx, requestID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest) error {
		if m.Status != domain.StatusPending {
			return InvalidStateError{Entity: "request", ID: m.ID, Status: m.Status, Action: "reject"}
		}
		now := e.stamp()
		m.Status = domain.StatusRejected
		m.RejectedAt = &now
		m.RejectionReason = &reason
		m.UpdatedAt = now
		if err := e.Repo.UpdateRequest(ctx, tx, m); err != nil {
			return err
		}
		payload := events.EventPayload{"request_number": m.RequestNumber, "reason": reason}
		if err := e.Events.Append(ctx, tx, events.RequestRejected, p.ID, "request", m.ID, actorID, payload); err != nil {
			return err
		}
		out.notify(events.RequestRejected, "request", m.ID, actorID, payload, clientSide(p, &m)...)
		out.transition("request", m.Status)
		if !m.IsAdditionalCost {
			if _, err := e.applyLedger(ctx, tx, out, p, ledgerRestore, "request", m.ID, actorID); err != nil {
				return err
			}
		}
		res = m
		return nil
	})
	return res, err
}

// Complete closes an approved or in-progress request by hand.
func (e Engine) Complete(ctx context.Context, requestID, actorID string) (domain.ModificationRequest, error) {
	var res domain.ModificationRequest
	err := e.withRequest(ctx, requestID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest) error {
		done, err := e.completeTx(ctx, tx, out, p, m, actorID, false)
		res = done
		return err
	})
	return res, err
}

// completeTx is the single completion path, shared by manual completion and
// the cascade from a finished checklist.
func (e Engine) completeTx(ctx context.Context, tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest, actorID string, cascaded bool) (domain.ModificationRequest, error) {
	if m.Status != domain.StatusApproved && m.Status != domain.StatusInProgress {
		return m, InvalidStateError{Entity: "request", ID: m.ID, Status: m.Status, Action: "complete"}
	}
	now := e.stamp()
	m.Status = domain.StatusCompleted
	m.CompletedAt = &now
	m.UpdatedAt = now
	if err := e.Repo.UpdateRequest(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Repo.InsertHistory(ctx, tx, domain.HistoryEntry{
		ProjectID:            p.ID,
		RequestID:            m.ID,
		RequestNumber:        m.RequestNumber,
		Urgency:              m.Urgency,
		IsAdditionalCost:     m.IsAdditionalCost,
		AdditionalCostAmount: m.AdditionalCostAmount,
		CompletedBy:          actorOr(actorID),
		CompletedAt:          now,
	}); err != nil {
		return m, fmt.Errorf("append history: %w", err)
	}
	payload := events.EventPayload{"request_number": m.RequestNumber, "cascaded": cascaded}
	if err := e.Events.Append(ctx, tx, events.RequestCompleted, p.ID, "request", m.ID, actorID, payload); err != nil {
		return m, err
	}
	out.notify(events.RequestCompleted, "request", m.ID, actorID, payload, clientSide(p, &m)...)
	out.transition("request", m.Status)
	return m, nil
}

func unresolved(items []domain.ClarificationRequest) int {
	n := 0
	for _, c := range items {
		if c.Status != domain.ClarificationResolved {
			n++
		}
	}
	return n
}

func normalizeUrgency(u string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(u)) {
	case "", domain.UrgencyNormal:
		return domain.UrgencyNormal, nil
	case domain.UrgencyUrgent:
		return domain.UrgencyUrgent, nil
	}
	return "", ValidationError{Field: "urgency", Reason: fmt.Sprintf("must be %s or %s", domain.UrgencyNormal, domain.UrgencyUrgent)}
}

func validRequestStatus(s string) bool {
	switch s {
	case domain.StatusPending, domain.StatusClarificationNeeded, domain.StatusApproved,
		domain.StatusInProgress, domain.StatusCompleted, domain.StatusRejected:
		return true
	}
	return false
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
