package engine

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"revline/internal/domain"
	"revline/internal/events"
)

// RequestClarification opens a question against a pending request and
// parks the request in clarification_needed.
func (e Engine) RequestClarification(ctx context.Context, requestID, feedbackID, question, actorID string) (domain.ClarificationRequest, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.ClarificationRequest{}, ValidationError{Field: "question", Reason: "required"}
	}
	feedbackID = strings.TrimSpace(feedbackID)
	var c domain.ClarificationRequest
	err := e.withRequest(ctx, requestID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest) error {
		if m.Status != domain.StatusPending {
			return InvalidStateError{Entity: "request", ID: m.ID, Status: m.Status, Action: "request clarification on"}
		}
		if feedbackID != "" && len(m.FeedbackIDs) > 0 && !slices.Contains(m.FeedbackIDs, feedbackID) {
			return ValidationError{Field: "feedback_id", Reason: fmt.Sprintf("%s is not referenced by request %s", feedbackID, m.ID)}
		}
		now := e.stamp()
		c = domain.ClarificationRequest{
			ID:                    uuid.NewString(),
			ModificationRequestID: m.ID,
			FeedbackID:            feedbackID,
			Question:              question,
			Status:                domain.ClarificationPending,
			RequestedBy:           actorOr(actorID),
			RequestedAt:           now,
		}
		if err := e.Repo.InsertClarification(ctx, tx, c); err != nil {
			return fmt.Errorf("insert clarification: %w", err)
		}
		m.Status = domain.StatusClarificationNeeded
		m.UpdatedAt = now
		if err := e.Repo.UpdateRequest(ctx, tx, m); err != nil {
			return err
		}
		out.transition("request", m.Status)
		payload := events.EventPayload{"request_id": m.ID, "request_number": m.RequestNumber, "question": question}
		if err := e.Events.Append(ctx, tx, events.ClarificationRequested, p.ID, "clarification", c.ID, actorID, payload); err != nil {
			return err
		}
		out.notify(events.ClarificationRequested, "clarification", c.ID, actorID, payload, clientSide(p, &m)...)
		out.transition("clarification", c.Status)
		return nil
	})
	return c, err
}

// withClarification runs fn under the lock of the project owning the
// clarification's request.
func (e Engine) withClarification(ctx context.Context, id string, fn func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest, c domain.ClarificationRequest) error) error {
	head, err := e.Repo.GetClarification(ctx, nil, id)
	if err != nil {
		return notFound("clarification", id, err)
	}
	return e.withRequest(ctx, head.ModificationRequestID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest) error {
		c, err := e.Repo.GetClarification(ctx, tx, id)
		if err != nil {
			return notFound("clarification", id, err)
		}
		return fn(tx, out, p, m, c)
	})
}

// RespondClarification records the answer to a pending clarification.
func (e Engine) RespondClarification(ctx context.Context, clarificationID, response, actorID string) (domain.ClarificationRequest, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return domain.ClarificationRequest{}, ValidationError{Field: "response", Reason: "required"}
	}
	var res domain.ClarificationRequest
	err := e.withClarification(ctx, clarificationID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest, c domain.ClarificationRequest) error {
		if c.Status != domain.ClarificationPending {
			return InvalidStateError{Entity: "clarification", ID: c.ID, Status: c.Status, Action: "respond to"}
		}
		now := e.stamp()
		by := actorOr(actorID)
		c.Status = domain.ClarificationAnswered
		c.Response = &response
		c.AnsweredBy = &by
		c.AnsweredAt = &now
		if err := e.Repo.UpdateClarification(ctx, tx, c); err != nil {
			return err
		}
		payload := events.EventPayload{"request_id": m.ID, "request_number": m.RequestNumber}
		if err := e.Events.Append(ctx, tx, events.ClarificationAnswered, p.ID, "clarification", c.ID, actorID, payload); err != nil {
			return err
		}
		out.notify(events.ClarificationAnswered, "clarification", c.ID, actorID, payload, append(designerSide(p), c.RequestedBy)...)
		out.transition("clarification", c.Status)
		res = c
		return nil
	})
	return res, err
}

// ResolveClarification accepts an answered clarification. The parent request
// is not reopened here; see ReconcileClarifications.
func (e Engine) ResolveClarification(ctx context.Context, clarificationID, actorID string) (domain.ClarificationRequest, error) {
	var res domain.ClarificationRequest
	err := e.withClarification(ctx, clarificationID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest, c domain.ClarificationRequest) error {
		if c.Status != domain.ClarificationAnswered {
			return InvalidStateError{Entity: "clarification", ID: c.ID, Status: c.Status, Action: "resolve"}
		}
		now := e.stamp()
		by := actorOr(actorID)
		c.Status = domain.ClarificationResolved
		c.ResolvedBy = &by
		c.ResolvedAt = &now
		if err := e.Repo.UpdateClarification(ctx, tx, c); err != nil {
			return err
		}
		payload := events.EventPayload{"request_id": m.ID, "request_number": m.RequestNumber}
		if err := e.Events.Append(ctx, tx, events.ClarificationResolved, p.ID, "clarification", c.ID, actorID, payload); err != nil {
			return err
		}
		out.notify(events.ClarificationResolved, "clarification", c.ID, actorID, payload, clientSide(p, &m)...)
		out.transition("clarification", c.Status)
		res = c
		return nil
	})
	return res, err
}

// ReconcileClarifications returns a request in clarification_needed to
// pending once every clarification on it is resolved. It reports whether
// the request was reopened.
func (e Engine) ReconcileClarifications(ctx context.Context, requestID, actorID string) (domain.ModificationRequest, bool, error) {
	var res domain.ModificationRequest
	var reopened bool
	err := e.withRequest(ctx, requestID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest) error {
		clarifications, err := e.Repo.ListClarifications(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		m.ClarificationRequests = clarifications
		res = m
		if m.Status != domain.StatusClarificationNeeded || unresolved(clarifications) > 0 {
			return nil
		}
		m.Status = domain.StatusPending
		m.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateRequest(ctx, tx, m); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.ClarificationsCleared, p.ID, "request", m.ID, actorID, events.EventPayload{
			"request_number": m.RequestNumber,
			"resolved":       len(clarifications),
		}); err != nil {
			return err
		}
		out.transition("request", m.Status)
		reopened = true
		res = m
		return nil
	})
	return res, reopened, err
}
