package engine

import (
	"context"
	"database/sql"
	"fmt"

	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/metrics"
	"revline/internal/repo"
)

// Deduct consumes one unit of the revision budget. It saturates at zero and
// reports exhausted only when the count moves from 1 to 0.
func Deduct(p domain.Project) (domain.Project, bool) {
	if p.RemainingModificationCount <= 0 {
		p.RemainingModificationCount = 0
		return p, false
	}
	p.RemainingModificationCount--
	return p, p.RemainingModificationCount == 0
}

// Restore returns one unit to the budget, capped at the project total.
func Restore(p domain.Project) domain.Project {
	if p.RemainingModificationCount < p.TotalModificationCount {
		p.RemainingModificationCount++
	}
	return p
}

const (
	ledgerDeduct  = "deduct"
	ledgerRestore = "restore"
)

// applyLedger mutates the budget of p inside tx and queues the matching
// ledger notifications. The returned project carries the new version.
func (e Engine) applyLedger(ctx context.Context, tx *sql.Tx, out *outbox, p domain.Project, op, entityKind, entityID, actorID string) (domain.Project, error) {
	before := p.RemainingModificationCount
	var exhausted bool
	switch op {
	case ledgerDeduct:
		p, exhausted = Deduct(p)
	case ledgerRestore:
		p = Restore(p)
	default:
		return p, fmt.Errorf("unknown ledger op %q", op)
	}
	if p.RemainingModificationCount == before {
		return p, nil
	}
	p.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateProjectLedger(ctx, tx, p); err != nil {
		return p, err
	}
	p.Version++

	evt := events.LedgerDeducted
	if op == ledgerRestore {
		evt = events.LedgerRestored
	}
	payload := events.EventPayload{
		"before":    before,
		"remaining": p.RemainingModificationCount,
		"total":     p.TotalModificationCount,
		"cause":     entityKind + ":" + entityID,
	}
	if err := e.Events.Append(ctx, tx, evt, p.ID, "project", p.ID, actorID, payload); err != nil {
		return p, err
	}
	out.notify(evt, "project", p.ID, actorID, payload, p.ClientID)
	if exhausted {
		if err := e.Events.Append(ctx, tx, events.LedgerExhausted, p.ID, "project", p.ID, actorID, nil); err != nil {
			return p, err
		}
		out.notify(events.LedgerExhausted, "project", p.ID, actorID, map[string]any{"total": p.TotalModificationCount}, p.ClientID, p.DesignerID)
	}
	remaining := p.RemainingModificationCount
	projectID := p.ID
	out.metric(func(m *metrics.Metrics) { m.ObserveLedger(op, projectID, remaining) })
	e.Log.Debug().Str("project_id", p.ID).Str("op", op).Int("remaining", remaining).Msg("ledger mutated")
	return p, nil
}

// ComputeTracker derives the budget read model from a project and all of
// its requests. Additional-cost requests stay outside the budget counters.
func ComputeTracker(p domain.Project, requests []domain.ModificationRequest) domain.ModificationTracker {
	t := domain.ModificationTracker{
		ProjectID:             p.ID,
		TotalAllowed:          p.TotalModificationCount,
		Remaining:             p.RemainingModificationCount,
		CurrentRevisionNumber: p.CurrentRevisionNumber,
		RevisionsConsumed:     p.CurrentRevisionNumber - 1,
		AdditionalRequests:    []domain.ModificationRequest{},
		StatusCounts:          map[string]int{},
	}
	if t.RevisionsConsumed < 0 {
		t.RevisionsConsumed = 0
	}
	for _, m := range requests {
		t.StatusCounts[m.Status]++
		if m.IsAdditionalCost {
			t.AdditionalRequests = append(t.AdditionalRequests, m)
			if m.Status == domain.StatusCompleted && m.AdditionalCostAmount != nil {
				t.TotalAdditionalCost += *m.AdditionalCostAmount
			}
			continue
		}
		switch m.Status {
		case domain.StatusCompleted:
			t.Used++
		case domain.StatusApproved, domain.StatusInProgress:
			t.InProgress++
		case domain.StatusPending, domain.StatusClarificationNeeded:
			t.Reserved++
		}
	}
	t.TotalAdditionalCost = roundCents(t.TotalAdditionalCost)
	return t
}

func (e Engine) GetTracker(ctx context.Context, projectID string) (domain.ModificationTracker, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ModificationTracker{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProject(ctx, tx, projectID)
	if err != nil {
		return domain.ModificationTracker{}, notFound("project", projectID, err)
	}
	requests, err := e.Repo.ListRequests(ctx, tx, repo.RequestFilters{ProjectID: projectID})
	if err != nil {
		return domain.ModificationTracker{}, err
	}
	t := ComputeTracker(p, requests)
	if !t.Balanced() {
		e.Log.Warn().Str("project_id", projectID).
			Int("used", t.Used).Int("in_progress", t.InProgress).Int("reserved", t.Reserved).
			Int("revisions_consumed", t.RevisionsConsumed).Int("remaining", t.Remaining).Int("total", t.TotalAllowed).
			Msg("budget does not balance")
	}
	return t, nil
}
