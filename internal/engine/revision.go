package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"revline/internal/config"
	"revline/internal/domain"
	"revline/internal/events"
)

// quoteFor decides whether a new request fits the remaining budget and,
// if not, what it costs.
func quoteFor(p domain.Project, cfg *config.Config, urgency string) domain.AdditionalCostQuote {
	q := domain.AdditionalCostQuote{
		ProjectID: p.ID,
		Urgency:   urgency,
		Remaining: p.RemainingModificationCount,
	}
	if p.RemainingModificationCount > 0 {
		return q
	}
	multiplier := 1.0
	if urgency == domain.UrgencyUrgent {
		multiplier = 1.5
		if cfg != nil && cfg.Budget.UrgentMultiplier >= 1 {
			multiplier = cfg.Budget.UrgentMultiplier
		}
	}
	amount := roundCents(p.AdditionalModificationFee * multiplier)
	q.IsAdditionalCost = true
	q.Amount = &amount
	return q
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// CalculateAdditionalCost quotes a prospective request against the current
// ledger without changing anything.
func (e Engine) CalculateAdditionalCost(ctx context.Context, projectID, urgency string) (domain.AdditionalCostQuote, error) {
	u, err := normalizeUrgency(urgency)
	if err != nil {
		return domain.AdditionalCostQuote{}, err
	}
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return domain.AdditionalCostQuote{}, err
	}
	return quoteFor(p, e.projectConfig(ctx, projectID), u), nil
}

func revisionHeader(projectID string, revision int, authorID, now string) domain.SurfaceItem {
	return domain.SurfaceItem{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		Kind:             domain.SurfaceChecklist,
		RevisionNumber:   revision,
		Title:            fmt.Sprintf("Revision %d", revision),
		AuthorID:         actorOr(authorID),
		IsRevisionHeader: true,
		CreatedAt:        now,
	}
}

// SurfaceItemInput describes a markup, feedback or checklist entry.
type SurfaceItemInput struct {
	ProjectID    string
	Kind         string
	Title        string
	Content      string
	CommentCount int
	ActorID      string
}

// AddSurfaceItem puts a new item on the project's active surface, tagged
// with the current revision.
func (e Engine) AddSurfaceItem(ctx context.Context, in SurfaceItemInput) (domain.SurfaceItem, error) {
	switch in.Kind {
	case domain.SurfaceMarkup, domain.SurfaceMarkupFeedback, domain.SurfaceFeedback, domain.SurfaceChecklist:
	default:
		return domain.SurfaceItem{}, ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown surface kind %q", in.Kind)}
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.SurfaceItem{}, ValidationError{Field: "title", Reason: "required"}
	}
	if in.CommentCount < 0 {
		return domain.SurfaceItem{}, ValidationError{Field: "comment_count", Reason: "must be >= 0"}
	}
	var item domain.SurfaceItem
	err := e.mutate(ctx, in.ProjectID, func(tx *sql.Tx, out *outbox) error {
		p, err := e.Repo.GetProject(ctx, tx, in.ProjectID)
		if err != nil {
			return notFound("project", in.ProjectID, err)
		}
		item = domain.SurfaceItem{
			ID:             uuid.NewString(),
			ProjectID:      p.ID,
			Kind:           in.Kind,
			RevisionNumber: p.CurrentRevisionNumber,
			Title:          strings.TrimSpace(in.Title),
			Content:        in.Content,
			AuthorID:       actorOr(in.ActorID),
			CommentCount:   in.CommentCount,
			CreatedAt:      e.stamp(),
		}
		if err := e.Repo.InsertSurfaceItem(ctx, tx, item); err != nil {
			return fmt.Errorf("insert surface item: %w", err)
		}
		return e.Events.Append(ctx, tx, events.SurfaceItemAdded, p.ID, "surface_item", item.ID, in.ActorID, events.EventPayload{
			"kind":     item.Kind,
			"revision": item.RevisionNumber,
		})
	})
	return item, err
}

// SetSurfaceItemCompleted toggles an active checklist item.
func (e Engine) SetSurfaceItemCompleted(ctx context.Context, itemID string, completed bool, actorID string) (domain.SurfaceItem, error) {
	head, err := e.Repo.GetSurfaceItem(ctx, nil, itemID)
	if err != nil {
		return domain.SurfaceItem{}, notFound("surface item", itemID, err)
	}
	var item domain.SurfaceItem
	err = e.mutate(ctx, head.ProjectID, func(tx *sql.Tx, out *outbox) error {
		item, err = e.Repo.GetSurfaceItem(ctx, tx, itemID)
		if err != nil {
			return notFound("surface item", itemID, err)
		}
		if item.ArchivedAt != nil {
			return InvalidStateError{Entity: "surface item", ID: item.ID, Status: "archived", Action: "update"}
		}
		if item.Kind != domain.SurfaceChecklist {
			return ValidationError{Field: "kind", Reason: "only checklist items can be completed"}
		}
		item.Completed = completed
		item.CompletedAt = nil
		if completed {
			now := e.stamp()
			item.CompletedAt = &now
		}
		if err := e.Repo.UpdateSurfaceCompletion(ctx, tx, item); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.SurfaceItemUpdated, item.ProjectID, "surface_item", item.ID, actorID, events.EventPayload{
			"completed": completed,
		})
	})
	return item, err
}

func (e Engine) ListActiveSurface(ctx context.Context, projectID string) ([]domain.SurfaceItem, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListActiveSurface(ctx, nil, projectID)
}

func (e Engine) ListArchives(ctx context.Context, projectID string) ([]domain.RevisionArchive, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListArchives(ctx, nil, projectID)
}

func (e Engine) GetArchive(ctx context.Context, projectID string, revision int) (domain.RevisionArchive, error) {
	a, err := e.Repo.GetArchive(ctx, projectID, revision)
	if err != nil {
		return a, notFound("revision archive", fmt.Sprintf("%s#%d", projectID, revision), err)
	}
	return a, nil
}

// ApproveAndAdvanceRevision closes the current revision: it freezes the
// active surface into an archive, opens the next revision with a fresh
// header and consumes one unit of the budget. Nothing changes when a
// precondition fails.
func (e Engine) ApproveAndAdvanceRevision(ctx context.Context, projectID, actorID string) (domain.RevisionAdvance, error) {
	var res domain.RevisionAdvance
	err := e.mutate(ctx, projectID, func(tx *sql.Tx, out *outbox) error {
		p, err := e.Repo.GetProject(ctx, tx, projectID)
		if err != nil {
			return notFound("project", projectID, err)
		}
		active, err := e.Repo.ListActiveSurface(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		var incomplete []string
		for _, it := range active {
			if it.Kind == domain.SurfaceChecklist && !it.IsRevisionHeader && !it.Completed {
				incomplete = append(incomplete, it.ID)
			}
		}
		if len(incomplete) > 0 {
			return IncompleteChecklistError{ProjectID: p.ID, Incomplete: incomplete}
		}
		if p.RemainingModificationCount <= 0 {
			return BudgetExhaustedError{ProjectID: p.ID}
		}

		now := e.stamp()
		revision := p.CurrentRevisionNumber
		if err := e.Repo.CloseActiveChecklist(ctx, tx, p.ID, revision, now); err != nil {
			return fmt.Errorf("close checklist: %w", err)
		}
		closed, err := e.Repo.ListActiveSurface(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		archive := snapshot(p.ID, revision, closed, actorOr(actorID), now)
		if err := e.Repo.InsertArchive(ctx, tx, archive); err != nil {
			return fmt.Errorf("insert archive: %w", err)
		}
		if err := e.Repo.ArchiveActiveSurface(ctx, tx, p.ID, now); err != nil {
			return fmt.Errorf("archive surface: %w", err)
		}
		header := revisionHeader(p.ID, revision+1, actorID, now)
		if err := e.Repo.InsertSurfaceItem(ctx, tx, header); err != nil {
			return fmt.Errorf("insert revision header: %w", err)
		}

		p.CurrentRevisionNumber = revision + 1
		p, err = e.applyLedger(ctx, tx, out, p, ledgerDeduct, "revision", archive.ID, actorID)
		if err != nil {
			return err
		}
		payload := events.EventPayload{
			"archived_revision": revision,
			"current_revision":  p.CurrentRevisionNumber,
			"archive_id":        archive.ID,
			"remaining":         p.RemainingModificationCount,
		}
		if err := e.Events.Append(ctx, tx, events.RevisionAdvanced, p.ID, "project", p.ID, actorID, payload); err != nil {
			return err
		}
		out.notify(events.RevisionAdvanced, "project", p.ID, actorID, payload, everyone(p, nil)...)
		out.transition("revision", "advanced")
		res = domain.RevisionAdvance{Archive: archive, NewHeader: header, Project: p}
		return nil
	})
	if err != nil {
		return domain.RevisionAdvance{}, err
	}
	e.Log.Info().Str("project_id", projectID).Int("revision", res.Project.CurrentRevisionNumber).
		Int("remaining", res.Project.RemainingModificationCount).Msg("revision advanced")
	return res, nil
}

// snapshot partitions the closed surface by kind. Comment counts are copied
// as stored; absent data stays zero.
func snapshot(projectID string, revision int, items []domain.SurfaceItem, by, now string) domain.RevisionArchive {
	a := domain.RevisionArchive{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		RevisionNumber: revision,
		Markups:        []domain.SurfaceItem{},
		MarkupFeedback: []domain.SurfaceItem{},
		Feedback:       []domain.SurfaceItem{},
		ChecklistItems: []domain.SurfaceItem{},
		ArchivedBy:     by,
		ArchivedAt:     now,
	}
	for _, it := range items {
		it.ArchivedAt = &now
		switch it.Kind {
		case domain.SurfaceMarkup:
			a.Markups = append(a.Markups, it)
		case domain.SurfaceMarkupFeedback:
			a.MarkupFeedback = append(a.MarkupFeedback, it)
		case domain.SurfaceFeedback:
			a.Feedback = append(a.Feedback, it)
		case domain.SurfaceChecklist:
			a.ChecklistItems = append(a.ChecklistItems, it)
		}
	}
	return a
}
