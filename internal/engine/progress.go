package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/repo"
)

var (
	itemCategories = []string{"design", "development", "review", "delivery", "other"}
	itemPriorities = []string{"low", "medium", "high", "critical"}
)

// ChecklistItemInput describes one item of a new checklist. Ref is a label
// local to the request; Dependencies name other items by Ref.
type ChecklistItemInput struct {
	Ref            string                  `json:"ref,omitempty"`
	Title          string                  `json:"title"`
	Description    string                  `json:"description,omitempty"`
	Category       string                  `json:"category,omitempty"`
	Priority       string                  `json:"priority,omitempty"`
	EstimatedHours float64                 `json:"estimated_hours,omitempty"`
	AssignedTo     string                  `json:"assigned_to,omitempty"`
	Dependencies   []string                `json:"dependencies,omitempty"`
	Attachments    []domain.WorkAttachment `json:"attachments,omitempty"`
}

// ChecklistItemPatch is a partial item update. Nil fields are left alone.
type ChecklistItemPatch struct {
	Title              *string                 `json:"title,omitempty"`
	Description        *string                 `json:"description,omitempty"`
	Category           *string                 `json:"category,omitempty"`
	Priority           *string                 `json:"priority,omitempty"`
	EstimatedHours     *float64                `json:"estimated_hours,omitempty"`
	AssignedTo         *string                 `json:"assigned_to,omitempty"`
	Dependencies       *[]string               `json:"dependencies,omitempty"`
	Status             *string                 `json:"status,omitempty"`
	ProgressPercentage *int                    `json:"progress_percentage,omitempty"`
	AddAttachments     []domain.WorkAttachment `json:"add_attachments,omitempty"`
}

// Rollup derives overall progress and status from the items.
func Rollup(items []domain.WorkChecklistItem) (int, string) {
	if len(items) == 0 {
		return 0, domain.WorkNotStarted
	}
	sum, completed, started := 0, 0, 0
	for _, it := range items {
		sum += it.ProgressPercentage
		switch it.Status {
		case domain.ItemCompleted:
			completed++
		case domain.ItemInProgress:
			started++
		}
	}
	overall := int(math.Round(float64(sum) / float64(len(items))))
	switch {
	case completed == len(items):
		return overall, domain.WorkCompleted
	case completed > 0 || started > 0:
		return overall, domain.WorkInProgress
	}
	return overall, domain.WorkNotStarted
}

// CrossedMilestone returns the highest milestone m with before < m <= after.
func CrossedMilestone(before, after int, milestones []int) (int, bool) {
	hit, ok := 0, false
	for _, m := range milestones {
		if before < m && after >= m {
			hit, ok = m, true
		}
	}
	return hit, ok
}

func (e Engine) loadWorkProgress(ctx context.Context, tx *sql.Tx, requestID string) (domain.WorkProgress, error) {
	wp, err := e.Repo.GetWorkProgress(ctx, tx, requestID)
	if err != nil {
		return wp, err
	}
	wp.OverallProgress, wp.Status = Rollup(wp.ChecklistItems)
	return wp, nil
}

func (e Engine) GetWorkProgress(ctx context.Context, requestID string) (domain.WorkProgress, error) {
	wp, err := e.loadWorkProgress(ctx, nil, requestID)
	if err != nil {
		return wp, notFound("work progress", requestID, err)
	}
	return wp, nil
}

// CreateWorkProgress attaches a checklist to an approved request and moves
// the request to in_progress.
func (e Engine) CreateWorkProgress(ctx context.Context, requestID string, inputs []ChecklistItemInput, estimatedCompletion, actorID string) (domain.WorkProgress, error) {
	if len(inputs) == 0 {
		return domain.WorkProgress{}, ValidationError{Field: "checklist_items", Reason: "at least one item is required"}
	}
	var wp domain.WorkProgress
	err := e.withRequest(ctx, requestID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest) error {
		if m.Status != domain.StatusApproved {
			return InvalidStateError{Entity: "request", ID: m.ID, Status: m.Status, Action: "start work on"}
		}
		if _, err := e.Repo.GetWorkProgress(ctx, tx, m.ID); err == nil {
			return InvalidStateError{Entity: "request", ID: m.ID, Status: m.Status, Action: "start work on", Reason: "work progress already exists"}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		now := e.stamp()
		items, err := buildChecklist(inputs, actorOr(actorID), now)
		if err != nil {
			return err
		}
		wp = domain.WorkProgress{
			ModificationRequestID: m.ID,
			ChecklistItems:        items,
			EstimatedCompletion:   optionalString(estimatedCompletion),
			CreatedAt:             now,
			LastUpdated:           now,
		}
		if err := e.Repo.InsertWorkProgress(ctx, tx, wp); err != nil {
			return fmt.Errorf("insert work progress: %w", err)
		}
		wp.OverallProgress, wp.Status = Rollup(items)

		m.Status = domain.StatusInProgress
		m.UpdatedAt = now
		if wp.EstimatedCompletion != nil {
			m.EstimatedCompletionDate = wp.EstimatedCompletion
		}
		if err := e.Repo.UpdateRequest(ctx, tx, m); err != nil {
			return err
		}
		payload := events.EventPayload{"request_number": m.RequestNumber, "items": len(items)}
		if err := e.Events.Append(ctx, tx, events.WorkStarted, p.ID, "request", m.ID, actorID, payload); err != nil {
			return err
		}
		out.notify(events.WorkStarted, "request", m.ID, actorID, payload, clientSide(p, &m)...)
		out.transition("request", m.Status)
		return nil
	})
	if err != nil {
		return domain.WorkProgress{}, err
	}
	e.Log.Info().Str("request_id", requestID).Int("items", len(wp.ChecklistItems)).Msg("work started")
	return wp, nil
}

func buildChecklist(inputs []ChecklistItemInput, by, now string) ([]domain.WorkChecklistItem, error) {
	ids := map[string]string{}
	items := make([]domain.WorkChecklistItem, 0, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.Title) == "" {
			return nil, ValidationError{Field: fmt.Sprintf("checklist_items[%d].title", i), Reason: "required"}
		}
		category, err := oneOf(fmt.Sprintf("checklist_items[%d].category", i), in.Category, "other", itemCategories)
		if err != nil {
			return nil, err
		}
		priority, err := oneOf(fmt.Sprintf("checklist_items[%d].priority", i), in.Priority, "medium", itemPriorities)
		if err != nil {
			return nil, err
		}
		if in.EstimatedHours < 0 {
			return nil, ValidationError{Field: fmt.Sprintf("checklist_items[%d].estimated_hours", i), Reason: "must be >= 0"}
		}
		id := uuid.NewString()
		if in.Ref != "" {
			if _, dup := ids[in.Ref]; dup {
				return nil, ValidationError{Field: fmt.Sprintf("checklist_items[%d].ref", i), Reason: fmt.Sprintf("duplicate ref %q", in.Ref)}
			}
			ids[in.Ref] = id
		}
		items = append(items, domain.WorkChecklistItem{
			ID:             id,
			Title:          strings.TrimSpace(in.Title),
			Description:    in.Description,
			Category:       category,
			Priority:       priority,
			EstimatedHours: in.EstimatedHours,
			AssignedTo:     optionalString(in.AssignedTo),
			Status:         domain.ItemPending,
			Attachments:    stampAttachments(in.Attachments, by, now),
			UpdatedAt:      now,
		})
	}
	for i, in := range inputs {
		deps := []string{}
		for _, ref := range dedupe(in.Dependencies) {
			id, ok := ids[ref]
			if !ok {
				return nil, ValidationError{Field: fmt.Sprintf("checklist_items[%d].dependencies", i), Reason: fmt.Sprintf("unknown ref %q", ref)}
			}
			if id == items[i].ID {
				return nil, ValidationError{Field: fmt.Sprintf("checklist_items[%d].dependencies", i), Reason: "item cannot depend on itself"}
			}
			deps = append(deps, id)
		}
		items[i].Dependencies = deps
	}
	if id, ok := dependencyCycle(items); ok {
		return nil, ValidationError{Field: "checklist_items.dependencies", Reason: fmt.Sprintf("dependency cycle through item %s", id)}
	}
	return items, nil
}

// UpdateChecklistItem applies a partial update to one item, recomputes the
// rollup and completes the parent request when the last item completes.
func (e Engine) UpdateChecklistItem(ctx context.Context, requestID, itemID string, patch ChecklistItemPatch, actorID string) (domain.WorkProgress, error) {
	var wp domain.WorkProgress
	err := e.withRequest(ctx, requestID, func(tx *sql.Tx, out *outbox, p domain.Project, m domain.ModificationRequest) error {
		current, err := e.loadWorkProgress(ctx, tx, m.ID)
		if err != nil {
			return notFound("work progress", m.ID, err)
		}
		if m.Status != domain.StatusInProgress {
			return InvalidStateError{Entity: "request", ID: m.ID, Status: m.Status, Action: "update work on"}
		}
		idx := -1
		for i, it := range current.ChecklistItems {
			if it.ID == itemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return NotFoundError{Kind: "checklist item", ID: itemID}
		}
		now := e.stamp()
		item, err := applyPatch(current.ChecklistItems, idx, patch, actorOr(actorID), now)
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateChecklistItem(ctx, tx, m.ID, item); err != nil {
			return err
		}
		if err := e.Repo.TouchWorkProgress(ctx, tx, m.ID, now); err != nil {
			return err
		}

		beforeProgress, beforeStatus := current.OverallProgress, current.Status
		wp = current
		wp.ChecklistItems = append([]domain.WorkChecklistItem(nil), current.ChecklistItems...)
		wp.ChecklistItems[idx] = item
		wp.LastUpdated = now
		wp.OverallProgress, wp.Status = Rollup(wp.ChecklistItems)

		if err := e.Events.Append(ctx, tx, events.WorkItemUpdated, p.ID, "checklist_item", item.ID, actorID, events.EventPayload{
			"request_id":          m.ID,
			"status":              item.Status,
			"progress_percentage": item.ProgressPercentage,
			"overall_progress":    wp.OverallProgress,
		}); err != nil {
			return err
		}
		out.transition("checklist_item", item.Status)

		if milestone, ok := CrossedMilestone(beforeProgress, wp.OverallProgress, e.projectConfig(ctx, p.ID).Milestones()); ok {
			payload := events.EventPayload{"request_number": m.RequestNumber, "milestone": milestone, "overall_progress": wp.OverallProgress}
			if err := e.Events.Append(ctx, tx, events.WorkUpdated, p.ID, "request", m.ID, actorID, payload); err != nil {
				return err
			}
			out.notify(events.WorkUpdated, "request", m.ID, actorID, payload, clientSide(p, &m)...)
		}

		if beforeStatus != domain.WorkCompleted && wp.Status == domain.WorkCompleted {
			payload := events.EventPayload{"request_number": m.RequestNumber, "items": len(wp.ChecklistItems)}
			if err := e.Events.Append(ctx, tx, events.WorkCompleted, p.ID, "request", m.ID, actorID, payload); err != nil {
				return err
			}
			out.notify(events.WorkCompleted, "request", m.ID, actorID, payload, clientSide(p, &m)...)
			if _, err := e.completeTx(ctx, tx, out, p, m, actorID, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.WorkProgress{}, err
	}
	return wp, nil
}

// applyPatch returns the patched copy of items[idx]. Completion is
// authoritative over the raw percentage; a percentage of 100 completes the
// item; leaving completed caps the percentage at 99.
func applyPatch(items []domain.WorkChecklistItem, idx int, patch ChecklistItemPatch, by, now string) (domain.WorkChecklistItem, error) {
	item := items[idx]
	prevStatus := item.Status

	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return item, ValidationError{Field: "title", Reason: "must not be empty"}
		}
		item.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		item.Description = *patch.Description
	}
	if patch.Category != nil {
		v, err := oneOf("category", *patch.Category, item.Category, itemCategories)
		if err != nil {
			return item, err
		}
		item.Category = v
	}
	if patch.Priority != nil {
		v, err := oneOf("priority", *patch.Priority, item.Priority, itemPriorities)
		if err != nil {
			return item, err
		}
		item.Priority = v
	}
	if patch.EstimatedHours != nil {
		if *patch.EstimatedHours < 0 {
			return item, ValidationError{Field: "estimated_hours", Reason: "must be >= 0"}
		}
		item.EstimatedHours = *patch.EstimatedHours
	}
	if patch.AssignedTo != nil {
		item.AssignedTo = optionalString(*patch.AssignedTo)
	}
	if patch.Dependencies != nil {
		deps := dedupe(*patch.Dependencies)
		for _, d := range deps {
			if d == item.ID {
				return item, ValidationError{Field: "dependencies", Reason: "item cannot depend on itself"}
			}
			if indexOfItem(items, d) < 0 {
				return item, ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown item %q", d)}
			}
		}
		graph := append([]domain.WorkChecklistItem(nil), items...)
		graph[idx].Dependencies = deps
		if id, ok := dependencyCycle(graph); ok {
			return item, ValidationError{Field: "dependencies", Reason: fmt.Sprintf("dependency cycle through item %s", id)}
		}
		item.Dependencies = deps
	}
	item.Attachments = append(item.Attachments, stampAttachments(patch.AddAttachments, by, now)...)

	if patch.ProgressPercentage != nil {
		pct := *patch.ProgressPercentage
		if pct < 0 || pct > 100 {
			return item, ValidationError{Field: "progress_percentage", Reason: "must be between 0 and 100"}
		}
		item.ProgressPercentage = pct
	}

	status := item.Status
	switch {
	case patch.Status != nil:
		switch *patch.Status {
		case domain.ItemPending, domain.ItemInProgress, domain.ItemCompleted:
			status = *patch.Status
		default:
			return item, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *patch.Status)}
		}
	case patch.ProgressPercentage != nil && item.ProgressPercentage == 100:
		status = domain.ItemCompleted
	case patch.ProgressPercentage != nil && item.ProgressPercentage > 0 && item.Status == domain.ItemPending:
		status = domain.ItemInProgress
	case patch.ProgressPercentage != nil && item.Status == domain.ItemCompleted:
		status = domain.ItemInProgress
	}

	switch status {
	case domain.ItemCompleted:
		for _, dep := range item.Dependencies {
			if i := indexOfItem(items, dep); i >= 0 && items[i].Status != domain.ItemCompleted {
				return item, InvalidStateError{Entity: "checklist item", ID: item.ID, Status: prevStatus, Action: "complete",
					Reason: fmt.Sprintf("dependency %s is not completed", dep)}
			}
		}
		item.ProgressPercentage = 100
		if item.StartedAt == nil {
			item.StartedAt = &now
		}
		if prevStatus != domain.ItemCompleted || item.CompletedAt == nil {
			item.CompletedAt = &now
		}
	case domain.ItemInProgress:
		if item.StartedAt == nil {
			item.StartedAt = &now
		}
		item.CompletedAt = nil
		if item.ProgressPercentage >= 100 {
			item.ProgressPercentage = 99
		}
	case domain.ItemPending:
		item.CompletedAt = nil
		if item.ProgressPercentage >= 100 {
			item.ProgressPercentage = 99
		}
	}
	item.Status = status
	item.UpdatedAt = now
	return item, nil
}

// dependencyCycle reports an item that lies on a dependency cycle. Items in
// a cycle could never complete, so the checklist would never reach 100%.
func dependencyCycle(items []domain.WorkChecklistItem) (string, bool) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(items))
	deps := make(map[string][]string, len(items))
	for _, it := range items {
		deps[it.ID] = it.Dependencies
	}
	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		switch state[id] {
		case visiting:
			return id, true
		case done:
			return "", false
		}
		state[id] = visiting
		for _, d := range deps[id] {
			if at, ok := visit(d); ok {
				return at, true
			}
		}
		state[id] = done
		return "", false
	}
	for _, it := range items {
		if at, ok := visit(it.ID); ok {
			return at, true
		}
	}
	return "", false
}

func indexOfItem(items []domain.WorkChecklistItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func stampAttachments(in []domain.WorkAttachment, by, now string) []domain.WorkAttachment {
	out := make([]domain.WorkAttachment, 0, len(in))
	for _, a := range in {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.UploadedBy == "" {
			a.UploadedBy = by
		}
		if a.UploadedAt == "" {
			a.UploadedAt = now
		}
		out = append(out, a)
	}
	return out
}

func oneOf(field, value, fallback string, allowed []string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback, nil
	}
	for _, a := range allowed {
		if a == value {
			return value, nil
		}
	}
	return "", ValidationError{Field: field, Reason: fmt.Sprintf("must be one of %s", strings.Join(allowed, ", "))}
}
