package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"revline/internal/domain"
)

// InsertWorkProgress stores the tracker row and its checklist items in order.
func (r Repo) InsertWorkProgress(ctx context.Context, tx *sql.Tx, wp domain.WorkProgress) error {
	if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_progress(modification_request_id,estimated_completion,created_at,last_updated) VALUES (?,?,?,?)`,
		wp.ModificationRequestID, nullableStringPtr(wp.EstimatedCompletion), wp.CreatedAt, wp.LastUpdated); err != nil {
		return err
	}
	for i, item := range wp.ChecklistItems {
		deps, attachments, err := encodeItemLists(item)
		if err != nil {
			return err
		}
		if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_checklist_items(id,modification_request_id,position,title,description,category,priority,estimated_hours,assigned_to,dependencies_json,status,progress_percentage,started_at,completed_at,attachments_json,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			item.ID, wp.ModificationRequestID, i, item.Title, nullable(item.Description), item.Category, item.Priority, item.EstimatedHours,
			nullableStringPtr(item.AssignedTo), deps, item.Status, item.ProgressPercentage, nullableStringPtr(item.StartedAt),
			nullableStringPtr(item.CompletedAt), attachments, item.UpdatedAt); err != nil {
			return fmt.Errorf("insert checklist item %s: %w", item.ID, err)
		}
	}
	return nil
}

// GetWorkProgress loads the stored tracker and its items. Derived fields
// (overall progress, status) are left for the caller to compute.
func (r Repo) GetWorkProgress(ctx context.Context, tx *sql.Tx, requestID string) (domain.WorkProgress, error) {
	var wp domain.WorkProgress
	var eta sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT modification_request_id,estimated_completion,created_at,last_updated FROM work_progress WHERE modification_request_id=?`, requestID).
		Scan(&wp.ModificationRequestID, &eta, &wp.CreatedAt, &wp.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return wp, ErrNotFound
	}
	if err != nil {
		return wp, err
	}
	wp.EstimatedCompletion = stringPtr(eta)
	wp.ChecklistItems, err = r.listChecklistItems(ctx, tx, requestID)
	return wp, err
}

func (r Repo) TouchWorkProgress(ctx context.Context, tx *sql.Tx, requestID, ts string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE work_progress SET last_updated=? WHERE modification_request_id=?`, ts, requestID)
	return err
}

func (r Repo) UpdateChecklistItem(ctx context.Context, tx *sql.Tx, requestID string, item domain.WorkChecklistItem) error {
	deps, attachments, err := encodeItemLists(item)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE work_checklist_items SET title=?, description=?, category=?, priority=?, estimated_hours=?, assigned_to=?, dependencies_json=?, status=?, progress_percentage=?, started_at=?, completed_at=?, attachments_json=?, updated_at=?
WHERE id=? AND modification_request_id=?`,
		item.Title, nullable(item.Description), item.Category, item.Priority, item.EstimatedHours, nullableStringPtr(item.AssignedTo), deps,
		item.Status, item.ProgressPercentage, nullableStringPtr(item.StartedAt), nullableStringPtr(item.CompletedAt), attachments, item.UpdatedAt,
		item.ID, requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listChecklistItems(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.WorkChecklistItem, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,title,description,category,priority,estimated_hours,assigned_to,dependencies_json,status,progress_percentage,started_at,completed_at,attachments_json,updated_at
FROM work_checklist_items WHERE modification_request_id=? ORDER BY position`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.WorkChecklistItem{}
	for rows.Next() {
		var item domain.WorkChecklistItem
		var description, assignedTo, startedAt, completedAt sql.NullString
		var deps, attachments string
		if err := rows.Scan(&item.ID, &item.Title, &description, &item.Category, &item.Priority, &item.EstimatedHours, &assignedTo,
			&deps, &item.Status, &item.ProgressPercentage, &startedAt, &completedAt, &attachments, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Description = description.String
		item.AssignedTo = stringPtr(assignedTo)
		item.StartedAt = stringPtr(startedAt)
		item.CompletedAt = stringPtr(completedAt)
		if err := json.Unmarshal([]byte(deps), &item.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies of %s: %w", item.ID, err)
		}
		if err := json.Unmarshal([]byte(attachments), &item.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", item.ID, err)
		}
		if item.Dependencies == nil {
			item.Dependencies = []string{}
		}
		if item.Attachments == nil {
			item.Attachments = []domain.WorkAttachment{}
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func encodeItemLists(item domain.WorkChecklistItem) (string, string, error) {
	deps := item.Dependencies
	if deps == nil {
		deps = []string{}
	}
	attachments := item.Attachments
	if attachments == nil {
		attachments = []domain.WorkAttachment{}
	}
	d, err := json.Marshal(deps)
	if err != nil {
		return "", "", err
	}
	a, err := json.Marshal(attachments)
	if err != nil {
		return "", "", err
	}
	return string(d), string(a), nil
}
