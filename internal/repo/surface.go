package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"revline/internal/domain"
)

const surfaceColumns = `id,project_id,kind,revision_number,title,content,author_id,completed,completed_at,is_revision_header,comment_count,created_at,archived_at`

func scanSurfaceItem(row rowScanner) (domain.SurfaceItem, error) {
	var s domain.SurfaceItem
	var content, author, completedAt, archivedAt sql.NullString
	var completed, header int
	err := row.Scan(&s.ID, &s.ProjectID, &s.Kind, &s.RevisionNumber, &s.Title, &content, &author, &completed, &completedAt,
		&header, &s.CommentCount, &s.CreatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Content = content.String
	s.AuthorID = author.String
	s.Completed = completed != 0
	s.IsRevisionHeader = header != 0
	s.CompletedAt = stringPtr(completedAt)
	s.ArchivedAt = stringPtr(archivedAt)
	return s, nil
}

func (r Repo) InsertSurfaceItem(ctx context.Context, tx *sql.Tx, s domain.SurfaceItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO surface_items(`+surfaceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Kind, s.RevisionNumber, s.Title, nullable(s.Content), nullable(s.AuthorID), boolInt(s.Completed),
		nullableStringPtr(s.CompletedAt), boolInt(s.IsRevisionHeader), s.CommentCount, s.CreatedAt, nullableStringPtr(s.ArchivedAt))
	return err
}

func (r Repo) GetSurfaceItem(ctx context.Context, tx *sql.Tx, id string) (domain.SurfaceItem, error) {
	return scanSurfaceItem(r.q(tx).QueryRowContext(ctx, `SELECT `+surfaceColumns+` FROM surface_items WHERE id=?`, id))
}

func (r Repo) UpdateSurfaceCompletion(ctx context.Context, tx *sql.Tx, s domain.SurfaceItem) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE surface_items SET completed=?, completed_at=? WHERE id=? AND archived_at IS NULL`,
		boolInt(s.Completed), nullableStringPtr(s.CompletedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveSurface returns the non-archived surface of a project in creation order.
func (r Repo) ListActiveSurface(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.SurfaceItem, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+surfaceColumns+` FROM surface_items WHERE project_id=? AND archived_at IS NULL ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.SurfaceItem{}
	for rows.Next() {
		s, err := scanSurfaceItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CloseActiveChecklist marks every active checklist item completed and tags it
// with the closing revision number.
func (r Repo) CloseActiveChecklist(ctx context.Context, tx *sql.Tx, projectID string, revision int, ts string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE surface_items SET completed=1, completed_at=COALESCE(completed_at, ?), revision_number=?
WHERE project_id=? AND kind=? AND archived_at IS NULL`, ts, revision, projectID, domain.SurfaceChecklist)
	return err
}

// ArchiveActiveSurface removes every active item from the surface.
func (r Repo) ArchiveActiveSurface(ctx context.Context, tx *sql.Tx, projectID, ts string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE surface_items SET archived_at=? WHERE project_id=? AND archived_at IS NULL`, ts, projectID)
	return err
}

type archiveSnapshot struct {
	Markups        []domain.SurfaceItem `json:"markups"`
	MarkupFeedback []domain.SurfaceItem `json:"markup_feedback"`
	Feedback       []domain.SurfaceItem `json:"feedback"`
	ChecklistItems []domain.SurfaceItem `json:"checklist_items"`
}

func (r Repo) InsertArchive(ctx context.Context, tx *sql.Tx, a domain.RevisionArchive) error {
	snap, err := json.Marshal(archiveSnapshot{
		Markups:        a.Markups,
		MarkupFeedback: a.MarkupFeedback,
		Feedback:       a.Feedback,
		ChecklistItems: a.ChecklistItems,
	})
	if err != nil {
		return fmt.Errorf("marshal archive snapshot: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO revision_archives(id,project_id,revision_number,snapshot_json,archived_by,archived_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.RevisionNumber, string(snap), a.ArchivedBy, a.ArchivedAt)
	return err
}

func scanArchive(row rowScanner) (domain.RevisionArchive, error) {
	var a domain.RevisionArchive
	var snap string
	err := row.Scan(&a.ID, &a.ProjectID, &a.RevisionNumber, &snap, &a.ArchivedBy, &a.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	var s archiveSnapshot
	if err := json.Unmarshal([]byte(snap), &s); err != nil {
		return a, fmt.Errorf("decode archive %s: %w", a.ID, err)
	}
	a.Markups = nonNilItems(s.Markups)
	a.MarkupFeedback = nonNilItems(s.MarkupFeedback)
	a.Feedback = nonNilItems(s.Feedback)
	a.ChecklistItems = nonNilItems(s.ChecklistItems)
	return a, nil
}

func (r Repo) GetArchive(ctx context.Context, projectID string, revision int) (domain.RevisionArchive, error) {
	return scanArchive(r.DB.QueryRowContext(ctx, `SELECT id,project_id,revision_number,snapshot_json,archived_by,archived_at FROM revision_archives WHERE project_id=? AND revision_number=?`,
		projectID, revision))
}

func (r Repo) ListArchives(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.RevisionArchive, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,project_id,revision_number,snapshot_json,archived_by,archived_at FROM revision_archives WHERE project_id=? ORDER BY revision_number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RevisionArchive{}
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO modification_history(project_id,request_id,request_number,urgency,is_additional_cost,additional_cost_amount,completed_by,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		h.ProjectID, h.RequestID, h.RequestNumber, h.Urgency, boolInt(h.IsAdditionalCost), nullableFloatPtr(h.AdditionalCostAmount), h.CompletedBy, h.CompletedAt)
	return err
}

func (r Repo) ListHistory(ctx context.Context, projectID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,request_id,request_number,urgency,is_additional_cost,additional_cost_amount,completed_by,completed_at FROM modification_history WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HistoryEntry{}
	for rows.Next() {
		var h domain.HistoryEntry
		var additional int
		var amount sql.NullFloat64
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.RequestID, &h.RequestNumber, &h.Urgency, &additional, &amount, &h.CompletedBy, &h.CompletedAt); err != nil {
			return nil, err
		}
		h.IsAdditionalCost = additional != 0
		h.AdditionalCostAmount = floatPtr(amount)
		res = append(res, h)
	}
	return res, rows.Err()
}

func nonNilItems(in []domain.SurfaceItem) []domain.SurfaceItem {
	if in == nil {
		return []domain.SurfaceItem{}
	}
	return in
}
