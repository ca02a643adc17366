package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"revline/internal/domain"
)

const requestColumns = `id,project_id,request_number,description,status,urgency,is_additional_cost,additional_cost_amount,requested_by,requested_at,approved_by,approved_at,rejected_at,rejection_reason,completed_at,estimated_completion_date,notes,updated_at`

func scanRequest(row rowScanner) (domain.ModificationRequest, error) {
	var m domain.ModificationRequest
	var description, approvedBy, approvedAt, rejectedAt, reason, completedAt, eta, notes sql.NullString
	var amount sql.NullFloat64
	var additional int
	err := row.Scan(&m.ID, &m.ProjectID, &m.RequestNumber, &description, &m.Status, &m.Urgency, &additional, &amount,
		&m.RequestedBy, &m.RequestedAt, &approvedBy, &approvedAt, &rejectedAt, &reason, &completedAt, &eta, &notes, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Description = description.String
	m.Notes = notes.String
	m.IsAdditionalCost = additional != 0
	m.AdditionalCostAmount = floatPtr(amount)
	m.ApprovedBy = stringPtr(approvedBy)
	m.ApprovedAt = stringPtr(approvedAt)
	m.RejectedAt = stringPtr(rejectedAt)
	m.RejectionReason = stringPtr(reason)
	m.CompletedAt = stringPtr(completedAt)
	m.EstimatedCompletionDate = stringPtr(eta)
	return m, nil
}

// NextRequestNumber returns max(request_number)+1 for the project. Callers
// must hold the project's write lock for the number to stay unique.
func (r Repo) NextRequestNumber(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(request_number),0)+1 FROM modification_requests WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, m domain.ModificationRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO modification_requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.RequestNumber, nullable(m.Description), m.Status, m.Urgency, boolInt(m.IsAdditionalCost), nullableFloatPtr(m.AdditionalCostAmount),
		m.RequestedBy, m.RequestedAt, nullableStringPtr(m.ApprovedBy), nullableStringPtr(m.ApprovedAt), nullableStringPtr(m.RejectedAt),
		nullableStringPtr(m.RejectionReason), nullableStringPtr(m.CompletedAt), nullableStringPtr(m.EstimatedCompletionDate), nullable(m.Notes), m.UpdatedAt)
	if err != nil {
		return err
	}
	for _, fb := range m.FeedbackIDs {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO request_feedback(request_id,feedback_id) VALUES (?,?)`, m.ID, fb); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRequest writes the mutable lifecycle columns of m.
func (r Repo) UpdateRequest(ctx context.Context, tx *sql.Tx, m domain.ModificationRequest) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE modification_requests SET status=?, approved_by=?, approved_at=?, rejected_at=?, rejection_reason=?, completed_at=?, estimated_completion_date=?, notes=?, updated_at=? WHERE id=?`,
		m.Status, nullableStringPtr(m.ApprovedBy), nullableStringPtr(m.ApprovedAt), nullableStringPtr(m.RejectedAt), nullableStringPtr(m.RejectionReason),
		nullableStringPtr(m.CompletedAt), nullableStringPtr(m.EstimatedCompletionDate), nullable(m.Notes), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRequest loads a request with its feedback references. Clarifications
// and work progress are loaded separately.
func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.ModificationRequest, error) {
	m, err := scanRequest(r.q(tx).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM modification_requests WHERE id=?`, id))
	if err != nil {
		return m, err
	}
	m.FeedbackIDs, err = r.listRequestFeedback(ctx, tx, id)
	return m, err
}

type RequestFilters struct {
	ProjectID string
	Status    string
}

func (r Repo) ListRequests(ctx context.Context, tx *sql.Tx, f RequestFilters) ([]domain.ModificationRequest, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + requestColumns + ` FROM modification_requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY project_id, request_number"
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.ModificationRequest
	for rows.Next() {
		m, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		fb, err := r.listRequestFeedback(ctx, tx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].FeedbackIDs = fb
	}
	return res, nil
}

func (r Repo) listRequestFeedback(ctx context.Context, tx *sql.Tx, requestID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT feedback_id FROM request_feedback WHERE request_id=? ORDER BY feedback_id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
