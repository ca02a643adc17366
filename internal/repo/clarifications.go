package repo

import (
	"context"
	"database/sql"
	"errors"

	"revline/internal/domain"
)

const clarificationColumns = `id,modification_request_id,feedback_id,question,status,requested_by,requested_at,response,answered_by,answered_at,resolved_by,resolved_at`

func scanClarification(row rowScanner) (domain.ClarificationRequest, error) {
	var c domain.ClarificationRequest
	var feedbackID, response, answeredBy, answeredAt, resolvedBy, resolvedAt sql.NullString
	err := row.Scan(&c.ID, &c.ModificationRequestID, &feedbackID, &c.Question, &c.Status, &c.RequestedBy, &c.RequestedAt,
		&response, &answeredBy, &answeredAt, &resolvedBy, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.FeedbackID = feedbackID.String
	c.Response = stringPtr(response)
	c.AnsweredBy = stringPtr(answeredBy)
	c.AnsweredAt = stringPtr(answeredAt)
	c.ResolvedBy = stringPtr(resolvedBy)
	c.ResolvedAt = stringPtr(resolvedAt)
	return c, nil
}

// InsertClarification appends c to the end of its request's clarification list.
func (r Repo) InsertClarification(ctx context.Context, tx *sql.Tx, c domain.ClarificationRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO clarification_requests(id,modification_request_id,seq,feedback_id,question,status,requested_by,requested_at)
VALUES (?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM clarification_requests WHERE modification_request_id=?),?,?,?,?,?)`,
		c.ID, c.ModificationRequestID, c.ModificationRequestID, nullable(c.FeedbackID), c.Question, c.Status, c.RequestedBy, c.RequestedAt)
	return err
}

func (r Repo) UpdateClarification(ctx context.Context, tx *sql.Tx, c domain.ClarificationRequest) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE clarification_requests SET status=?, response=?, answered_by=?, answered_at=?, resolved_by=?, resolved_at=? WHERE id=?`,
		c.Status, nullableStringPtr(c.Response), nullableStringPtr(c.AnsweredBy), nullableStringPtr(c.AnsweredAt),
		nullableStringPtr(c.ResolvedBy), nullableStringPtr(c.ResolvedAt), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetClarification(ctx context.Context, tx *sql.Tx, id string) (domain.ClarificationRequest, error) {
	return scanClarification(r.q(tx).QueryRowContext(ctx, `SELECT `+clarificationColumns+` FROM clarification_requests WHERE id=?`, id))
}

// ListClarifications returns a request's clarifications in the order they were raised.
func (r Repo) ListClarifications(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.ClarificationRequest, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+clarificationColumns+` FROM clarification_requests WHERE modification_request_id=? ORDER BY seq`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ClarificationRequest{}
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
