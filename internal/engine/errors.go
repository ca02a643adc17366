package engine

import (
	"errors"
	"fmt"
	"strings"

	"revline/internal/repo"
)

// InvalidStateError reports an operation attempted from a status that does
// not allow it.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Action string
	Reason string
}

func (e InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot %s %s %s in status %s", e.Action, e.Entity, e.ID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ClarificationPendingError blocks approval while clarifications are open.
type ClarificationPendingError struct {
	RequestID  string
	Unresolved int
}

func (e ClarificationPendingError) Error() string {
	return fmt.Sprintf("request %s has %d unresolved clarification(s)", e.RequestID, e.Unresolved)
}

// IncompleteChecklistError blocks a revision advance.
type IncompleteChecklistError struct {
	ProjectID  string
	Incomplete []string
}

func (e IncompleteChecklistError) Error() string {
	return fmt.Sprintf("project %s has %d incomplete checklist item(s): %s", e.ProjectID, len(e.Incomplete), strings.Join(e.Incomplete, ", "))
}

type BudgetExhaustedError struct {
	ProjectID string
}

func (e BudgetExhaustedError) Error() string {
	return fmt.Sprintf("project %s has no remaining modifications", e.ProjectID)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// ConflictError means another writer changed the project between read and write.
type ConflictError struct {
	ProjectID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("project %s was modified concurrently, retry", e.ProjectID)
}

func (e ConflictError) Unwrap() error { return repo.ErrConflict }

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// notFound converts repo.ErrNotFound into a NotFoundError and passes other
// errors through.
func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	return err
}
