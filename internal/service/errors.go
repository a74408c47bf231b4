package service

import (
	"errors"
	"fmt"

	"github.com/newcircuit/modmail/internal/database"
	"github.com/newcircuit/modmail/internal/repository"
)

var (
	// ErrNotFound indicates the thread, category or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness or state rule rejected the request.
	ErrConflict = errors.New("conflict")
	// ErrPersistenceUnavailable indicates storage could not serve the request.
	ErrPersistenceUnavailable = database.ErrPersistenceUnavailable
	// ErrCategoryInactive indicates the category has been deactivated.
	ErrCategoryInactive = errors.New("category is not active")
	// ErrUserMuted indicates the user may not open threads in the category.
	ErrUserMuted = errors.New("user is muted in this category")
	// ErrDelivery indicates the user could not receive a reply.
	ErrDelivery = errors.New("delivery failed")
	// ErrEmptyMessage indicates neither content nor attachments were supplied.
	ErrEmptyMessage = errors.New("message has no content")
	// ErrUnchanged indicates an edit carried the content already on record.
	ErrUnchanged = errors.New("content unchanged")
	// ErrForbidden indicates the actor may not see the requested thread.
	ErrForbidden = errors.New("forbidden")
)

// DeliveryError reports a reply that reached the staff channel but not the user.
type DeliveryError struct {
	UserID string
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %s", e.UserID, e.Reason)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}

// storageError maps repository failures onto the service taxonomy.
func storageError(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, repository.ErrDuplicate):
		return fmt.Errorf("%s: %w: %v", what, ErrConflict, err)
	case errors.Is(err, ErrPersistenceUnavailable):
		return err
	default:
		return fmt.Errorf("%s: %w: %v", what, ErrPersistenceUnavailable, err)
	}
}
