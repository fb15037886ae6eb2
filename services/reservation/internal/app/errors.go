package app

import (
	"errors"
	"fmt"

	"libreserve/pkg/domain"
)

var (
	ErrNotFound                   = errors.New("reservation not found")
	ErrBookNotFound               = errors.New("book not found")
	ErrBasketItemNotFound         = errors.New("book not in basket")
	ErrInvalidTransition          = errors.New("invalid status transition")
	ErrInvalidState               = errors.New("reservation is not in a valid state for this operation")
	ErrInsufficientStock          = errors.New("no copies available")
	ErrQuotaExceeded              = errors.New("reservation limit reached")
	ErrDuplicateActiveReservation = errors.New("an active reservation for this book already exists")
	ErrForbidden                  = errors.New("forbidden")
	ErrAlreadyInBasket            = errors.New("book already in basket")
	ErrBookUnavailable            = errors.New("book currently unavailable")
	ErrEmptyBasket                = errors.New("basket is empty")
	ErrCommitFailed               = errors.New("basket commit failed")
	ErrInvalidInput               = errors.New("invalid input")
)

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// StockError reports a book with no free copy at the moment of the check.
type StockError struct {
	BookID    string
	Title     string
	Available int
	Total     int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("no copies of %q available (%d/%d)", e.BookID, e.Available, e.Total)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

func (e *StockError) Details() map[string]any {
	return map[string]any{
		"bookId":          e.BookID,
		"title":           e.Title,
		"availableCopies": e.Available,
		"totalCopies":     e.Total,
	}
}

// QuotaError reports a create that would push the user past the active limit.
type QuotaError struct {
	CurrentActive int
	Requested     int
	Max           int
}

func (e *QuotaError) WouldExceedBy() int {
	return e.CurrentActive + e.Requested - e.Max
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("reservation limit reached: %d active, %d requested, max %d", e.CurrentActive, e.Requested, e.Max)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

func (e *QuotaError) Details() map[string]any {
	return map[string]any{
		"currentActive": e.CurrentActive,
		"basketItems":   e.Requested,
		"maxAllowed":    e.Max,
		"wouldExceedBy": e.WouldExceedBy(),
	}
}

// TransitionError reports a status change the lifecycle table does not allow.
type TransitionError struct {
	ReservationID string
	From          domain.ReservationStatus
	To            domain.ReservationStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move reservation from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func (e *TransitionError) Details() map[string]any {
	return map[string]any{
		"reservationId": e.ReservationID,
		"fromStatus":    e.From,
		"toStatus":      e.To,
	}
}

type DuplicateReservationError struct {
	BookID        string
	ReservationID string
}

func (e *DuplicateReservationError) Error() string {
	return fmt.Sprintf("active reservation %s already holds book %s", e.ReservationID, e.BookID)
}

func (e *DuplicateReservationError) Unwrap() error { return ErrDuplicateActiveReservation }

func (e *DuplicateReservationError) Details() map[string]any {
	return map[string]any{"bookId": e.BookID, "reservationId": e.ReservationID}
}

// UnavailableBook is one entry of an availability failure.
type UnavailableBook struct {
	BookID          string `json:"bookId"`
	Title           string `json:"title"`
	AvailableCopies int    `json:"availableCopies"`
	TotalCopies     int    `json:"totalCopies"`
}

// AvailabilityError lists every basket book that had no free copy during a commit.
type AvailabilityError struct {
	Unavailable []UnavailableBook
}

func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("%d book(s) in the basket are unavailable", len(e.Unavailable))
}

func (e *AvailabilityError) Unwrap() error { return ErrInsufficientStock }

func (e *AvailabilityError) Details() map[string]any {
	return map[string]any{"unavailableBooks": e.Unavailable}
}

// CommitError reports a create that failed mid-batch; the whole batch was rolled back.
type CommitError struct {
	BookID     string
	Cause      error
	RolledBack []string
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("basket commit failed at book %s: %v", e.BookID, e.Cause)
}

func (e *CommitError) Unwrap() []error { return []error{ErrCommitFailed, e.Cause} }

func (e *CommitError) Details() map[string]any {
	details := map[string]any{
		"bookId":     e.BookID,
		"cause":      e.Cause.Error(),
		"rolledBack": e.RolledBack,
	}
	var inner interface{ Details() map[string]any }
	if errors.As(e.Cause, &inner) {
		details["causeDetails"] = inner.Details()
	}
	return details
}
