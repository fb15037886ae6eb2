package store

import (
	"context"
	"errors"
	"time"

	"libreserve/pkg/domain"
)

// ErrConflict is returned when a write violates a uniqueness rule
// (one active reservation per user and book, one basket row per user and book).
var ErrConflict = errors.New("store: conflict")

// Store defines persistence for the ledger, reservations, baskets and audit history.
//
// Every mutation that has to keep the ledger consistent goes through WithTx.
// The remaining methods are single-statement reads or basket writes that
// carry no inventory effect.
type Store interface {
	// WithTx runs fn in one transaction. A non-nil error from fn rolls back every write it made.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// books
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	GetBooks(ctx context.Context, ids []string) (map[string]domain.Book, error)
	CatalogTotals(ctx context.Context) (CatalogTotals, error)
	// CategoryCounts ranks the categories of the books a user has reserved, most reserved first.
	CategoryCounts(ctx context.Context, userID string, limit int) ([]CategoryCount, error)

	// reservations
	GetReservation(ctx context.Context, id string) (domain.Reservation, bool, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]domain.Reservation, error)
	CountReservations(ctx context.Context, filter ReservationFilter) (int, error)
	ListExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	ListEvents(ctx context.Context, reservationID string) ([]domain.ReservationEvent, error)

	// basket
	AddBasketItem(ctx context.Context, item domain.BasketItem) (bool, error)
	RemoveBasketItem(ctx context.Context, userID, bookID string) (bool, error)
	ClearBasket(ctx context.Context, userID string) (int, error)
	ListBasket(ctx context.Context, userID string) ([]domain.BasketItem, error)
}

// Tx is the transactional view used by the engine. Lock* methods hold the row
// (or the per-user lock) until the transaction ends.
type Tx interface {
	LockUser(userID string) error

	GetBook(id string) (domain.Book, bool, error)
	LockBook(id string) (domain.Book, bool, error)
	SaveBook(book domain.Book) error

	CreateReservation(r domain.Reservation) error
	LockReservation(id string) (domain.Reservation, bool, error)
	UpdateReservation(r domain.Reservation) error
	// CountActiveReservations and FindActiveReservation only see reservations
	// awaiting pickup. Legacy rows (active with a pickup date) are picked up.
	CountActiveReservations(userID string) (int, error)
	FindActiveReservation(userID, bookID string) (domain.Reservation, bool, error)
	AppendEvent(ev domain.ReservationEvent) error

	// ListBasket returns the user's basket oldest first.
	ListBasket(userID string) ([]domain.BasketItem, error)
	ClearBasket(userID string) (int, error)
}

// ReservationFilter selects reservations by calculated status and ownership.
// Status may be a derived status (overdue, or expired before the sweeper ran);
// Now anchors those comparisons. StoredStatus matches the persisted column as is.
// AwaitingPickup keeps only rows that still hold a reserved copy: stored active
// with no pickup date, whether or not the pickup deadline has passed.
type ReservationFilter struct {
	UserID         string
	BookID         string
	Status         domain.ReservationStatus
	StoredStatus   domain.ReservationStatus
	AwaitingPickup bool
	From           time.Time
	To             time.Time
	ReturnedSince  time.Time
	Now            time.Time
	Limit          int
	Offset         int
	Ascending      bool
}

// CatalogTotals summarizes the ledger.
type CatalogTotals struct {
	Books           int `json:"books"`
	TotalCopies     int `json:"totalCopies"`
	AvailableCopies int `json:"availableCopies"`
}

// CategoryCount is one row of a user's category ranking.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

func (f ReservationFilter) now() time.Time {
	if f.Now.IsZero() {
		return time.Now().UTC()
	}
	return f.Now
}
