package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"libreserve/pkg/domain"
	"libreserve/pkg/events"
	"libreserve/pkg/store"
)

// SkippedItem is a basket book that was not turned into a reservation.
type SkippedItem struct {
	BookID        string `json:"bookId"`
	Reason        string `json:"reason"`
	ReservationID string `json:"reservationId,omitempty"`
}

type CommitResult struct {
	Created       []ReservationView `json:"created"`
	Skipped       []SkippedItem     `json:"skipped"`
	BasketCleared bool              `json:"basketCleared"`
}

// CommitBasket turns the whole basket into reservations in one transaction.
// Either every non-skipped item gets a reservation or nothing changes.
func (a *App) CommitBasket(ctx context.Context, userID, notes string, clearAfter bool) (CommitResult, error) {
	if userID == "" {
		return CommitResult{}, invalidInput("user required")
	}
	if err := validateNotes(notes); err != nil {
		return CommitResult{}, err
	}
	now := a.clock()
	var (
		created []domain.Reservation
		booksBy = map[string]domain.Book{}
		result  CommitResult
	)
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		created = created[:0]
		result = CommitResult{Skipped: []SkippedItem{}}
		if err := tx.LockUser(userID); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		items, err := tx.ListBasket(userID)
		if err != nil {
			return fmt.Errorf("list basket: %w", err)
		}
		if len(items) == 0 {
			return ErrEmptyBasket
		}

		toCreate := make([]domain.BasketItem, 0, len(items))
		for _, item := range items {
			existing, held, err := tx.FindActiveReservation(userID, item.BookID)
			if err != nil {
				return fmt.Errorf("find active reservation: %w", err)
			}
			if held {
				result.Skipped = append(result.Skipped, SkippedItem{
					BookID:        item.BookID,
					Reason:        "already_reserved",
					ReservationID: existing.ID,
				})
				continue
			}
			toCreate = append(toCreate, item)
		}

		// Lock in ascending id order so concurrent commits cannot deadlock.
		ids := make([]string, 0, len(toCreate))
		for _, item := range toCreate {
			ids = append(ids, item.BookID)
		}
		sort.Strings(ids)
		var unavailable []UnavailableBook
		for _, id := range ids {
			book, found, err := tx.LockBook(id)
			if err != nil {
				return fmt.Errorf("lock book: %w", err)
			}
			if !found {
				unavailable = append(unavailable, UnavailableBook{BookID: id})
				continue
			}
			if book.AvailableCopies <= 0 {
				unavailable = append(unavailable, UnavailableBook{
					BookID:          book.ID,
					Title:           book.Title,
					AvailableCopies: book.AvailableCopies,
					TotalCopies:     book.TotalCopies,
				})
			}
		}
		if len(unavailable) > 0 {
			return &AvailabilityError{Unavailable: unavailable}
		}

		active, err := tx.CountActiveReservations(userID)
		if err != nil {
			return fmt.Errorf("count active reservations: %w", err)
		}
		if active+len(toCreate) > a.quota {
			return &QuotaError{CurrentActive: active, Requested: len(toCreate), Max: a.quota}
		}

		for _, item := range toCreate {
			r, book, err := a.createInTx(tx, userID, item.BookID, notes, now)
			if err != nil {
				rolledBack := make([]string, 0, len(created))
				for _, c := range created {
					rolledBack = append(rolledBack, c.BookID)
				}
				return &CommitError{BookID: item.BookID, Cause: err, RolledBack: rolledBack}
			}
			created = append(created, r)
			booksBy[book.ID] = book
		}

		if clearAfter {
			if _, err := tx.ClearBasket(userID); err != nil {
				return fmt.Errorf("clear basket: %w", err)
			}
			result.BasketCleared = true
		}
		return nil
	})
	if err != nil {
		var commitErr *CommitError
		if errors.As(err, &commitErr) {
			a.logger(ctx).Warn("basket_commit_rolled_back",
				"user_id", userID,
				"book_id", commitErr.BookID,
				"rolled_back", len(commitErr.RolledBack),
				"err", commitErr.Cause,
			)
		}
		return CommitResult{}, err
	}

	result.Created = make([]ReservationView, 0, len(created))
	evs := make([]events.Event, 0, len(created))
	for _, r := range created {
		book := booksBy[r.BookID]
		result.Created = append(result.Created, a.view(r, now, &book))
		evs = append(evs, a.eventFor(r, events.TypeCreated, userID, now))
	}
	a.logger(ctx).Info("basket_committed",
		"user_id", userID,
		"created", len(result.Created),
		"skipped", len(result.Skipped),
		"basket_cleared", result.BasketCleared,
	)
	a.publish(ctx, evs...)
	return result, nil
}
