package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"libreserve/pkg/domain"
	"libreserve/pkg/store"
)

// ReleaseResult is the outcome of returning one copy to the pool.
// Clamped means the counter was already at total_copies and was left unchanged.
type ReleaseResult struct {
	Book    domain.Book
	Clamped bool
}

// BookInput registers or updates a book in the ledger.
type BookInput struct {
	ID          string
	Title       string
	Author      string
	Category    string
	ISBN        string
	TotalCopies *int
}

// reserveCopy takes one copy under the book's row lock.
func (a *App) reserveCopy(tx store.Tx, bookID string, now time.Time) (domain.Book, error) {
	book, found, err := tx.LockBook(bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("lock book: %w", err)
	}
	if !found {
		return domain.Book{}, ErrBookNotFound
	}
	if book.AvailableCopies <= 0 {
		return book, &StockError{BookID: book.ID, Title: book.Title, Available: book.AvailableCopies, Total: book.TotalCopies}
	}
	book.AvailableCopies--
	book.UpdatedAt = now
	if err := tx.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// releaseCopy returns one copy to the pool, clamped at total_copies.
func (a *App) releaseCopy(ctx context.Context, tx store.Tx, bookID, reservationID string, now time.Time) (ReleaseResult, error) {
	book, found, err := tx.LockBook(bookID)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("lock book: %w", err)
	}
	if !found {
		return ReleaseResult{}, ErrBookNotFound
	}
	if book.AvailableCopies >= book.TotalCopies {
		a.logger(ctx).Warn("inventory_integrity_warning",
			"book_id", book.ID,
			"reservation_id", reservationID,
			"available_copies", book.AvailableCopies,
			"total_copies", book.TotalCopies,
		)
		return ReleaseResult{Book: book, Clamped: true}, nil
	}
	book.AvailableCopies++
	book.UpdatedAt = now
	if err := tx.SaveBook(book); err != nil {
		return ReleaseResult{}, fmt.Errorf("save book: %w", err)
	}
	return ReleaseResult{Book: book}, nil
}

// resize applies a new total and shifts available copies by the same delta,
// keeping 0 <= available <= total.
func resize(book domain.Book, total int) domain.Book {
	available := book.AvailableCopies + (total - book.TotalCopies)
	if available < 0 {
		available = 0
	}
	if available > total {
		available = total
	}
	book.TotalCopies = total
	book.AvailableCopies = available
	return book
}

// SetTotalCopies changes how many physical copies exist.
func (a *App) SetTotalCopies(ctx context.Context, actor domain.Identity, bookID string, total int) (domain.Book, error) {
	if !actor.IsAdmin() {
		return domain.Book{}, ErrForbidden
	}
	if total < 0 {
		return domain.Book{}, invalidInput("totalCopies must be >= 0")
	}
	now := a.clock()
	var before, after domain.Book
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		book, found, err := tx.LockBook(bookID)
		if err != nil {
			return fmt.Errorf("lock book: %w", err)
		}
		if !found {
			return ErrBookNotFound
		}
		before = book
		after = resize(book, total)
		after.UpdatedAt = now
		return tx.SaveBook(after)
	})
	if err != nil {
		return domain.Book{}, err
	}
	a.logger(ctx).Info("book_copies_updated",
		"book_id", bookID,
		"actor_id", actor.UserID,
		"total_before", before.TotalCopies,
		"available_before", before.AvailableCopies,
		"total_copies", after.TotalCopies,
		"available_copies", after.AvailableCopies,
	)
	return after, nil
}

// UpsertBook registers a book or updates its metadata. A new book starts with
// every copy available; for an existing one TotalCopies goes through resize.
func (a *App) UpsertBook(ctx context.Context, actor domain.Identity, in BookInput) (domain.Book, bool, error) {
	if !actor.IsAdmin() {
		return domain.Book{}, false, ErrForbidden
	}
	in.ID = strings.TrimSpace(in.ID)
	in.Title = strings.TrimSpace(in.Title)
	if in.ID == "" {
		return domain.Book{}, false, invalidInput("book id required")
	}
	if in.Title == "" {
		return domain.Book{}, false, invalidInput("title required")
	}
	if in.TotalCopies != nil && *in.TotalCopies < 0 {
		return domain.Book{}, false, invalidInput("totalCopies must be >= 0")
	}
	now := a.clock()
	var saved domain.Book
	var created bool
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		book, found, err := tx.LockBook(in.ID)
		if err != nil {
			return fmt.Errorf("lock book: %w", err)
		}
		if !found {
			created = true
			book = domain.Book{ID: in.ID, CreatedAt: now}
		}
		book.Title = in.Title
		book.Author = strings.TrimSpace(in.Author)
		book.Category = strings.TrimSpace(in.Category)
		book.ISBN = strings.TrimSpace(in.ISBN)
		book.UpdatedAt = now
		if in.TotalCopies != nil {
			book = resize(book, *in.TotalCopies)
		}
		saved = book
		return tx.SaveBook(book)
	})
	if err != nil {
		return domain.Book{}, false, err
	}
	a.logger(ctx).Info("book_upserted", "book_id", saved.ID, "created", created, "total_copies", saved.TotalCopies)
	return saved, created, nil
}

// Availability is the read-only ledger view of one book.
func (a *App) Availability(ctx context.Context, bookID string) (domain.BookAvailability, error) {
	book, found, err := a.store.GetBook(ctx, bookID)
	if err != nil {
		return domain.BookAvailability{}, fmt.Errorf("get book: %w", err)
	}
	if !found {
		return domain.BookAvailability{}, ErrBookNotFound
	}
	return book.Availability(), nil
}
