package app

import (
	"context"
	"fmt"
	"strings"

	"libreserve/pkg/domain"
)

// BasketEntry is one basket row joined with the book's current counters.
type BasketEntry struct {
	domain.BasketItem
	Title           string `json:"title"`
	Author          string `json:"author,omitempty"`
	AvailableCopies int    `json:"availableCopies"`
	TotalCopies     int    `json:"totalCopies"`
	Available       bool   `json:"available"`
}

type BasketSummary struct {
	TotalItems       int `json:"totalItems"`
	AvailableItems   int `json:"availableItems"`
	UnavailableItems int `json:"unavailableItems"`
}

type BasketView struct {
	Items   []BasketEntry `json:"items"`
	Summary BasketSummary `json:"summary"`
}

// AvailabilityReport says whether the basket could be committed right now.
type AvailabilityReport struct {
	BasketSummary
	CanProceed       bool              `json:"canProceedToReservation"`
	UnavailableBooks []UnavailableBook `json:"unavailableBooks"`
}

// AddToBasket stages a book. The availability check is advisory only.
func (a *App) AddToBasket(ctx context.Context, userID, bookID string) (BasketEntry, error) {
	bookID = strings.TrimSpace(bookID)
	if userID == "" || bookID == "" {
		return BasketEntry{}, invalidInput("bookId required")
	}
	book, found, err := a.store.GetBook(ctx, bookID)
	if err != nil {
		return BasketEntry{}, fmt.Errorf("get book: %w", err)
	}
	if !found {
		return BasketEntry{}, ErrBookNotFound
	}
	if book.AvailableCopies <= 0 {
		return BasketEntry{}, fmt.Errorf("%w: %q has no free copies", ErrBookUnavailable, book.Title)
	}
	item := domain.BasketItem{UserID: userID, BookID: bookID, AddedDate: a.clock()}
	added, err := a.store.AddBasketItem(ctx, item)
	if err != nil {
		return BasketEntry{}, fmt.Errorf("add basket item: %w", err)
	}
	if !added {
		return BasketEntry{}, ErrAlreadyInBasket
	}
	a.logger(ctx).Info("basket_item_added", "user_id", userID, "book_id", bookID)
	return entryFor(item, book, true), nil
}

// RemoveFromBasket drops one book from the basket.
func (a *App) RemoveFromBasket(ctx context.Context, userID, bookID string) error {
	removed, err := a.store.RemoveBasketItem(ctx, userID, strings.TrimSpace(bookID))
	if err != nil {
		return fmt.Errorf("remove basket item: %w", err)
	}
	if !removed {
		return ErrBasketItemNotFound
	}
	return nil
}

// ClearBasket empties the basket and returns how many rows were removed.
func (a *App) ClearBasket(ctx context.Context, userID string) (int, error) {
	n, err := a.store.ClearBasket(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("clear basket: %w", err)
	}
	return n, nil
}

// ListBasket returns the basket newest first with live counters.
func (a *App) ListBasket(ctx context.Context, userID string) (BasketView, error) {
	items, err := a.store.ListBasket(ctx, userID)
	if err != nil {
		return BasketView{}, fmt.Errorf("list basket: %w", err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.BookID)
	}
	books, err := a.store.GetBooks(ctx, ids)
	if err != nil {
		return BasketView{}, fmt.Errorf("get books: %w", err)
	}
	view := BasketView{Items: make([]BasketEntry, 0, len(items))}
	for _, item := range items {
		book, found := books[item.BookID]
		entry := entryFor(item, book, found)
		view.Items = append(view.Items, entry)
		view.Summary.TotalItems++
		if entry.Available {
			view.Summary.AvailableItems++
		} else {
			view.Summary.UnavailableItems++
		}
	}
	return view, nil
}

// CheckAvailability reports which basket books currently have no free copy.
func (a *App) CheckAvailability(ctx context.Context, userID string) (AvailabilityReport, error) {
	basket, err := a.ListBasket(ctx, userID)
	if err != nil {
		return AvailabilityReport{}, err
	}
	report := AvailabilityReport{
		BasketSummary:    basket.Summary,
		UnavailableBooks: []UnavailableBook{},
	}
	for _, entry := range basket.Items {
		if entry.Available {
			continue
		}
		report.UnavailableBooks = append(report.UnavailableBooks, UnavailableBook{
			BookID:          entry.BookID,
			Title:           entry.Title,
			AvailableCopies: entry.AvailableCopies,
			TotalCopies:     entry.TotalCopies,
		})
	}
	report.CanProceed = report.TotalItems > 0 && report.UnavailableItems == 0
	return report, nil
}

func entryFor(item domain.BasketItem, book domain.Book, found bool) BasketEntry {
	entry := BasketEntry{BasketItem: item}
	if !found {
		return entry
	}
	entry.Title = book.Title
	entry.Author = book.Author
	entry.AvailableCopies = book.AvailableCopies
	entry.TotalCopies = book.TotalCopies
	entry.Available = book.AvailableCopies > 0
	return entry
}
