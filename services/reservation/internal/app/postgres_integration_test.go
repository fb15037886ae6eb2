//go:build integration

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"libreserve/pkg/domain"
	"libreserve/pkg/store"
)

// Run with: LIBRESERVE_TEST_DATABASE_URL=postgres://... go test -tags integration ./services/reservation/internal/app/
// Every test namespaces its ids with a fresh prefix, so a shared database is fine.

type pgFixture struct {
	app    *App
	store  *store.GormStore
	clock  *testClock
	prefix string
}

func newPostgresFixture(t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv("LIBRESERVE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LIBRESERVE_TEST_DATABASE_URL not set")
	}
	gs, err := store.NewGormStore(dsn)
	if err != nil {
		t.Fatalf("open gorm store: %v", err)
	}
	prefix := uuid.NewString()[:8] + "-"
	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	var seq atomic.Int64
	a, err := New(Config{
		Store: gs,
		Now:   clock.Now,
		NewID: func() string { return fmt.Sprintf("%sid-%04d", prefix, seq.Add(1)) },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &pgFixture{app: a, store: gs, clock: clock, prefix: prefix}
}

func (f *pgFixture) addBook(t *testing.T, id, category string, copies int) string {
	t.Helper()
	id = f.prefix + id
	in := BookInput{ID: id, Title: "Title " + id, Category: category, TotalCopies: &copies}
	if _, _, err := f.app.UpsertBook(context.Background(), librarian, in); err != nil {
		t.Fatalf("upsert book %s: %v", id, err)
	}
	return id
}

func TestPostgresConcurrentCreatesOnLastCopy(t *testing.T) {
	f := newPostgresFixture(t)
	bookID := f.addBook(t, "b1", "", 1)

	const n = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		stockErrs atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.app.Create(context.Background(), fmt.Sprintf("%sreader-%d", f.prefix, i), bookID, "")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				stockErrs.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 || stockErrs.Load() != n-1 {
		t.Fatalf("successes=%d stock errors=%d", successes.Load(), stockErrs.Load())
	}
	book, _, err := f.store.GetBook(context.Background(), bookID)
	if err != nil || book.AvailableCopies != 0 || book.TotalCopies != 1 {
		t.Fatalf("unexpected book after race: %+v err=%v", book, err)
	}
}

func TestPostgresQuotaSerializedPerUser(t *testing.T) {
	f := newPostgresFixture(t)
	reader := f.prefix + "reader"
	books := make([]string, 8)
	for i := range books {
		books[i] = f.addBook(t, fmt.Sprintf("b%d", i), "", 1)
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		quotaErrs atomic.Int32
		start     = make(chan struct{})
	)
	for _, bookID := range books {
		wg.Add(1)
		go func(bookID string) {
			defer wg.Done()
			<-start
			_, err := f.app.Create(context.Background(), reader, bookID, "")
			var quota *QuotaError
			switch {
			case err == nil:
				successes.Add(1)
			case errors.As(err, &quota):
				quotaErrs.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(bookID)
	}
	close(start)
	wg.Wait()

	if successes.Load() != defaultMaxActiveReservations || quotaErrs.Load() != int32(len(books)-defaultMaxActiveReservations) {
		t.Fatalf("successes=%d quota errors=%d", successes.Load(), quotaErrs.Load())
	}
}

func TestPostgresFiltersMatchCalculatedStatus(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	reader := f.prefix + "reader"
	categories := []string{"poetry", "history", "poetry", "art", "poetry", "history", "art"}
	books := make([]string, len(categories))
	for i, c := range categories {
		books[i] = f.addBook(t, fmt.Sprintf("b%d", i), c, 2)
	}
	mustCreate := func(bookID string) string {
		t.Helper()
		r, err := f.app.Create(ctx, reader, bookID, "")
		if err != nil {
			t.Fatalf("create %s: %v", bookID, err)
		}
		return r.ID
	}
	must := func(_ ReservationView, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	// expired before any sweep, overdue, cancelled
	mustCreate(books[1])
	must(f.app.MarkPickedUp(ctx, librarian, mustCreate(books[2])))
	must(f.app.Cancel(ctx, user(reader), mustCreate(books[3])))

	f.clock.Advance(49 * time.Hour)
	must(f.app.MarkPickedUp(ctx, librarian, mustCreate(books[4])))

	f.clock.Advance(13 * 24 * time.Hour)
	mustCreate(books[0])
	returned := mustCreate(books[5])
	must(f.app.MarkPickedUp(ctx, librarian, returned))
	must(f.app.MarkReturned(ctx, librarian, returned))

	// legacy row: active with a pickup date, seen as picked up
	pickedUp := f.clock.Now().Add(-time.Hour)
	returnBy := pickedUp.Add(domain.DefaultLoanPeriod)
	err := f.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateReservation(domain.Reservation{
			ID:              f.prefix + "legacy",
			UserID:          reader,
			BookID:          books[6],
			Status:          domain.StatusActive,
			ReservationDate: pickedUp.Add(-time.Hour),
			PickupDeadline:  pickedUp.Add(47 * time.Hour),
			PickupDate:      &pickedUp,
			ReturnDeadline:  &returnBy,
			UpdatedAt:       pickedUp,
		})
	})
	if err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}

	now := f.clock.Now().UTC()
	all, err := f.store.ListReservations(ctx, store.ReservationFilter{UserID: reader, Now: now})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 7 {
		t.Fatalf("expected 7 reservations, got %d", len(all))
	}
	statuses := []domain.ReservationStatus{
		domain.StatusActive, domain.StatusPickedUp, domain.StatusReturned,
		domain.StatusCancelled, domain.StatusExpired, domain.StatusOverdue,
	}
	for _, status := range statuses {
		var want []string
		for _, r := range all {
			if domain.CalculatedStatus(r, now) == status {
				want = append(want, r.ID)
			}
		}
		rows, err := f.store.ListReservations(ctx, store.ReservationFilter{UserID: reader, Status: status, Now: now})
		if err != nil {
			t.Fatalf("list %s: %v", status, err)
		}
		got := make([]string, 0, len(rows))
		for _, r := range rows {
			got = append(got, r.ID)
		}
		slices.Sort(want)
		slices.Sort(got)
		if len(want) == 0 || !slices.Equal(got, want) {
			t.Fatalf("status %s: sql=%v calculated=%v", status, got, want)
		}
	}

	// the partial unique index and the quota ignore the legacy row
	mustCreate(books[6])
	stats, err := f.app.UserStats(ctx, reader)
	if err != nil {
		t.Fatalf("user stats: %v", err)
	}
	// books 0, 1 and the new reservation of book 6 still hold copies
	if stats.Total != 8 || stats.CurrentActive != 3 || stats.ByStatus.PickedUp != 2 || stats.ByStatus.Overdue != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.FavoriteCategories) != 3 || stats.FavoriteCategories[0] != (CategoryCount{Category: "poetry", Count: 3, Percentage: 37.5}) {
		t.Fatalf("unexpected favorite categories: %+v", stats.FavoriteCategories)
	}
}
