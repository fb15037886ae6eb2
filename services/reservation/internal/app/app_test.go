package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"libreserve/pkg/domain"
	"libreserve/pkg/events"
	"libreserve/pkg/store"
)

var librarian = domain.Identity{UserID: "librarian-1", Role: domain.RoleAdmin}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	app   *App
	store *store.MemoryStore
	clock *testClock
	pub   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemoryStore(), nil)
}

func newFixtureWithStore(t *testing.T, mem *store.MemoryStore, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	var s store.Store = mem
	if wrap != nil {
		s = wrap(mem)
	}
	var seq atomic.Int64
	a, err := New(Config{
		Store:     s,
		Publisher: pub,
		Now:       clock.Now,
		NewID:     func() string { return fmt.Sprintf("id-%04d", seq.Add(1)) },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &fixture{app: a, store: mem, clock: clock, pub: pub}
}

func (f *fixture) addBook(t *testing.T, id string, copies int) {
	t.Helper()
	if _, _, err := f.app.UpsertBook(context.Background(), librarian, BookInput{ID: id, Title: "Title " + id, Author: "Author", TotalCopies: &copies}); err != nil {
		t.Fatalf("upsert book %s: %v", id, err)
	}
}

func (f *fixture) book(t *testing.T, id string) domain.Book {
	t.Helper()
	b, found, err := f.store.GetBook(context.Background(), id)
	if err != nil || !found {
		t.Fatalf("get book %s: found=%v err=%v", id, found, err)
	}
	return b
}

func (f *fixture) assertCopies(t *testing.T, id string, available, total int) {
	t.Helper()
	b := f.book(t, id)
	if b.AvailableCopies != available || b.TotalCopies != total {
		t.Fatalf("book %s counters = %d/%d, want %d/%d", id, b.AvailableCopies, b.TotalCopies, available, total)
	}
}

func user(id string) domain.Identity {
	return domain.Identity{UserID: id, Role: domain.RoleUser}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected missing store to fail")
	}
}

func TestCreateChecksPreconditionsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.app.Create(ctx, "reader-1", "missing", ""); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}

	f.addBook(t, "b1", 2)
	first, err := f.app.Create(ctx, "reader-1", "b1", "front desk")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Status != domain.StatusActive || first.CalculatedStatus != domain.StatusActive {
		t.Fatalf("unexpected status: %+v", first)
	}
	if !first.PickupDeadline.Equal(f.clock.Now().Add(48 * time.Hour)) {
		t.Fatalf("pickup deadline = %v", first.PickupDeadline)
	}
	if first.HoursRemaining != 48 {
		t.Fatalf("hours remaining = %d, want 48", first.HoursRemaining)
	}
	if first.Book == nil || first.Book.AvailableCopies != 1 {
		t.Fatalf("expected book counters in view: %+v", first.Book)
	}

	_, err = f.app.Create(ctx, "reader-1", "b1", "")
	var dup *DuplicateReservationError
	if !errors.As(err, &dup) || dup.ReservationID != first.ID {
		t.Fatalf("expected duplicate error naming %s, got %v", first.ID, err)
	}
	f.assertCopies(t, "b1", 1, 2)

	f.addBook(t, "b0", 0)
	_, err = f.app.Create(ctx, "reader-1", "b0", "")
	var stock *StockError
	if !errors.As(err, &stock) || !errors.Is(err, ErrInsufficientStock) || stock.Total != 0 {
		t.Fatalf("expected stock error, got %v", err)
	}

	long := make([]rune, maxNotesLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := f.app.Create(ctx, "reader-2", "b1", string(long)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid notes, got %v", err)
	}
}

func TestCreateEnforcesQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		f.addBook(t, fmt.Sprintf("b%d", i), 1)
	}
	for i := 0; i < 5; i++ {
		if _, err := f.app.Create(ctx, "reader-1", fmt.Sprintf("b%d", i), ""); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, err := f.app.Create(ctx, "reader-1", "b5", "")
	var quota *QuotaError
	if !errors.As(err, &quota) || quota.CurrentActive != 5 || quota.Max != 5 || quota.WouldExceedBy() != 1 {
		t.Fatalf("expected quota error, got %v", err)
	}
	f.assertCopies(t, "b5", 1, 1)
}

func TestLegacyPickedUpRowsDoNotHoldQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBook(t, "b0", 2)
	pickedUp := f.clock.Now().Add(-time.Hour)
	returnBy := pickedUp.Add(domain.DefaultLoanPeriod)
	err := f.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateReservation(domain.Reservation{
			ID:              "legacy-1",
			UserID:          "reader-1",
			BookID:          "b0",
			Status:          domain.StatusActive,
			ReservationDate: pickedUp.Add(-time.Hour),
			PickupDeadline:  pickedUp.Add(47 * time.Hour),
			PickupDate:      &pickedUp,
			ReturnDeadline:  &returnBy,
		})
	})
	if err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}

	if _, err := f.app.Create(ctx, "reader-1", "b0", ""); err != nil {
		t.Fatalf("legacy picked-up row should not block the same book: %v", err)
	}
	stats, err := f.app.UserStats(ctx, "reader-1")
	if err != nil {
		t.Fatalf("user stats: %v", err)
	}
	if stats.CurrentActive != 1 || stats.ByStatus.PickedUp != 1 || stats.Quota.Remaining != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConcurrentCreatesOnLastCopy(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "b1", 1)

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
			_, err := f.app.Create(context.Background(), fmt.Sprintf("reader-%d", i), "b1", "")
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
	f.assertCopies(t, "b1", 0, 1)
}

func TestLifecycleReleasesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBook(t, "b1", 2)

	r, err := f.app.Create(ctx, "reader-1", "b1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.assertCopies(t, "b1", 1, 2)

	if _, err := f.app.MarkPickedUp(ctx, user("reader-1"), r.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("readers cannot mark pickup, got %v", err)
	}
	picked, err := f.app.MarkPickedUp(ctx, librarian, r.ID)
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if picked.PickupDate == nil || picked.ReturnDeadline == nil {
		t.Fatalf("pickup should set dates: %+v", picked)
	}
	if !picked.ReturnDeadline.Equal(f.clock.Now().Add(14 * 24 * time.Hour)) {
		t.Fatalf("return deadline = %v", picked.ReturnDeadline)
	}
	f.assertCopies(t, "b1", 1, 2)

	if _, err := f.app.Cancel(ctx, user("reader-1"), r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("picked-up reservation cannot be cancelled, got %v", err)
	}

	f.clock.Advance(15 * 24 * time.Hour)
	got, _ := f.app.Get(ctx, user("reader-1"), r.ID)
	if got.CalculatedStatus != domain.StatusOverdue || !got.IsOverdue {
		t.Fatalf("expected overdue, got %+v", got)
	}

	returned, err := f.app.MarkReturned(ctx, librarian, r.ID)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if returned.Status != domain.StatusReturned || returned.ReturnDate == nil || returned.HoursRemaining != 0 {
		t.Fatalf("unexpected returned view: %+v", returned)
	}
	f.assertCopies(t, "b1", 2, 2)

	_, err = f.app.MarkReturned(ctx, librarian, r.ID)
	var te *TransitionError
	if !errors.As(err, &te) || te.From != domain.StatusReturned || te.To != domain.StatusReturned {
		t.Fatalf("second return should be an invalid transition, got %v", err)
	}
	f.assertCopies(t, "b1", 2, 2)

	history, err := f.app.History(ctx, user("reader-1"), r.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[2].FromStatus != domain.StatusPickedUp || history[2].ToStatus != domain.StatusReturned {
		t.Fatalf("unexpected history: %+v", history)
	}
	want := []string{events.TypeCreated, events.TypePickedUp, events.TypeReturned}
	if got := f.pub.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
}

func TestCancelThenRebook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBook(t, "b1", 1)

	r, err := f.app.Create(ctx, "reader-1", "b1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Create(ctx, "reader-2", "b1", ""); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected stock error for second reader, got %v", err)
	}
	if _, err := f.app.Cancel(ctx, user("reader-2"), r.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-owner cancel should be forbidden, got %v", err)
	}
	if _, err := f.app.Cancel(ctx, user("reader-2"), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing reservation should be not found, got %v", err)
	}
	if _, err := f.app.Cancel(ctx, user("reader-1"), r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.assertCopies(t, "b1", 1, 1)

	if _, err := f.app.Create(ctx, "reader-2", "b1", ""); err != nil {
		t.Fatalf("rebook after cancel: %v", err)
	}
	if _, err := f.app.Create(ctx, "reader-1", "b1", ""); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("cancelled reservation must not block a new create by duplicate rule, got %v", err)
	}
	f.assertCopies(t, "b1", 0, 1)
}

func TestExpiryScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBook(t, "b1", 1)

	r, err := f.app.Create(ctx, "reader-1", "b1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.app.Expire(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expire before deadline should fail, got %v", err)
	}

	f.clock.Advance(49 * time.Hour)
	view, _ := f.app.Get(ctx, user("reader-1"), r.ID)
	if !view.IsExpired || view.CalculatedStatus != domain.StatusExpired || view.HoursRemaining != -1 {
		t.Fatalf("expected derived expiry before sweep: %+v", view)
	}

	res, err := f.app.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Expired != 1 || res.Failed != 0 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	f.assertCopies(t, "b1", 1, 1)
	view, _ = f.app.Get(ctx, user("reader-1"), r.ID)
	if view.Status != domain.StatusExpired {
		t.Fatalf("expected stored expired, got %s", view.Status)
	}

	res, _ = f.app.Sweep(ctx, 10)
	if res.Expired != 0 {
		t.Fatalf("second sweep should be a no-op: %+v", res)
	}
	f.assertCopies(t, "b1", 1, 1)
}

func TestLateButUnsweptReservationCanBePickedUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBook(t, "b1", 1)
	r, _ := f.app.Create(ctx, "reader-1", "b1", "")
	f.clock.Advance(72 * time.Hour)

	if _, err := f.app.MarkPickedUp(ctx, librarian, r.ID); err != nil {
		t.Fatalf("pickup before sweep: %v", err)
	}
	res, _ := f.app.Sweep(ctx, 10)
	if res.Expired != 0 {
		t.Fatalf("picked-up loans are never swept: %+v", res)
	}
	f.assertCopies(t, "b1", 0, 1)
}

func TestForceExpireAndAdminUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBook(t, "b1", 2)
	r1, _ := f.app.Create(ctx, "reader-1", "b1", "")
	r2, _ := f.app.Create(ctx, "reader-2", "b1", "")

	if _, err := f.app.ForceExpire(ctx, user("reader-1"), r1.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("readers cannot force expiry, got %v", err)
	}
	if _, err := f.app.ForceExpire(ctx, librarian, r1.ID); err != nil {
		t.Fatalf("force expire: %v", err)
	}
	f.assertCopies(t, "b1", 1, 2)

	if _, err := f.app.AdminUpdateStatus(ctx, librarian, r2.ID, "completed", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("free-form status should be rejected, got %v", err)
	}
	if _, err := f.app.AdminUpdateStatus(ctx, librarian, r2.ID, "returned", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("active -> returned should be rejected, got %v", err)
	}
	notes := "collected by proxy"
	view, err := f.app.AdminUpdateStatus(ctx, librarian, r2.ID, "Picked-Up", &notes)
	if err != nil {
		t.Fatalf("admin pickup: %v", err)
	}
	if view.Status != domain.StatusPickedUp || view.Notes != notes {
		t.Fatalf("unexpected view: %+v", view)
	}
	if _, err := f.app.AdminUpdateStatus(ctx, librarian, r2.ID, "active", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("nothing transitions back to active, got %v", err)
	}
	if _, err := f.app.AdminUpdateStatus(ctx, librarian, r2.ID, "returned", nil); err != nil {
		t.Fatalf("admin return: %v", err)
	}
	f.assertCopies(t, "b1", 2, 2)
}

func TestExtendReturnDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBook(t, "b1", 1)
	r, _ := f.app.Create(ctx, "reader-1", "b1", "")

	if _, err := f.app.ExtendReturnDeadline(ctx, librarian, r.ID, 7); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("active reservation cannot be extended, got %v", err)
	}
	picked, _ := f.app.MarkPickedUp(ctx, librarian, r.ID)
	for _, days := range []int{0, 31} {
		if _, err := f.app.ExtendReturnDeadline(ctx, librarian, r.ID, days); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("days=%d should be invalid, got %v", days, err)
		}
	}
	extended, err := f.app.ExtendReturnDeadline(ctx, librarian, r.ID, 7)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !extended.ReturnDeadline.Equal(picked.ReturnDeadline.AddDate(0, 0, 7)) || extended.RenewalCount != 1 {
		t.Fatalf("unexpected extension: %+v", extended)
	}
	if _, err := f.app.ExtendReturnDeadline(ctx, librarian, "missing", 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateNotesOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBook(t, "b1", 1)
	r, _ := f.app.Create(ctx, "reader-1", "b1", "")

	if _, err := f.app.UpdateNotes(ctx, user("reader-2"), r.ID, "mine"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	view, err := f.app.UpdateNotes(ctx, user("reader-1"), r.ID, "pick up friday")
	if err != nil || view.Notes != "pick up friday" {
		t.Fatalf("update notes: view=%+v err=%v", view, err)
	}
	if _, err := f.app.Get(ctx, user("reader-2"), r.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other readers cannot read it, got %v", err)
	}
	if _, err := f.app.Get(ctx, librarian, r.ID); err != nil {
		t.Fatalf("admins can read any reservation: %v", err)
	}
}

func TestSetTotalCopiesClampsAndReleaseWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBook(t, "b1", 3)
	r, _ := f.app.Create(ctx, "reader-1", "b1", "")
	f.assertCopies(t, "b1", 2, 3)

	if _, err := f.app.SetTotalCopies(ctx, user("reader-1"), "b1", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.app.SetTotalCopies(ctx, librarian, "b1", -1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := f.app.SetTotalCopies(ctx, librarian, "missing", 1); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected book not found, got %v", err)
	}

	book, err := f.app.SetTotalCopies(ctx, librarian, "b1", 5)
	if err != nil || book.AvailableCopies != 4 || book.TotalCopies != 5 {
		t.Fatalf("grow: %+v err=%v", book, err)
	}
	book, _ = f.app.SetTotalCopies(ctx, librarian, "b1", 0)
	if book.AvailableCopies != 0 || book.TotalCopies != 0 {
		t.Fatalf("shrink should floor at zero: %+v", book)
	}

	// The held copy comes back to a shelf that no longer has room for it.
	if _, err := f.app.Cancel(ctx, user("reader-1"), r.ID); err != nil {
		t.Fatalf("cancel should succeed despite clamp: %v", err)
	}
	f.assertCopies(t, "b1", 0, 0)
	history, _ := f.app.History(ctx, librarian, r.ID)
	last := history[len(history)-1]
	if last.Details["inventoryClamped"] != true {
		t.Fatalf("expected clamp recorded in history: %+v", last.Details)
	}
}

func TestListForUserPaginationAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.addBook(t, fmt.Sprintf("b%d", i), 1)
	}
	var ids []string
	for i := 0; i < 4; i++ {
		r, err := f.app.Create(ctx, "reader-1", fmt.Sprintf("b%d", i), "")
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, r.ID)
		f.clock.Advance(time.Minute)
	}
	if _, err := f.app.Cancel(ctx, user("reader-1"), ids[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	page, err := f.app.ListForUser(ctx, "reader-1", ListQuery{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	p := page.Pagination
	if p.Total != 4 || p.Showing != 2 || !p.HasNext || p.HasPrev || p.Limit != 2 {
		t.Fatalf("unexpected pagination: %+v", p)
	}
	if page.Reservations[0].ID != ids[3] {
		t.Fatalf("default order should be newest first")
	}

	page, _ = f.app.ListForUser(ctx, "reader-1", ListQuery{OrderBy: "asc", Offset: 2, Limit: 500})
	if page.Pagination.Limit != maxUserListLimit || page.Pagination.HasNext || !page.Pagination.HasPrev || page.Reservations[0].ID != ids[2] {
		t.Fatalf("unexpected asc page: %+v", page.Pagination)
	}

	page, _ = f.app.ListForUser(ctx, "reader-1", ListQuery{Status: "cancelled"})
	if page.Pagination.Total != 1 || page.Reservations[0].ID != ids[0] {
		t.Fatalf("cancelled filter: %+v", page.Pagination)
	}
	if _, err := f.app.ListForUser(ctx, "reader-1", ListQuery{Status: "lost"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if _, err := f.app.ListForUser(ctx, "reader-1", ListQuery{OrderBy: "sideways"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid order, got %v", err)
	}

	f.clock.Advance(49 * time.Hour)
	page, _ = f.app.ListForUser(ctx, "reader-1", ListQuery{Status: "expired"})
	if page.Pagination.Total != 3 {
		t.Fatalf("unswept lapsed reservations should filter as expired: %+v", page.Pagination)
	}
}

func TestUserAndGlobalStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, category := range []string{"poetry", "history", "poetry"} {
		copies := 2
		in := BookInput{ID: fmt.Sprintf("b%d", i), Title: "Title", Category: category, TotalCopies: &copies}
		if _, _, err := f.app.UpsertBook(ctx, librarian, in); err != nil {
			t.Fatalf("upsert book: %v", err)
		}
	}
	r0, _ := f.app.Create(ctx, "reader-1", "b0", "")
	r1, _ := f.app.Create(ctx, "reader-1", "b1", "")
	_, _ = f.app.Create(ctx, "reader-1", "b2", "")
	_, _ = f.app.MarkPickedUp(ctx, librarian, r0.ID)
	_, _ = f.app.MarkReturned(ctx, librarian, r0.ID)
	_, _ = f.app.Cancel(ctx, user("reader-1"), r1.ID)

	stats, err := f.app.UserStats(ctx, "reader-1")
	if err != nil {
		t.Fatalf("user stats: %v", err)
	}
	if stats.Total != 3 || stats.CurrentActive != 1 || stats.Quota.Remaining != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ByStatus.Returned != 1 || stats.ByStatus.Cancelled != 1 || stats.ByStatus.Active != 1 {
		t.Fatalf("unexpected counts: %+v", stats.ByStatus)
	}
	wantCategories := []CategoryCount{
		{Category: "poetry", Count: 2, Percentage: 66.7},
		{Category: "history", Count: 1, Percentage: 33.3},
	}
	if len(stats.FavoriteCategories) != len(wantCategories) {
		t.Fatalf("unexpected favorite categories: %+v", stats.FavoriteCategories)
	}
	for i, want := range wantCategories {
		if stats.FavoriteCategories[i] != want {
			t.Fatalf("favorite category %d = %+v, want %+v", i, stats.FavoriteCategories[i], want)
		}
	}

	if _, err := f.app.GlobalStats(ctx, user("reader-1")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	f.clock.Advance(49 * time.Hour)
	global, err := f.app.GlobalStats(ctx, librarian)
	if err != nil {
		t.Fatalf("global stats: %v", err)
	}
	if global.ExpiredPendingSweep != 1 || global.Active != 0 || global.Cancelled != 1 {
		t.Fatalf("unexpected global stats: %+v", global)
	}
	if global.Catalog.Books != 3 || global.Catalog.TotalCopies != 6 || global.Catalog.AvailableCopies != 5 {
		t.Fatalf("unexpected catalog totals: %+v", global.Catalog)
	}
}
