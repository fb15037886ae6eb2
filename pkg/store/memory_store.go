package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"libreserve/pkg/domain"
)

// MemoryStore keeps the ledger in-process. A transaction holds the store mutex
// for its whole callback and keeps an undo journal that is replayed on error.
type MemoryStore struct {
	mu           sync.RWMutex
	books        map[string]domain.Book
	reservations map[string]domain.Reservation
	order        []string                                // reservation ids in insertion order
	baskets      map[string]map[string]domain.BasketItem // user -> book -> item
	events       map[string][]domain.ReservationEvent    // reservation id -> history
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:        make(map[string]domain.Book),
		reservations: make(map[string]domain.Reservation),
		baskets:      make(map[string]map[string]domain.BasketItem),
		events:       make(map[string][]domain.ReservationEvent),
	}
}

// WithTx runs fn under the store lock and undoes its writes if it fails.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

func (m *MemoryStore) GetBooks(_ context.Context, ids []string) (map[string]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]domain.Book, len(ids))
	for _, id := range ids {
		if b, ok := m.books[id]; ok {
			res[id] = b
		}
	}
	return res, nil
}

func (m *MemoryStore) CatalogTotals(_ context.Context) (CatalogTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totals := CatalogTotals{Books: len(m.books)}
	for _, b := range m.books {
		totals.TotalCopies += b.TotalCopies
		totals.AvailableCopies += b.AvailableCopies
	}
	return totals, nil
}

func (m *MemoryStore) CategoryCounts(_ context.Context, userID string, limit int) ([]CategoryCount, error) {
	if limit <= 0 {
		return []CategoryCount{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, r := range m.reservations {
		if r.UserID != userID {
			continue
		}
		if b, ok := m.books[r.BookID]; ok && b.Category != "" {
			counts[b.Category]++
		}
	}
	res := make([]CategoryCount, 0, len(counts))
	for category, n := range counts {
		res = append(res, CategoryCount{Category: category, Count: n})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Count != res[j].Count {
			return res[i].Count > res[j].Count
		}
		return res[i].Category < res[j].Category
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) GetReservation(_ context.Context, id string) (domain.Reservation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	return r, ok, nil
}

func (m *MemoryStore) ListReservations(_ context.Context, filter ReservationFilter) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := m.matchReservations(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []domain.Reservation{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) CountReservations(_ context.Context, filter ReservationFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matchReservations(filter)), nil
}

func (m *MemoryStore) matchReservations(filter ReservationFilter) []domain.Reservation {
	now := filter.now()
	res := make([]domain.Reservation, 0)
	for _, id := range m.order {
		r := m.reservations[id]
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.BookID != "" && r.BookID != filter.BookID {
			continue
		}
		if !filter.From.IsZero() && r.ReservationDate.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && r.ReservationDate.After(filter.To) {
			continue
		}
		if !filter.ReturnedSince.IsZero() && (r.ReturnDate == nil || r.ReturnDate.Before(filter.ReturnedSince)) {
			continue
		}
		if filter.StoredStatus != "" && r.Status != filter.StoredStatus {
			continue
		}
		if filter.AwaitingPickup && !awaitingPickup(r) {
			continue
		}
		if filter.Status != "" && domain.CalculatedStatus(r, now) != filter.Status {
			continue
		}
		res = append(res, r)
	}
	sort.SliceStable(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if !a.ReservationDate.Equal(b.ReservationDate) {
			if filter.Ascending {
				return a.ReservationDate.Before(b.ReservationDate)
			}
			return a.ReservationDate.After(b.ReservationDate)
		}
		if filter.Ascending {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	return res
}

func (m *MemoryStore) ListExpiredCandidates(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Reservation, 0)
	if limit <= 0 {
		return res, nil
	}
	for _, id := range m.order {
		r := m.reservations[id]
		if domain.IsExpired(r, now) {
			res = append(res, r)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].PickupDeadline.Before(res[j].PickupDeadline) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, reservationID string) ([]domain.ReservationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[reservationID]
	res := make([]domain.ReservationEvent, len(events))
	copy(res, events)
	return res, nil
}

func (m *MemoryStore) AddBasketItem(_ context.Context, item domain.BasketItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	basket := m.baskets[item.UserID]
	if basket == nil {
		basket = make(map[string]domain.BasketItem)
		m.baskets[item.UserID] = basket
	}
	if _, exists := basket[item.BookID]; exists {
		return false, nil
	}
	basket[item.BookID] = item
	return true, nil
}

func (m *MemoryStore) RemoveBasketItem(_ context.Context, userID, bookID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	basket := m.baskets[userID]
	if _, exists := basket[bookID]; !exists {
		return false, nil
	}
	delete(basket, bookID)
	return true, nil
}

func (m *MemoryStore) ClearBasket(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.baskets[userID])
	delete(m.baskets, userID)
	return n, nil
}

func (m *MemoryStore) ListBasket(_ context.Context, userID string) ([]domain.BasketItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedBasket(userID, false), nil
}

func (m *MemoryStore) sortedBasket(userID string, oldestFirst bool) []domain.BasketItem {
	items := make([]domain.BasketItem, 0, len(m.baskets[userID]))
	for _, item := range m.baskets[userID] {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.AddedDate.Equal(b.AddedDate) {
			if oldestFirst {
				return a.AddedDate.Before(b.AddedDate)
			}
			return a.AddedDate.After(b.AddedDate)
		}
		return a.BookID < b.BookID
	})
	return items
}

// memTx runs with MemoryStore.mu held for writing.
type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// LockUser is a no-op: the store mutex already serializes transactions.
func (t *memTx) LockUser(string) error { return nil }

func (t *memTx) GetBook(id string) (domain.Book, bool, error) {
	b, ok := t.m.books[id]
	return b, ok, nil
}

func (t *memTx) LockBook(id string) (domain.Book, bool, error) {
	return t.GetBook(id)
}

func (t *memTx) SaveBook(book domain.Book) error {
	prev, existed := t.m.books[book.ID]
	t.m.books[book.ID] = book
	t.undo = append(t.undo, func() {
		if existed {
			t.m.books[book.ID] = prev
			return
		}
		delete(t.m.books, book.ID)
	})
	return nil
}

func (t *memTx) CreateReservation(r domain.Reservation) error {
	if awaitingPickup(r) {
		if _, found, _ := t.FindActiveReservation(r.UserID, r.BookID); found {
			return ErrConflict
		}
	}
	if _, exists := t.m.reservations[r.ID]; exists {
		return ErrConflict
	}
	t.m.reservations[r.ID] = r
	t.m.order = append(t.m.order, r.ID)
	t.undo = append(t.undo, func() {
		delete(t.m.reservations, r.ID)
		t.m.order = t.m.order[:len(t.m.order)-1]
	})
	return nil
}

func (t *memTx) LockReservation(id string) (domain.Reservation, bool, error) {
	r, ok := t.m.reservations[id]
	return r, ok, nil
}

func (t *memTx) UpdateReservation(r domain.Reservation) error {
	prev, ok := t.m.reservations[r.ID]
	if !ok {
		return nil
	}
	t.m.reservations[r.ID] = r
	t.undo = append(t.undo, func() { t.m.reservations[r.ID] = prev })
	return nil
}

func (t *memTx) CountActiveReservations(userID string) (int, error) {
	count := 0
	for _, r := range t.m.reservations {
		if r.UserID == userID && awaitingPickup(r) {
			count++
		}
	}
	return count, nil
}

func (t *memTx) FindActiveReservation(userID, bookID string) (domain.Reservation, bool, error) {
	for _, r := range t.m.reservations {
		if r.UserID == userID && r.BookID == bookID && awaitingPickup(r) {
			return r, true, nil
		}
	}
	return domain.Reservation{}, false, nil
}

func (t *memTx) AppendEvent(ev domain.ReservationEvent) error {
	id := ev.ReservationID
	t.m.events[id] = append(t.m.events[id], ev)
	t.undo = append(t.undo, func() {
		events := t.m.events[id]
		t.m.events[id] = events[:len(events)-1]
	})
	return nil
}

func (t *memTx) ListBasket(userID string) ([]domain.BasketItem, error) {
	return t.m.sortedBasket(userID, true), nil
}

func (t *memTx) ClearBasket(userID string) (int, error) {
	prev := t.m.baskets[userID]
	delete(t.m.baskets, userID)
	t.undo = append(t.undo, func() {
		if prev != nil {
			t.m.baskets[userID] = prev
		}
	})
	return len(prev), nil
}

func awaitingPickup(r domain.Reservation) bool {
	return r.Status == domain.StatusActive && r.PickupDate == nil
}
