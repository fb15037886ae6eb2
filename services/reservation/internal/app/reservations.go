package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"libreserve/pkg/domain"
	"libreserve/pkg/events"
	"libreserve/pkg/store"
)

const (
	defaultUserListLimit  = 20
	maxUserListLimit      = 100
	defaultAdminListLimit = 50
	maxAdminListLimit     = 200
)

// ReservationView is a reservation as shown to clients, with derived fields.
type ReservationView struct {
	domain.Reservation
	CalculatedStatus domain.ReservationStatus `json:"calculatedStatus"`
	HoursRemaining   int                      `json:"hoursRemaining"`
	IsExpired        bool                     `json:"isExpired"`
	IsOverdue        bool                     `json:"isOverdue"`
	Book             *domain.BookAvailability `json:"book,omitempty"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasNext bool `json:"hasNext"`
	HasPrev bool `json:"hasPrev"`
	Showing int  `json:"showing"`
}

type ReservationPage struct {
	Reservations []ReservationView `json:"reservations"`
	Pagination   Pagination        `json:"pagination"`
}

// ListQuery is the user-facing listing filter.
type ListQuery struct {
	Status  string
	Limit   int
	Offset  int
	OrderBy string
}

// AdminQuery is the librarian listing filter.
type AdminQuery struct {
	Status string
	UserID string
	BookID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

func (a *App) view(r domain.Reservation, now time.Time, book *domain.Book) ReservationView {
	v := ReservationView{
		Reservation:      r,
		CalculatedStatus: domain.CalculatedStatus(r, now),
		HoursRemaining:   domain.HoursRemaining(r, now),
		IsExpired:        domain.IsExpired(r, now),
		IsOverdue:        domain.IsOverdue(r, now),
	}
	if book != nil {
		avail := book.Availability()
		v.Book = &avail
	}
	return v
}

// Create reserves one copy of a book for a user.
func (a *App) Create(ctx context.Context, userID, bookID, notes string) (ReservationView, error) {
	userID = strings.TrimSpace(userID)
	bookID = strings.TrimSpace(bookID)
	if userID == "" || bookID == "" {
		return ReservationView{}, invalidInput("userId and bookId required")
	}
	if err := validateNotes(notes); err != nil {
		return ReservationView{}, err
	}
	now := a.clock()
	var (
		created domain.Reservation
		book    domain.Book
	)
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockUser(userID); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		var err error
		created, book, err = a.createInTx(tx, userID, bookID, notes, now)
		return err
	})
	if err != nil {
		return ReservationView{}, err
	}
	a.logger(ctx).Info("reservation_created",
		"reservation_id", created.ID,
		"user_id", userID,
		"book_id", bookID,
		"available_copies", book.AvailableCopies,
	)
	a.publish(ctx, a.eventFor(created, events.TypeCreated, userID, now))
	return a.view(created, now, &book), nil
}

// createInTx runs the create preconditions in order: book exists, no active
// duplicate, quota, then the ledger decrement. The caller holds the user lock.
func (a *App) createInTx(tx store.Tx, userID, bookID, notes string, now time.Time) (domain.Reservation, domain.Book, error) {
	if _, found, err := tx.GetBook(bookID); err != nil {
		return domain.Reservation{}, domain.Book{}, fmt.Errorf("get book: %w", err)
	} else if !found {
		return domain.Reservation{}, domain.Book{}, ErrBookNotFound
	}
	existing, dup, err := tx.FindActiveReservation(userID, bookID)
	if err != nil {
		return domain.Reservation{}, domain.Book{}, fmt.Errorf("find active reservation: %w", err)
	}
	if dup {
		return domain.Reservation{}, domain.Book{}, &DuplicateReservationError{BookID: bookID, ReservationID: existing.ID}
	}
	active, err := tx.CountActiveReservations(userID)
	if err != nil {
		return domain.Reservation{}, domain.Book{}, fmt.Errorf("count active reservations: %w", err)
	}
	if active >= a.quota {
		return domain.Reservation{}, domain.Book{}, &QuotaError{CurrentActive: active, Requested: 1, Max: a.quota}
	}
	book, err := a.reserveCopy(tx, bookID, now)
	if err != nil {
		return domain.Reservation{}, domain.Book{}, err
	}
	r := domain.Reservation{
		ID:              a.newID(),
		UserID:          userID,
		BookID:          bookID,
		Status:          domain.StatusActive,
		ReservationDate: now,
		PickupDeadline:  a.policy.PickupDeadlineFor(now),
		Notes:           notes,
		UpdatedAt:       now,
	}
	if err := tx.CreateReservation(r); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Reservation{}, domain.Book{}, &DuplicateReservationError{BookID: bookID}
		}
		return domain.Reservation{}, domain.Book{}, fmt.Errorf("create reservation: %w", err)
	}
	if err := a.audit(tx, r, userID, "", now, map[string]any{"availableCopies": book.AvailableCopies}); err != nil {
		return domain.Reservation{}, domain.Book{}, fmt.Errorf("append event: %w", err)
	}
	return r, book, nil
}

type transitionOptions struct {
	// requireDeadlinePassed gates system expiry on the pickup deadline.
	requireDeadlinePassed bool
	// ownerMayAct lets the reservation owner perform the transition.
	ownerMayAct bool
	notes       *string
}

// transition moves one reservation to a new stored status under its row lock,
// applies the ledger side effect and writes the audit row.
func (a *App) transition(ctx context.Context, actor domain.Identity, id string, to domain.ReservationStatus, opts transitionOptions) (domain.Reservation, error) {
	if opts.notes != nil {
		if err := validateNotes(*opts.notes); err != nil {
			return domain.Reservation{}, err
		}
	}
	now := a.clock()
	var (
		updated domain.Reservation
		release ReleaseResult
	)
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		r, found, err := tx.LockReservation(id)
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}
		if !found {
			return ErrNotFound
		}
		if !authorized(actor, r, opts.ownerMayAct) {
			return ErrForbidden
		}
		from := r.Status
		if domain.IsPickedUp(r) {
			from = domain.StatusPickedUp
		}
		if !domain.CanTransition(from, to) {
			return &TransitionError{ReservationID: r.ID, From: from, To: to}
		}
		if opts.requireDeadlinePassed && !domain.IsExpired(r, now) {
			return &TransitionError{ReservationID: r.ID, From: from, To: to}
		}

		details := map[string]any{}
		switch to {
		case domain.StatusPickedUp:
			returnDeadline := a.policy.ReturnDeadlineFor(now)
			r.PickupDate = &now
			r.ReturnDeadline = &returnDeadline
		case domain.StatusReturned:
			r.ReturnDate = &now
		}
		if to == domain.StatusReturned || to == domain.StatusCancelled || to == domain.StatusExpired {
			release, err = a.releaseCopy(ctx, tx, r.BookID, r.ID, now)
			if err != nil {
				return err
			}
			details["availableCopies"] = release.Book.AvailableCopies
			if release.Clamped {
				details["inventoryClamped"] = true
			}
		}
		if opts.notes != nil {
			r.Notes = *opts.notes
		}
		r.Status = to
		r.UpdatedAt = now
		if err := tx.UpdateReservation(r); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		if err := a.audit(tx, r, actor.UserID, from, now, details); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		updated = r
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	a.logger(ctx).Info("reservation_transitioned",
		"reservation_id", updated.ID,
		"user_id", updated.UserID,
		"book_id", updated.BookID,
		"actor_id", actor.UserID,
		"status", updated.Status,
		"inventory_clamped", release.Clamped,
	)
	a.publish(ctx, a.eventFor(updated, events.TypeForStatus(to), actor.UserID, now))
	return updated, nil
}

func authorized(actor domain.Identity, r domain.Reservation, ownerMayAct bool) bool {
	if actor.IsAdmin() || actor.Role == domain.RoleSystem {
		return true
	}
	return ownerMayAct && actor.UserID == r.UserID
}

func systemIdentity() domain.Identity {
	return domain.Identity{UserID: domain.SystemActor, Role: domain.RoleSystem}
}

// MarkPickedUp records that the librarian handed the copy over.
func (a *App) MarkPickedUp(ctx context.Context, actor domain.Identity, id string) (ReservationView, error) {
	r, err := a.transition(ctx, actor, id, domain.StatusPickedUp, transitionOptions{})
	if err != nil {
		return ReservationView{}, err
	}
	return a.view(r, a.clock(), nil), nil
}

// MarkReturned records the copy coming back and releases it to the pool.
func (a *App) MarkReturned(ctx context.Context, actor domain.Identity, id string) (ReservationView, error) {
	r, err := a.transition(ctx, actor, id, domain.StatusReturned, transitionOptions{})
	if err != nil {
		return ReservationView{}, err
	}
	return a.view(r, a.clock(), nil), nil
}

// Cancel is allowed for the owner or an admin while the reservation is active.
func (a *App) Cancel(ctx context.Context, requester domain.Identity, id string) (ReservationView, error) {
	r, err := a.transition(ctx, requester, id, domain.StatusCancelled, transitionOptions{ownerMayAct: true})
	if err != nil {
		return ReservationView{}, err
	}
	return a.view(r, a.clock(), nil), nil
}

// Expire is the system transition for a reservation past its pickup deadline.
func (a *App) Expire(ctx context.Context, id string) (ReservationView, error) {
	r, err := a.transition(ctx, systemIdentity(), id, domain.StatusExpired, transitionOptions{requireDeadlinePassed: true})
	if err != nil {
		return ReservationView{}, err
	}
	return a.view(r, a.clock(), nil), nil
}

// ForceExpire lets an admin expire an active reservation regardless of its deadline.
func (a *App) ForceExpire(ctx context.Context, actor domain.Identity, id string) (ReservationView, error) {
	if !actor.IsAdmin() {
		return ReservationView{}, ErrForbidden
	}
	r, err := a.transition(ctx, actor, id, domain.StatusExpired, transitionOptions{})
	if err != nil {
		return ReservationView{}, err
	}
	return a.view(r, a.clock(), nil), nil
}

// AdminUpdateStatus dispatches a librarian status change to the matching transition.
func (a *App) AdminUpdateStatus(ctx context.Context, actor domain.Identity, id, rawStatus string, notes *string) (ReservationView, error) {
	if !actor.IsAdmin() {
		return ReservationView{}, ErrForbidden
	}
	target, ok := domain.ParseStoredStatus(rawStatus)
	if !ok {
		return ReservationView{}, invalidInput("unknown status %q", rawStatus)
	}
	r, err := a.transition(ctx, actor, id, target, transitionOptions{notes: notes})
	if err != nil {
		return ReservationView{}, err
	}
	return a.view(r, a.clock(), nil), nil
}

// ExtendReturnDeadline pushes a loan's return deadline by days.
func (a *App) ExtendReturnDeadline(ctx context.Context, actor domain.Identity, id string, days int) (ReservationView, error) {
	if !actor.IsAdmin() {
		return ReservationView{}, ErrForbidden
	}
	if days < 1 || days > a.maxExtend {
		return ReservationView{}, invalidInput("days must be between 1 and %d", a.maxExtend)
	}
	now := a.clock()
	var (
		updated  domain.Reservation
		previous time.Time
	)
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		r, found, err := tx.LockReservation(id)
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}
		if !found {
			return ErrNotFound
		}
		if !domain.IsPickedUp(r) {
			return fmt.Errorf("%w: only picked-up reservations can be extended (status %s)", ErrInvalidState, r.Status)
		}
		base := now
		if r.ReturnDeadline != nil {
			base = *r.ReturnDeadline
		} else if r.PickupDate != nil {
			base = a.policy.ReturnDeadlineFor(*r.PickupDate)
		}
		previous = base
		next := base.AddDate(0, 0, days)
		r.ReturnDeadline = &next
		r.RenewalCount++
		r.UpdatedAt = now
		if err := tx.UpdateReservation(r); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		if err := a.audit(tx, r, actor.UserID, r.Status, now, map[string]any{
			"action":           "extend",
			"days":             days,
			"previousDeadline": previous,
			"newDeadline":      next,
		}); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		updated = r
		return nil
	})
	if err != nil {
		return ReservationView{}, err
	}
	a.logger(ctx).Info("reservation_extended",
		"reservation_id", updated.ID,
		"actor_id", actor.UserID,
		"days", days,
		"renewal_count", updated.RenewalCount,
	)
	a.publish(ctx, a.eventFor(updated, events.TypeExtended, actor.UserID, now))
	return a.view(updated, now, nil), nil
}

// UpdateNotes replaces a reservation's notes. Any status is allowed.
func (a *App) UpdateNotes(ctx context.Context, requester domain.Identity, id, notes string) (ReservationView, error) {
	if err := validateNotes(notes); err != nil {
		return ReservationView{}, err
	}
	now := a.clock()
	var updated domain.Reservation
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		r, found, err := tx.LockReservation(id)
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}
		if !found {
			return ErrNotFound
		}
		if !authorized(requester, r, true) {
			return ErrForbidden
		}
		r.Notes = notes
		r.UpdatedAt = now
		if err := tx.UpdateReservation(r); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		if err := a.audit(tx, r, requester.UserID, r.Status, now, map[string]any{"action": "update_notes"}); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		updated = r
		return nil
	})
	if err != nil {
		return ReservationView{}, err
	}
	return a.view(updated, now, nil), nil
}

// Get returns one reservation visible to the requester.
func (a *App) Get(ctx context.Context, requester domain.Identity, id string) (ReservationView, error) {
	r, found, err := a.store.GetReservation(ctx, id)
	if err != nil {
		return ReservationView{}, fmt.Errorf("get reservation: %w", err)
	}
	if !found {
		return ReservationView{}, ErrNotFound
	}
	if !authorized(requester, r, true) {
		return ReservationView{}, ErrForbidden
	}
	book, found, err := a.store.GetBook(ctx, r.BookID)
	if err != nil {
		return ReservationView{}, fmt.Errorf("get book: %w", err)
	}
	if !found {
		return a.view(r, a.clock(), nil), nil
	}
	return a.view(r, a.clock(), &book), nil
}

// History returns the audit trail of one reservation.
func (a *App) History(ctx context.Context, requester domain.Identity, id string) ([]domain.ReservationEvent, error) {
	r, found, err := a.store.GetReservation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	if !authorized(requester, r, true) {
		return nil, ErrForbidden
	}
	return a.store.ListEvents(ctx, id)
}

// ListForUser pages through one user's reservations.
func (a *App) ListForUser(ctx context.Context, userID string, q ListQuery) (ReservationPage, error) {
	filter := store.ReservationFilter{UserID: userID}
	status, err := parseStatusQuery(q.Status)
	if err != nil {
		return ReservationPage{}, err
	}
	filter.Status = status
	switch strings.ToLower(strings.TrimSpace(q.OrderBy)) {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		return ReservationPage{}, invalidInput("orderBy must be asc or desc")
	}
	filter.Limit = clampLimit(q.Limit, defaultUserListLimit, maxUserListLimit)
	filter.Offset = max(q.Offset, 0)
	return a.listPage(ctx, filter)
}

// AdminList pages through all reservations.
func (a *App) AdminList(ctx context.Context, actor domain.Identity, q AdminQuery) (ReservationPage, error) {
	if !actor.IsAdmin() {
		return ReservationPage{}, ErrForbidden
	}
	status, err := parseStatusQuery(q.Status)
	if err != nil {
		return ReservationPage{}, err
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return ReservationPage{}, invalidInput("to must not be before from")
	}
	filter := store.ReservationFilter{
		UserID: strings.TrimSpace(q.UserID),
		BookID: strings.TrimSpace(q.BookID),
		Status: status,
		From:   q.From,
		To:     q.To,
		Limit:  clampLimit(q.Limit, defaultAdminListLimit, maxAdminListLimit),
		Offset: max(q.Offset, 0),
	}
	return a.listPage(ctx, filter)
}

func (a *App) listPage(ctx context.Context, filter store.ReservationFilter) (ReservationPage, error) {
	now := a.clock()
	filter.Now = now
	total, err := a.store.CountReservations(ctx, filter)
	if err != nil {
		return ReservationPage{}, fmt.Errorf("count reservations: %w", err)
	}
	rows, err := a.store.ListReservations(ctx, filter)
	if err != nil {
		return ReservationPage{}, fmt.Errorf("list reservations: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.BookID)
	}
	books, err := a.store.GetBooks(ctx, ids)
	if err != nil {
		return ReservationPage{}, fmt.Errorf("get books: %w", err)
	}
	views := make([]ReservationView, 0, len(rows))
	for _, r := range rows {
		if book, ok := books[r.BookID]; ok {
			views = append(views, a.view(r, now, &book))
			continue
		}
		views = append(views, a.view(r, now, nil))
	}
	return ReservationPage{
		Reservations: views,
		Pagination: Pagination{
			Total:   total,
			Limit:   filter.Limit,
			Offset:  filter.Offset,
			HasNext: filter.Offset+len(views) < total,
			HasPrev: filter.Offset > 0,
			Showing: len(views),
		},
	}, nil
}

func parseStatusQuery(raw string) (domain.ReservationStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "all") {
		return "", nil
	}
	status, ok := domain.ParseStatusFilter(raw)
	if !ok {
		return "", invalidInput("unknown status %q", raw)
	}
	return status, nil
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}
