package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"libreserve/internal/util"
	"libreserve/pkg/domain"
	"libreserve/pkg/events"
	"libreserve/pkg/store"
)

const (
	defaultMaxActiveReservations = 5
	defaultMaxExtensionDays      = 30
	maxNotesLength               = 500
	publishTimeout               = 3 * time.Second
)

// Config holds runtime configuration for the reservation engine.
type Config struct {
	Store     store.Store
	Publisher events.Publisher
	Policy    domain.Policy

	MaxActiveReservations int
	MaxExtensionDays      int

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// App is the reservation engine: ledger, basket, lifecycle and commit coordinator.
type App struct {
	store     store.Store
	publisher events.Publisher
	policy    domain.Policy
	quota     int
	maxExtend int
	now       func() time.Time
	newID     func() string
}

// New constructs the engine on top of a store.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	quota := cfg.MaxActiveReservations
	if quota <= 0 {
		quota = defaultMaxActiveReservations
	}
	maxExtend := cfg.MaxExtensionDays
	if maxExtend <= 0 {
		maxExtend = defaultMaxExtensionDays
	}
	policy := cfg.Policy
	if policy.PickupWindow <= 0 {
		policy.PickupWindow = domain.DefaultPickupWindow
	}
	if policy.LoanPeriod <= 0 {
		policy.LoanPeriod = domain.DefaultLoanPeriod
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = util.NewID
	}
	return &App{
		store:     cfg.Store,
		publisher: publisher,
		policy:    policy,
		quota:     quota,
		maxExtend: maxExtend,
		now:       now,
		newID:     newID,
	}, nil
}

// Quota returns the per-user active reservation limit.
func (a *App) Quota() int { return a.quota }

func (a *App) clock() time.Time { return a.now().UTC() }

func (a *App) logger(ctx context.Context) *slog.Logger {
	return util.LoggerFromContext(ctx)
}

// publish sends events after commit. Failures are logged only.
func (a *App) publish(ctx context.Context, evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	for _, ev := range evs {
		if err := a.publisher.Publish(pubCtx, ev); err != nil {
			a.logger(ctx).Warn("event_publish_failed", "type", ev.Type, "reservation_id", ev.ReservationID, "err", err)
		}
	}
}

func (a *App) eventFor(r domain.Reservation, evType, actorID string, at time.Time) events.Event {
	return events.Event{
		ID:            a.newID(),
		Type:          evType,
		ReservationID: r.ID,
		UserID:        r.UserID,
		BookID:        r.BookID,
		Status:        r.Status,
		ActorID:       actorID,
		OccurredAt:    at,
	}
}

// audit appends one history row inside the caller's transaction.
func (a *App) audit(tx store.Tx, r domain.Reservation, actorID string, from domain.ReservationStatus, at time.Time, details map[string]any) error {
	return tx.AppendEvent(domain.ReservationEvent{
		ID:            a.newID(),
		ReservationID: r.ID,
		UserID:        r.UserID,
		BookID:        r.BookID,
		ActorID:       actorID,
		FromStatus:    from,
		ToStatus:      r.Status,
		Details:       details,
		OccurredAt:    at,
	})
}

func validateNotes(notes string) error {
	if len([]rune(notes)) > maxNotesLength {
		return invalidInput("notes must be at most %d characters", maxNotesLength)
	}
	return nil
}
