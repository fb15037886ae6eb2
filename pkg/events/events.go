package events

import (
	"context"
	"time"

	"libreserve/pkg/domain"
)

const (
	TypeCreated   = "reservation.created"
	TypePickedUp  = "reservation.picked_up"
	TypeReturned  = "reservation.returned"
	TypeCancelled = "reservation.cancelled"
	TypeExpired   = "reservation.expired"
	TypeExtended  = "reservation.extended"
)

// Event is the published form of a committed reservation transition.
type Event struct {
	ID            string                   `json:"id"`
	Type          string                   `json:"type"`
	ReservationID string                   `json:"reservationId"`
	UserID        string                   `json:"userId"`
	BookID        string                   `json:"bookId"`
	Status        domain.ReservationStatus `json:"status"`
	ActorID       string                   `json:"actorId,omitempty"`
	OccurredAt    time.Time                `json:"occurredAt"`
}

// TypeForStatus returns the event type emitted when a reservation enters status.
func TypeForStatus(status domain.ReservationStatus) string {
	switch status {
	case domain.StatusActive:
		return TypeCreated
	case domain.StatusPickedUp:
		return TypePickedUp
	case domain.StatusReturned:
		return TypeReturned
	case domain.StatusCancelled:
		return TypeCancelled
	case domain.StatusExpired:
		return TypeExpired
	default:
		return ""
	}
}

// Publisher delivers events after the owning transaction committed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
