package domain

import (
	"strings"
	"time"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"

	// RoleSystem is used by in-process jobs only; tokens never carry it.
	RoleSystem UserRole = "system"
)

// Identity is the caller as asserted by the auth boundary.
type Identity struct {
	UserID string   `json:"userId"`
	Role   UserRole `json:"role"`
}

// IsAdmin reports whether the caller may act on other users' reservations.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// SystemActor marks transitions performed by background jobs.
const SystemActor = "system"

type ReservationStatus string

const (
	StatusActive    ReservationStatus = "active"
	StatusPickedUp  ReservationStatus = "picked-up"
	StatusReturned  ReservationStatus = "returned"
	StatusCancelled ReservationStatus = "cancelled"
	StatusExpired   ReservationStatus = "expired"

	// StatusOverdue is derived only; it is never stored.
	StatusOverdue ReservationStatus = "overdue"
)

// transitions is the complete lifecycle table. Anything not listed is rejected.
var transitions = map[ReservationStatus][]ReservationStatus{
	StatusActive:   {StatusPickedUp, StatusCancelled, StatusExpired},
	StatusPickedUp: {StatusReturned},
}

// CanTransition reports whether a stored reservation may move from one status to another.
func CanTransition(from, to ReservationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s ReservationStatus) IsTerminal() bool {
	return s == StatusReturned || s == StatusCancelled || s == StatusExpired
}

// HoldsCopy reports whether a reservation in this status keeps a copy out of the pool.
func (s ReservationStatus) HoldsCopy() bool {
	return s == StatusActive || s == StatusPickedUp
}

// ParseStoredStatus parses a persisted status. Derived statuses are rejected.
func ParseStoredStatus(raw string) (ReservationStatus, bool) {
	switch ReservationStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive, true
	case StatusPickedUp:
		return StatusPickedUp, true
	case StatusReturned:
		return StatusReturned, true
	case StatusCancelled:
		return StatusCancelled, true
	case StatusExpired:
		return StatusExpired, true
	default:
		return "", false
	}
}

// ParseStatusFilter parses any status a client may filter on, including derived ones.
func ParseStatusFilter(raw string) (ReservationStatus, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == string(StatusOverdue) {
		return StatusOverdue, true
	}
	return ParseStoredStatus(raw)
}

type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	Category        string    `json:"category,omitempty"`
	ISBN            string    `json:"isbn,omitempty"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// BookAvailability is the ledger view of a single book.
type BookAvailability struct {
	BookID          string `json:"bookId"`
	Title           string `json:"title"`
	Author          string `json:"author,omitempty"`
	AvailableCopies int    `json:"availableCopies"`
	TotalCopies     int    `json:"totalCopies"`
	Available       bool   `json:"available"`
}

// Availability returns the ledger view of the book.
func (b Book) Availability() BookAvailability {
	return BookAvailability{
		BookID:          b.ID,
		Title:           b.Title,
		Author:          b.Author,
		AvailableCopies: b.AvailableCopies,
		TotalCopies:     b.TotalCopies,
		Available:       b.AvailableCopies > 0,
	}
}

type Reservation struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	BookID          string            `json:"bookId"`
	Status          ReservationStatus `json:"status"`
	ReservationDate time.Time         `json:"reservationDate"`
	PickupDeadline  time.Time         `json:"pickupDeadline"`
	PickupDate      *time.Time        `json:"pickupDate,omitempty"`
	ReturnDeadline  *time.Time        `json:"returnDeadline,omitempty"`
	ReturnDate      *time.Time        `json:"returnDate,omitempty"`
	RenewalCount    int               `json:"renewalCount"`
	Notes           string            `json:"notes"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

type BasketItem struct {
	UserID    string    `json:"userId"`
	BookID    string    `json:"bookId"`
	AddedDate time.Time `json:"addedDate"`
}

// ReservationEvent is one row of a reservation's audit history.
type ReservationEvent struct {
	ID            string            `json:"id"`
	ReservationID string            `json:"reservationId"`
	UserID        string            `json:"userId"`
	BookID        string            `json:"bookId"`
	ActorID       string            `json:"actorId"`
	FromStatus    ReservationStatus `json:"fromStatus,omitempty"`
	ToStatus      ReservationStatus `json:"toStatus"`
	Details       map[string]any    `json:"details,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
}
