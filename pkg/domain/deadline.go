package domain

import "time"

const (
	DefaultPickupWindow = 48 * time.Hour
	DefaultLoanPeriod   = 14 * 24 * time.Hour
)

// Policy computes deadlines and derived statuses from timestamps.
// All methods are pure; none of them touch storage.
type Policy struct {
	PickupWindow time.Duration
	LoanPeriod   time.Duration
}

// DefaultPolicy is the 48h pickup / 14 day loan policy.
func DefaultPolicy() Policy {
	return Policy{PickupWindow: DefaultPickupWindow, LoanPeriod: DefaultLoanPeriod}
}

func (p Policy) normalized() Policy {
	if p.PickupWindow <= 0 {
		p.PickupWindow = DefaultPickupWindow
	}
	if p.LoanPeriod <= 0 {
		p.LoanPeriod = DefaultLoanPeriod
	}
	return p
}

// PickupDeadlineFor returns the pickup deadline of a reservation made at t.
func (p Policy) PickupDeadlineFor(t time.Time) time.Time {
	return t.Add(p.normalized().PickupWindow)
}

// ReturnDeadlineFor returns the return deadline of a copy picked up at t.
func (p Policy) ReturnDeadlineFor(t time.Time) time.Time {
	return t.Add(p.normalized().LoanPeriod)
}

// IsPickedUp treats the legacy "active with pickup date" rows like picked-up ones.
func IsPickedUp(r Reservation) bool {
	if r.Status == StatusPickedUp {
		return true
	}
	return r.Status == StatusActive && r.PickupDate != nil
}

// IsExpired reports whether an active reservation has passed its pickup deadline.
func IsExpired(r Reservation, now time.Time) bool {
	if r.Status != StatusActive || IsPickedUp(r) {
		return false
	}
	return now.After(r.PickupDeadline)
}

// IsOverdue reports whether a picked-up copy has passed its return deadline.
func IsOverdue(r Reservation, now time.Time) bool {
	if !IsPickedUp(r) || r.ReturnDeadline == nil {
		return false
	}
	return now.After(*r.ReturnDeadline)
}

// CalculatedStatus is the status shown to clients.
func CalculatedStatus(r Reservation, now time.Time) ReservationStatus {
	switch {
	case IsOverdue(r, now):
		return StatusOverdue
	case IsExpired(r, now):
		return StatusExpired
	case IsPickedUp(r):
		return StatusPickedUp
	default:
		return r.Status
	}
}

// HoursRemaining is signed: negative once the relevant deadline has passed.
// It counts to the pickup deadline before pickup and to the return deadline after.
// Terminal reservations report 0.
func HoursRemaining(r Reservation, now time.Time) int {
	if r.Status.IsTerminal() {
		return 0
	}
	deadline := r.PickupDeadline
	if IsPickedUp(r) {
		if r.ReturnDeadline == nil {
			return 0
		}
		deadline = *r.ReturnDeadline
	}
	return int(deadline.Sub(now) / time.Hour)
}
