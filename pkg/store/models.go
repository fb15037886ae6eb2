package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID              string `gorm:"primaryKey"`
	Title           string `gorm:"not null"`
	Author          string
	Category        string `gorm:"index"`
	ISBN            string
	TotalCopies     int       `gorm:"not null;check:chk_book_total_copies,total_copies >= 0"`
	AvailableCopies int       `gorm:"not null;check:chk_book_available_copies,available_copies >= 0 AND available_copies <= total_copies"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type ReservationModel struct {
	ID              string    `gorm:"primaryKey"`
	UserID          string    `gorm:"not null;index:idx_reservation_user_status,priority:1"`
	BookID          string    `gorm:"not null;index"`
	Status          string    `gorm:"not null;index:idx_reservation_user_status,priority:2"`
	ReservationDate time.Time `gorm:"not null;index"`
	PickupDeadline  time.Time `gorm:"not null;index"`
	PickupDate      *time.Time
	ReturnDeadline  *time.Time `gorm:"index"`
	ReturnDate      *time.Time
	RenewalCount    int       `gorm:"not null;default:0"`
	Notes           string    `gorm:"type:varchar(500)"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type BasketItemModel struct {
	UserID    string    `gorm:"primaryKey"`
	BookID    string    `gorm:"primaryKey"`
	AddedDate time.Time `gorm:"not null;index"`
}

type ReservationEventModel struct {
	ID            string `gorm:"primaryKey"`
	ReservationID string `gorm:"not null;index"`
	UserID        string `gorm:"not null"`
	BookID        string `gorm:"not null"`
	ActorID       string `gorm:"not null"`
	FromStatus    string
	ToStatus      string         `gorm:"not null"`
	Details       datatypes.JSON `gorm:"type:jsonb"`
	OccurredAt    time.Time      `gorm:"not null;index"`
}
