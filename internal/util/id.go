package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string. Used for reservation, event and request ids.
func NewID() string {
	return uuid.NewString()
}
