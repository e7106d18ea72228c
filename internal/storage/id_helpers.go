package storage

import "github.com/google/uuid"

// NewID returns a fresh opaque record identity.
func NewID() string {
	return uuid.NewString()
}
