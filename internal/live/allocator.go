package live

import "github.com/google/uuid"

// Allocator generates opaque session identifiers.
type Allocator interface {
	NewSessionID() string
}

// UUIDAllocator allocates random UUIDv4 session identifiers.
type UUIDAllocator struct{}

// NewSessionID returns a new random UUID string.
func (UUIDAllocator) NewSessionID() string {
	return uuid.New().String()
}
