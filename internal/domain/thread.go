package domain

import "time"

// ThreadBinding links an end user to their assistant context. The handle
// is opaque to this service; once created it stays stable until an
// explicit clear. The durable row is authoritative, the in-memory cache
// is a latency optimization.
type ThreadBinding struct {
	UserID         string
	ThreadHandle   string
	TurnCount      int
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
