package domain

import "time"

// Lock is one advisory lock row. At most one row exists per resource id; the
// owner is a process id minted at startup. UpdatedAt drives TTL expiry in the
// store, which is the sole recovery path when an owner crashes.
type Lock struct {
	ResourceID string    `bson:"_id"`
	OwnerID    string    `bson:"pid"`
	// omitempty: a freshly inserted row carries no timestamp until the first
	// stamp, so the TTL reaper cannot misread the zero time as expired.
	UpdatedAt time.Time `bson:"updatedAt,omitempty"`
}
