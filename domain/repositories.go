package domain

import "context"

// UserFilter selects a single user. Exactly one field should be set.
type UserFilter struct {
	ID    string
	Email string
}

// Store is the narrow persistence interface the orchestrator depends on.
// The datastore itself is external; implementations live under mongodb.
type Store interface {
	GetUser(ctx context.Context, filter UserFilter) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// GetUserOrganizations re-reads current memberships; token claims are
	// never trusted for this.
	GetUserOrganizations(ctx context.Context, userID string) ([]OrganizationMembership, error)
	CreateUser(ctx context.Context, user *User) error
	PatchUser(ctx context.Context, id string, patch map[string]any) (*User, error)
	DeleteUser(ctx context.Context, id string) error
	HasPassword(ctx context.Context, email string) (bool, error)

	GetOrganization(ctx context.Context, id string) (*Organization, error)
	CreateOrganization(ctx context.Context, org *Organization) error
	AddMember(ctx context.Context, org *Organization, user *User, role, department string) error
	CountMembers(ctx context.Context, orgID string) (int, error)
}

// LockRepository exposes the store primitives the lock manager builds on:
// atomic insert-if-absent keyed by resource id, freshness stamping, and
// owner-scoped deletes. Rows expire automatically ttl seconds after their
// last stamp.
type LockRepository interface {
	// InsertIfAbsent creates the lock row. Returns errors.ErrLockHeld when a
	// row for resourceID already exists, whoever owns it.
	InsertIfAbsent(ctx context.Context, resourceID, ownerID string) error
	// Touch refreshes the freshness timestamp of one row.
	Touch(ctx context.Context, resourceID string) error
	// TouchAllOwned refreshes every row owned by ownerID in one batch.
	TouchAllOwned(ctx context.Context, ownerID string) error
	// DeleteIfOwned removes the row iff ownerID owns it. Not an error when
	// the row is already gone.
	DeleteIfOwned(ctx context.Context, resourceID, ownerID string) error
	DeleteAllOwned(ctx context.Context, ownerID string) error
}

// LimitsRepository reads and maintains per-organization quotas.
type LimitsRepository interface {
	Get(ctx context.Context, consumer Consumer, key string) (Limit, error)
	// SetMemberCount recomputes the member-count consumption for an
	// organization after a membership write.
	SetMemberCount(ctx context.Context, orgID string) error
}
