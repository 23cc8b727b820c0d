package domain

import "time"

// Organization groups users under roles and a member quota.
type Organization struct {
	ID          string    `bson:"_id"                   json:"id"`
	Name        string    `bson:"name"                  json:"name"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time `bson:"createdAt"             json:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt"             json:"updatedAt"`
}

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)
