package domain

import (
	"strings"
	"time"
)

// OrganizationMembership is one entry of a user's ordered organization list.
// It is recomputed from the store at every token issuance; the copy embedded in
// a signed token is never treated as current membership truth.
type OrganizationMembership struct {
	ID         string `bson:"id"                   json:"id"`
	Name       string `bson:"name"                 json:"name"`
	Role       string `bson:"role"                 json:"role"`
	Department string `bson:"department,omitempty" json:"department,omitempty"`
}

// User is a directory account. Password is optional: accounts created through
// passwordless login or a federated provider have no hash until they set one.
type User struct {
	ID                    string                   `bson:"_id"                             json:"id"`
	Email                 string                   `bson:"email"                           json:"email"`
	FirstName             string                   `bson:"firstName,omitempty"             json:"firstName,omitempty"`
	LastName              string                   `bson:"lastName,omitempty"              json:"lastName,omitempty"`
	Name                  string                   `bson:"name,omitempty"                  json:"name,omitempty"`
	EmailConfirmed        bool                     `bson:"emailConfirmed"                  json:"emailConfirmed"`
	PasswordHash          string                   `bson:"password,omitempty"              json:"-"`
	Organizations         []OrganizationMembership `bson:"organizations,omitempty"         json:"organizations,omitempty"`
	DefaultOrg            string                   `bson:"defaultOrg,omitempty"            json:"defaultOrg,omitempty"`
	DefaultDep            string                   `bson:"defaultDep,omitempty"            json:"defaultDep,omitempty"`
	IgnorePersonalAccount bool                     `bson:"ignorePersonalAccount,omitempty" json:"ignorePersonalAccount,omitempty"`
	AvatarURL             string                   `bson:"-"                               json:"avatarUrl,omitempty"`
	CreatedAt             time.Time                `bson:"createdAt"                       json:"createdAt"`
	UpdatedAt             time.Time                `bson:"updatedAt"                       json:"updatedAt"`
}

// DisplayName builds the human name shown in tokens and notifications:
// "First Last" when available, otherwise the local part of the email.
func (u *User) DisplayName() string {
	full := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if full != "" {
		return full
	}
	if at := strings.IndexByte(u.Email, '@'); at > 0 {
		return u.Email[:at]
	}
	return u.Email
}

// Membership returns the user's membership in the given organization, or nil.
func (u *User) Membership(orgID string) *OrganizationMembership {
	for i := range u.Organizations {
		if u.Organizations[i].ID == orgID {
			return &u.Organizations[i]
		}
	}
	return nil
}
