package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "go.pilab.hu/directory/errors"
)

// Invitation is the claims subset carried by an organization invitation link.
type Invitation struct {
	OrganizationID   string `json:"id"`
	OrganizationName string `json:"name,omitempty"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	Department       string `json:"department,omitempty"`
	Redirect         string `json:"redirect,omitempty"`
}

// ShortInvitation is the field-name-compressed form embedded in the token, so
// the invitation fits comfortably in a URL query parameter.
type ShortInvitation struct {
	jwt.RegisteredClaims

	OrganizationID   string `json:"id"`
	OrganizationName string `json:"n,omitempty"`
	Email            string `json:"e"`
	Role             string `json:"r"`
	Department       string `json:"d,omitempty"`
	Redirect         string `json:"rd,omitempty"`
}

// ShortenInvitation applies the reversible field-renaming transform.
func ShortenInvitation(inv *Invitation) *ShortInvitation {
	return &ShortInvitation{
		OrganizationID:   inv.OrganizationID,
		OrganizationName: inv.OrganizationName,
		Email:            inv.Email,
		Role:             inv.Role,
		Department:       inv.Department,
		Redirect:         inv.Redirect,
	}
}

// UnshortenInvitation reverses ShortenInvitation exactly.
func UnshortenInvitation(short *ShortInvitation) *Invitation {
	return &Invitation{
		OrganizationID:   short.OrganizationID,
		OrganizationName: short.OrganizationName,
		Email:            short.Email,
		Role:             short.Role,
		Department:       short.Department,
		Redirect:         short.Redirect,
	}
}

// SignInvitation shortens and signs an invitation. Invitation tokens live
// shorter than session tokens; the ttl comes from configuration.
func (c *Codec) SignInvitation(inv *Invitation, ttl time.Duration) (string, error) {
	short := ShortenInvitation(inv)
	now := time.Now()
	short.IssuedAt = jwt.NewNumericDate(now)
	short.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, short)
	tok.Header["kid"] = c.keyID
	signed, err := tok.SignedString(c.private)
	if err != nil {
		return "", fmt.Errorf("signing invitation: %w", err)
	}
	return signed, nil
}

// VerifyInvitation verifies the signature and expiry, then unshortens.
func (c *Codec) VerifyInvitation(tokenString string) (*Invitation, error) {
	short := &ShortInvitation{}
	_, err := jwt.ParseWithClaims(tokenString, short, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return c.public, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidSignature, err)
	}
	return UnshortenInvitation(short), nil
}

// DecodeInvitation parses without verifying. Used only to build a correct
// redirect for a stale link; the result must never back a membership write.
func (c *Codec) DecodeInvitation(tokenString string) (*Invitation, error) {
	short := &ShortInvitation{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, short); err != nil {
		return nil, fmt.Errorf("decoding invitation: %w", err)
	}
	return UnshortenInvitation(short), nil
}
