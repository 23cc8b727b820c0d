// Package token signs, verifies and decodes the self-contained session and
// invitation tokens. Signing is asymmetric (RS256) so any holder of the public
// key, including other processes, can verify without sharing a secret.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
)

// Claims is the structured payload embedded in a signed token. Once signed the
// content is immutable: renewal always builds a fresh Claims value.
type Claims struct {
	jwt.RegisteredClaims

	ID             string                          `json:"id"`
	Email          string                          `json:"email"`
	Name           string                          `json:"name,omitempty"`
	Organizations  []domain.OrganizationMembership `json:"organizations,omitempty"`
	IsAdmin        bool                            `json:"isAdmin,omitempty"`
	EmailConfirmed bool                            `json:"emailConfirmed,omitempty"`
	Action         string                          `json:"action,omitempty"`
	Temporary      bool                            `json:"temporary,omitempty"`
}

// Codec holds the process-wide keypair, loaded once at startup and immutable
// for the process lifetime.
type Codec struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	keyID   string
}

// NewCodec loads the private signing key and public verification key from two
// PEM files.
func NewCodec(privateKeyFile, publicKeyFile, keyID string) (*Codec, error) {
	privPEM, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", privateKeyFile, err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", privateKeyFile, err)
	}
	pubPEM, err := os.ReadFile(publicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading public key %s: %w", publicKeyFile, err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing public key %s: %w", publicKeyFile, err)
	}
	return &Codec{private: priv, public: pub, keyID: keyID}, nil
}

// NewCodecFromKeys builds a codec from an in-memory keypair. Used by tests.
func NewCodecFromKeys(private *rsa.PrivateKey, keyID string) *Codec {
	return &Codec{private: private, public: &private.PublicKey, keyID: keyID}
}

// Sign stamps issued-at and expiry = now+ttl on a copy of the claims and signs
// it with the private key.
func (c *Codec) Sign(claims *Claims, ttl time.Duration) (string, error) {
	stamped := *claims
	now := time.Now()
	stamped.IssuedAt = jwt.NewNumericDate(now)
	stamped.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &stamped)
	tok.Header["kid"] = c.keyID
	signed, err := tok.SignedString(c.private)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry. Expiry and bad signature are
// distinguishable: expired-but-once-valid tokens still qualify for partial
// trust (Decode), a bad signature never does.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return c.public, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, apperrors.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid),
			errors.Is(err, jwt.ErrTokenMalformed),
			errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidSignature, err)
		}
	}
	return claims, nil
}

// Decode parses the claims without verifying the signature. Only used to
// recover context from a token already known to have failed verification due
// to expiry, never to authorize anything.
func (c *Codec) Decode(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return claims, nil
}

// StripVolatile removes the issuance-specific fields before a renewal re-sign.
func (cl *Claims) StripVolatile() {
	cl.IssuedAt = nil
	cl.ExpiresAt = nil
	cl.NotBefore = nil
}

// UserClaims builds the claims for a user, with memberships as re-read from
// the store. isAdmin is only embedded when set, mirroring the wire shape.
func UserClaims(u *domain.User, organizations []domain.OrganizationMembership, isAdmin bool) *Claims {
	return &Claims{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.DisplayName(),
		Organizations: organizations,
		IsAdmin:       isAdmin,
	}
}
