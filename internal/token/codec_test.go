package token_test

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/token"
)

func newTestCodec(t *testing.T) *token.Codec {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return token.NewCodecFromKeys(key, "test-key-1")
}

func sampleClaims() *token.Claims {
	return &token.Claims{
		ID:    "user-1",
		Email: "a@x.com",
		Name:  "Ada Lovelace",
		Organizations: []domain.OrganizationMembership{
			{ID: "org1", Name: "Org One", Role: "admin"},
			{ID: "org2", Name: "Org Two", Role: "member", Department: "r&d"},
		},
		IsAdmin: true,
	}
}

func TestCodec_SignVerifyRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	signed, err := codec.Sign(sampleClaims(), time.Hour)
	require.NoError(t, err)

	got, err := codec.Verify(signed)
	require.NoError(t, err)

	assert.Equal(t, "user-1", got.ID)
	assert.Equal(t, "a@x.com", got.Email)
	assert.Equal(t, "Ada Lovelace", got.Name)
	assert.True(t, got.IsAdmin)
	require.Len(t, got.Organizations, 2)
	assert.Equal(t, "org1", got.Organizations[0].ID)
	assert.Equal(t, "r&d", got.Organizations[1].Department)

	require.NotNil(t, got.ExpiresAt)
	require.NotNil(t, got.IssuedAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), got.ExpiresAt.Time, 5*time.Second)
}

func TestCodec_VerifyExpired(t *testing.T) {
	codec := newTestCodec(t)

	signed, err := codec.Sign(sampleClaims(), -time.Minute)
	require.NoError(t, err)

	_, err = codec.Verify(signed)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
	assert.False(t, errors.Is(err, apperrors.ErrInvalidSignature))

	// Expired tokens stay decodable so a stale link can still produce a
	// helpful redirect.
	decoded, err := codec.Decode(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", decoded.ID)
	assert.Equal(t, "a@x.com", decoded.Email)
}

func TestCodec_VerifyWrongKeypair(t *testing.T) {
	signer := newTestCodec(t)
	verifier := newTestCodec(t)

	// Not yet expired, so the failure must be the signature, never expiry.
	signed, err := signer.Sign(sampleClaims(), time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(signed)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
	assert.False(t, errors.Is(err, apperrors.ErrTokenExpired))

	// Same for an expired foreign token: signature wins.
	signedExpired, err := signer.Sign(sampleClaims(), -time.Minute)
	require.NoError(t, err)
	_, err = verifier.Verify(signedExpired)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestCodec_VerifyGarbage(t *testing.T) {
	codec := newTestCodec(t)
	_, err := codec.Verify("not-a-token")
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestClaims_StripVolatile(t *testing.T) {
	codec := newTestCodec(t)

	signed, err := codec.Sign(sampleClaims(), time.Hour)
	require.NoError(t, err)
	claims, err := codec.Verify(signed)
	require.NoError(t, err)

	claims.StripVolatile()
	assert.Nil(t, claims.IssuedAt)
	assert.Nil(t, claims.ExpiresAt)

	// Re-signing after the strip mints a fresh expiry.
	renewed, err := codec.Sign(claims, 2*time.Hour)
	require.NoError(t, err)
	got, err := codec.Verify(renewed)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), got.ExpiresAt.Time, 5*time.Second)
}
