package token_test

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/token"
)

func TestShortenInvitation_RoundTrip(t *testing.T) {
	cases := []token.Invitation{
		{OrganizationID: "org1", Email: "a@x.com", Role: "member"},
		{OrganizationID: "org2", OrganizationName: "Org Two", Email: "b@x.com", Role: "admin", Department: "sales"},
		{OrganizationID: "org3", Email: "c@x.com", Role: "member", Redirect: "https://app.example.com/welcome"},
		{OrganizationID: "org4", OrganizationName: "Full", Email: "d@x.com", Role: "admin", Department: "r&d", Redirect: "https://x"},
	}
	for _, inv := range cases {
		got := token.UnshortenInvitation(token.ShortenInvitation(&inv))
		assert.Equal(t, inv, *got)
	}
}

func TestShortenInvitation_CompressesFieldNames(t *testing.T) {
	codec := newTestCodec(t)
	inv := &token.Invitation{
		OrganizationID: "org1",
		Email:          "a@x.com",
		Role:           "member",
		Department:     "sales",
		Redirect:       "https://app.example.com",
	}
	signed, err := codec.SignInvitation(inv, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	assert.Contains(t, raw, "e")
	assert.Contains(t, raw, "r")
	assert.Contains(t, raw, "d")
	assert.Contains(t, raw, "rd")
	assert.NotContains(t, raw, "email")
	assert.NotContains(t, raw, "role")
	assert.NotContains(t, raw, "redirect")
}

func TestCodec_InvitationSignVerify(t *testing.T) {
	codec := newTestCodec(t)
	inv := &token.Invitation{OrganizationID: "org1", OrganizationName: "Org One", Email: "a@x.com", Role: "member"}

	signed, err := codec.SignInvitation(inv, time.Hour)
	require.NoError(t, err)

	got, err := codec.VerifyInvitation(signed)
	require.NoError(t, err)
	assert.Equal(t, *inv, *got)
}

func TestCodec_InvitationExpiredStillDecodable(t *testing.T) {
	codec := newTestCodec(t)
	inv := &token.Invitation{OrganizationID: "org1", Email: "a@x.com", Role: "member"}

	signed, err := codec.SignInvitation(inv, 0)
	require.NoError(t, err)

	_, err = codec.VerifyInvitation(signed)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)

	decoded, err := codec.DecodeInvitation(signed)
	require.NoError(t, err)
	assert.Equal(t, "org1", decoded.OrganizationID)
	assert.Equal(t, "a@x.com", decoded.Email)
	assert.Equal(t, "member", decoded.Role)
}

func TestCodec_InvitationForeignKeypair(t *testing.T) {
	signer := newTestCodec(t)
	verifier := newTestCodec(t)

	signed, err := signer.SignInvitation(&token.Invitation{OrganizationID: "org1", Email: "a@x.com", Role: "member"}, time.Hour)
	require.NoError(t, err)

	_, err = verifier.VerifyInvitation(signed)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}
