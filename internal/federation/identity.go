// Package federation turns heterogeneous external identity protocols
// (OAuth2, OIDC, SAML2) into one capability surface per provider. Providers
// are built once at startup from static configuration plus discovered
// metadata, and are immutable afterwards.
package federation

import (
	"net/url"
	"strings"
)

// FederatedIdentity is the normalized user record every provider adapter must
// produce, regardless of wire protocol.
type FederatedIdentity struct {
	ProviderUserID string         `json:"id"`
	Email          string         `json:"email"`
	Name           string         `json:"name,omitempty"`
	FirstName      string         `json:"firstName,omitempty"`
	LastName       string         `json:"lastName,omitempty"`
	AvatarURL      string         `json:"avatarUrl,omitempty"`
	Raw            map[string]any `json:"-"`
}

// ProviderID derives a stable provider id from a URL: the slugified host.
// Invalid URLs fall back to slugifying the raw string.
func ProviderID(rawURL string) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(host) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
