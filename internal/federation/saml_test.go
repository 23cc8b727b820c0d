package federation

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/xml"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIDPMetadata = `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.com/saml">
  <IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.com/sso"/>
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location="https://idp.example.com/sso"/>
  </IDPSSODescriptor>
</EntityDescriptor>`

func newTestSAMLKeyPair(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dir.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

func newTestSAMLProvider(t *testing.T) *SAMLProvider {
	t.Helper()
	p, err := newSAMLProvider(context.Background(), SAMLProviderConfig{
		Title:       "Example IdP",
		MetadataXML: testIDPMetadata,
	}, newTestSAMLKeyPair(t), "https://dir.example.com")
	require.NoError(t, err)
	return p
}

func TestSAMLAuthorizationURLTracksRequestID(t *testing.T) {
	p := newTestSAMLProvider(t)
	assert.Equal(t, "idp-example-com", p.ID())

	authURL, err := p.AuthorizationURL("/dest")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", u.Host)
	assert.Equal(t, "/dest", u.Query().Get("RelayState"))

	raw, err := base64.StdEncoding.DecodeString(u.Query().Get("SAMLRequest"))
	require.NoError(t, err)
	inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	var req struct {
		ID string `xml:"ID,attr"`
	}
	require.NoError(t, xml.Unmarshal(inflated, &req))
	require.NotEmpty(t, req.ID)

	// The assertion handler only accepts responses to requests it issued,
	// so the ID must be tracked until it is redeemed or ages out.
	assert.True(t, p.requests.Has(req.ID))
	assert.Contains(t, p.requests.Keys(), req.ID)
}

func TestSAMLParseAssertionRejectsUnsolicitedResponse(t *testing.T) {
	p := newTestSAMLProvider(t)

	form := url.Values{"SAMLResponse": {base64.StdEncoding.EncodeToString([]byte("<Response/>"))}}
	req := httptest.NewRequest(http.MethodPost, "https://dir.example.com/api/auth/saml2-assert", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err := p.ParseAssertion(req)
	require.Error(t, err)
}
