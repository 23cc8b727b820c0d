package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	facebookOAuth2 "golang.org/x/oauth2/facebook"
	githubOAuth2 "golang.org/x/oauth2/github"
	googleOAuth2 "golang.org/x/oauth2/google"
	linkedinOAuth2 "golang.org/x/oauth2/linkedin"
)

// User-info endpoints, package vars so tests can point them at a local server.
var (
	GithubUserEndpoint       = "https://api.github.com/user"
	GithubUserEmailsEndpoint = "https://api.github.com/user/emails"
	GoogleUserInfoEndpoint   = "https://www.googleapis.com/oauth2/v1/userinfo"
	FacebookUserInfoEndpoint = "https://graph.facebook.com/me"
	LinkedinProfileEndpoint  = "https://api.linkedin.com/v2/me"
	LinkedinEmailEndpoint    = "https://api.linkedin.com/v2/clientAwareMemberHandles"
)

// standardProvider statically describes a non-discovery OAuth2 provider:
// endpoints, requested scope, and its identity-fetch routine.
type standardProvider struct {
	title    string
	icon     string
	color    string
	scopes   []string
	endpoint oauth2.Endpoint
	fetch    identityFetcher
}

// standardProviders is the catalog of providers selectable by id in the
// configuration.
var standardProviders = map[string]standardProvider{
	"github": {
		title:    "GitHub",
		icon:     "mdi-github",
		color:    "#6e5494",
		scopes:   []string{"read:user", "user:email"},
		endpoint: githubOAuth2.Endpoint,
		fetch:    fetchGithubIdentity,
	},
	"google": {
		title:    "Google",
		icon:     "mdi-google",
		color:    "#0F9D58",
		scopes:   []string{"profile", "email"},
		endpoint: googleOAuth2.Endpoint,
		fetch:    fetchGoogleIdentity,
	},
	"facebook": {
		title:    "Facebook",
		icon:     "mdi-facebook",
		color:    "#3b5998",
		scopes:   []string{"email"},
		endpoint: facebookOAuth2.Endpoint,
		fetch:    fetchFacebookIdentity,
	},
	"linkedin": {
		title:    "LinkedIn",
		icon:     "mdi-linkedin",
		color:    "#016097",
		scopes:   []string{"r_liteprofile", "r_emailaddress"},
		endpoint: linkedinOAuth2.Endpoint,
		fetch:    fetchLinkedinIdentity,
	},
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

// fetchGithubIdentity needs two calls, profile and verified-email list, run in
// parallel. Email selection: the primary address, else any verified address,
// else the first returned one.
func fetchGithubIdentity(ctx context.Context, client *http.Client) (*FederatedIdentity, error) {
	var (
		rawProfile map[string]any
		emails     []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		profileErr, emailsErr error
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		profileErr = getJSON(ctx, client, GithubUserEndpoint, &rawProfile)
	}()
	go func() {
		defer wg.Done()
		emailsErr = getJSON(ctx, client, GithubUserEmailsEndpoint, &emails)
	}()
	wg.Wait()
	if profileErr != nil {
		return nil, fmt.Errorf("github: fetching profile: %w", profileErr)
	}
	if emailsErr != nil {
		return nil, fmt.Errorf("github: fetching emails: %w", emailsErr)
	}

	identity := &FederatedIdentity{
		ProviderUserID: numericID(rawProfile["id"]),
		Name:           str(rawProfile["name"]),
		AvatarURL:      str(rawProfile["avatar_url"]),
		Raw:            rawProfile,
	}
	for _, e := range emails {
		if e.Primary {
			identity.Email = e.Email
			break
		}
	}
	if identity.Email == "" {
		for _, e := range emails {
			if e.Verified {
				identity.Email = e.Email
				break
			}
		}
	}
	if identity.Email == "" && len(emails) > 0 {
		identity.Email = emails[0].Email
	}
	return identity, nil
}

func fetchGoogleIdentity(ctx context.Context, client *http.Client) (*FederatedIdentity, error) {
	var raw map[string]any
	if err := getJSON(ctx, client, GoogleUserInfoEndpoint+"?alt=json", &raw); err != nil {
		return nil, fmt.Errorf("google: fetching userinfo: %w", err)
	}
	return &FederatedIdentity{
		ProviderUserID: str(raw["id"]),
		Email:          str(raw["email"]),
		Name:           str(raw["name"]),
		FirstName:      str(raw["given_name"]),
		LastName:       str(raw["family_name"]),
		AvatarURL:      str(raw["picture"]),
		Raw:            raw,
	}, nil
}

func fetchFacebookIdentity(ctx context.Context, client *http.Client) (*FederatedIdentity, error) {
	var raw map[string]any
	if err := getJSON(ctx, client, FacebookUserInfoEndpoint+"?fields=name,first_name,last_name,email", &raw); err != nil {
		return nil, fmt.Errorf("facebook: fetching profile: %w", err)
	}
	return &FederatedIdentity{
		ProviderUserID: str(raw["id"]),
		Email:          str(raw["email"]),
		Name:           str(raw["name"]),
		FirstName:      str(raw["first_name"]),
		LastName:       str(raw["last_name"]),
		Raw:            raw,
	}, nil
}

// fetchLinkedinIdentity reads the lite profile and the member-handle
// projection carrying the email address, in parallel.
func fetchLinkedinIdentity(ctx context.Context, client *http.Client) (*FederatedIdentity, error) {
	var (
		rawProfile map[string]any
		handles    struct {
			Elements []struct {
				Handle struct {
					EmailAddress string `json:"emailAddress"`
				} `json:"handle~"`
			} `json:"elements"`
		}
		profileErr, handlesErr error
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		profileErr = getJSON(ctx, client, LinkedinProfileEndpoint, &rawProfile)
	}()
	go func() {
		defer wg.Done()
		handlesErr = getJSON(ctx, client, LinkedinEmailEndpoint+"?q=members&projection=(elements*(primary,type,handle~))", &handles)
	}()
	wg.Wait()
	if profileErr != nil {
		return nil, fmt.Errorf("linkedin: fetching profile: %w", profileErr)
	}
	if handlesErr != nil {
		return nil, fmt.Errorf("linkedin: fetching email: %w", handlesErr)
	}

	first := str(rawProfile["localizedFirstName"])
	last := str(rawProfile["localizedLastName"])
	identity := &FederatedIdentity{
		ProviderUserID: str(rawProfile["id"]),
		FirstName:      first,
		LastName:       last,
		Name:           strings.TrimSpace(first + " " + last),
		Raw:            rawProfile,
	}
	if len(handles.Elements) > 0 {
		identity.Email = handles.Elements[0].Handle.EmailAddress
	}
	return identity, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// numericID renders a JSON numeric identifier without a float exponent or
// trailing decimals.
func numericID(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case json.Number:
		return n.String()
	case string:
		return n
	default:
		return ""
	}
}
