// Package oauth implements the authorization code flow for the configured
// login provider.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/eugenenazirov/dashconf/internal/config"
)

// ErrNoEmail is returned when the provider's profile carries no email address.
var ErrNoEmail = errors.New("provider returned no email")

// UserInfo is the profile returned by the provider's userinfo endpoint.
type UserInfo struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

// Provider drives one OAuth provider.
type Provider struct {
	name      string
	icon      string
	conf      *oauth2.Config
	apiBase   string
	whitelist []string
	params    []oauth2.AuthCodeOption
}

// NewProvider builds a Provider that redirects back to redirectURL.
func NewProvider(p config.OAuthProvider, redirectURL string) *Provider {
	style := oauth2.AuthStyleAutoDetect
	switch strings.ToUpper(p.AccessTokenMethod) {
	case http.MethodPost:
		style = oauth2.AuthStyleInParams
	case http.MethodGet:
		style = oauth2.AuthStyleInHeader
	}

	keys := make([]string, 0, len(p.AccessTokenParams))
	for k := range p.AccessTokenParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, k := range keys {
		params = append(params, oauth2.SetAuthURLParam(k, p.AccessTokenParams[k]))
	}

	apiBase := p.APIBaseURL
	if apiBase != "" && !strings.HasSuffix(apiBase, "/") {
		apiBase += "/"
	}

	return &Provider{
		name: p.Name,
		icon: p.Icon,
		conf: &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Scopes:       p.Scopes,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   p.AuthorizeURL,
				TokenURL:  p.AccessTokenURL,
				AuthStyle: style,
			},
		},
		apiBase:   apiBase,
		whitelist: p.Whitelist,
		params:    params,
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Icon() string { return p.icon }

// NewState returns an unguessable value for the state parameter.
func NewState() string {
	return uuid.NewString()
}

// AuthCodeURL returns the provider's consent page URL.
func (p *Provider) AuthCodeURL(state string) string {
	return p.conf.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token, sending the
// configured access token params along with the request.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.conf.Exchange(ctx, code, p.params...)
	if err != nil {
		return nil, fmt.Errorf("exchange code with %s: %w", p.name, err)
	}
	return tok, nil
}

// UserInfo fetches the authenticated user's profile.
func (p *Provider) UserInfo(ctx context.Context, tok *oauth2.Token) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"userinfo", nil)
	if err != nil {
		return UserInfo{}, err
	}

	resp, err := p.conf.Client(ctx, tok).Do(req)
	if err != nil {
		return UserInfo{}, fmt.Errorf("fetch userinfo from %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return UserInfo{}, fmt.Errorf("fetch userinfo from %s: status %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return UserInfo{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return UserInfo{}, ErrNoEmail
	}
	return info, nil
}

// Allowed reports whether email passes the whitelist. Entries starting with
// "@" match the email's domain; other entries match the whole address.
// Matching is case-insensitive. An empty whitelist allows everyone.
func (p *Provider) Allowed(email string) bool {
	if len(p.whitelist) == 0 {
		return true
	}

	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return false
	}
	domain := email[at:]

	for _, entry := range p.whitelist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if strings.HasPrefix(entry, "@") {
			if domain == entry {
				return true
			}
			continue
		}
		if email == entry {
			return true
		}
	}
	return false
}

// Providers builds a Provider for every configured entry, keyed by name.
// redirectURL receives the provider name.
func Providers(auth config.AuthConfig, redirectURL func(name string) string) map[string]*Provider {
	out := make(map[string]*Provider, len(auth.Providers))
	for _, p := range auth.Providers {
		out[p.Name] = NewProvider(p, redirectURL(p.Name))
	}
	return out
}
