package config

// Authentication backends.
const (
	AuthDB    = "AUTH_DB"
	AuthOAuth = "AUTH_OAUTH"
)

// AuthConfig selects how users sign in. Providers is empty unless OAuth is enabled.
type AuthConfig struct {
	Type                 string          `yaml:"type" json:"type"`
	UserRegistration     bool            `yaml:"user_registration" json:"userRegistration"`
	UserRegistrationRole string          `yaml:"user_registration_role,omitempty" json:"userRegistrationRole,omitempty"`
	Providers            []OAuthProvider `yaml:"oauth_providers,omitempty" json:"oauthProviders,omitempty"`

	// provider is the descriptor installed when OAuth gets enabled.
	provider OAuthProvider
	role     string
}

// OAuthProvider describes a remote identity provider.
type OAuthProvider struct {
	Name string `yaml:"name" json:"name"`
	// Whitelist restricts sign-in to emails matching one of the entries.
	// Entries starting with "@" match a whole domain.
	Whitelist         []string          `yaml:"whitelist" json:"whitelist"`
	TokenKey          string            `yaml:"token_key" json:"tokenKey"`
	Icon              string            `yaml:"icon" json:"icon"`
	ClientID          string            `yaml:"client_id" json:"clientId"`
	ClientSecret      string            `yaml:"client_secret" json:"clientSecret"`
	Scopes            []string          `yaml:"scopes" json:"scopes"`
	AccessTokenMethod string            `yaml:"access_token_method" json:"accessTokenMethod"`
	AccessTokenParams map[string]string `yaml:"access_token_params,omitempty" json:"accessTokenParams,omitempty"`
	APIBaseURL        string            `yaml:"api_base_url" json:"apiBaseUrl"`
	AccessTokenURL    string            `yaml:"access_token_url" json:"accessTokenUrl"`
	AuthorizeURL      string            `yaml:"authorize_url" json:"authorizeUrl"`
}

// OAuthEnabled reports whether sign-in goes through an identity provider.
func (a AuthConfig) OAuthEnabled() bool {
	return a.Type == AuthOAuth
}

func defaultAuth() AuthConfig {
	return AuthConfig{
		Type: AuthDB,
		provider: OAuthProvider{
			Name:              "google",
			Whitelist:         []string{"@projecttech4dev.org"},
			TokenKey:          "access_token",
			Icon:              "fa-address-card",
			Scopes:            []string{"email"},
			AccessTokenMethod: "POST",
			APIBaseURL:        "https://www.googleapis.com/oauth2/v2/",
			AccessTokenURL:    "https://oauth2.googleapis.com/token",
			AuthorizeURL:      "https://accounts.google.com/o/oauth2/auth",
		},
		role: "Public",
	}
}

// enableOAuth switches to the OAuth backend with self registration.
func (a *AuthConfig) enableOAuth(clientID, clientSecret string) {
	p := a.provider
	p.ClientID = clientID
	p.ClientSecret = clientSecret
	p.Whitelist = append([]string(nil), p.Whitelist...)
	p.Scopes = append([]string(nil), p.Scopes...)
	p.AccessTokenParams = map[string]string{"client_id": clientID}

	a.Type = AuthOAuth
	a.UserRegistration = true
	a.UserRegistrationRole = a.role
	a.Providers = []OAuthProvider{p}
}
