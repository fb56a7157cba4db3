package schema

import "time"

// CredentialType discriminates the credential tagged union.
type CredentialType string

const (
	CredentialOAuth2         CredentialType = "oauth2"
	CredentialAPIKey         CredentialType = "api_key"
	CredentialServiceAccount CredentialType = "service_account"
)

// OAuth2Data holds token-based credentials. A token within 5 minutes of
// ExpiresAt must be refreshed before use and the refreshed value persisted
// back to the store.
type OAuth2Data struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// APIKeyData holds a static API key.
type APIKeyData struct {
	APIKey string `json:"api_key"`
}

// ServiceAccountData holds Google-style service account material used to
// mint short-lived tokens via a signed JWT assertion.
type ServiceAccountData struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id,omitempty"`
}

// Credentials is the tagged union resolved per (user, provider). Exactly one
// of the data fields matching Type is populated.
type Credentials struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	Provider       string              `json:"provider"`
	Type           CredentialType      `json:"type"`
	OAuth2         *OAuth2Data         `json:"oauth2,omitempty"`
	APIKey         *APIKeyData         `json:"api_key,omitempty"`
	ServiceAccount *ServiceAccountData `json:"service_account,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// expiryMargin is how close to expiry an OAuth2 token may get before the
// manager refreshes it.
const expiryMargin = 5 * time.Minute

// Expired reports whether an OAuth2 credential needs a refresh before use.
// Non-OAuth2 credentials never expire.
func (c *Credentials) Expired(now time.Time) bool {
	if c.Type != CredentialOAuth2 || c.OAuth2 == nil {
		return false
	}
	if c.OAuth2.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(expiryMargin).After(c.OAuth2.ExpiresAt)
}

// NoneCredentials synthesizes the placeholder credential used by providers
// that need no real secret (webhook, transform, flow).
func NoneCredentials(userID, provider string) *Credentials {
	return &Credentials{
		ID:       "none",
		UserID:   userID,
		Provider: provider,
		Type:     CredentialAPIKey,
		APIKey:   &APIKeyData{APIKey: "none"},
	}
}
