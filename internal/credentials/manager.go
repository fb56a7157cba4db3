package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/secrets"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// cacheTTL bounds how long a resolved credential is served without hitting
// the store again.
const cacheTTL = 5 * time.Minute

// Env fallbacks used when a user has no stored credential for a provider.
const (
	envOpenAIKey            = "LOOM_OPENAI_API_KEY"
	envResendKey            = "LOOM_RESEND_API_KEY"
	envGoogleServiceAccount = "LOOM_GOOGLE_SERVICE_ACCOUNT"
)

// credentialFree lists providers that execute without real secrets.
var credentialFree = map[string]bool{
	"webhook":   true,
	"transform": true,
	"flow":      true,
}

// Manager resolves credentials per (user, provider) with decryption, a TTL
// cache, OAuth2 refresh, and environment fallbacks.
type Manager struct {
	store     store.Store
	cipher    secrets.Cipher
	client    *http.Client
	logger    *slog.Logger
	tokenURL  string
	lookupEnv func(string) (string, bool)
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	creds     *schema.Credentials
	expiresAt time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for OAuth2 refresh.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.client = client }
}

// WithTokenURL overrides the OAuth2 refresh endpoint, mainly for tests.
func WithTokenURL(u string) Option {
	return func(m *Manager) { m.tokenURL = u }
}

// WithEnvLookup overrides environment lookup, mainly for tests.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(m *Manager) { m.lookupEnv = fn }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a credential manager over the given store and cipher.
func NewManager(s store.Store, cipher secrets.Cipher, logger *slog.Logger, opts ...Option) *Manager {
	if cipher == nil {
		cipher = secrets.Plaintext{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     s,
		cipher:    cipher,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		tokenURL:  "https://oauth2.googleapis.com/token",
		lookupEnv: os.LookupEnv,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns a usable credential for the provider, refreshing OAuth2
// tokens close to expiry. credentialID, when set, pins a specific stored
// credential; otherwise the user's most recent credential for the provider
// is used, falling back to environment variables.
func (m *Manager) Resolve(ctx context.Context, userID, provider, credentialID string) (*schema.Credentials, error) {
	if credentialFree[provider] {
		return schema.NoneCredentials(userID, provider), nil
	}

	key := cacheKey(userID, provider, credentialID)
	m.mu.Lock()
	if entry, ok := m.cache[key]; ok && m.now().Before(entry.expiresAt) && !entry.creds.Expired(m.now()) {
		m.mu.Unlock()
		return entry.creds, nil
	}
	m.mu.Unlock()

	creds, err := m.load(ctx, userID, provider, credentialID)
	if err != nil {
		return nil, err
	}

	if creds.Expired(m.now()) {
		creds, err = m.refreshOAuth2(ctx, creds)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.cache[key] = cacheEntry{creds: creds, expiresAt: m.now().Add(cacheTTL)}
	m.mu.Unlock()

	return creds, nil
}

// Invalidate drops any cached entries for the user and provider.
func (m *Manager) Invalidate(userID, provider string) {
	prefix := userID + ":" + provider + ":"
	m.mu.Lock()
	for key := range m.cache {
		if strings.HasPrefix(key, prefix) {
			delete(m.cache, key)
		}
	}
	m.mu.Unlock()
}

func cacheKey(userID, provider, credentialID string) string {
	return userID + ":" + provider + ":" + credentialID
}

func (m *Manager) load(ctx context.Context, userID, provider, credentialID string) (*schema.Credentials, error) {
	var record *store.CredentialRecord
	var err error
	if credentialID != "" {
		record, err = m.store.GetCredential(ctx, credentialID)
	} else {
		record, err = m.store.GetCredentialByProvider(ctx, userID, provider)
	}

	if err != nil {
		var execErr *schema.ExecutionError
		if errors.As(err, &execErr) && execErr.Code == schema.ErrCodeNotFound {
			if creds := m.envFallback(userID, provider); creds != nil {
				return creds, nil
			}
			return nil, schema.NewErrorf(schema.ErrCodeMissingCredentials,
				"no credentials configured for provider %q", provider)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load credential: %s", err.Error()).WithCause(err)
	}

	if record.UserID != userID {
		return nil, schema.NewErrorf(schema.ErrCodeForbidden,
			"credential %q does not belong to this user", record.ID)
	}

	return m.decode(record)
}

func (m *Manager) decode(record *store.CredentialRecord) (*schema.Credentials, error) {
	plaintext, err := m.cipher.Open(record.Data)
	if err != nil {
		return nil, err
	}

	creds := &schema.Credentials{
		ID:        record.ID,
		UserID:    record.UserID,
		Provider:  record.Provider,
		Type:      schema.CredentialType(record.Type),
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}

	switch creds.Type {
	case schema.CredentialOAuth2:
		creds.OAuth2 = &schema.OAuth2Data{}
		err = json.Unmarshal(plaintext, creds.OAuth2)
	case schema.CredentialAPIKey:
		creds.APIKey = &schema.APIKeyData{}
		err = json.Unmarshal(plaintext, creds.APIKey)
	case schema.CredentialServiceAccount:
		creds.ServiceAccount = &schema.ServiceAccountData{}
		err = json.Unmarshal(plaintext, creds.ServiceAccount)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidCredentials,
			"unknown credential type %q", record.Type)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidCredentials,
			"decode credential payload: %s", err.Error()).WithCause(err)
	}
	return creds, nil
}

// envFallback synthesizes a credential from environment variables for
// providers that support it.
func (m *Manager) envFallback(userID, provider string) *schema.Credentials {
	switch provider {
	case "openai":
		if key, ok := m.lookupEnv(envOpenAIKey); ok && key != "" {
			return apiKeyCredential(userID, provider, key)
		}
	case "email":
		if key, ok := m.lookupEnv(envResendKey); ok && key != "" {
			return apiKeyCredential(userID, provider, key)
		}
	case "google":
		if raw, ok := m.lookupEnv(envGoogleServiceAccount); ok && raw != "" {
			sa := &schema.ServiceAccountData{}
			if err := json.Unmarshal([]byte(raw), sa); err != nil || sa.ClientEmail == "" {
				m.logger.Warn("ignoring malformed service account in environment",
					slog.String("env", envGoogleServiceAccount))
				return nil
			}
			return &schema.Credentials{
				ID:             "env",
				UserID:         userID,
				Provider:       provider,
				Type:           schema.CredentialServiceAccount,
				ServiceAccount: sa,
			}
		}
	}
	return nil
}

func apiKeyCredential(userID, provider, key string) *schema.Credentials {
	return &schema.Credentials{
		ID:       "env",
		UserID:   userID,
		Provider: provider,
		Type:     schema.CredentialAPIKey,
		APIKey:   &schema.APIKeyData{APIKey: key},
	}
}

// refreshOAuth2 exchanges the refresh token for a new access token and
// persists the rotated token back to the store.
func (m *Manager) refreshOAuth2(ctx context.Context, creds *schema.Credentials) (*schema.Credentials, error) {
	if creds.OAuth2 == nil || creds.OAuth2.RefreshToken == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidCredentials,
			"oauth2 token expired and no refresh token is available")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.OAuth2.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "build refresh request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNetwork, "token refresh failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidCredentials,
			"token refresh rejected with status %d", resp.StatusCode).
			WithDetails(map[string]any{"body": truncate(string(raw), 512)})
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(raw, &token); err != nil || token.AccessToken == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidCredentials,
			"token refresh returned no access token")
	}

	refreshed := *creds
	oauth := *creds.OAuth2
	oauth.AccessToken = token.AccessToken
	oauth.ExpiresAt = m.now().Add(time.Duration(token.ExpiresIn) * time.Second)
	if token.RefreshToken != "" {
		oauth.RefreshToken = token.RefreshToken
	}
	if token.TokenType != "" {
		oauth.TokenType = token.TokenType
	}
	if token.Scope != "" {
		oauth.Scope = token.Scope
	}
	refreshed.OAuth2 = &oauth

	// Persist the rotated token; env-sourced credentials have no store row.
	if refreshed.ID != "" && refreshed.ID != "env" {
		if err := m.persist(ctx, &refreshed); err != nil {
			m.logger.Warn("failed to persist refreshed token",
				slog.String("credential_id", refreshed.ID),
				slog.String("error", err.Error()))
		}
	}

	m.logger.Debug("refreshed oauth2 token",
		slog.String("provider", refreshed.Provider),
		slog.String("credential_id", refreshed.ID))

	return &refreshed, nil
}

func (m *Manager) persist(ctx context.Context, creds *schema.Credentials) error {
	payload, err := json.Marshal(creds.OAuth2)
	if err != nil {
		return fmt.Errorf("marshal oauth2 payload: %w", err)
	}
	sealed, err := m.cipher.Seal(payload)
	if err != nil {
		return err
	}
	return m.store.UpdateCredentialData(ctx, creds.ID, sealed)
}

// Create stores a new credential, sealing its typed payload.
func (m *Manager) Create(ctx context.Context, creds *schema.Credentials) (*schema.Credentials, error) {
	// Checked on the concrete pointers: assigning a nil *OAuth2Data to an
	// any produces a non-nil interface value.
	var payload any
	switch creds.Type {
	case schema.CredentialOAuth2:
		if creds.OAuth2 != nil {
			payload = creds.OAuth2
		}
	case schema.CredentialAPIKey:
		if creds.APIKey != nil {
			payload = creds.APIKey
		}
	case schema.CredentialServiceAccount:
		if creds.ServiceAccount != nil {
			payload = creds.ServiceAccount
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown credential type %q", creds.Type)
	}
	if payload == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"credential data missing for type %q", creds.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode credential: %s", err.Error()).WithCause(err)
	}
	sealed, err := m.cipher.Seal(raw)
	if err != nil {
		return nil, err
	}

	if creds.ID == "" {
		creds.ID = uuid.New().String()
	}
	now := m.now().UTC()
	record := &store.CredentialRecord{
		ID:        creds.ID,
		UserID:    creds.UserID,
		Provider:  creds.Provider,
		Type:      string(creds.Type),
		Data:      sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateCredential(ctx, record); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "store credential: %s", err.Error()).WithCause(err)
	}
	creds.CreatedAt = now
	creds.UpdatedAt = now
	return creds, nil
}

// Delete removes a stored credential and evicts it from the cache.
func (m *Manager) Delete(ctx context.Context, userID, id string) error {
	record, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if record.UserID != userID {
		return schema.NewErrorf(schema.ErrCodeForbidden, "credential %q does not belong to this user", id)
	}
	if err := m.store.DeleteCredential(ctx, id); err != nil {
		return err
	}
	m.Invalidate(userID, record.Provider)
	return nil
}

// List returns the user's stored credentials without secret payloads.
func (m *Manager) List(ctx context.Context, userID string) ([]*schema.Credentials, error) {
	records, err := m.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list credentials: %s", err.Error()).WithCause(err)
	}
	out := make([]*schema.Credentials, 0, len(records))
	for _, r := range records {
		out = append(out, &schema.Credentials{
			ID:        r.ID,
			UserID:    r.UserID,
			Provider:  r.Provider,
			Type:      schema.CredentialType(r.Type),
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
