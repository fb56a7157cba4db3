package adapters

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/pkg/schema"
)

// GoogleEndpoints overrides the upstream Google API endpoints, mainly for
// tests. Zero values select the real services.
type GoogleEndpoints struct {
	Token  string
	Gmail  string
	Sheets string
}

const (
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	defaultGmailBaseURL   = "https://gmail.googleapis.com/gmail/v1"
	defaultSheetsBaseURL  = "https://sheets.googleapis.com/v4"

	googleAPIScope = "https://www.googleapis.com/auth/gmail.modify https://www.googleapis.com/auth/spreadsheets"
)

// GoogleAdapter implements gmail.send/read/list and the sheets row
// operations. OAuth2 credentials arrive pre-refreshed from the credential
// manager; service-account credentials mint a short-lived token via a signed
// RS256 JWT assertion grant, cached until expiry.
type GoogleAdapter struct {
	*Base
	client    *http.Client
	endpoints GoogleEndpoints

	mu     sync.Mutex
	tokens map[string]mintedToken // client email -> cached service-account token
}

type mintedToken struct {
	accessToken string
	expiresAt   time.Time
}

// NewGoogleAdapter builds the Google adapter.
func NewGoogleAdapter(deps Deps, client *http.Client, endpoints GoogleEndpoints) *GoogleAdapter {
	if client == nil {
		client = &http.Client{}
	}
	if endpoints.Token == "" {
		endpoints.Token = defaultGoogleTokenURL
	}
	if endpoints.Gmail == "" {
		endpoints.Gmail = defaultGmailBaseURL
	}
	if endpoints.Sheets == "" {
		endpoints.Sheets = defaultSheetsBaseURL
	}
	a := &GoogleAdapter{
		Base:      NewBase("google", deps),
		client:    client,
		endpoints: endpoints,
		tokens:    make(map[string]mintedToken),
	}
	a.RegisterOperation("gmail.send", a.gmailSend)
	a.RegisterOperation("gmail.read", a.gmailRead)
	a.RegisterOperation("gmail.list", a.gmailList)
	a.RegisterOperation("sheets.appendRow", a.sheetsAppendRow)
	a.RegisterOperation("sheets.updateRow", a.sheetsUpdateRow)
	a.RegisterOperation("sheets.findRow", a.sheetsFindRow)
	a.RegisterOperation("sheets.getRows", a.sheetsGetRows)
	a.RegisterOperation("sheets.deleteRow", a.sheetsDeleteRow)
	return a
}

// accessToken resolves a usable bearer token from either credential shape.
func (a *GoogleAdapter) accessToken(ctx context.Context, creds *schema.Credentials, operation string) (string, error) {
	if creds == nil {
		return "", schema.NewError(schema.ErrCodeMissingCredentials, "no credentials resolved").
			WithOperation("google", operation)
	}

	switch creds.Type {
	case schema.CredentialOAuth2:
		if creds.OAuth2 == nil || creds.OAuth2.AccessToken == "" {
			return "", schema.NewError(schema.ErrCodeInvalidCredentials, "oauth2 credential has no access token").
				WithOperation("google", operation)
		}
		return creds.OAuth2.AccessToken, nil

	case schema.CredentialServiceAccount:
		if creds.ServiceAccount == nil {
			return "", schema.NewError(schema.ErrCodeInvalidCredentials, "service account credential is empty").
				WithOperation("google", operation)
		}
		return a.serviceAccountToken(ctx, creds.ServiceAccount, operation)

	default:
		return "", schema.NewErrorf(schema.ErrCodeInvalidCredentials,
			"google provider requires oauth2 or service_account credentials, got %q", creds.Type).
			WithOperation("google", operation)
	}
}

// serviceAccountToken exchanges a signed JWT assertion for a short-lived
// access token, with a per-client cache.
func (a *GoogleAdapter) serviceAccountToken(ctx context.Context, sa *schema.ServiceAccountData, operation string) (string, error) {
	a.mu.Lock()
	if cached, ok := a.tokens[sa.ClientEmail]; ok && time.Now().Add(time.Minute).Before(cached.expiresAt) {
		a.mu.Unlock()
		return cached.accessToken, nil
	}
	a.mu.Unlock()

	assertion, err := signAssertion(sa, a.endpoints.Token, time.Now())
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoints.Token, strings.NewReader(form.Encode()))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "build token request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeNetwork, "token request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if resp.StatusCode >= 400 {
		return "", engine.NormalizeHTTPStatus(resp.StatusCode, "google", operation, string(raw))
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &token); err != nil || token.AccessToken == "" {
		return "", schema.NewError(schema.ErrCodeInvalidCredentials, "token endpoint returned no access token").
			WithOperation("google", operation)
	}

	a.mu.Lock()
	a.tokens[sa.ClientEmail] = mintedToken{
		accessToken: token.AccessToken,
		expiresAt:   time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	a.mu.Unlock()

	return token.AccessToken, nil
}

// signAssertion hand-builds the RS256 JWT assertion for the OAuth2
// jwt-bearer grant.
func signAssertion(sa *schema.ServiceAccountData, audience string, now time.Time) (string, error) {
	header := map[string]any{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iss":   sa.ClientEmail,
		"scope": googleAPIScope,
		"aud":   audience,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInternal, "encode jwt header: %s", err.Error()).WithCause(err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInternal, "encode jwt claims: %s", err.Error()).WithCause(err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	key, err := parsePrivateKey(sa.PrivateKey)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInvalidCredentials, "sign jwt assertion: %s", err.Error()).WithCause(err)
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.ReplaceAll(pemData, `\n`, "\n")))
	if block == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidCredentials, "service account private key is not valid PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, schema.NewError(schema.ErrCodeInvalidCredentials, "service account key is not RSA")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, schema.NewError(schema.ErrCodeInvalidCredentials, "cannot parse service account private key")
}

// --- Gmail operations ---

// gmailSend builds a raw MIME message (multipart/alternative when both text
// and HTML bodies are given), base64url-encodes it, and posts it to the
// Gmail API.
func (a *GoogleAdapter) gmailSend(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	to, err := requireString(input, "to", "google", "gmail.send")
	if err != nil {
		return nil, err
	}
	subject := stringParam(input, "subject", "")
	text := stringParam(input, "body", "")
	html := stringParam(input, "html", "")
	if text == "" && html == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, `missing email body: provide "body" or "html"`).
			WithOperation("google", "gmail.send")
	}

	raw := buildMIMEMessage(stringParam(input, "from", "me"), to, subject, text, html)
	payload := map[string]any{"raw": base64.RawURLEncoding.EncodeToString([]byte(raw))}

	parsed, err := a.call(ctx, creds, "gmail.send", http.MethodPost,
		a.endpoints.Gmail+"/users/me/messages/send", payload)
	if err != nil {
		return nil, err
	}

	return &OperationResult{Output: map[string]any{
		"id":       parsed["id"],
		"threadId": parsed["threadId"],
		"to":       to,
		"sent":     true,
	}}, nil
}

// buildMIMEMessage assembles the raw RFC 2822 message.
func buildMIMEMessage(from, to, subject, text, html string) string {
	var b strings.Builder
	writeHeader := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}

	writeHeader("From", from)
	writeHeader("To", to)
	writeHeader("Subject", subject)
	writeHeader("MIME-Version", "1.0")

	switch {
	case text != "" && html != "":
		const boundary = "loom-mime-boundary"
		writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		b.WriteString("\r\n")
		for _, part := range []struct{ ctype, body string }{
			{"text/plain; charset=\"UTF-8\"", text},
			{"text/html; charset=\"UTF-8\"", html},
		} {
			b.WriteString("--" + boundary + "\r\n")
			b.WriteString("Content-Type: " + part.ctype + "\r\n\r\n")
			b.WriteString(part.body)
			b.WriteString("\r\n")
		}
		b.WriteString("--" + boundary + "--")
	case html != "":
		writeHeader("Content-Type", "text/html; charset=\"UTF-8\"")
		b.WriteString("\r\n")
		b.WriteString(html)
	default:
		writeHeader("Content-Type", "text/plain; charset=\"UTF-8\"")
		b.WriteString("\r\n")
		b.WriteString(text)
	}

	return b.String()
}

func (a *GoogleAdapter) gmailRead(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	messageID, err := requireString(input, "messageId", "google", "gmail.read")
	if err != nil {
		return nil, err
	}

	parsed, err := a.call(ctx, creds, "gmail.read", http.MethodGet,
		a.endpoints.Gmail+"/users/me/messages/"+url.PathEscape(messageID)+"?format=full", nil)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"id":      parsed["id"],
		"snippet": parsed["snippet"],
	}
	if payload, ok := parsed["payload"].(map[string]any); ok {
		out["headers"] = extractHeaders(payload, "Subject", "From", "To", "Date")
		if body := extractPlainBody(payload); body != "" {
			out["body"] = body
		}
	}
	return &OperationResult{Output: out}, nil
}

func (a *GoogleAdapter) gmailList(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	query := url.Values{}
	if q := stringParam(input, "query", ""); q != "" {
		query.Set("q", q)
	}
	query.Set("maxResults", fmt.Sprintf("%d", intParam(input, "maxResults", 10)))

	parsed, err := a.call(ctx, creds, "gmail.list", http.MethodGet,
		a.endpoints.Gmail+"/users/me/messages?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	messages, _ := parsed["messages"].([]any)
	return &OperationResult{Output: map[string]any{
		"messages":           messages,
		"resultSizeEstimate": parsed["resultSizeEstimate"],
	}}, nil
}

func extractHeaders(payload map[string]any, names ...string) map[string]any {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(n)] = true
	}
	out := map[string]any{}
	headers, _ := payload["headers"].([]any)
	for _, h := range headers {
		obj, ok := h.(map[string]any)
		if !ok {
			continue
		}
		name, _ := obj["name"].(string)
		if wanted[strings.ToLower(name)] {
			out[name] = obj["value"]
		}
	}
	return out
}

func extractPlainBody(payload map[string]any) string {
	if body, ok := payload["body"].(map[string]any); ok {
		if data, ok := body["data"].(string); ok && data != "" {
			if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
				return string(decoded)
			}
		}
	}
	parts, _ := payload["parts"].([]any)
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if mime, _ := part["mimeType"].(string); mime == "text/plain" {
			if body := extractPlainBody(part); body != "" {
				return body
			}
		}
	}
	return ""
}

// --- Sheets operations ---

func (a *GoogleAdapter) sheetsAppendRow(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	spreadsheetID, err := requireString(input, "spreadsheetId", "google", "sheets.appendRow")
	if err != nil {
		return nil, err
	}
	values := sliceParam(input, "values")
	if values == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, `missing required parameter "values"`).
			WithOperation("google", "sheets.appendRow")
	}
	sheetRange := stringParam(input, "range", "A1")

	endpoint := fmt.Sprintf("%s/spreadsheets/%s/values/%s:append?valueInputOption=USER_ENTERED",
		a.endpoints.Sheets, url.PathEscape(spreadsheetID), url.PathEscape(sheetRange))
	parsed, err := a.call(ctx, creds, "sheets.appendRow", http.MethodPost, endpoint,
		map[string]any{"values": []any{values}})
	if err != nil {
		return nil, err
	}

	return &OperationResult{Output: map[string]any{
		"updates":  parsed["updates"],
		"appended": true,
	}}, nil
}

func (a *GoogleAdapter) sheetsUpdateRow(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	spreadsheetID, err := requireString(input, "spreadsheetId", "google", "sheets.updateRow")
	if err != nil {
		return nil, err
	}
	sheetRange, err := requireString(input, "range", "google", "sheets.updateRow")
	if err != nil {
		return nil, err
	}
	values := sliceParam(input, "values")
	if values == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, `missing required parameter "values"`).
			WithOperation("google", "sheets.updateRow")
	}

	endpoint := fmt.Sprintf("%s/spreadsheets/%s/values/%s?valueInputOption=USER_ENTERED",
		a.endpoints.Sheets, url.PathEscape(spreadsheetID), url.PathEscape(sheetRange))
	parsed, err := a.call(ctx, creds, "sheets.updateRow", http.MethodPut, endpoint,
		map[string]any{"values": []any{values}})
	if err != nil {
		return nil, err
	}

	return &OperationResult{Output: map[string]any{
		"updatedRange": parsed["updatedRange"],
		"updatedCells": parsed["updatedCells"],
	}}, nil
}

func (a *GoogleAdapter) sheetsGetRows(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	spreadsheetID, err := requireString(input, "spreadsheetId", "google", "sheets.getRows")
	if err != nil {
		return nil, err
	}
	sheetRange := stringParam(input, "range", "A:Z")

	endpoint := fmt.Sprintf("%s/spreadsheets/%s/values/%s",
		a.endpoints.Sheets, url.PathEscape(spreadsheetID), url.PathEscape(sheetRange))
	parsed, err := a.call(ctx, creds, "sheets.getRows", http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	rows, _ := parsed["values"].([]any)
	return &OperationResult{Output: map[string]any{
		"rows":  rows,
		"count": len(rows),
	}}, nil
}

// sheetsFindRow fetches the range and scans it client-side, matching one
// column (by letter) against the search value with exact, contains, or
// startsWith semantics.
func (a *GoogleAdapter) sheetsFindRow(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	searchValue, err := requireString(input, "value", "google", "sheets.findRow")
	if err != nil {
		return nil, err
	}
	column := strings.ToUpper(stringParam(input, "column", "A"))
	matchType := stringParam(input, "matchType", "exact")

	colIdx := columnIndex(column)
	if colIdx < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid column letter %q", column).
			WithOperation("google", "sheets.findRow")
	}

	rowsResult, err := a.sheetsGetRows(ctx, input, creds, execCtx)
	if err != nil {
		return nil, err
	}
	rows, _ := rowsResult.Output["rows"].([]any)

	var matches []any
	var indices []any
	for i, raw := range rows {
		row, ok := raw.([]any)
		if !ok || colIdx >= len(row) {
			continue
		}
		cell := strings.ToLower(fmtAny(row[colIdx]))
		needle := strings.ToLower(searchValue)

		matched := false
		switch matchType {
		case "contains":
			matched = strings.Contains(cell, needle)
		case "startsWith":
			matched = strings.HasPrefix(cell, needle)
		default: // exact
			matched = cell == needle
		}
		if matched {
			matches = append(matches, row)
			indices = append(indices, i)
		}
	}

	return &OperationResult{Output: map[string]any{
		"rows":    matches,
		"indices": indices,
		"found":   len(matches) > 0,
		"count":   len(matches),
	}}, nil
}

func (a *GoogleAdapter) sheetsDeleteRow(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	spreadsheetID, err := requireString(input, "spreadsheetId", "google", "sheets.deleteRow")
	if err != nil {
		return nil, err
	}
	rowIndex := intParam(input, "rowIndex", -1)
	if rowIndex < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, `missing required parameter "rowIndex"`).
			WithOperation("google", "sheets.deleteRow")
	}

	payload := map[string]any{
		"requests": []any{map[string]any{
			"deleteDimension": map[string]any{
				"range": map[string]any{
					"sheetId":    intParam(input, "sheetId", 0),
					"dimension":  "ROWS",
					"startIndex": rowIndex,
					"endIndex":   rowIndex + 1,
				},
			},
		}},
	}

	endpoint := fmt.Sprintf("%s/spreadsheets/%s:batchUpdate", a.endpoints.Sheets, url.PathEscape(spreadsheetID))
	if _, err := a.call(ctx, creds, "sheets.deleteRow", http.MethodPost, endpoint, payload); err != nil {
		return nil, err
	}

	return &OperationResult{Output: map[string]any{"deleted": true, "rowIndex": rowIndex}}, nil
}

// columnIndex converts a column letter (A, B, ..., AA, AB) to a zero-based
// index, or -1 for invalid input.
func columnIndex(column string) int {
	if column == "" {
		return -1
	}
	idx := 0
	for _, r := range column {
		if r < 'A' || r > 'Z' {
			return -1
		}
		idx = idx*26 + int(r-'A') + 1
	}
	return idx - 1
}

// call performs an authenticated Google API request and decodes the JSON
// response.
func (a *GoogleAdapter) call(ctx context.Context, creds *schema.Credentials, operation, method, endpoint string, payload map[string]any) (map[string]any, error) {
	token, err := a.accessToken(ctx, creds, operation)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode payload: %s", err.Error()).WithCause(err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNetwork, "request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNetwork, "read response: %s", err.Error()).WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, engine.NormalizeHTTPStatus(resp.StatusCode, "google", operation, string(raw))
	}

	var parsed map[string]any
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "decode response: %s", err.Error()).WithCause(err)
	}
	return parsed, nil
}
