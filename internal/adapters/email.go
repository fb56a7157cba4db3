package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/pkg/schema"
)

const defaultEmailBaseURL = "https://api.resend.com"

// EmailAdapter implements the transactional email provider: "send" and
// "sendTemplate" (interpolate a template string, then send).
type EmailAdapter struct {
	*Base
	client  *http.Client
	baseURL string
	interp  *expressions.Interpolator
}

// NewEmailAdapter builds the email adapter. baseURL overrides the upstream
// API endpoint, mainly for tests.
func NewEmailAdapter(deps Deps, client *http.Client, baseURL string) *EmailAdapter {
	if client == nil {
		client = &http.Client{}
	}
	if baseURL == "" {
		baseURL = defaultEmailBaseURL
	}
	a := &EmailAdapter{
		Base:    NewBase("email", deps),
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		interp:  expressions.NewInterpolator(),
	}
	a.RegisterOperation("send", a.send)
	a.RegisterOperation("sendTemplate", a.sendTemplate)
	return a
}

func (a *EmailAdapter) send(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	from, err := requireString(input, "from", "email", "send")
	if err != nil {
		return nil, err
	}
	to, err := requireString(input, "to", "email", "send")
	if err != nil {
		return nil, err
	}
	body := stringParam(input, "body", "")
	html := stringParam(input, "html", "")
	if body == "" && html == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, `missing email body: provide "body" or "html"`).
			WithOperation("email", "send")
	}

	apiKey, err := apiKeyFrom(creds, "email", "send")
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"from":    from,
		"to":      splitRecipients(to),
		"subject": stringParam(input, "subject", ""),
	}
	if body != "" {
		payload["text"] = body
	}
	if html != "" {
		payload["html"] = html
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode email payload: %s", err.Error()).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/emails", bytes.NewReader(encoded))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNetwork, "email send failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if resp.StatusCode >= 400 {
		return nil, engine.NormalizeHTTPStatus(resp.StatusCode, "email", "send", string(raw))
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = map[string]any{}
	}
	return &OperationResult{Output: map[string]any{
		"id":   parsed["id"],
		"to":   to,
		"sent": true,
	}}, nil
}

// sendTemplate interpolates the template against the live context, then
// delegates to send with the rendered body.
func (a *EmailAdapter) sendTemplate(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	template, err := requireString(input, "template", "email", "sendTemplate")
	if err != nil {
		return nil, err
	}
	rendered, err := a.interp.InterpolateString(template, execCtx)
	if err != nil {
		return nil, err
	}

	sendInput := make(map[string]any, len(input))
	for k, v := range input {
		if k == "template" {
			continue
		}
		sendInput[k] = v
	}
	sendInput["body"] = expressions.Stringify(rendered)

	return a.send(ctx, sendInput, creds, execCtx)
}

func splitRecipients(to string) []string {
	parts := strings.Split(to, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// apiKeyFrom extracts an API key credential, rejecting mismatched types.
func apiKeyFrom(creds *schema.Credentials, provider, operation string) (string, error) {
	if creds == nil {
		return "", schema.NewError(schema.ErrCodeMissingCredentials, "no credentials resolved").
			WithOperation(provider, operation)
	}
	if creds.Type != schema.CredentialAPIKey || creds.APIKey == nil || creds.APIKey.APIKey == "" {
		return "", schema.NewErrorf(schema.ErrCodeInvalidCredentials,
			"expected api_key credentials, got %q", creds.Type).
			WithOperation(provider, operation)
	}
	return creds.APIKey.APIKey, nil
}
