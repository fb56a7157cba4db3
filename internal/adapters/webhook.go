package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// WebhookAdapter implements the webhook provider: "trigger" (pass-through of
// the run's trigger input, used as the graph's synthetic start node) and
// "request" (generic HTTP call with timeout via context cancellation).
type WebhookAdapter struct {
	*Base
	client *http.Client
}

// NewWebhookAdapter builds the webhook adapter. A nil client selects a
// default without its own timeout; per-request deadlines come from the
// operation context instead.
func NewWebhookAdapter(deps Deps, client *http.Client) *WebhookAdapter {
	if client == nil {
		client = &http.Client{}
	}
	a := &WebhookAdapter{Base: NewBase("webhook", deps), client: client}
	a.RegisterOperation("trigger", a.trigger)
	a.RegisterOperation("request", a.request)
	return a
}

// trigger passes the run's trigger input through unchanged.
func (a *WebhookAdapter) trigger(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	payload := map[string]any{}
	if execCtx != nil && execCtx.TriggerInput != nil {
		payload = execCtx.TriggerInput
	}
	return &OperationResult{Output: payload}, nil
}

// request performs a generic HTTP call: method, headers, query params, body,
// timeout (default 30s), with response-type-aware body parsing.
func (a *WebhookAdapter) request(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	rawURL, err := requireString(input, "url", "webhook", "request")
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(input, "method", "GET"))
	timeout := time.Duration(intParam(input, "timeoutMs", int(defaultHTTPTimeout/time.Millisecond))) * time.Millisecond

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q: %s", rawURL, err.Error()).WithCause(err)
	}
	if params := mapParam(input, "queryParams"); params != nil {
		q := target.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		target.RawQuery = q.Encode()
	}

	var bodyReader io.Reader
	contentType := ""
	if body, ok := input["body"]; ok && body != nil && method != http.MethodGet {
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
			contentType = "text/plain"
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot encode request body: %s", err.Error()).WithCause(err)
			}
			bodyReader = strings.NewReader(string(encoded))
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers := mapParam(input, "headers"); headers != nil {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "request to %s timed out after %s", target.Host, timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeNetwork, "request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNetwork, "read response: %s", err.Error()).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return nil, engine.NormalizeHTTPStatus(resp.StatusCode, "webhook", "request", string(raw))
	}

	return &OperationResult{Output: map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    parseResponseBody(resp.Header.Get("Content-Type"), raw),
	}}, nil
}

// parseResponseBody decodes JSON bodies into structured data and leaves
// everything else as text.
func parseResponseBody(contentType string, raw []byte) any {
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vals := range h {
		if len(vals) == 1 {
			out[k] = vals[0]
			continue
		}
		out[k] = strings.Join(vals, ", ")
	}
	return out
}
