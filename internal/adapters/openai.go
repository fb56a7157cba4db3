package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/pkg/schema"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter implements chat.completion, chat.stream, embeddings.create,
// and images.generate. chat.stream aggregates the server-sent-event stream
// into one final result: the adapter always returns a complete result, never
// partial chunks.
type OpenAIAdapter struct {
	*Base
	client  *http.Client
	baseURL string
}

// NewOpenAIAdapter builds the OpenAI adapter. baseURL overrides the upstream
// endpoint, mainly for tests.
func NewOpenAIAdapter(deps Deps, client *http.Client, baseURL string) *OpenAIAdapter {
	if client == nil {
		client = &http.Client{}
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	a := &OpenAIAdapter{
		Base:    NewBase("openai", deps),
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
	a.RegisterOperation("chat.completion", a.chatCompletion)
	a.RegisterOperation("chat.stream", a.chatStream)
	a.RegisterOperation("embeddings.create", a.embeddingsCreate)
	a.RegisterOperation("images.generate", a.imagesGenerate)
	return a
}

// buildMessages accepts either an explicit message array or the
// prompt+systemPrompt convenience form.
func buildMessages(input map[string]any) ([]map[string]any, error) {
	if raw := sliceParam(input, "messages"); raw != nil {
		messages := make([]map[string]any, 0, len(raw))
		for _, m := range raw {
			msg, ok := m.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "message entries must be objects, got %T", m)
			}
			messages = append(messages, msg)
		}
		return messages, nil
	}

	prompt := stringParam(input, "prompt", "")
	if prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, `chat requires "messages" or "prompt"`)
	}
	var messages []map[string]any
	if system := stringParam(input, "systemPrompt", ""); system != "" {
		messages = append(messages, map[string]any{"role": "system", "content": system})
	}
	messages = append(messages, map[string]any{"role": "user", "content": prompt})
	return messages, nil
}

func (a *OpenAIAdapter) chatCompletion(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	messages, err := buildMessages(input)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"model":    stringParam(input, "model", "gpt-4o-mini"),
		"messages": messages,
	}
	if temp, ok := input["temperature"]; ok {
		payload["temperature"] = temp
	}
	if maxTokens := intParam(input, "maxTokens", 0); maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	parsed, err := a.postJSON(ctx, "/chat/completions", payload, creds, "chat.completion")
	if err != nil {
		return nil, err
	}

	content := ""
	if choices, ok := parsed["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				content, _ = msg["content"].(string)
			}
		}
	}

	return &OperationResult{Output: map[string]any{
		"result": content,
		"model":  parsed["model"],
		"usage":  parsed["usage"],
	}}, nil
}

// chatStream requests an SSE stream and folds every delta chunk into one
// final text result.
func (a *OpenAIAdapter) chatStream(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	messages, err := buildMessages(input)
	if err != nil {
		return nil, err
	}

	apiKey, err := apiKeyFrom(creds, "openai", "chat.stream")
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"model":    stringParam(input, "model", "gpt-4o-mini"),
		"messages": messages,
		"stream":   true,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode payload: %s", err.Error()).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNetwork, "stream request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
		return nil, engine.NormalizeHTTPStatus(resp.StatusCode, "openai", "chat.stream", string(raw))
	}

	var content strings.Builder
	chunks := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
		}
		chunks++
	}
	if err := scanner.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStream, "stream read failed: %s", err.Error()).WithCause(err)
	}

	return &OperationResult{Output: map[string]any{
		"result": content.String(),
		"chunks": chunks,
	}}, nil
}

func (a *OpenAIAdapter) embeddingsCreate(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	text, ok := input["input"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, `missing required parameter "input"`)
	}

	payload := map[string]any{
		"model": stringParam(input, "model", "text-embedding-3-small"),
		"input": text,
	}
	parsed, err := a.postJSON(ctx, "/embeddings", payload, creds, "embeddings.create")
	if err != nil {
		return nil, err
	}

	var embeddings []any
	if data, ok := parsed["data"].([]any); ok {
		for _, entry := range data {
			if obj, ok := entry.(map[string]any); ok {
				embeddings = append(embeddings, obj["embedding"])
			}
		}
	}

	return &OperationResult{Output: map[string]any{
		"result": embeddings,
		"model":  parsed["model"],
		"usage":  parsed["usage"],
	}}, nil
}

func (a *OpenAIAdapter) imagesGenerate(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	prompt, err := requireString(input, "prompt", "openai", "images.generate")
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"model":  stringParam(input, "model", "dall-e-3"),
		"prompt": prompt,
		"n":      intParam(input, "n", 1),
		"size":   stringParam(input, "size", "1024x1024"),
	}
	parsed, err := a.postJSON(ctx, "/images/generations", payload, creds, "images.generate")
	if err != nil {
		return nil, err
	}

	var urls []any
	if data, ok := parsed["data"].([]any); ok {
		for _, entry := range data {
			if obj, ok := entry.(map[string]any); ok {
				if u, ok := obj["url"]; ok {
					urls = append(urls, u)
				} else if b64, ok := obj["b64_json"]; ok {
					urls = append(urls, b64)
				}
			}
		}
	}

	return &OperationResult{Output: map[string]any{"result": urls}}, nil
}

// postJSON posts a payload to the API and decodes the JSON response.
func (a *OpenAIAdapter) postJSON(ctx context.Context, path string, payload map[string]any, creds *schema.Credentials, operation string) (map[string]any, error) {
	apiKey, err := apiKeyFrom(creds, "openai", operation)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode payload: %s", err.Error()).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

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
		return nil, engine.NormalizeHTTPStatus(resp.StatusCode, "openai", operation, string(raw))
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "decode response: %s", err.Error()).WithCause(err)
	}
	return parsed, nil
}
