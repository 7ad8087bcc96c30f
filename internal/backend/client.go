// Package backend talks to the prompt service that owns task content. The
// agent fetches what to type; it never invents prompt text on its own.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagepilot/pagepilot/api/schemas"
)

// DefaultBaseURL is the production prompt service. A persisted handoff
// record can override it per task.
const DefaultBaseURL = "https://api.pagepilot.dev"

// defaultRequestRate caps generate calls per second.
const defaultRequestRate = 5

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrRequestFailed wraps non-2xx responses.
	ErrRequestFailed = errors.New("backend: request failed")
	// ErrNoPrompt means the service answered without prompt text; the run
	// cannot proceed on an empty prompt.
	ErrNoPrompt = errors.New("backend: response carries no prompt")
)

// Doer issues HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the generate-endpoint client.
type Client struct {
	base    string
	client  Doer
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a Client. An empty base selects DefaultBaseURL; a nil
// client selects http.DefaultClient.
func NewClient(base string, client Doer, logger *zap.Logger) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    strings.TrimRight(base, "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(defaultRequestRate), 1),
		logger:  logger.Named("backend"),
	}
}

// GeneratePrompt fetches the prompt payload for a task. Settings, when
// present, ride in a POST body; a bare task uses GET.
func (c *Client) GeneratePrompt(ctx context.Context, task schemas.AutomationTask) (*schemas.PromptPayload, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.generateURL(task)
	var req *http.Request
	var err error
	if len(task.Settings) > 0 {
		body, merr := json.Marshal(map[string]any{"settings": task.Settings})
		if merr != nil {
			return nil, fmt.Errorf("backend: encode settings: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", req.Method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s %s: status %d: %s",
			ErrRequestFailed, req.Method, endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var payload schemas.PromptPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("backend: decode response: %w", err)
	}
	if payload.Prompt == "" {
		return nil, ErrNoPrompt
	}

	c.logger.Debug("Prompt payload fetched",
		zap.String("task_id", task.TaskID), zap.Int("assets", len(payload.Assets)))
	return &payload, nil
}

func (c *Client) generateURL(task schemas.AutomationTask) string {
	var b strings.Builder
	b.WriteString(c.base)
	b.WriteString("/api/prompts/tasks/")
	b.WriteString(url.PathEscape(task.TaskID))
	if task.PublicationID != "" {
		b.WriteString("/publications/")
		b.WriteString(url.PathEscape(task.PublicationID))
	}
	b.WriteString("/generate")
	return b.String()
}
