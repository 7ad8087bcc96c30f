package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
)

// ErrRejected means the peer answered but refused the message.
var ErrRejected = errors.New("messaging: peer rejected message")

// Doer issues HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends control-channel envelopes to one peer. It doubles as the
// monitor's result sink when pointed at the initiator's callback address.
type Client struct {
	base   string
	client Doer
	logger *zap.Logger
}

// NewClient creates a Client for the peer at base (scheme://host:port). A
// nil httpClient selects http.DefaultClient.
func NewClient(base string, httpClient Doer, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		client: httpClient,
		logger: logger.Named("messaging.client"),
	}
}

// Prepare registers a task with the agent.
func (c *Client) Prepare(ctx context.Context, req schemas.PrepareRequest) error {
	var resp schemas.PrepareResponse
	if err := c.send(ctx, schemas.MsgPrepare, req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Error)
	}
	return nil
}

// ExtractLinks asks the agent for the links currently on the page.
func (c *Client) ExtractLinks(ctx context.Context) (schemas.LinkSnapshot, error) {
	var resp schemas.LinksResponse
	if err := c.send(ctx, schemas.MsgExtractLinks, struct{}{}, &resp); err != nil {
		return schemas.LinkSnapshot{}, err
	}
	return schemas.LinkSnapshot{ShareLink: resp.ShareLink, DownloadLink: resp.DownloadLink}, nil
}

// SubmitResult pushes an automation result to the initiator. It satisfies
// the monitor's ResultSink.
func (c *Client) SubmitResult(ctx context.Context, res schemas.AutomationResult) error {
	var resp schemas.ResultResponse
	if err := c.send(ctx, schemas.MsgResult, res, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Error)
	}
	return nil
}

func (c *Client) send(ctx context.Context, typ schemas.MessageType, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messaging: encode %s payload: %w", typ, err)
	}
	envelope, err := json.Marshal(schemas.Message{Type: typ, ID: uuid.NewString(), Payload: raw})
	if err != nil {
		return fmt.Errorf("messaging: encode %s envelope: %w", typ, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/message", bytes.NewReader(envelope))
	if err != nil {
		return fmt.Errorf("messaging: build %s request: %w", typ, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("messaging: send %s: %w", typ, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("messaging: %s answered %d: %s", typ, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("messaging: decode %s response: %w", typ, err)
	}
	return nil
}
