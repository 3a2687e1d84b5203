package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Client talks to the remote API. It never retries on its own: the sync
// orchestrator and the realtime ladder own retry policy.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	clientID   string
	httpClient *http.Client
}

func NewClient(baseURL string, tokens TokenProvider, clientID string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		clientID:   strings.TrimSpace(clientID),
		httpClient: httpClient,
	}
}

func (c *Client) BaseURL() string  { return c.baseURL }
func (c *Client) ClientID() string { return c.clientID }

// Token resolves the current bearer token.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

func (c *Client) Create(ctx context.Context, storeName, key string, payload json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodPost, entityPath(storeName, key), nil, rawBody(payload), &out)
	return out, err
}

func (c *Client) Update(ctx context.Context, storeName, key string, payload json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodPut, entityPath(storeName, key), nil, rawBody(payload), &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, storeName, key string) error {
	return c.doJSON(ctx, http.MethodDelete, entityPath(storeName, key), nil, nil, nil)
}

func (c *Client) Get(ctx context.Context, storeName, key string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, entityPath(storeName, key), nil, nil, &out)
	return out, err
}

func (c *Client) Push(ctx context.Context, event Event) error {
	return c.doJSON(ctx, http.MethodPost, "/realtime/push", nil, event, nil)
}

func (c *Client) PushBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return c.doJSON(ctx, http.MethodPost, "/realtime/push/batch", nil, eventBatch{Events: events}, nil)
}

// Poll fetches events newer than since. A zero since asks for everything the
// server still retains.
func (c *Client) Poll(ctx context.Context, since time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("clientId", c.clientID)
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/realtime/poll?"+q.Encode(), nil, nil, &raw); err != nil {
		return nil, err
	}
	return DecodeEvents(raw)
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func entityPath(storeName, key string) string {
	return "/" + url.PathEscape(storeName) + "/" + url.PathEscape(key)
}

type rawBody json.RawMessage

func (b rawBody) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("null"), nil
	}
	return b, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-Id", c.clientID)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && ctxErr != context.DeadlineExceeded {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, requestPath, err)
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func correlationID() string {
	return "sync_" + ulid.Make().String()
}
