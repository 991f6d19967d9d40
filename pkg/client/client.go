// Package client is a Go client for the relay's HTTP API and its live
// subscription stream.
package client

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

	"github.com/gorilla/websocket"
)

// Client talks to the relay's HTTP API.
type Client struct {
	baseURL         string
	socketURL       string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithSocketURL sets the websocket gateway base URL, e.g.
// "ws://localhost:8090".
func WithSocketURL(socketURL string) ClientOption {
	return func(c *Client) {
		c.socketURL = socketURL
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new relay API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/fhir+json")

	client := &Client{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		socketURL:       "ws://localhost:8090",
		httpClient:      &http.Client{Timeout: 70 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		timeout:         70 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// AgentMessage is the result envelope of an agent operation.
type AgentMessage struct {
	Type       string `json:"type"`
	Body       string `json:"body,omitempty"`
	Version    string `json:"version,omitempty"`
	Status     string `json:"status,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// AgentStatus queries the liveness of one agent.
func (c *Client) AgentStatus(ctx context.Context, agentID string) (*AgentMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/fhir/Agent/%s/$status", url.PathEscape(agentID)), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var msg AgentMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &msg, nil
}

// BulkAgentStatus queries every agent matched by the search query. The
// result is the raw collection bundle, one entry per agent.
func (c *Client) BulkAgentStatus(ctx context.Context, query url.Values) (json.RawMessage, error) {
	path := "/fhir/Agent/$bulk-status"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// ReloadAgentConfig instructs one agent to re-read its configuration.
func (c *Client) ReloadAgentConfig(ctx context.Context, agentID string) (*AgentMessage, error) {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/fhir/Agent/%s/$reload-config", url.PathEscape(agentID)), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var msg AgentMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &msg, nil
}

// UpgradeAgent instructs one agent to upgrade itself. Version and
// timeout are optional; timeout is milliseconds.
func (c *Client) UpgradeAgent(ctx context.Context, agentID, version string, timeoutMs int) (*AgentMessage, error) {
	body := map[string]any{}
	if version != "" {
		body["version"] = version
	}
	if timeoutMs > 0 {
		body["timeout"] = timeoutMs
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/fhir/Agent/%s/$upgrade", url.PathEscape(agentID)), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var msg AgentMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &msg, nil
}

// PushRequest describes a payload to transmit through an agent.
type PushRequest struct {
	Body            string `json:"body"`
	ContentType     string `json:"contentType,omitempty"`
	Destination     string `json:"destination"`
	WaitForResponse bool   `json:"waitForResponse,omitempty"`
	Timeout         int    `json:"timeout,omitempty"`
}

// Push transmits a payload through an agent to a remote destination.
func (c *Client) Push(ctx context.Context, agentID string, req PushRequest) (*AgentMessage, error) {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/fhir/Agent/%s/$push", url.PathEscape(agentID)), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var msg AgentMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &msg, nil
}

// Dispatch submits one resource mutation to the subscription engine.
func (c *Client) Dispatch(ctx context.Context, interaction string, resource json.RawMessage) error {
	body := map[string]any{
		"interaction": interaction,
		"resource":    resource,
	}
	resp, err := c.do(ctx, http.MethodPost, "/dispatch", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Resend re-dispatches the current version of a stored resource.
func (c *Client) Resend(ctx context.Context, resourceType, id string) error {
	path := fmt.Sprintf("/fhir/%s/%s/$resend", url.PathEscape(resourceType), url.PathEscape(id))
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Notification is one subscription notification from the live stream.
type Notification struct {
	SubscriptionID  string          `json:"subscriptionId"`
	Resource        json.RawMessage `json:"resource,omitempty"`
	IncludeResource bool            `json:"includeResource"`
}

// Subscribe opens the subscription websocket, binds the given
// subscription IDs and invokes handler for every notification until the
// context is canceled.
func (c *Client) Subscribe(ctx context.Context, subscriptionIDs []string, handler func(Notification)) error {
	conn, _, err := c.websocketDialer.DialContext(ctx, c.socketURL+"/ws/subscriptions-r4", nil)
	if err != nil {
		return fmt.Errorf("failed to connect subscription stream: %w", err)
	}
	defer conn.Close()

	for _, id := range subscriptionIDs {
		bind, err := json.Marshal(map[string]string{"type": "bind", "subscriptionId": id})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, bind); err != nil {
			return fmt.Errorf("failed to bind subscription %s: %w", id, err)
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var control struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(payload, &control) == nil && control.Type != "" {
			// Control replies (bound, error) are not notifications
			continue
		}

		var notification Notification
		if err := json.Unmarshal(payload, &notification); err != nil {
			continue
		}
		handler(notification)
	}
}

// do performs one HTTP request and maps non-2xx replies onto errors.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for k, values := range c.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(payload))
	}
	return resp, nil
}
