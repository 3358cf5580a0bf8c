// Package backend is the HTTP client for the agent backend's discrete
// endpoints: respond (send), reset and load-history. Wire formats follow
// the backend contract: respond is form-encoded, the others are JSON.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/chatsession"
)

// Endpoints names the backend URLs the client talks to.
type Endpoints struct {
	RespondURL     string
	ResetURL       string
	LoadHistoryURL string
}

// EndpointsFromBase derives the standard endpoint layout from a base URL.
func EndpointsFromBase(baseURL string) Endpoints {
	base := strings.TrimRight(baseURL, "/")
	return Endpoints{
		RespondURL:     base + "/api/v1/agent-test/respond",
		ResetURL:       base + "/api/v1/agent-test/reset",
		LoadHistoryURL: base + "/api/v1/agent-test/load_history",
	}
}

// Client implements chatsession.Backend over HTTP.
type Client struct {
	endpoints Endpoints
	http      *http.Client
	logger    zerolog.Logger
}

var _ chatsession.Backend = (*Client)(nil)

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(endpoints Endpoints, opts ...ClientOption) *Client {
	c := &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    log.With().Str("component", "backend").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage posts one user message to the respond endpoint. A non-success
// status becomes an *Error carrying the response body.
func (c *Client) SendMessage(ctx context.Context, req chatsession.SendRequest) error {
	form := url.Values{}
	form.Set("Body", req.Body)
	form.Set("From", req.From)
	form.Set("ProfileName", req.ProfileName)
	form.Set("MessageSid", req.MessageSID)
	form.Set("system_prompt", req.SystemPrompt)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.RespondURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "build send request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "send message")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn().Int("status", resp.StatusCode).Str("sid", req.MessageSID).Msg("send rejected by backend")
		return &Error{Op: "send", Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	c.logger.Debug().Str("sid", req.MessageSID).Str("from", req.From).Msg("message sent")
	return nil
}

// ResetSession asks the backend to drop the session for senderID.
func (c *Client) ResetSession(ctx context.Context, senderID string) error {
	payload := map[string]string{"senderNumber": senderID}
	resp, err := c.postJSON(ctx, c.endpoints.ResetURL, payload)
	if err != nil {
		return errors.Wrap(err, "reset session")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := messageFromBody(resp)
		c.logger.Warn().Int("status", resp.StatusCode).Str("sender_id", senderID).Msg("reset rejected by backend")
		return &Error{Op: "reset", Status: resp.StatusCode, Message: msg}
	}
	c.logger.Debug().Str("sender_id", senderID).Msg("session reset")
	return nil
}

// LoadHistory replicates a saved transcript server-side.
func (c *Client) LoadHistory(ctx context.Context, senderID string, messages []chatsession.Message, systemPrompt string) error {
	payload := map[string]any{
		"senderNumber": senderID,
		"messages":     messages,
		"systemPrompt": systemPrompt,
	}
	resp, err := c.postJSON(ctx, c.endpoints.LoadHistoryURL, payload)
	if err != nil {
		return errors.Wrap(err, "load history")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := messageFromBody(resp)
		c.logger.Warn().Int("status", resp.StatusCode).Str("sender_id", senderID).Msg("load-history rejected by backend")
		return &Error{Op: "load-history", Status: resp.StatusCode, Message: msg}
	}
	c.logger.Debug().Str("sender_id", senderID).Int("messages", len(messages)).Msg("history loaded")
	return nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// messageFromBody extracts the backend's "message" field from an error
// response, falling back to the HTTP status text.
func messageFromBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	return http.StatusText(resp.StatusCode)
}
