// Package chatspace provides the Go SDK for the ChatSpace conversation service.
//
// It covers the remote Conversation API, a per-session local cache, and a
// synchronization Engine that keeps conversation state in step with the server.
//
// Example:
//
//	client := chatspace.NewClient(chatspace.WithBaseURL("http://localhost:3001"))
//	session, _ := client.Authenticate(ctx, "alice", "secret")
//
//	cache := chatspace.NewCache(chatspace.NewMemoryStorage())
//	engine := chatspace.NewEngine(client, cache, *session, nil)
//	engine.On(chatspace.EventStateChanged, func(event string, payload any) { ... })
//
//	engine.Bootstrap(ctx)
//	engine.Send(ctx, "hello")
package chatspace

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

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:3001"
	DefaultTimeout = 30 * time.Second

	mediaType = "application/vnd.api+json"
)

// ConversationService is the remote surface the Engine depends on. *Client implements it.
type ConversationService interface {
	ListConversations(ctx context.Context, token string) ([]Conversation, error)
	CreateConversation(ctx context.Context, token, name string) (*Conversation, error)
	GetConversation(ctx context.Context, token, id string) (*Conversation, error)
	SendMessage(ctx context.Context, token, id, text string) (*Message, error)
	UpdateConversation(ctx context.Context, token, id string, patch ConversationPatch) (*Conversation, error)
	DeleteConversation(ctx context.Context, token, id string) error
}

var _ ConversationService = (*Client)(nil)

// ============================================================================
// Client
// ============================================================================

// Client is a stateless wrapper around the ChatSpace HTTP API.
type Client struct {
	baseURL    string
	authScheme string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithAuthScheme prefixes the Authorization header, e.g. "Bearer".
// By default the raw token is sent.
func WithAuthScheme(scheme string) ClientOption {
	return func(c *Client) { c.authScheme = scheme }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a new ChatSpace client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

type response struct {
	status int
	body   []byte
}

func (r response) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (c *Client) doRequest(ctx context.Context, op, method, path, token string, body any) (resp response, err error) {
	start := time.Now()
	defer func() {
		c.metrics.observeRequest(op, requestOutcome(resp, err), time.Since(start))
	}()

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return response{}, fmt.Errorf("failed to create request: %w", err)
	}

	correlationID := uuid.NewString()
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Accept", mediaType)
	req.Header.Set("X-Correlation-ID", correlationID)
	if token != "" {
		if c.authScheme != "" {
			req.Header.Set("Authorization", c.authScheme+" "+token)
		} else {
			req.Header.Set("Authorization", token)
		}
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("operation", op),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return response{}, &TransportError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return response{}, &TransportError{Op: op, Err: err}
	}

	c.logger.Debug("request completed",
		zap.String("operation", op),
		zap.String("correlation_id", correlationID),
		zap.Int("status", httpResp.StatusCode))
	return response{status: httpResp.StatusCode, body: data}, nil
}

func requestOutcome(resp response, err error) string {
	switch {
	case err != nil:
		return "transport_error"
	case resp.ok():
		return "ok"
	default:
		return "error"
	}
}

func requestError(op string, resp response) *RequestError {
	re := &RequestError{Op: op, Status: resp.status}
	var env errorEnvelope
	if err := json.Unmarshal(resp.body, &env); err == nil && len(env.Errors) > 0 {
		re.Errors = env.Errors
		details := make([]string, 0, len(env.Errors))
		for i := range env.Errors {
			details = append(details, env.Errors[i].Error())
		}
		re.Detail = strings.Join(details, "; ")
		return re
	}
	re.Detail = strings.TrimSpace(string(resp.body))
	if re.Detail == "" {
		re.Detail = http.StatusText(resp.status)
	}
	return re
}

func malformed(op string, resp response, cause error) *RequestError {
	return &RequestError{Op: op, Status: resp.status, Detail: "malformed response: " + cause.Error()}
}

// decodeData unwraps the {data: ...} envelope of a 2xx response into T.
func decodeData[T any](op string, resp response) (*T, error) {
	var env dataEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return nil, malformed(op, resp, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, malformed(op, resp, fmt.Errorf("missing data"))
	}
	var result T
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, malformed(op, resp, err)
	}
	return &result, nil
}

func (c *Client) conversation(op string, resp response) (*Conversation, error) {
	if !resp.ok() {
		return nil, requestError(op, resp)
	}
	conv, err := decodeData[Conversation](op, resp)
	if err != nil {
		return nil, err
	}
	if err := conv.validate(); err != nil {
		return nil, malformed(op, resp, err)
	}
	return conv, nil
}

func conversationPath(id string) string {
	return "/conversations/" + url.PathEscape(id)
}

// ============================================================================
// API Methods
// ============================================================================

// Authenticate exchanges credentials for a session token.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*Session, error) {
	body := newAttributesBody("", "", map[string]string{
		"username": username,
		"password": password,
	})
	resp, err := c.doRequest(ctx, "authenticate", http.MethodPost, "/authenticate", "", body)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	if !resp.ok() {
		re := requestError("authenticate", resp)
		return nil, &AuthError{Status: resp.status, Detail: re.Detail}
	}

	var env authEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil || env.Meta.Token == "" {
		return nil, &AuthError{Status: resp.status, Detail: "response carried no token"}
	}
	return &Session{Token: env.Meta.Token, UserName: username}, nil
}

// ListConversations returns every conversation visible to token, in server order.
func (c *Client) ListConversations(ctx context.Context, token string) ([]Conversation, error) {
	const op = "list_conversations"
	resp, err := c.doRequest(ctx, op, http.MethodGet, "/conversations", token, nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, requestError(op, resp)
	}
	list, err := decodeData[[]Conversation](op, resp)
	if err != nil {
		return nil, err
	}
	for _, conv := range *list {
		if err := conv.validate(); err != nil {
			return nil, malformed(op, resp, err)
		}
	}
	return *list, nil
}

func (c *Client) CreateConversation(ctx context.Context, token, name string) (*Conversation, error) {
	const op = "create_conversation"
	body := newAttributesBody("", "", map[string]string{"name": name})
	resp, err := c.doRequest(ctx, op, http.MethodPost, "/conversations", token, body)
	if err != nil {
		return nil, err
	}
	return c.conversation(op, resp)
}

// GetConversation fetches a conversation including its full message thread.
func (c *Client) GetConversation(ctx context.Context, token, id string) (*Conversation, error) {
	const op = "get_conversation"
	resp, err := c.doRequest(ctx, op, http.MethodGet, conversationPath(id), token, nil)
	if err != nil {
		return nil, err
	}
	return c.conversation(op, resp)
}

// SendMessage appends a message to the conversation. The automated reply, if any,
// is only visible through a later GetConversation.
func (c *Client) SendMessage(ctx context.Context, token, id, text string) (*Message, error) {
	const op = "send_message"
	body := newAttributesBody("", "", map[string]string{"text": text})
	resp, err := c.doRequest(ctx, op, http.MethodPost, conversationPath(id), token, body)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, requestError(op, resp)
	}
	msg, err := decodeData[Message](op, resp)
	if err != nil {
		return nil, err
	}
	if err := msg.validate(); err != nil {
		return nil, malformed(op, resp, err)
	}
	return msg, nil
}

func (c *Client) UpdateConversation(ctx context.Context, token, id string, patch ConversationPatch) (*Conversation, error) {
	const op = "update_conversation"
	body := newAttributesBody("conversations", id, patch)
	resp, err := c.doRequest(ctx, op, http.MethodPatch, conversationPath(id), token, body)
	if err != nil {
		return nil, err
	}
	return c.conversation(op, resp)
}

// DeleteConversation removes a conversation. Deleting an id the server no
// longer knows is treated as success.
func (c *Client) DeleteConversation(ctx context.Context, token, id string) error {
	const op = "delete_conversation"
	resp, err := c.doRequest(ctx, op, http.MethodDelete, conversationPath(id), token, nil)
	if err != nil {
		return err
	}
	if resp.ok() || resp.status == http.StatusNotFound {
		return nil
	}
	return requestError(op, resp)
}
