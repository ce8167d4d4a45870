// Package agentapi is the typed HTTP client for one agent subprocess. The
// agent is a black box; only the endpoint behaviour documented here is
// relied on.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultTimeout accommodates blocking model responses.
const DefaultTimeout = 10 * time.Minute

// maxErrorBody caps how much of an error response is kept for reporting.
const maxErrorBody = 512

// HTTPError carries the status and a body excerpt of a failed agent call.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.Status, e.Body)
}

// IsGone reports whether the error means the session or request no longer
// exists on the agent, so local references to it should be scrubbed.
func IsGone(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusBadRequest || httpErr.Status == http.StatusNotFound
	}
	return false
}

// Client talks to one agent at http://127.0.0.1:<port>.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for a local agent port.
func NewClient(port int) *Client {
	return NewClientURL(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// NewClientURL creates a client for an explicit base URL.
func NewClientURL(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
}

// BaseURL returns the agent's base URL, also used for browser opening.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes agent liveness. A 200 means the agent is ready to serve.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/global/health", nil, nil)
}

// ListSessions returns all sessions the agent knows about.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates a session, optionally as a child with a title.
func (c *Client) CreateSession(ctx context.Context, parentID, title string) (*Session, error) {
	body := map[string]string{}
	if parentID != "" {
		body["parentID"] = parentID
	}
	if title != "" {
		body["title"] = title
	}
	var session Session
	if err := c.do(ctx, http.MethodPost, "/session", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(id), nil, nil)
}

// SessionStatus maps session id to its current state.
func (c *Client) SessionStatus(ctx context.Context) (map[string]SessionState, error) {
	var status map[string]SessionState
	if err := c.do(ctx, http.MethodGet, "/session/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// ListMessages returns up to limit messages of a session.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var messages []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendMessage sends a prompt and blocks until the agent responds. The
// provider/model pair is omitted from the payload when provider is empty,
// letting the agent fall back to its own default.
func (c *Client) SendMessage(ctx context.Context, sessionID, text, provider, model string) (*SendResponse, error) {
	type modelRef struct {
		ProviderID string `json:"providerID"`
		ModelID    string `json:"modelID"`
	}
	body := struct {
		Parts []Part    `json:"parts"`
		Model *modelRef `json:"model,omitempty"`
	}{
		Parts: []Part{{Type: "text", Text: text}},
	}
	if provider != "" {
		body.Model = &modelRef{ProviderID: provider, ModelID: model}
	}

	var resp SendResponse
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPendingPermissions returns open permission requests across sessions.
func (c *Client) ListPendingPermissions(ctx context.Context) ([]PendingPermission, error) {
	var pending []PendingPermission
	if err := c.do(ctx, http.MethodGet, "/session/pending-permissions", nil, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// ListPendingQuestions returns open multiple-choice questions across sessions.
func (c *Client) ListPendingQuestions(ctx context.Context) ([]PendingQuestion, error) {
	var pending []PendingQuestion
	if err := c.do(ctx, http.MethodGet, "/session/pending-questions", nil, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// ReplyPermission answers a permission request with once, always or reject.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string) error {
	body := map[string]string{"reply": reply}
	return c.do(ctx, http.MethodPost, "/permission/"+url.PathEscape(requestID)+"/reply", body, nil)
}

// RespondQuestion answers a question with the selected option labels, one
// list per sub-question.
func (c *Client) RespondQuestion(ctx context.Context, requestID string, answers [][]string) error {
	body := map[string][][]string{"answers": answers}
	return c.do(ctx, http.MethodPost, "/question/"+url.PathEscape(requestID)+"/respond", body, nil)
}

// do performs one JSON request. Non-2xx responses become an *HTTPError with
// a bounded body excerpt.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Status: resp.StatusCode, Body: string(excerpt)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
