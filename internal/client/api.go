package client

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
	"strings"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/internal/presence"
)

// APIError is a non-2xx response from the chat server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// API is a client for the persistence endpoints under /api/v1.
type API struct {
	baseURL string
	token   func() string
	http    *http.Client
}

// NewAPI creates an API client. token is called for every request so a
// refreshed token is picked up without rebuilding the client.
func NewAPI(baseURL string, token func() string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// SendMessage persists a message. The bool reports whether the server
// created it (false when the client key was already stored).
func (a *API) SendMessage(ctx context.Context, conversationID string, req *model.SendMessageRequest) (*model.Message, bool, error) {
	var resp model.MessageResponse
	status, err := a.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", req, &resp)
	if err != nil {
		return nil, false, err
	}
	if resp.Message == nil {
		return nil, false, errors.New("server response has no message")
	}
	return resp.Message, status == http.StatusCreated, nil
}

// ListMessages returns a page of messages, oldest first. offset counts
// from the newest message.
func (a *API) ListMessages(ctx context.Context, conversationID string, limit, offset int) (*model.ListMessagesResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp model.ListMessagesResponse
	if _, err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EditMessage replaces the content of one of the caller's messages.
func (a *API) EditMessage(ctx context.Context, messageID, content string) (*model.Message, error) {
	var resp model.MessageResponse
	if _, err := a.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID), model.EditMessageRequest{Content: content}, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// DeleteMessage soft-deletes one of the caller's messages.
func (a *API) DeleteMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var resp model.MessageResponse
	if _, err := a.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// MarkRead advances the caller's last-read-at.
func (a *API) MarkRead(ctx context.Context, conversationID string) (*model.ReadReceiptEvent, error) {
	var resp model.ReadReceiptEvent
	if _, err := a.do(ctx, http.MethodPut, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Conversations lists the caller's conversations.
func (a *API) Conversations(ctx context.Context) (*model.ListConversationsResponse, error) {
	var resp model.ListConversationsResponse
	if _, err := a.do(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateConversation creates a group or admin-coach conversation.
func (a *API) CreateConversation(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error) {
	var conv model.Conversation
	if _, err := a.do(ctx, http.MethodPost, "/conversations", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Direct returns the direct conversation with another user, creating it if needed.
func (a *API) Direct(ctx context.Context, userID string) (*model.Conversation, error) {
	var conv model.Conversation
	if _, err := a.do(ctx, http.MethodPost, "/conversations/direct", model.DirectConversationRequest{UserID: userID}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Online returns the users currently connected to the server.
func (a *API) Online(ctx context.Context) ([]presence.User, error) {
	var resp struct {
		Users []presence.User `json:"users"`
	}
	if _, err := a.do(ctx, http.MethodGet, "/presence", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+"/api/v1"+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != nil {
		req.Header.Set("Authorization", "Bearer "+a.token())
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
