// Package inboxapi is the client side of the zapinbox HTTP API.
package inboxapi

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/services"
	"zapinbox/pkg/httputil"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inbox API error: status %d: %s", e.StatusCode, e.Message)
}

// Client calls the inbox API on behalf of one viewer.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	viewerID   string
	clinicID   string
}

func NewClient(baseURL, token, viewerID, clinicID string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("inbox API baseURL cannot be empty")
	}
	if viewerID == "" {
		return nil, fmt.Errorf("viewer ID cannot be empty")
	}

	client := httputil.NewClient(baseURL, 20*time.Second).
		SetHeader("X-Viewer-ID", viewerID)
	if clinicID != "" {
		client.SetHeader("X-Clinic-ID", clinicID)
	}
	if token != "" {
		client.SetAuthToken(token)
	}

	log.Info().Str("baseURL", baseURL).Str("viewerID", viewerID).Msg("Inbox API client configured")
	return &Client{httpClient: client, baseURL: baseURL, viewerID: viewerID, clinicID: clinicID}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func apiErr(resp *resty.Response) error {
	e := &APIError{StatusCode: resp.StatusCode()}
	if body, ok := resp.Error().(*APIError); ok && body.Message != "" {
		e.Message = body.Message
	} else {
		e.Message = resp.String()
	}
	return e
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	req := c.httpClient.R().
		SetContext(ctx).
		SetError(&APIError{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("inbox API %s %s failed: %w", method, path, err)
	}
	if resp.IsError() {
		return apiErr(resp)
	}
	return nil
}

// ListConversations fetches the viewer's active conversation list. An empty
// status asks for the default view.
func (c *Client) ListConversations(ctx context.Context, status models.ConversationStatus) ([]models.ConversationView, error) {
	path := "/api/conversations"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out struct {
		Conversations []models.ConversationView `json:"conversations"`
	}
	if err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) ConversationTags(ctx context.Context, conversationID string) ([]models.Tag, error) {
	var out struct {
		Tags []models.Tag `json:"tags"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/tags"
	if err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tags, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send invokes the server send operation and returns the persisted row.
func (c *Client) Send(ctx context.Context, req services.SendRequest) (models.Message, error) {
	var out struct {
		Message models.Message `json:"message"`
	}
	if err := c.do(ctx, resty.MethodPost, "/api/messages/send", req, &out); err != nil {
		return models.Message{}, err
	}
	return out.Message, nil
}

// SetFilename backfills a missing filename on a stored message.
func (c *Client) SetFilename(ctx context.Context, messageID, filename string) (models.Message, error) {
	var out struct {
		Message models.Message `json:"message"`
	}
	path := "/api/messages/" + url.PathEscape(messageID) + "/filename"
	body := map[string]string{"filename": filename}
	if err := c.do(ctx, resty.MethodPatch, path, body, &out); err != nil {
		return models.Message{}, err
	}
	return out.Message, nil
}

func (c *Client) Accept(ctx context.Context, conversationID string) (models.Conversation, error) {
	var out struct {
		Conversation models.Conversation `json:"conversation"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/accept"
	if err := c.do(ctx, resty.MethodPost, path, nil, &out); err != nil {
		return models.Conversation{}, err
	}
	return out.Conversation, nil
}
