package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"zapinbox/pkg/httputil"
)

// Client talks to the Graph API for one WhatsApp Business phone number.
type Client struct {
	httpClient    *resty.Client
	apiVersion    string
	phoneNumberID string
}

func NewClient(baseURL, apiVersion, accessToken, phoneNumberID string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("Graph API baseURL cannot be empty")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("Graph API access token cannot be empty")
	}
	if phoneNumberID == "" {
		return nil, fmt.Errorf("WhatsApp phone number id cannot be empty")
	}

	client := httputil.NewClient(baseURL, 15*time.Second).
		SetAuthToken(accessToken).
		SetHeader("Content-Type", "application/json")

	log.Info().Str("baseURL", baseURL).Str("apiVersion", apiVersion).Str("phoneNumberID", phoneNumberID).Msg("Graph API client configured")

	return &Client{
		httpClient:    client,
		apiVersion:    apiVersion,
		phoneNumberID: phoneNumberID,
	}, nil
}

func apiErr(op string, resp *resty.Response) error {
	if apiError, ok := resp.Error().(*APIError); ok && apiError.Error.Message != "" {
		return fmt.Errorf("Graph API %s error: status %s, code %d: %s", op, resp.Status(), apiError.Error.Code, apiError.Error.Message)
	}
	return fmt.Errorf("Graph API %s error: status %s, body: %s", op, resp.Status(), resp.String())
}

// SendMessage posts a message and returns the provider's acceptance.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if req.MessagingProduct == "" {
		req.MessagingProduct = "whatsapp"
	}
	url := fmt.Sprintf("/%s/%s/messages", c.apiVersion, c.phoneNumberID)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&SendResponse{}).
		SetError(&APIError{}).
		Post(url)
	if err != nil {
		log.Error().Err(err).Str("url", url).Str("to", req.To).Msg("Graph API: SendMessage request failed")
		return nil, fmt.Errorf("Graph API SendMessage request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Graph API: SendMessage returned an error")
		return nil, apiErr("SendMessage", resp)
	}

	out := resp.Result().(*SendResponse)
	if out.MessageID() == "" {
		return nil, fmt.Errorf("Graph API SendMessage returned no message id")
	}
	log.Info().Str("providerMessageID", out.MessageID()).Str("to", req.To).Msg("Message accepted by provider")
	return out, nil
}

// GetMedia resolves a media id to a short-lived download URL.
func (c *Client) GetMedia(ctx context.Context, mediaID string) (*MediaInfo, error) {
	url := fmt.Sprintf("/%s/%s", c.apiVersion, mediaID)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&MediaInfo{}).
		SetError(&APIError{}).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("Graph API GetMedia request failed: %w", err)
	}
	if resp.IsError() {
		return nil, apiErr("GetMedia", resp)
	}
	return resp.Result().(*MediaInfo), nil
}

// Download fetches media bytes. The URL comes from GetMedia and needs the same bearer token.
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("media download failed: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("media download error: status %s", resp.Status())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}
