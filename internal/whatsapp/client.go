// Package whatsapp implements the business-messaging channel adapter:
// outbound template/text/media sends against the platform's Graph-style HTTP
// API, advisory per-sender rate limiting, conversation bookkeeping, and
// inbound webhook processing.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"notification-engine/internal/common/config"
	apperrors "notification-engine/internal/common/errors"
	commonhttp "notification-engine/internal/common/http"
)

// SendResult is the outcome of one accepted outbound send.
type SendResult struct {
	MessageID string
	Headers   http.Header
}

// apiClient is the outbound API surface, narrowed for test stubs.
type apiClient interface {
	SendTemplate(ctx context.Context, to, externalTemplateID, language string, params []string) (*SendResult, error)
	SendText(ctx context.Context, to, body string) (*SendResult, error)
	SendMedia(ctx context.Context, to, mediaType, mediaURL, caption string) (*SendResult, error)
}

// Client talks to the messaging platform's /messages endpoint.
type Client struct {
	cfg  *config.WhatsAppConfig
	http *commonhttp.Client
}

func NewClient(cfg *config.WhatsAppConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: commonhttp.NewClient(time.Duration(cfg.Timeout) * time.Millisecond),
	}
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", c.cfg.APIHost, c.cfg.APIVersion, c.cfg.PhoneNumberID)
}

// sendResponse is the platform reply: {"messages":[{"id":"..."}]} on success,
// {"error":{"message":"..."}} on rejection.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) send(ctx context.Context, payload map[string]interface{}) (*SendResult, error) {
	resp, err := c.http.PostJSON(ctx, c.messagesURL(), c.cfg.AccessToken, payload)
	if err != nil {
		return nil, apperrors.NewDeliveryError("whatsapp", err)
	}

	var parsed sendResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil && resp.StatusCode < 300 {
		return nil, apperrors.NewDeliveryError("whatsapp", fmt.Errorf("malformed platform response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parsed.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("platform returned status %d", resp.StatusCode)
		}
		return nil, apperrors.NewDeliveryError("whatsapp", fmt.Errorf("%s", msg))
	}

	result := &SendResult{Headers: resp.Headers}
	if len(parsed.Messages) > 0 {
		result.MessageID = parsed.Messages[0].ID
	}
	return result, nil
}

// SendTemplate sends a named platform template with ordered positional body
// parameters.
func (c *Client) SendTemplate(ctx context.Context, to, externalTemplateID, language string, params []string) (*SendResult, error) {
	if language == "" {
		language = "en"
	}

	parameters := make([]map[string]interface{}, 0, len(params))
	for _, p := range params {
		parameters = append(parameters, map[string]interface{}{
			"type": "text",
			"text": p,
		})
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template": map[string]interface{}{
			"name":     externalTemplateID,
			"language": map[string]interface{}{"code": language},
			"components": []map[string]interface{}{
				{
					"type":       "body",
					"parameters": parameters,
				},
			},
		},
	}
	return c.send(ctx, payload)
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) (*SendResult, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text": map[string]interface{}{
			"body": body,
		},
	}
	return c.send(ctx, payload)
}

// SendMedia sends a media link with an optional caption. mediaType must be
// one of image, document, audio, video.
func (c *Client) SendMedia(ctx context.Context, to, mediaType, mediaURL, caption string) (*SendResult, error) {
	media := map[string]interface{}{
		"link": mediaURL,
	}
	// Audio messages do not support captions on the platform.
	if caption != "" && mediaType != "audio" {
		media["caption"] = caption
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              mediaType,
		mediaType:           media,
	}
	return c.send(ctx, payload)
}
