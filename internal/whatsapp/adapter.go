package whatsapp

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"

	"notification-engine/internal/common/config"
	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/common/logger"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// Adapter is the business-messaging channel adapter.
type Adapter struct {
	cfg     *config.WhatsAppConfig
	client  apiClient
	limiter *RateLimiter
	store   store.Store
	logger  logger.Logger
}

func NewAdapter(cfg *config.WhatsAppConfig, st store.Store, log logger.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		client:  NewClient(cfg),
		limiter: NewRateLimiter(),
		store:   st,
		logger:  log.WithFields(map[string]interface{}{"channel": "whatsapp"}),
	}
}

// normalizeRecipient strips everything except digits and a leading plus.
func normalizeRecipient(addr string) string {
	var b strings.Builder
	for i, r := range addr {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// mediaTypeFromURL infers the platform media type from the file extension.
func mediaTypeFromURL(mediaURL string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(mediaURL, "?", 2)[0]))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "image"
	case ".mp3", ".ogg", ".aac", ".amr", ".wav":
		return "audio"
	case ".mp4", ".3gp", ".mov":
		return "video"
	default:
		return "document"
	}
}

func stringifyParam(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// orderedParams flattens the variable map into positional template parameters.
// Keys are sorted so the parameter order is stable across runs.
func orderedParams(variables map[string]interface{}) []string {
	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]string, 0, len(keys))
	for _, k := range keys {
		params = append(params, stringifyParam(variables[k]))
	}
	return params
}

func (a *Adapter) preflight() error {
	if !a.cfg.Configured() {
		return apperrors.NewConfigError("no active whatsapp sender configured")
	}
	return a.limiter.Check(a.cfg.PhoneNumberID)
}

func (a *Adapter) finishSend(ctx context.Context, recipient string, msg *models.ConversationMessage, result *SendResult) {
	a.limiter.UpdateFromHeaders(a.cfg.PhoneNumberID, result.Headers)

	conv, err := findOrCreateConversation(ctx, a.store, recipient)
	if err != nil {
		a.logger.Warn("failed to load conversation for outbound message", map[string]interface{}{
			"recipient": recipient,
			"error":     err.Error(),
		})
		return
	}

	msg.ExternalMessageID = result.MessageID
	msg.Direction = models.DirectionOutbound
	if err := recordMessage(ctx, a.store, conv, msg); err != nil {
		a.logger.Warn("failed to record outbound message", map[string]interface{}{
			"recipient": recipient,
			"messageId": result.MessageID,
			"error":     err.Error(),
		})
	}
}

// SendTemplateMessage sends a named platform template to a recipient with
// positional parameters derived from the variable map.
func (a *Adapter) SendTemplateMessage(ctx context.Context, recipient, externalTemplateID, language string, variables map[string]interface{}) (*SendResult, error) {
	if err := a.preflight(); err != nil {
		return nil, err
	}

	to := normalizeRecipient(recipient)
	result, err := a.client.SendTemplate(ctx, to, externalTemplateID, language, orderedParams(variables))
	if err != nil {
		return nil, err
	}

	a.logger.Info("template message sent", map[string]interface{}{
		"recipient": to,
		"template":  externalTemplateID,
		"messageId": result.MessageID,
	})
	a.finishSend(ctx, to, &models.ConversationMessage{
		Type:    "template",
		Content: externalTemplateID,
	}, result)
	return result, nil
}

// SendTextMessage sends a plain text message.
func (a *Adapter) SendTextMessage(ctx context.Context, recipient, body string) (*SendResult, error) {
	if err := a.preflight(); err != nil {
		return nil, err
	}

	to := normalizeRecipient(recipient)
	result, err := a.client.SendText(ctx, to, body)
	if err != nil {
		return nil, err
	}

	a.logger.Info("text message sent", map[string]interface{}{
		"recipient": to,
		"messageId": result.MessageID,
	})
	a.finishSend(ctx, to, &models.ConversationMessage{
		Type:    "text",
		Content: body,
	}, result)
	return result, nil
}

// SendMediaMessage sends a media link with an optional caption. The media
// type is inferred from the URL's file extension.
func (a *Adapter) SendMediaMessage(ctx context.Context, recipient, mediaURL, caption string) (*SendResult, error) {
	if err := a.preflight(); err != nil {
		return nil, err
	}

	to := normalizeRecipient(recipient)
	mediaType := mediaTypeFromURL(mediaURL)
	result, err := a.client.SendMedia(ctx, to, mediaType, mediaURL, caption)
	if err != nil {
		return nil, err
	}

	a.logger.Info("media message sent", map[string]interface{}{
		"recipient": to,
		"mediaType": mediaType,
		"messageId": result.MessageID,
	})
	a.finishSend(ctx, to, &models.ConversationMessage{
		Type:    mediaType,
		Content: mediaURL,
	}, result)
	return result, nil
}

// RateLimiter exposes the adapter's quota tracker for status endpoints.
func (a *Adapter) RateLimiter() *RateLimiter {
	return a.limiter
}
