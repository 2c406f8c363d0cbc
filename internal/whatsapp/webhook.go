package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notification-engine/internal/common/logger"
	"notification-engine/internal/common/metrics"
	"notification-engine/internal/common/validation"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// webhookSchema accepts the platform's entry/changes envelope. Anything
// outside this shape is rejected before processing.
const webhookSchema = `{
	"type": "object",
	"required": ["entry"],
	"properties": {
		"entry": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"changes": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["value"],
							"properties": {
								"field": {"type": "string"},
								"value": {"type": "object"}
							}
						}
					}
				}
			}
		}
	}
}`

type webhookPayload struct {
	Entry []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Messages []inboundMessage `json:"messages"`
	Statuses []statusUpdate   `json:"statuses"`
}

type inboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    mediaRef `json:"image"`
	Document mediaRef `json:"document"`
	Audio    mediaRef `json:"audio"`
	Video    mediaRef `json:"video"`
}

type mediaRef struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type statusUpdate struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusSink advances a queue item's delivery status. Implemented by the
// dispatcher; narrowed here to keep the dependency one-directional.
type StatusSink interface {
	UpdateStatus(ctx context.Context, queueItemID string, status models.QueueStatus, metadata map[string]interface{}) error
}

// WebhookHandler processes the platform's inbound callbacks: incoming
// messages and delivery-status updates.
type WebhookHandler struct {
	store  store.Store
	sink   StatusSink
	logger logger.Logger
}

func NewWebhookHandler(st store.Store, sink StatusSink, log logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		store:  st,
		sink:   sink,
		logger: log.WithFields(map[string]interface{}{"component": "whatsapp-webhook"}),
	}
}

// HandleWebhook validates and processes one webhook delivery. Per-event
// failures are logged and swallowed: the platform cannot meaningfully handle
// an error response, and one bad event must not block the rest.
func (h *WebhookHandler) HandleWebhook(ctx context.Context, body []byte) error {
	result, err := validation.ValidateJSON(body, webhookSchema)
	if err != nil {
		return fmt.Errorf("webhook payload is not valid JSON: %w", err)
	}
	if !result.Valid {
		return fmt.Errorf("webhook payload rejected: %s", strings.Join(result.GetErrorMessages(), "; "))
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if err := h.processIncomingMessage(ctx, msg); err != nil {
					h.logger.Warn("failed to process incoming message", map[string]interface{}{
						"messageId": msg.ID,
						"from":      msg.From,
						"error":     err.Error(),
					})
				} else {
					metrics.WebhookEvents.WithLabelValues("message").Inc()
				}
			}
			for _, status := range change.Value.Statuses {
				if err := h.processDeliveryStatus(ctx, status); err != nil {
					h.logger.Warn("failed to process delivery status", map[string]interface{}{
						"messageId": status.ID,
						"status":    status.Status,
						"error":     err.Error(),
					})
				} else {
					metrics.WebhookEvents.WithLabelValues("status").Inc()
				}
			}
		}
	}
	return nil
}

// processIncomingMessage persists an inbound message against its
// conversation, creating the conversation when the sender is new.
func (h *WebhookHandler) processIncomingMessage(ctx context.Context, msg inboundMessage) error {
	conv, err := findOrCreateConversation(ctx, h.store, normalizeRecipient(msg.From))
	if err != nil {
		return err
	}

	message := &models.ConversationMessage{
		ExternalMessageID: msg.ID,
		Direction:         models.DirectionInbound,
		Type:              msg.Type,
		Content:           inboundContent(msg),
	}
	if ts := parsePlatformTimestamp(msg.Timestamp); ts != nil {
		message.PlatformTimestamp = ts
	}

	return recordMessage(ctx, h.store, conv, message)
}

func inboundContent(msg inboundMessage) string {
	switch msg.Type {
	case "text":
		return msg.Text.Body
	case "image":
		return msg.Image.Caption
	case "document":
		return msg.Document.Caption
	case "video":
		return msg.Video.Caption
	default:
		return ""
	}
}

// parsePlatformTimestamp converts the platform's unix-epoch string.
func parsePlatformTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	epoch, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(epoch, 0).UTC()
	return &t
}

// processDeliveryStatus maps an external message id back to its queue item
// and advances the delivery status. Unmatched ids are a warning-level no-op:
// webhooks also arrive for messages sent outside this queue.
func (h *WebhookHandler) processDeliveryStatus(ctx context.Context, status statusUpdate) error {
	mapped, ok := mapPlatformStatus(status.Status)
	if !ok {
		h.logger.Debug("ignoring unknown platform status", map[string]interface{}{
			"messageId": status.ID,
			"status":    status.Status,
		})
		return nil
	}

	item, err := h.store.FindOne(ctx, store.TableQueue, store.Filters{"external_message_id": status.ID})
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("delivery status for unknown message", map[string]interface{}{
			"messageId": status.ID,
			"status":    status.Status,
		})
		return nil
	}
	if err != nil {
		return err
	}

	return h.sink.UpdateStatus(ctx, item.Str("id"), mapped, map[string]interface{}{
		"source":            "whatsapp_webhook",
		"platform_status":   status.Status,
		"externalMessageId": status.ID,
	})
}

func mapPlatformStatus(s string) (models.QueueStatus, bool) {
	switch s {
	case "sent":
		return models.QueueStatusSent, true
	case "delivered":
		return models.QueueStatusDelivered, true
	case "read":
		return models.QueueStatusRead, true
	case "failed":
		return models.QueueStatusFailed, true
	default:
		return "", false
	}
}
