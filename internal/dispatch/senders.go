package dispatch

import (
	"context"
	"fmt"

	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/models"
	"notification-engine/internal/push"
	"notification-engine/internal/template"
	"notification-engine/internal/whatsapp"
)

// TemplateEngine is the slice of the template service the dispatcher needs.
type TemplateEngine interface {
	GetTemplate(ctx context.Context, id string) (*models.NotificationTemplate, error)
	ValidateVariables(tpl *models.NotificationTemplate, variables map[string]interface{}) error
	RenderTemplate(ctx context.Context, id string, variables map[string]interface{}) (*template.Rendered, error)
}

// WhatsAppSender sends over the business-messaging channel.
type WhatsAppSender interface {
	SendTemplateMessage(ctx context.Context, recipient, externalTemplateID, language string, variables map[string]interface{}) (*whatsapp.SendResult, error)
	SendTextMessage(ctx context.Context, recipient, body string) (*whatsapp.SendResult, error)
}

// PushSender sends over the Web Push channel.
type PushSender interface {
	SendToUser(ctx context.Context, userID, title, body string, data map[string]interface{}) (*push.FanoutResult, error)
}

// sendViaChannel performs the channel-specific send for one queue item and
// returns the external message id, when the platform assigns one. The switch
// is exhaustive over concrete channels; a queue item never carries "both".
func (d *Dispatcher) sendViaChannel(ctx context.Context, item *models.QueueItem, tpl *models.NotificationTemplate) (string, error) {
	switch item.Channel {
	case models.ChannelWhatsApp:
		if d.whatsapp == nil {
			return "", apperrors.NewConfigError("whatsapp sender not configured")
		}
		if tpl.ExternalID != "" {
			result, err := d.whatsapp.SendTemplateMessage(ctx, item.RecipientID, tpl.ExternalID, tpl.Language, item.Variables)
			if err != nil {
				return "", err
			}
			return result.MessageID, nil
		}
		rendered, err := d.templates.RenderTemplate(ctx, tpl.ID, item.Variables)
		if err != nil {
			return "", err
		}
		result, err := d.whatsapp.SendTextMessage(ctx, item.RecipientID, rendered.Body)
		if err != nil {
			return "", err
		}
		return result.MessageID, nil

	case models.ChannelPush:
		if d.push == nil {
			return "", apperrors.NewConfigError("push sender not configured")
		}
		rendered, err := d.templates.RenderTemplate(ctx, tpl.ID, item.Variables)
		if err != nil {
			return "", err
		}
		if _, err := d.push.SendToUser(ctx, item.RecipientID, rendered.Title, rendered.Body, item.Variables); err != nil {
			return "", err
		}
		return "", nil

	default:
		return "", apperrors.NewValidationError("unknown channel", fmt.Sprintf("channel: %s", item.Channel))
	}
}
