// Package models holds the shared data model for the notification engine.
package models

import "time"

// Channel is a concrete delivery mechanism. Queue items always carry exactly
// one channel; only templates may declare "both".
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPush     Channel = "push"

	// TemplateChannelBoth is valid on templates only and fans out into one
	// queue item per concrete channel at enqueue time.
	TemplateChannelBoth Channel = "both"
)

// Valid reports whether c is a concrete, sendable channel.
func (c Channel) Valid() bool {
	return c == ChannelWhatsApp || c == ChannelPush
}

// ValidForTemplate reports whether c is accepted on a template.
func (c Channel) ValidForTemplate() bool {
	return c.Valid() || c == TemplateChannelBoth
}

// Expand returns the concrete channels a template channel covers.
func (c Channel) Expand() []Channel {
	if c == TemplateChannelBoth {
		return []Channel{ChannelWhatsApp, ChannelPush}
	}
	return []Channel{c}
}

// TemplateStatus is the lifecycle state of a notification template.
type TemplateStatus string

const (
	TemplateStatusDraft    TemplateStatus = "draft"
	TemplateStatusActive   TemplateStatus = "active"
	TemplateStatusInactive TemplateStatus = "inactive"
)

func (s TemplateStatus) Valid() bool {
	return s == TemplateStatusDraft || s == TemplateStatusActive || s == TemplateStatusInactive
}

// QueueStatus is the delivery state of a queue item.
//
//	pending -> processing -> sent | failed
//	sent -> delivered -> read        (webhook-driven refinements)
//	failed -> pending                (retry re-admission while budget remains)
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSent       QueueStatus = "sent"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusDelivered  QueueStatus = "delivered"
	QueueStatusRead       QueueStatus = "read"
)

// Terminal reports whether the status ends the delivery lifecycle for
// retention purposes. Failed items are deliberately excluded: they stay
// visible for operator triage regardless of age.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusSent || s == QueueStatusDelivered || s == QueueStatusRead
}

// NotificationTemplate is a reusable message body with {{variable}}
// placeholders. Variables is derived from the body on every save and is never
// edited independently.
type NotificationTemplate struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Channel    Channel        `json:"channel"`
	Language   string         `json:"language"`
	Title      string         `json:"title,omitempty"` // push only
	Body       string         `json:"body"`
	Variables  []string       `json:"variables"`
	Status     TemplateStatus `json:"status"`
	Version    int            `json:"version"`
	ExternalID string         `json:"externalId,omitempty"` // messaging platform template id
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// QueueItem is one channel-specific delivery attempt for a notification
// intent. Created by the dispatcher at enqueue time and mutated only by the
// dispatcher during processing.
type QueueItem struct {
	ID                string                 `json:"id"`
	TemplateID        string                 `json:"templateId"`
	RecipientID       string                 `json:"recipientId"`
	Channel           Channel                `json:"channel"`
	Status            QueueStatus            `json:"status"`
	Priority          int                    `json:"priority"`
	Variables         map[string]interface{} `json:"variables,omitempty"`
	ScheduledAt       time.Time              `json:"scheduledAt"`
	RetryCount        int                    `json:"retryCount"`
	MaxRetries        int                    `json:"maxRetries"`
	ExternalMessageID string                 `json:"externalMessageId,omitempty"`
	ErrorMessage      string                 `json:"errorMessage,omitempty"`
	SentAt            *time.Time             `json:"sentAt,omitempty"`
	FailedAt          *time.Time             `json:"failedAt,omitempty"`
	DeliveredAt       *time.Time             `json:"deliveredAt,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// DefaultMaxRetries is the retry budget applied when a queue request does not
// specify one.
const DefaultMaxRetries = 3

// NotificationHistory is an append-only record of one delivery attempt
// outcome. Rows are updated only to append status progression timestamps,
// never to overwrite attempt identity.
type NotificationHistory struct {
	ID          string                 `json:"id"`
	QueueItemID string                 `json:"queueItemId"`
	RecipientID string                 `json:"recipientId"`
	TemplateID  string                 `json:"templateId"`
	Channel     Channel                `json:"channel"`
	Status      QueueStatus            `json:"status"`
	Response    map[string]interface{} `json:"response,omitempty"`
	SentAt      *time.Time             `json:"sentAt,omitempty"`
	DeliveredAt *time.Time             `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time             `json:"readAt,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// QueueStats are read-only aggregate counts for the admin dashboard.
type QueueStats struct {
	ByStatus  map[QueueStatus]int `json:"byStatus"`
	ByChannel map[Channel]int     `json:"byChannel"`
	Total     int                 `json:"total"`
}
