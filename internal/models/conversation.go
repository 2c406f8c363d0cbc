package models

import "time"

// MessageDirection distinguishes inbound from outbound conversation messages.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// Conversation groups the WhatsApp messages exchanged with one phone number.
// MessageCount and LastMessageAt are maintained whenever a message is stored.
type Conversation struct {
	ID            string     `json:"id"`
	PhoneNumber   string     `json:"phoneNumber"`
	MessageCount  int        `json:"messageCount"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ConversationMessage is one WhatsApp message, either direction.
type ConversationMessage struct {
	ID                string           `json:"id"`
	ConversationID    string           `json:"conversationId"`
	ExternalMessageID string           `json:"externalMessageId,omitempty"`
	Direction         MessageDirection `json:"direction"`
	Type              string           `json:"type"` // text, template, image, document, audio, video
	Content           string           `json:"content"`
	Status            string           `json:"status,omitempty"` // platform delivery status
	PlatformTimestamp *time.Time       `json:"platformTimestamp,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// RateLimitInfo is the ephemeral, response-header-driven quota snapshot for
// one sender identity. It is advisory local state, never persisted; the
// external platform remains the authoritative limiter.
type RateLimitInfo struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}
