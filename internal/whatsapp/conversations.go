package whatsapp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// findOrCreateConversation returns the conversation row for a phone number,
// inserting a fresh one when none exists.
func findOrCreateConversation(ctx context.Context, st store.Store, phoneNumber string) (store.Record, error) {
	rec, err := st.FindOne(ctx, store.TableConversations, store.Filters{"phone_number": phoneNumber})
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	rec = store.Record{
		"id":            uuid.New().String(),
		"phone_number":  phoneNumber,
		"message_count": 0,
		"created_at":    now,
		"updated_at":    now,
	}
	if err := st.Insert(ctx, store.TableConversations, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// recordMessage stores a message row and bumps the conversation's
// message_count and last_message_at in the same pass.
func recordMessage(ctx context.Context, st store.Store, conv store.Record, msg *models.ConversationMessage) error {
	now := time.Now().UTC()

	rec := store.Record{
		"id":              uuid.New().String(),
		"conversation_id": conv.Str("id"),
		"direction":       string(msg.Direction),
		"type":            msg.Type,
		"content":         msg.Content,
		"created_at":      now,
	}
	if msg.ExternalMessageID != "" {
		rec["external_message_id"] = msg.ExternalMessageID
	}
	if msg.Status != "" {
		rec["status"] = msg.Status
	}
	if msg.PlatformTimestamp != nil {
		rec["platform_timestamp"] = *msg.PlatformTimestamp
	}

	if err := st.Insert(ctx, store.TableMessages, rec); err != nil {
		return err
	}

	return st.Update(ctx, store.TableConversations, conv.Str("id"), store.Record{
		"message_count":   conv.Int("message_count") + 1,
		"last_message_at": now,
		"updated_at":      now,
	})
}
