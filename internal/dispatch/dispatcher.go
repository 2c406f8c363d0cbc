// Package dispatch is the notification queue and dispatcher: it fans a
// notification intent out into per-channel queue items and drives each item
// through its delivery lifecycle with retry, backoff and history recording.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"notification-engine/internal/common/database"
	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/common/logger"
	"notification-engine/internal/common/metrics"
	"notification-engine/internal/common/observability"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// doneMarkTTL bounds how long processed-item marks live in redis. The
// pending re-check is the primary double-processing guard; the mark covers
// concurrent sweeps from multiple instances.
const doneMarkTTL = 24 * time.Hour

type Dispatcher struct {
	store     store.Store
	templates TemplateEngine
	whatsapp  WhatsAppSender
	push      PushSender
	redis     *database.RedisClient
	obs       *observability.Observability
	logger    logger.Logger

	maxRetries int
	now        func() time.Time
}

// Option configures optional dispatcher collaborators.
type Option func(*Dispatcher)

// WithRedis enables cross-instance processed-item marks.
func WithRedis(client *database.RedisClient) Option {
	return func(d *Dispatcher) { d.redis = client }
}

// WithObservability records delivery outcomes on the otel meter.
func WithObservability(obs *observability.Observability) Option {
	return func(d *Dispatcher) { d.obs = obs }
}

// WithMaxRetries overrides the default retry budget for new queue items.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

func NewDispatcher(st store.Store, templates TemplateEngine, wa WhatsAppSender, pushSender PushSender, log logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      st,
		templates:  templates,
		whatsapp:   wa,
		push:       pushSender,
		logger:     log.WithFields(map[string]interface{}{"component": "dispatcher"}),
		maxRetries: models.DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ==========================
// Enqueue
// ==========================

// QueueRequest is a notification intent.
type QueueRequest struct {
	TemplateID  string
	RecipientID string
	// Channel optionally narrows delivery to one channel; empty means the
	// template's own channel set.
	Channel     models.Channel
	Variables   map[string]interface{}
	Priority    int
	ScheduledAt *time.Time
	MaxRetries  int
}

// Queue validates the request against its template, creates one pending
// queue item per applicable channel and returns the first item's id. Items
// without an explicit schedule are dispatched immediately, fire-and-forget.
func (d *Dispatcher) Queue(ctx context.Context, req QueueRequest) (string, error) {
	tpl, err := d.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return "", err
	}
	if err := d.templates.ValidateVariables(tpl, req.Variables); err != nil {
		return "", err
	}

	channels := d.resolveChannels(tpl, req.Channel)
	if len(channels) == 0 {
		return "", apperrors.NewValidationError("no applicable channel",
			fmt.Sprintf("template channel %s does not cover requested channel %s", tpl.Channel, req.Channel))
	}

	now := d.now().UTC()
	scheduledAt := now
	immediate := req.ScheduledAt == nil
	if !immediate {
		scheduledAt = req.ScheduledAt.UTC()
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.maxRetries
	}

	var firstID string
	created := make([]*models.QueueItem, 0, len(channels))
	for _, ch := range channels {
		item := &models.QueueItem{
			ID:          uuid.New().String(),
			TemplateID:  tpl.ID,
			RecipientID: req.RecipientID,
			Channel:     ch,
			Status:      models.QueueStatusPending,
			Priority:    req.Priority,
			Variables:   req.Variables,
			ScheduledAt: scheduledAt,
			MaxRetries:  maxRetries,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := d.store.Insert(ctx, store.TableQueue, queueRecord(item)); err != nil {
			return "", err
		}
		if firstID == "" {
			firstID = item.ID
		}
		created = append(created, item)
		metrics.NotificationsQueued.WithLabelValues(string(ch)).Inc()
	}

	d.logger.Info("notification queued", map[string]interface{}{
		"templateId": tpl.ID,
		"recipient":  req.RecipientID,
		"channels":   len(created),
		"scheduled":  !immediate,
	})

	if immediate {
		for _, item := range created {
			go func(id string) {
				// Detached from the caller's request lifetime.
				if err := d.ProcessQueueItem(context.Background(), id); err != nil {
					d.logger.Warn("immediate dispatch failed", map[string]interface{}{
						"queueItemId": id,
						"error":       err.Error(),
					})
				}
			}(item.ID)
		}
	}

	return firstID, nil
}

// resolveChannels expands the template channel set and intersects it with
// the requested channel, when one was given.
func (d *Dispatcher) resolveChannels(tpl *models.NotificationTemplate, requested models.Channel) []models.Channel {
	supported := tpl.Channel.Expand()
	if requested == "" {
		return supported
	}
	for _, ch := range requested.Expand() {
		for _, s := range supported {
			if ch == s {
				return []models.Channel{ch}
			}
		}
	}
	return nil
}

// ==========================
// Processing
// ==========================

// ProcessQueue is the periodic sweep: it processes every pending item whose
// scheduled time has passed. Item failures are recorded, never propagated.
func (d *Dispatcher) ProcessQueue(ctx context.Context) (int, error) {
	recs, err := d.store.Select(ctx, store.TableQueue, store.Filters{"status": string(models.QueueStatusPending)})
	if err != nil {
		return 0, err
	}

	now := d.now().UTC()
	processed := 0
	for _, rec := range recs {
		item := queueItemFromRecord(rec)
		if item.ScheduledAt.After(now) {
			continue
		}
		if err := d.ProcessQueueItem(ctx, item.ID); err != nil {
			d.logger.Error("queue item processing error", map[string]interface{}{
				"queueItemId": item.ID,
				"error":       err.Error(),
			})
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessQueueItem drives one item through pending -> processing -> sent or
// failed. It re-reads the item first and no-ops when it has already left
// pending, so concurrent sweeps never double-send. Send failures are
// recorded on the item as a failed outcome, not returned.
func (d *Dispatcher) ProcessQueueItem(ctx context.Context, id string) error {
	rec, err := d.store.FindByID(ctx, store.TableQueue, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NewNotFoundError("queue item", id)
		}
		return err
	}
	item := queueItemFromRecord(rec)

	if item.Status != models.QueueStatusPending {
		d.logger.Debug("skipping queue item no longer pending", map[string]interface{}{
			"queueItemId": id,
			"status":      string(item.Status),
		})
		return nil
	}

	if d.redis != nil {
		won, err := d.redis.SetNX(ctx, "dispatch:done:"+id, 1, doneMarkTTL)
		if err != nil {
			d.logger.Warn("redis dispatch mark unavailable", map[string]interface{}{
				"queueItemId": id,
				"error":       err.Error(),
			})
		} else if !won {
			d.logger.Debug("queue item already claimed by another instance", map[string]interface{}{
				"queueItemId": id,
			})
			return nil
		}
	}

	now := d.now().UTC()
	if err := d.store.Update(ctx, store.TableQueue, id, store.Record{
		"status":     string(models.QueueStatusProcessing),
		"updated_at": now,
	}); err != nil {
		return err
	}
	item.Status = models.QueueStatusProcessing

	tpl, err := d.templates.GetTemplate(ctx, item.TemplateID)
	if err != nil {
		d.recordFailure(ctx, item, err)
		return nil
	}

	start := d.now()
	externalID, err := d.sendViaChannel(ctx, item, tpl)
	elapsed := d.now().Sub(start)
	metrics.SendDuration.WithLabelValues(string(item.Channel)).Observe(elapsed.Seconds())
	if d.obs != nil {
		d.obs.RecordDeliveryDuration(ctx, elapsed, string(item.Channel))
	}

	if err != nil {
		d.recordFailure(ctx, item, err)
		return nil
	}
	d.recordSuccess(ctx, item, externalID)
	return nil
}

func (d *Dispatcher) recordSuccess(ctx context.Context, item *models.QueueItem, externalID string) {
	now := d.now().UTC()
	patch := store.Record{
		"status":     string(models.QueueStatusSent),
		"sent_at":    now,
		"updated_at": now,
	}
	if externalID != "" {
		patch["external_message_id"] = externalID
	}
	if err := d.store.Update(ctx, store.TableQueue, item.ID, patch); err != nil {
		d.logger.Error("failed to mark queue item sent", map[string]interface{}{
			"queueItemId": item.ID,
			"error":       err.Error(),
		})
		return
	}

	item.Status = models.QueueStatusSent
	item.SentAt = &now
	item.ExternalMessageID = externalID
	d.appendHistory(ctx, item, map[string]interface{}{"externalMessageId": externalID})

	metrics.NotificationsSent.WithLabelValues(string(item.Channel)).Inc()
	if d.obs != nil {
		d.obs.RecordDelivery(ctx, string(item.Channel), "sent")
	}
	d.logger.Info("notification sent", map[string]interface{}{
		"queueItemId":       item.ID,
		"channel":           string(item.Channel),
		"externalMessageId": externalID,
	})
}

func (d *Dispatcher) recordFailure(ctx context.Context, item *models.QueueItem, sendErr error) {
	now := d.now().UTC()
	if err := d.store.Update(ctx, store.TableQueue, item.ID, store.Record{
		"status":        string(models.QueueStatusFailed),
		"error_message": sendErr.Error(),
		"failed_at":     now,
		"updated_at":    now,
	}); err != nil {
		d.logger.Error("failed to mark queue item failed", map[string]interface{}{
			"queueItemId": item.ID,
			"error":       err.Error(),
		})
		return
	}

	// The done mark only fences successful sends; release it so a retry
	// pass can claim the item again.
	if d.redis != nil {
		if err := d.redis.Delete(ctx, "dispatch:done:"+item.ID); err != nil {
			d.logger.Debug("failed to release dispatch mark", map[string]interface{}{
				"queueItemId": item.ID,
				"error":       err.Error(),
			})
		}
	}

	item.Status = models.QueueStatusFailed
	item.FailedAt = &now
	item.ErrorMessage = sendErr.Error()
	d.appendHistory(ctx, item, map[string]interface{}{"error": sendErr.Error()})

	code := "unknown"
	var appErr *apperrors.Error
	if errors.As(sendErr, &appErr) {
		code = appErr.Code
	}
	metrics.NotificationsFailed.WithLabelValues(string(item.Channel), code).Inc()
	if d.obs != nil {
		d.obs.RecordDelivery(ctx, string(item.Channel), "failed")
	}
	d.logger.Warn("notification delivery failed", map[string]interface{}{
		"queueItemId": item.ID,
		"channel":     string(item.Channel),
		"retryCount":  item.RetryCount,
		"error":       sendErr.Error(),
	})
}

// ==========================
// Retry & status
// ==========================

// RetryFailed re-admits failed items whose exponential backoff has elapsed.
// The wait doubles per attempt, 2 then 4 then 8 minutes from failed_at.
// Items whose retry budget is spent stay failed permanently.
func (d *Dispatcher) RetryFailed(ctx context.Context) (int, error) {
	recs, err := d.store.Select(ctx, store.TableQueue, store.Filters{"status": string(models.QueueStatusFailed)})
	if err != nil {
		return 0, err
	}

	now := d.now().UTC()
	readmitted := 0
	for _, rec := range recs {
		item := queueItemFromRecord(rec)
		if item.RetryCount >= item.MaxRetries {
			continue
		}
		if item.FailedAt == nil {
			continue
		}

		wait := time.Duration(math.Pow(2, float64(item.RetryCount+1))) * time.Minute
		if now.Before(item.FailedAt.Add(wait)) {
			continue
		}

		if err := d.store.Update(ctx, store.TableQueue, item.ID, store.Record{
			"status":       string(models.QueueStatusPending),
			"retry_count":  item.RetryCount + 1,
			"scheduled_at": now,
			"updated_at":   now,
		}); err != nil {
			d.logger.Error("failed to re-admit queue item", map[string]interface{}{
				"queueItemId": item.ID,
				"error":       err.Error(),
			})
			continue
		}
		metrics.NotificationsRetried.WithLabelValues(string(item.Channel)).Inc()
		readmitted++
	}
	return readmitted, nil
}

// statusRank orders the delivery lifecycle for idempotent advancement.
var statusRank = map[models.QueueStatus]int{
	models.QueueStatusPending:    0,
	models.QueueStatusProcessing: 1,
	models.QueueStatusFailed:     2,
	models.QueueStatusSent:       2,
	models.QueueStatusDelivered:  3,
	models.QueueStatusRead:       4,
}

// UpdateStatus advances a queue item's status, typically from an inbound
// webhook. It is idempotent: a status at or behind the current one is a
// no-op. The matching history row's progression timestamp is back-filled.
func (d *Dispatcher) UpdateStatus(ctx context.Context, id string, status models.QueueStatus, metadata map[string]interface{}) error {
	rec, err := d.store.FindByID(ctx, store.TableQueue, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NewNotFoundError("queue item", id)
		}
		return err
	}
	item := queueItemFromRecord(rec)

	if statusRank[status] <= statusRank[item.Status] {
		return nil
	}

	now := d.now().UTC()
	patch := store.Record{
		"status":     string(status),
		"updated_at": now,
	}
	var historyPatch store.Record
	switch status {
	case models.QueueStatusDelivered:
		patch["delivered_at"] = now
		historyPatch = store.Record{"status": string(status), "delivered_at": now}
	case models.QueueStatusRead:
		historyPatch = store.Record{"status": string(status), "read_at": now}
	case models.QueueStatusFailed:
		patch["failed_at"] = now
		historyPatch = store.Record{"status": string(status)}
	default:
		historyPatch = store.Record{"status": string(status)}
	}

	if err := d.store.Update(ctx, store.TableQueue, id, patch); err != nil {
		return err
	}

	hist, err := d.store.FindOne(ctx, store.TableHistory, store.Filters{"queue_item_id": id})
	if err == nil {
		if metadata != nil {
			historyPatch["response"] = store.JSONValue(metadata)
		}
		if err := d.store.Update(ctx, store.TableHistory, hist.Str("id"), historyPatch); err != nil {
			d.logger.Warn("failed to back-fill history row", map[string]interface{}{
				"queueItemId": id,
				"error":       err.Error(),
			})
		}
	}

	d.logger.Info("notification status advanced", map[string]interface{}{
		"queueItemId": id,
		"from":        string(item.Status),
		"to":          string(status),
	})
	return nil
}

// ==========================
// Maintenance & stats
// ==========================

// Cleanup deletes terminal items older than the cutoff. Failed and pending
// items are never deleted regardless of age: failures stay visible for
// operator triage.
func (d *Dispatcher) Cleanup(ctx context.Context, daysOld int) (int, error) {
	recs, err := d.store.Select(ctx, store.TableQueue, nil)
	if err != nil {
		return 0, err
	}

	cutoff := d.now().UTC().AddDate(0, 0, -daysOld)
	deleted := 0
	for _, rec := range recs {
		item := queueItemFromRecord(rec)
		if !item.Status.Terminal() {
			continue
		}
		if item.CreatedAt.After(cutoff) {
			continue
		}
		if err := d.store.Delete(ctx, store.TableQueue, item.ID); err != nil {
			d.logger.Warn("failed to delete old queue item", map[string]interface{}{
				"queueItemId": item.ID,
				"error":       err.Error(),
			})
			continue
		}
		deleted++
	}

	if deleted > 0 {
		d.logger.Info("cleaned up old notifications", map[string]interface{}{
			"deleted": deleted,
			"daysOld": daysOld,
		})
	}
	return deleted, nil
}

// GetQueueStatus returns aggregate counts by status and channel.
func (d *Dispatcher) GetQueueStatus(ctx context.Context) (*models.QueueStats, error) {
	recs, err := d.store.Select(ctx, store.TableQueue, nil)
	if err != nil {
		return nil, err
	}

	stats := &models.QueueStats{
		ByStatus:  make(map[models.QueueStatus]int),
		ByChannel: make(map[models.Channel]int),
	}
	for _, rec := range recs {
		item := queueItemFromRecord(rec)
		stats.ByStatus[item.Status]++
		stats.ByChannel[item.Channel]++
		stats.Total++
	}

	for status, count := range stats.ByStatus {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(count))
	}
	return stats, nil
}

// GetNotificationStats returns aggregate counts over history, optionally
// filtered by channel and/or template.
func (d *Dispatcher) GetNotificationStats(ctx context.Context, filters store.Filters) (*models.QueueStats, error) {
	recs, err := d.store.Select(ctx, store.TableHistory, filters)
	if err != nil {
		return nil, err
	}

	stats := &models.QueueStats{
		ByStatus:  make(map[models.QueueStatus]int),
		ByChannel: make(map[models.Channel]int),
	}
	for _, rec := range recs {
		stats.ByStatus[models.QueueStatus(rec.Str("status"))]++
		stats.ByChannel[models.Channel(rec.Str("channel"))]++
		stats.Total++
	}
	return stats, nil
}

// ==========================
// History & record mapping
// ==========================

func (d *Dispatcher) appendHistory(ctx context.Context, item *models.QueueItem, response map[string]interface{}) {
	now := d.now().UTC()
	rec := store.Record{
		"id":            uuid.New().String(),
		"queue_item_id": item.ID,
		"recipient_id":  item.RecipientID,
		"template_id":   item.TemplateID,
		"channel":       string(item.Channel),
		"status":        string(item.Status),
		"created_at":    now,
	}
	if response != nil {
		rec["response"] = store.JSONValue(response)
	}
	if item.SentAt != nil {
		rec["sent_at"] = *item.SentAt
	}
	if err := d.store.Insert(ctx, store.TableHistory, rec); err != nil {
		d.logger.Warn("failed to append history row", map[string]interface{}{
			"queueItemId": item.ID,
			"error":       err.Error(),
		})
	}
}

func queueRecord(item *models.QueueItem) store.Record {
	rec := store.Record{
		"id":           item.ID,
		"template_id":  item.TemplateID,
		"recipient_id": item.RecipientID,
		"channel":      string(item.Channel),
		"status":       string(item.Status),
		"priority":     item.Priority,
		"scheduled_at": item.ScheduledAt,
		"retry_count":  item.RetryCount,
		"max_retries":  item.MaxRetries,
		"created_at":   item.CreatedAt,
		"updated_at":   item.UpdatedAt,
	}
	if item.Variables != nil {
		rec["variables"] = store.JSONValue(item.Variables)
	}
	return rec
}

func queueItemFromRecord(rec store.Record) *models.QueueItem {
	return &models.QueueItem{
		ID:                rec.Str("id"),
		TemplateID:        rec.Str("template_id"),
		RecipientID:       rec.Str("recipient_id"),
		Channel:           models.Channel(rec.Str("channel")),
		Status:            models.QueueStatus(rec.Str("status")),
		Priority:          rec.Int("priority"),
		Variables:         rec.Map("variables"),
		ScheduledAt:       rec.Time("scheduled_at"),
		RetryCount:        rec.Int("retry_count"),
		MaxRetries:        rec.Int("max_retries"),
		ExternalMessageID: rec.Str("external_message_id"),
		ErrorMessage:      rec.Str("error_message"),
		SentAt:            rec.TimePtr("sent_at"),
		FailedAt:          rec.TimePtr("failed_at"),
		DeliveredAt:       rec.TimePtr("delivered_at"),
		CreatedAt:         rec.Time("created_at"),
		UpdatedAt:         rec.Time("updated_at"),
	}
}
