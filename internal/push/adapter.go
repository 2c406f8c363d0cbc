package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"

	"notification-engine/internal/common/config"
	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/common/logger"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// sendFunc performs one push-protocol send. Swapped out in tests.
type sendFunc func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Adapter is the Web Push channel adapter.
type Adapter struct {
	cfg    *config.PushConfig
	store  store.Store
	vapid  *VAPIDManager
	logger logger.Logger
	send   sendFunc
}

func NewAdapter(cfg *config.PushConfig, st store.Store, log logger.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		store:  st,
		vapid:  NewVAPIDManager(st, cfg.Subject, log),
		logger: log.WithFields(map[string]interface{}{"channel": "push"}),
		send:   webpush.SendNotificationWithContext,
	}
}

// VAPID exposes the key manager, e.g. so an API layer can hand the public
// key to subscribing browsers.
func (a *Adapter) VAPID() *VAPIDManager {
	return a.vapid
}

// Payload is the JSON document delivered to the service worker.
type Payload struct {
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Icon  string                 `json:"icon,omitempty"`
	URL   string                 `json:"url,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// SubscriptionInput is what the browser's PushManager hands over.
type SubscriptionInput struct {
	Endpoint  string
	P256dhKey string
	AuthKey   string
	UserAgent string
}

// ==========================
// Subscription lifecycle
// ==========================

// SaveSubscription upserts keyed by (user, endpoint): an existing pair gets
// its keys refreshed and is reactivated, otherwise a new row is inserted.
func (a *Adapter) SaveSubscription(ctx context.Context, userID string, input SubscriptionInput) (*models.PushSubscription, error) {
	if userID == "" || input.Endpoint == "" || input.P256dhKey == "" || input.AuthKey == "" {
		return nil, apperrors.NewValidationError("invalid push subscription", "userId, endpoint and both keys are required")
	}

	now := time.Now().UTC()

	existing, err := a.store.FindOne(ctx, store.TableSubscriptions, store.Filters{
		"user_id":  userID,
		"endpoint": input.Endpoint,
	})
	if err == nil {
		patch := store.Record{
			"p256dh_key": input.P256dhKey,
			"auth_key":   input.AuthKey,
			"is_active":  true,
			"updated_at": now,
		}
		if input.UserAgent != "" {
			patch["user_agent"] = input.UserAgent
		}
		if err := a.store.Update(ctx, store.TableSubscriptions, existing.Str("id"), patch); err != nil {
			return nil, err
		}
		return a.getSubscription(ctx, existing.Str("id"))
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sub := &models.PushSubscription{
		ID:        uuid.New().String(),
		UserID:    userID,
		Endpoint:  input.Endpoint,
		P256dhKey: input.P256dhKey,
		AuthKey:   input.AuthKey,
		UserAgent: input.UserAgent,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.Insert(ctx, store.TableSubscriptions, subscriptionRecord(sub)); err != nil {
		return nil, err
	}
	return sub, nil
}

// RemoveSubscription soft-deletes a subscription, preserving its delivery
// history.
func (a *Adapter) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	rec, err := a.store.FindOne(ctx, store.TableSubscriptions, store.Filters{
		"user_id":  userID,
		"endpoint": endpoint,
	})
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NewNotFoundError("push subscription", endpoint)
	}
	if err != nil {
		return err
	}
	return a.deactivate(ctx, rec.Str("id"))
}

func (a *Adapter) deactivate(ctx context.Context, id string) error {
	return a.store.Update(ctx, store.TableSubscriptions, id, store.Record{
		"is_active":  false,
		"updated_at": time.Now().UTC(),
	})
}

func (a *Adapter) getSubscription(ctx context.Context, id string) (*models.PushSubscription, error) {
	rec, err := a.store.FindByID(ctx, store.TableSubscriptions, id)
	if err != nil {
		return nil, err
	}
	return subscriptionFromRecord(rec), nil
}

func (a *Adapter) activeSubscriptions(ctx context.Context, userID string) ([]*models.PushSubscription, error) {
	recs, err := a.store.Select(ctx, store.TableSubscriptions, store.Filters{
		"user_id":   userID,
		"is_active": true,
	})
	if err != nil {
		return nil, err
	}
	subs := make([]*models.PushSubscription, 0, len(recs))
	for _, rec := range recs {
		subs = append(subs, subscriptionFromRecord(rec))
	}
	return subs, nil
}

// ==========================
// Delivery
// ==========================

// SendPush delivers one payload to one subscription. HTTP 404/410 from the
// push service means the endpoint is gone: the subscription is deactivated
// and the failure is terminal, never retried. Other failures pass through
// as transient delivery errors.
func (a *Adapter) SendPush(ctx context.Context, sub *models.PushSubscription, payload Payload) error {
	keys, err := a.vapid.ActiveKeys(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewDeliveryError("push", fmt.Errorf("failed to encode payload: %w", err))
	}

	resp, err := a.send(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		Subscriber:      keys.Subject,
		VAPIDPublicKey:  keys.PublicKey,
		VAPIDPrivateKey: keys.PrivateKey,
		TTL:             a.cfg.TTL,
	})
	if err != nil {
		return apperrors.NewDeliveryError("push", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		if derr := a.deactivate(ctx, sub.ID); derr != nil {
			a.logger.Warn("failed to deactivate gone subscription", map[string]interface{}{
				"subscriptionId": sub.ID,
				"error":          derr.Error(),
			})
		}
		gone := apperrors.NewDeliveryError("push", fmt.Errorf("subscription gone (status %d)", resp.StatusCode))
		gone.Retryable = false
		return gone
	case resp.StatusCode >= 300:
		return apperrors.NewDeliveryError("push", fmt.Errorf("push service returned status %d", resp.StatusCode))
	}

	now := time.Now().UTC()
	if err := a.store.Update(ctx, store.TableSubscriptions, sub.ID, store.Record{"last_used_at": now}); err != nil {
		a.logger.Debug("failed to stamp subscription last_used_at", map[string]interface{}{
			"subscriptionId": sub.ID,
			"error":          err.Error(),
		})
	}
	return nil
}

// SubscriptionResult is one endpoint's outcome within a user fan-out.
type SubscriptionResult struct {
	SubscriptionID string `json:"subscriptionId"`
	Endpoint       string `json:"endpoint"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

// FanoutResult aggregates a SendToUser fan-out.
type FanoutResult struct {
	Sent    int                  `json:"sent"`
	Failed  int                  `json:"failed"`
	Results []SubscriptionResult `json:"results"`
}

// SendToUser fans out to every active subscription of the user in parallel.
// Succeeds when at least one endpoint accepted the payload.
func (a *Adapter) SendToUser(ctx context.Context, userID, title, body string, data map[string]interface{}) (*FanoutResult, error) {
	subs, err := a.activeSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		noSubs := apperrors.NewDeliveryError("push", fmt.Errorf("user %s has no active push subscriptions", userID))
		noSubs.Retryable = false
		return nil, noSubs
	}

	payload := Payload{Title: title, Body: body, Data: data}

	results := make([]SubscriptionResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *models.PushSubscription) {
			defer wg.Done()
			res := SubscriptionResult{SubscriptionID: sub.ID, Endpoint: sub.Endpoint}
			if err := a.SendPush(ctx, sub, payload); err != nil {
				res.Error = err.Error()
			} else {
				res.Success = true
			}
			results[i] = res
		}(i, sub)
	}
	wg.Wait()

	out := &FanoutResult{Results: results}
	for _, res := range results {
		if res.Success {
			out.Sent++
		} else {
			out.Failed++
		}
	}

	if out.Sent == 0 {
		return out, apperrors.NewDeliveryError("push", fmt.Errorf("all %d subscriptions failed for user %s", len(subs), userID))
	}
	return out, nil
}

// BulkResult aggregates a multi-user broadcast.
type BulkResult struct {
	TotalSent   int                      `json:"totalSent"`
	TotalFailed int                      `json:"totalFailed"`
	PerUser     map[string]*FanoutResult `json:"perUser"`
}

// SendBulkPush dispatches to users sequentially to bound concurrent outbound
// calls; only the per-user fan-out is parallel.
func (a *Adapter) SendBulkPush(ctx context.Context, userIDs []string, title, body string, data map[string]interface{}) *BulkResult {
	out := &BulkResult{PerUser: make(map[string]*FanoutResult, len(userIDs))}
	for _, userID := range userIDs {
		res, err := a.SendToUser(ctx, userID, title, body, data)
		if res == nil {
			res = &FanoutResult{}
		}
		if err != nil {
			a.logger.Warn("bulk push to user failed", map[string]interface{}{
				"userId": userID,
				"error":  err.Error(),
			})
		}
		out.PerUser[userID] = res
		out.TotalSent += res.Sent
		out.TotalFailed += res.Failed
	}
	return out
}

// CleanupExpiredSubscriptions probes every active subscription with a silent
// payload and deactivates any that fail. This is the proactive sweep; the
// reactive path is the 404/410 handling in SendPush.
func (a *Adapter) CleanupExpiredSubscriptions(ctx context.Context) (int, error) {
	recs, err := a.store.Select(ctx, store.TableSubscriptions, store.Filters{"is_active": true})
	if err != nil {
		return 0, err
	}

	probe := Payload{Data: map[string]interface{}{"silent": true}}
	removed := 0
	for _, rec := range recs {
		sub := subscriptionFromRecord(rec)
		if err := a.SendPush(ctx, sub, probe); err != nil {
			// SendPush already deactivated gone endpoints; deactivate on
			// any other failure too, this sweep is deliberately aggressive.
			if apperrors.IsRetryable(err) {
				if derr := a.deactivate(ctx, sub.ID); derr != nil {
					a.logger.Warn("failed to deactivate stale subscription", map[string]interface{}{
						"subscriptionId": sub.ID,
						"error":          derr.Error(),
					})
					continue
				}
			}
			removed++
		}
	}

	if removed > 0 {
		a.logger.Info("cleaned up expired push subscriptions", map[string]interface{}{
			"removed": removed,
			"probed":  len(recs),
		})
	}
	return removed, nil
}

// ==========================
// Record mapping
// ==========================

func subscriptionRecord(s *models.PushSubscription) store.Record {
	rec := store.Record{
		"id":         s.ID,
		"user_id":    s.UserID,
		"endpoint":   s.Endpoint,
		"p256dh_key": s.P256dhKey,
		"auth_key":   s.AuthKey,
		"is_active":  s.Active,
		"created_at": s.CreatedAt,
		"updated_at": s.UpdatedAt,
	}
	if s.UserAgent != "" {
		rec["user_agent"] = s.UserAgent
	}
	return rec
}

func subscriptionFromRecord(rec store.Record) *models.PushSubscription {
	return &models.PushSubscription{
		ID:         rec.Str("id"),
		UserID:     rec.Str("user_id"),
		Endpoint:   rec.Str("endpoint"),
		P256dhKey:  rec.Str("p256dh_key"),
		AuthKey:    rec.Str("auth_key"),
		UserAgent:  rec.Str("user_agent"),
		Active:     rec.Bool("is_active"),
		LastUsedAt: rec.TimePtr("last_used_at"),
		CreatedAt:  rec.Time("created_at"),
		UpdatedAt:  rec.Time("updated_at"),
	}
}
