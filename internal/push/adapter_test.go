// internal/push/adapter_test.go
package push

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-engine/internal/common/config"
	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/common/logger"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// ==========================
// Test Helper Functions
// ==========================

func pushResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func newTestAdapter(send sendFunc) (*Adapter, *store.Memory) {
	mem := store.NewMemory()
	cfg := &config.PushConfig{Subject: "mailto:ops@example.com", TTL: 3600}
	a := NewAdapter(cfg, mem, logger.NewNoOpLogger())
	a.send = send
	return a, mem
}

func saveTestSubscription(t *testing.T, a *Adapter, userID, endpoint string) *models.PushSubscription {
	t.Helper()
	sub, err := a.SaveSubscription(context.Background(), userID, SubscriptionInput{
		Endpoint:  endpoint,
		P256dhKey: "p256dh-key",
		AuthKey:   "auth-key",
	})
	require.NoError(t, err)
	return sub
}

// ==========================
// VAPID Key Tests
// ==========================

func TestVAPIDManager_GeneratesOnFirstUse(t *testing.T) {
	mem := store.NewMemory()
	mgr := NewVAPIDManager(mem, "mailto:ops@example.com", logger.NewNoOpLogger())
	ctx := context.Background()

	keys, err := mgr.ActiveKeys(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, keys.PublicKey)
	assert.NotEmpty(t, keys.PrivateKey)
	assert.Equal(t, "mailto:ops@example.com", keys.Subject)

	// Second call returns the cached pair, not a fresh one.
	again, err := mgr.ActiveKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys.ID, again.ID)

	rows, err := mem.Select(ctx, store.TableVAPIDKeys, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestVAPIDManager_RotateKeepsSingleActiveKey(t *testing.T) {
	mem := store.NewMemory()
	mgr := NewVAPIDManager(mem, "mailto:ops@example.com", logger.NewNoOpLogger())
	ctx := context.Background()

	first, err := mgr.ActiveKeys(ctx)
	require.NoError(t, err)

	second, err := mgr.Rotate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	active, err := mem.Select(ctx, store.TableVAPIDKeys, store.Filters{"is_active": true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].Str("id"))
}

// ==========================
// Subscription Lifecycle Tests
// ==========================

func TestSaveSubscription_UpsertByUserAndEndpoint(t *testing.T) {
	a, mem := newTestAdapter(nil)
	ctx := context.Background()

	first := saveTestSubscription(t, a, "user-1", "https://push.example.com/ep1")

	// Re-subscribing the same endpoint refreshes keys in place.
	updated, err := a.SaveSubscription(ctx, "user-1", SubscriptionInput{
		Endpoint:  "https://push.example.com/ep1",
		P256dhKey: "new-p256dh",
		AuthKey:   "new-auth",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, updated.ID)
	assert.Equal(t, "new-p256dh", updated.P256dhKey)

	rows, err := mem.Select(ctx, store.TableSubscriptions, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// A different endpoint for the same user is a second row.
	saveTestSubscription(t, a, "user-1", "https://push.example.com/ep2")
	rows, err = mem.Select(ctx, store.TableSubscriptions, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSaveSubscription_Validation(t *testing.T) {
	a, _ := newTestAdapter(nil)
	_, err := a.SaveSubscription(context.Background(), "user-1", SubscriptionInput{Endpoint: "https://x"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestRemoveSubscription_SoftDelete(t *testing.T) {
	a, mem := newTestAdapter(nil)
	ctx := context.Background()
	sub := saveTestSubscription(t, a, "user-1", "https://push.example.com/ep1")

	require.NoError(t, a.RemoveSubscription(ctx, "user-1", sub.Endpoint))

	// Row survives, deactivated.
	rec, err := mem.FindByID(ctx, store.TableSubscriptions, sub.ID)
	require.NoError(t, err)
	assert.False(t, rec.Bool("is_active"))

	assert.True(t, apperrors.IsNotFound(a.RemoveSubscription(ctx, "user-1", "https://push.example.com/unknown")))
}

// ==========================
// Delivery Tests
// ==========================

func TestSendToUser_AtLeastOneSuccess(t *testing.T) {
	var mu sync.Mutex
	statusByEndpoint := map[string]int{
		"https://push.example.com/ok":   http.StatusCreated,
		"https://push.example.com/down": http.StatusBadGateway,
	}
	a, _ := newTestAdapter(func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		return pushResponse(statusByEndpoint[sub.Endpoint]), nil
	})

	saveTestSubscription(t, a, "user-1", "https://push.example.com/ok")
	saveTestSubscription(t, a, "user-1", "https://push.example.com/down")

	result, err := a.SendToUser(context.Background(), "user-1", "Title", "Body", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Results, 2)
}

func TestSendToUser_NoActiveSubscriptions(t *testing.T) {
	a, _ := newTestAdapter(nil)
	_, err := a.SendToUser(context.Background(), "user-1", "Title", "Body", nil)
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "no active push subscriptions")
}

func TestSendPush_GoneEndpointDeactivates(t *testing.T) {
	a, mem := newTestAdapter(func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		return pushResponse(http.StatusGone), nil
	})
	ctx := context.Background()
	sub := saveTestSubscription(t, a, "user-1", "https://push.example.com/expired")

	err := a.SendPush(ctx, sub, Payload{Title: "Hi"})
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err), "gone endpoint is terminal, not retried")

	rec, err := mem.FindByID(ctx, store.TableSubscriptions, sub.ID)
	require.NoError(t, err)
	assert.False(t, rec.Bool("is_active"))

	// And the dead endpoint is excluded from later fan-outs.
	_, err = a.SendToUser(ctx, "user-1", "Title", "Body", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active push subscriptions")
}

func TestSendPush_TransientErrorKeepsSubscription(t *testing.T) {
	a, mem := newTestAdapter(func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		return pushResponse(http.StatusServiceUnavailable), nil
	})
	ctx := context.Background()
	sub := saveTestSubscription(t, a, "user-1", "https://push.example.com/busy")

	err := a.SendPush(ctx, sub, Payload{Title: "Hi"})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	rec, err := mem.FindByID(ctx, store.TableSubscriptions, sub.ID)
	require.NoError(t, err)
	assert.True(t, rec.Bool("is_active"))
}

func TestSendPush_StampsLastUsed(t *testing.T) {
	a, mem := newTestAdapter(func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		return pushResponse(http.StatusCreated), nil
	})
	ctx := context.Background()
	sub := saveTestSubscription(t, a, "user-1", "https://push.example.com/ok")

	require.NoError(t, a.SendPush(ctx, sub, Payload{Title: "Hi"}))

	rec, err := mem.FindByID(ctx, store.TableSubscriptions, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, rec.TimePtr("last_used_at"))
}

func TestSendBulkPush_Aggregates(t *testing.T) {
	a, _ := newTestAdapter(func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		return pushResponse(http.StatusCreated), nil
	})
	saveTestSubscription(t, a, "user-1", "https://push.example.com/a")
	saveTestSubscription(t, a, "user-2", "https://push.example.com/b")

	// user-3 has no subscription and simply counts as zero sends.
	result := a.SendBulkPush(context.Background(), []string{"user-1", "user-2", "user-3"}, "Title", "Body", nil)
	assert.Equal(t, 2, result.TotalSent)
	assert.Equal(t, 0, result.TotalFailed)
	assert.Len(t, result.PerUser, 3)
}

func TestCleanupExpiredSubscriptions(t *testing.T) {
	a, mem := newTestAdapter(func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		if strings.HasSuffix(sub.Endpoint, "/dead") {
			return pushResponse(http.StatusGone), nil
		}
		return pushResponse(http.StatusCreated), nil
	})
	ctx := context.Background()
	saveTestSubscription(t, a, "user-1", "https://push.example.com/alive")
	dead := saveTestSubscription(t, a, "user-2", "https://push.example.com/dead")

	removed, err := a.CleanupExpiredSubscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rec, err := mem.FindByID(ctx, store.TableSubscriptions, dead.ID)
	require.NoError(t, err)
	assert.False(t, rec.Bool("is_active"))

	active, err := mem.Select(ctx, store.TableSubscriptions, store.Filters{"is_active": true})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
