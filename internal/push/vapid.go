// Package push implements the Web Push channel adapter: VAPID key
// management, subscription lifecycle, and push-protocol delivery with
// gone-endpoint handling.
package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"

	"notification-engine/internal/common/logger"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// VAPIDManager owns the active signing keypair. Exactly one keypair is
// active at a time: generating a new one deactivates every prior active row
// before inserting, so subscriptions always have an unambiguous key to bind.
type VAPIDManager struct {
	mu      sync.Mutex
	store   store.Store
	subject string
	logger  logger.Logger
	cached  *models.VAPIDKeyPair
}

func NewVAPIDManager(st store.Store, subject string, log logger.Logger) *VAPIDManager {
	return &VAPIDManager{
		store:   st,
		subject: subject,
		logger:  log,
	}
}

// ActiveKeys returns the stored active keypair, generating and persisting
// one on first use.
func (m *VAPIDManager) ActiveKeys(ctx context.Context) (*models.VAPIDKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return m.cached, nil
	}

	rec, err := m.store.FindOne(ctx, store.TableVAPIDKeys, store.Filters{"is_active": true})
	if err == nil {
		m.cached = keyPairFromRecord(rec)
		return m.cached, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	pair, err := m.generateLocked(ctx)
	if err != nil {
		return nil, err
	}
	m.cached = pair
	return pair, nil
}

// Rotate generates a fresh keypair, deactivating all previously active rows.
// Existing subscriptions keep delivering until their next browser refresh.
func (m *VAPIDManager) Rotate(ctx context.Context) (*models.VAPIDKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, err := m.generateLocked(ctx)
	if err != nil {
		return nil, err
	}
	m.cached = pair
	return pair, nil
}

func (m *VAPIDManager) generateLocked(ctx context.Context) (*models.VAPIDKeyPair, error) {
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, err
	}

	active, err := m.store.Select(ctx, store.TableVAPIDKeys, store.Filters{"is_active": true})
	if err != nil {
		return nil, err
	}
	for _, rec := range active {
		if err := m.store.Update(ctx, store.TableVAPIDKeys, rec.Str("id"), store.Record{"is_active": false}); err != nil {
			return nil, err
		}
	}

	pair := &models.VAPIDKeyPair{
		ID:         uuid.New().String(),
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Subject:    m.subject,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.Insert(ctx, store.TableVAPIDKeys, store.Record{
		"id":          pair.ID,
		"public_key":  pair.PublicKey,
		"private_key": pair.PrivateKey,
		"subject":     pair.Subject,
		"is_active":   true,
		"created_at":  pair.CreatedAt,
	}); err != nil {
		return nil, err
	}

	m.logger.Info("generated VAPID keypair", map[string]interface{}{
		"keyId":   pair.ID,
		"subject": pair.Subject,
	})
	return pair, nil
}

func keyPairFromRecord(rec store.Record) *models.VAPIDKeyPair {
	return &models.VAPIDKeyPair{
		ID:         rec.Str("id"),
		PublicKey:  rec.Str("public_key"),
		PrivateKey: rec.Str("private_key"),
		Subject:    rec.Str("subject"),
		Active:     rec.Bool("is_active"),
		CreatedAt:  rec.Time("created_at"),
	}
}
