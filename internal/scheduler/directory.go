package scheduler

import (
	"context"
	"time"

	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// StoreDirectory resolves targets from the contracts and users tables of the
// shared record store. Deployments with a separate customer service can
// substitute their own Directory.
type StoreDirectory struct {
	store store.Store
	now   func() time.Time
}

func NewStoreDirectory(st store.Store) *StoreDirectory {
	return &StoreDirectory{store: st, now: time.Now}
}

func (d *StoreDirectory) ContractsExpiringWithin(ctx context.Context, days int) ([]*models.Contract, error) {
	recs, err := d.store.Select(ctx, store.TableContracts, nil)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	cutoff := now.AddDate(0, 0, days)
	contracts := make([]*models.Contract, 0)
	for _, rec := range recs {
		expiresAt := rec.Time("expires_at")
		if expiresAt.Before(now) || expiresAt.After(cutoff) {
			continue
		}
		contracts = append(contracts, &models.Contract{
			ID:         rec.Str("id"),
			CustomerID: rec.Str("customer_id"),
			Reference:  rec.Str("reference"),
			ExpiresAt:  expiresAt,
		})
	}
	return contracts, nil
}

func (d *StoreDirectory) UsersMatching(ctx context.Context, userType string, activeWithinDays int) ([]*models.User, error) {
	filters := store.Filters{}
	if userType != "" {
		filters["type"] = userType
	}
	recs, err := d.store.Select(ctx, store.TableUsers, filters)
	if err != nil {
		return nil, err
	}

	var cutoff time.Time
	if activeWithinDays > 0 {
		cutoff = d.now().UTC().AddDate(0, 0, -activeWithinDays)
	}

	users := make([]*models.User, 0, len(recs))
	for _, rec := range recs {
		u := userFromRecord(rec)
		if !cutoff.IsZero() {
			if u.LastActiveAt == nil || u.LastActiveAt.Before(cutoff) {
				continue
			}
		}
		users = append(users, u)
	}
	return users, nil
}

func (d *StoreDirectory) UsersByID(ctx context.Context, ids []string) ([]*models.User, error) {
	in := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		in = append(in, id)
	}
	recs, err := d.store.Select(ctx, store.TableUsers, store.Filters{"id": in})
	if err != nil {
		return nil, err
	}

	users := make([]*models.User, 0, len(recs))
	for _, rec := range recs {
		users = append(users, userFromRecord(rec))
	}
	return users, nil
}

func (d *StoreDirectory) AllUsers(ctx context.Context) ([]*models.User, error) {
	recs, err := d.store.Select(ctx, store.TableUsers, nil)
	if err != nil {
		return nil, err
	}
	users := make([]*models.User, 0, len(recs))
	for _, rec := range recs {
		users = append(users, userFromRecord(rec))
	}
	return users, nil
}

func userFromRecord(rec store.Record) *models.User {
	return &models.User{
		ID:           rec.Str("id"),
		Phone:        rec.Str("phone"),
		Type:         rec.Str("type"),
		LastActiveAt: rec.TimePtr("last_active_at"),
	}
}
