package whatsapp

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/models"
)

// RateLimiter tracks the platform quota per sender identity from response
// headers. It is advisory local state: the platform enforces the real limit,
// this just lets us fail fast instead of burning a doomed HTTP call.
type RateLimiter struct {
	mu     sync.Mutex
	quotas map[string]*models.RateLimitInfo
	now    func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		quotas: make(map[string]*models.RateLimitInfo),
		now:    time.Now,
	}
}

// Check fails fast with a rate-limit error when the remembered quota for the
// sender is exhausted and the reset time has not passed.
func (r *RateLimiter) Check(sender string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.quotas[sender]
	if !ok {
		return nil
	}

	now := r.now()
	if !info.ResetAt.IsZero() && now.After(info.ResetAt) {
		// Quota window rolled over; forget the stale snapshot.
		delete(r.quotas, sender)
		return nil
	}

	if info.Remaining <= 0 {
		return apperrors.NewRateLimitError(sender, info.ResetAt.Sub(now))
	}
	return nil
}

// Update refreshes the quota snapshot for a sender.
func (r *RateLimiter) Update(sender string, remaining, limit int, resetAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotas[sender] = &models.RateLimitInfo{
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   resetAt,
	}
}

// UpdateFromHeaders reads the platform's X-RateLimit-* response headers.
// Missing or malformed headers leave the existing snapshot untouched.
func (r *RateLimiter) UpdateFromHeaders(sender string, headers http.Header) {
	remainingStr := headers.Get("X-RateLimit-Remaining")
	if remainingStr == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return
	}

	limit, _ := strconv.Atoi(headers.Get("X-RateLimit-Limit"))

	var resetAt time.Time
	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		if epoch, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			resetAt = time.Unix(epoch, 0)
		}
	}

	r.Update(sender, remaining, limit, resetAt)
}

// Snapshot returns a copy of the current quota for a sender.
func (r *RateLimiter) Snapshot(sender string) (models.RateLimitInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.quotas[sender]
	if !ok {
		return models.RateLimitInfo{}, false
	}
	return *info, true
}
