package scheduler

import (
	"context"
	"fmt"
	"time"

	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/models"
)

// Directory is the external customer/contract/user directory the scheduler
// resolves target audiences from.
type Directory interface {
	ContractsExpiringWithin(ctx context.Context, days int) ([]*models.Contract, error)
	UsersMatching(ctx context.Context, userType string, activeWithinDays int) ([]*models.User, error)
	UsersByID(ctx context.Context, ids []string) ([]*models.User, error)
	AllUsers(ctx context.Context) ([]*models.User, error)
}

// target is one resolved recipient with its job-specific variables.
type target struct {
	RecipientID string
	Variables   map[string]interface{}
}

// resolveTargets dispatches by job type to the matching target-resolution
// routine. The switch is exhaustive over the closed job-type set.
func (s *Service) resolveTargets(ctx context.Context, job *models.ScheduledJob) ([]target, error) {
	switch job.Type {
	case models.JobTypeContractReminder:
		return s.contractReminderTargets(ctx, job)
	case models.JobTypeMarketingCampaign:
		return s.marketingTargets(ctx, job)
	case models.JobTypeSystemNotification:
		return s.systemTargets(ctx, job)
	default:
		return nil, apperrors.NewValidationError("unknown job type", fmt.Sprintf("type: %s", job.Type))
	}
}

// contractReminderTargets selects contracts expiring within the configured
// day window. The recipient is the contract's customer; variables carry the
// remaining days and the contract reference.
func (s *Service) contractReminderTargets(ctx context.Context, job *models.ScheduledJob) ([]target, error) {
	days := s.reminderDays
	if v, ok := job.Criteria["days_ahead"]; ok {
		if n := toInt(v); n > 0 {
			days = n
		}
	}

	contracts, err := s.directory.ContractsExpiringWithin(ctx, days)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	targets := make([]target, 0, len(contracts))
	for _, c := range contracts {
		remaining := int(c.ExpiresAt.Sub(now).Hours() / 24)
		if remaining < 0 {
			continue
		}
		targets = append(targets, target{
			RecipientID: c.CustomerID,
			Variables: map[string]interface{}{
				"daysRemaining":     remaining,
				"contractReference": c.Reference,
				"expiryDate":        c.ExpiresAt.Format("2006-01-02"),
			},
		})
	}
	return targets, nil
}

// marketingTargets selects users by type and recency criteria.
func (s *Service) marketingTargets(ctx context.Context, job *models.ScheduledJob) ([]target, error) {
	userType, _ := job.Criteria["user_type"].(string)
	activeWithin := toInt(job.Criteria["active_within_days"])

	users, err := s.directory.UsersMatching(ctx, userType, activeWithin)
	if err != nil {
		return nil, err
	}

	targets := make([]target, 0, len(users))
	for _, u := range users {
		targets = append(targets, target{
			RecipientID: u.ID,
			Variables:   map[string]interface{}{"campaignName": job.Name},
		})
	}
	return targets, nil
}

// systemTargets selects an explicit user-id list, or every user when no list
// is given.
func (s *Service) systemTargets(ctx context.Context, job *models.ScheduledJob) ([]target, error) {
	var users []*models.User
	var err error

	if raw, ok := job.Criteria["user_ids"]; ok {
		ids := toStrings(raw)
		if len(ids) == 0 {
			return nil, apperrors.NewValidationError("empty user_ids criteria", "system notification requires user ids or no criteria at all")
		}
		users, err = s.directory.UsersByID(ctx, ids)
	} else {
		users, err = s.directory.AllUsers(ctx)
	}
	if err != nil {
		return nil, err
	}

	targets := make([]target, 0, len(users))
	for _, u := range users {
		targets = append(targets, target{
			RecipientID: u.ID,
			Variables:   map[string]interface{}{"sentAt": s.now().UTC().Format(time.RFC3339)},
		})
	}
	return targets, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toStrings(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
