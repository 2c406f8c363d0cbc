// internal/scheduler/service_test.go
package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/common/logger"
	"notification-engine/internal/dispatch"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// ==========================
// Mock Implementations
// ==========================

type MockQueuer struct {
	QueueFunc func(ctx context.Context, req dispatch.QueueRequest) (string, error)
	Requests  []dispatch.QueueRequest
}

func (m *MockQueuer) Queue(ctx context.Context, req dispatch.QueueRequest) (string, error) {
	m.Requests = append(m.Requests, req)
	if m.QueueFunc != nil {
		return m.QueueFunc(ctx, req)
	}
	return "queued-id", nil
}

type MockDirectory struct {
	ContractsExpiringWithinFunc func(ctx context.Context, days int) ([]*models.Contract, error)
	UsersMatchingFunc           func(ctx context.Context, userType string, activeWithinDays int) ([]*models.User, error)
	UsersByIDFunc               func(ctx context.Context, ids []string) ([]*models.User, error)
	AllUsersFunc                func(ctx context.Context) ([]*models.User, error)
}

func (m *MockDirectory) ContractsExpiringWithin(ctx context.Context, days int) ([]*models.Contract, error) {
	return m.ContractsExpiringWithinFunc(ctx, days)
}

func (m *MockDirectory) UsersMatching(ctx context.Context, userType string, activeWithinDays int) ([]*models.User, error) {
	return m.UsersMatchingFunc(ctx, userType, activeWithinDays)
}

func (m *MockDirectory) UsersByID(ctx context.Context, ids []string) ([]*models.User, error) {
	return m.UsersByIDFunc(ctx, ids)
}

func (m *MockDirectory) AllUsers(ctx context.Context) ([]*models.User, error) {
	return m.AllUsersFunc(ctx)
}

// ==========================
// Test Helper Functions
// ==========================

type schedEnv struct {
	service   *Service
	store     *store.Memory
	queuer    *MockQueuer
	directory *MockDirectory
	clock     time.Time
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	env := &schedEnv{
		store:     store.NewMemory(),
		queuer:    &MockQueuer{},
		directory: &MockDirectory{},
		clock:     time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	}
	env.service = NewService(env.store, env.queuer, env.directory, 10, logger.NewNoOpLogger())
	env.service.now = func() time.Time { return env.clock }
	return env
}

func (env *schedEnv) createJob(t *testing.T, jobType models.JobType, criteria map[string]interface{}) *models.ScheduledJob {
	t.Helper()
	job, err := env.service.CreateJob(context.Background(), CreateJobInput{
		Name:       "test-job",
		Type:       jobType,
		CronExpr:   "0 9 * * *",
		Criteria:   criteria,
		TemplateID: "tpl-1",
		Active:     true,
	})
	require.NoError(t, err)
	return job
}

// ==========================
// Job Lifecycle Tests
// ==========================

func TestCreateJob_Validation(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input CreateJobInput
	}{
		{
			name:  "missing name",
			input: CreateJobInput{Type: models.JobTypeSystemNotification, CronExpr: "* * * * *", TemplateID: "tpl-1"},
		},
		{
			name:  "unknown type",
			input: CreateJobInput{Name: "j", Type: "never_heard_of_it", CronExpr: "* * * * *", TemplateID: "tpl-1"},
		},
		{
			name:  "missing template",
			input: CreateJobInput{Name: "j", Type: models.JobTypeSystemNotification, CronExpr: "* * * * *"},
		},
		{
			name:  "malformed cron",
			input: CreateJobInput{Name: "j", Type: models.JobTypeSystemNotification, CronExpr: "not a cron", TemplateID: "tpl-1"},
		},
		{
			name:  "six field cron",
			input: CreateJobInput{Name: "j", Type: models.JobTypeSystemNotification, CronExpr: "0 0 9 * * *", TemplateID: "tpl-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.CreateJob(ctx, tt.input)
			assert.True(t, apperrors.IsValidation(err))
		})
	}

	// Nothing was persisted for any rejected input.
	n, err := env.store.Count(ctx, store.TableJobs, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCreateJob_ComputesNextRun(t *testing.T) {
	env := newSchedEnv(t)
	job := env.createJob(t, models.JobTypeSystemNotification, nil)

	require.NotNil(t, job.NextRunAt)
	// Created at 09:00 with a "daily at 09:00" schedule: next run is
	// tomorrow, not now.
	want := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, want, job.NextRunAt.UTC())
}

func TestUpdateJob_CronChangeRecomputesNextRun(t *testing.T) {
	env := newSchedEnv(t)
	job := env.createJob(t, models.JobTypeSystemNotification, nil)

	expr := "30 18 * * *"
	updated, err := env.service.UpdateJob(context.Background(), job.ID, UpdateJobInput{CronExpr: &expr})
	require.NoError(t, err)

	assert.Equal(t, expr, updated.CronExpr)
	want := time.Date(2026, 8, 30, 18, 30, 0, 0, time.UTC)
	assert.Equal(t, want, updated.NextRunAt.UTC())
}

func TestUpdateJob_RejectsMalformedCron(t *testing.T) {
	env := newSchedEnv(t)
	job := env.createJob(t, models.JobTypeSystemNotification, nil)

	expr := "61 * * * *"
	_, err := env.service.UpdateJob(context.Background(), job.ID, UpdateJobInput{CronExpr: &expr})
	assert.True(t, apperrors.IsValidation(err))

	// The stored job keeps its original expression.
	stored, err := env.service.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", stored.CronExpr)
}

func TestPauseResumeJob(t *testing.T) {
	env := newSchedEnv(t)
	job := env.createJob(t, models.JobTypeSystemNotification, nil)
	ctx := context.Background()

	require.NoError(t, env.service.PauseJob(ctx, job.ID))
	stored, err := env.service.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	require.NoError(t, env.service.ResumeJob(ctx, job.ID))
	stored, err = env.service.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
}

func TestDeleteJob_Missing(t *testing.T) {
	env := newSchedEnv(t)
	err := env.service.DeleteJob(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

// ==========================
// Execution Tests
// ==========================

func TestExecuteJob_ContractReminder(t *testing.T) {
	env := newSchedEnv(t)
	expiry := env.clock.Add(10 * 24 * time.Hour)
	env.directory.ContractsExpiringWithinFunc = func(ctx context.Context, days int) ([]*models.Contract, error) {
		assert.Equal(t, 10, days)
		return []*models.Contract{{
			ID:         "c-1",
			CustomerID: "customer-7",
			Reference:  "CTR-2026-001",
			ExpiresAt:  expiry,
		}}, nil
	}

	job := env.createJob(t, models.JobTypeContractReminder, map[string]interface{}{"days_ahead": 10})
	env.service.ExecuteJob(context.Background(), job)

	require.Len(t, env.queuer.Requests, 1)
	req := env.queuer.Requests[0]
	assert.Equal(t, "tpl-1", req.TemplateID)
	assert.Equal(t, "customer-7", req.RecipientID)
	assert.Equal(t, 10, req.Variables["daysRemaining"])
	assert.Equal(t, "CTR-2026-001", req.Variables["contractReference"])
	assert.Equal(t, expiry.Format("2006-01-02"), req.Variables["expiryDate"])
}

func TestExecuteJob_ContractReminderSkipsExpired(t *testing.T) {
	env := newSchedEnv(t)
	env.directory.ContractsExpiringWithinFunc = func(ctx context.Context, days int) ([]*models.Contract, error) {
		return []*models.Contract{
			{ID: "c-live", CustomerID: "u-1", ExpiresAt: env.clock.Add(48 * time.Hour)},
			{ID: "c-dead", CustomerID: "u-2", ExpiresAt: env.clock.Add(-48 * time.Hour)},
		}, nil
	}

	job := env.createJob(t, models.JobTypeContractReminder, nil)
	env.service.ExecuteJob(context.Background(), job)

	require.Len(t, env.queuer.Requests, 1)
	assert.Equal(t, "u-1", env.queuer.Requests[0].RecipientID)
}

func TestExecuteJob_MarketingCampaign(t *testing.T) {
	env := newSchedEnv(t)
	env.directory.UsersMatchingFunc = func(ctx context.Context, userType string, activeWithinDays int) ([]*models.User, error) {
		assert.Equal(t, "premium", userType)
		assert.Equal(t, 30, activeWithinDays)
		return []*models.User{{ID: "u-1"}, {ID: "u-2"}}, nil
	}

	job := env.createJob(t, models.JobTypeMarketingCampaign, map[string]interface{}{
		"user_type":          "premium",
		"active_within_days": 30,
	})
	env.service.ExecuteJob(context.Background(), job)

	require.Len(t, env.queuer.Requests, 2)
	assert.Equal(t, "test-job", env.queuer.Requests[0].Variables["campaignName"])
}

func TestExecuteJob_SystemNotificationExplicitList(t *testing.T) {
	env := newSchedEnv(t)
	env.directory.UsersByIDFunc = func(ctx context.Context, ids []string) ([]*models.User, error) {
		assert.Equal(t, []string{"u-1", "u-2"}, ids)
		return []*models.User{{ID: "u-1"}, {ID: "u-2"}}, nil
	}

	job := env.createJob(t, models.JobTypeSystemNotification, map[string]interface{}{
		"user_ids": []interface{}{"u-1", "u-2"},
	})
	env.service.ExecuteJob(context.Background(), job)
	assert.Len(t, env.queuer.Requests, 2)
}

func TestExecuteJob_SystemNotificationBroadcast(t *testing.T) {
	env := newSchedEnv(t)
	env.directory.AllUsersFunc = func(ctx context.Context) ([]*models.User, error) {
		return []*models.User{{ID: "u-1"}, {ID: "u-2"}, {ID: "u-3"}}, nil
	}

	job := env.createJob(t, models.JobTypeSystemNotification, nil)
	env.service.ExecuteJob(context.Background(), job)
	assert.Len(t, env.queuer.Requests, 3)
}

func TestExecuteJob_RecordsRunEvenOnResolveError(t *testing.T) {
	env := newSchedEnv(t)
	env.directory.AllUsersFunc = func(ctx context.Context) ([]*models.User, error) {
		return nil, assert.AnError
	}

	job := env.createJob(t, models.JobTypeSystemNotification, nil)
	env.service.ExecuteJob(context.Background(), job)

	assert.Empty(t, env.queuer.Requests)
	stored, err := env.service.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RunCount)
	assert.NotNil(t, stored.LastRunAt)
}

// ==========================
// Due-Job Sweep Tests
// ==========================

func TestRunDueJobs(t *testing.T) {
	env := newSchedEnv(t)
	env.directory.AllUsersFunc = func(ctx context.Context) ([]*models.User, error) {
		return []*models.User{{ID: "u-1"}}, nil
	}
	job := env.createJob(t, models.JobTypeSystemNotification, nil)
	ctx := context.Background()

	// Not due yet.
	ran, err := env.service.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)

	// Cross the 09:00 next-run boundary.
	env.clock = env.clock.Add(25 * time.Hour)
	ran, err = env.service.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Len(t, env.queuer.Requests, 1)

	stored, err := env.service.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RunCount)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(env.clock), "next run recomputed past the sweep time")

	// Immediately re-running the sweep does nothing.
	ran, err = env.service.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)
}

func TestRunDueJobs_SkipsPaused(t *testing.T) {
	env := newSchedEnv(t)
	env.directory.AllUsersFunc = func(ctx context.Context) ([]*models.User, error) {
		return []*models.User{{ID: "u-1"}}, nil
	}
	job := env.createJob(t, models.JobTypeSystemNotification, nil)
	ctx := context.Background()

	require.NoError(t, env.service.PauseJob(ctx, job.ID))
	env.clock = env.clock.Add(48 * time.Hour)

	ran, err := env.service.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)
	assert.Empty(t, env.queuer.Requests)
}
