// Package scheduler runs recurring notification jobs on cron-style
// schedules. Two independent triggers fire jobs: a cron runtime for normal
// ticks and a periodic reconciliation sweep that catches ticks missed
// across restarts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/common/logger"
	"notification-engine/internal/common/metrics"
	"notification-engine/internal/dispatch"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// Queuer enqueues notifications; implemented by the dispatcher.
type Queuer interface {
	Queue(ctx context.Context, req dispatch.QueueRequest) (string, error)
}

type Service struct {
	store     store.Store
	queuer    Queuer
	directory Directory
	logger    logger.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID

	reminderDays int
	now          func() time.Time
}

func NewService(st store.Store, queuer Queuer, directory Directory, reminderDays int, log logger.Logger) *Service {
	return &Service{
		store:        st,
		queuer:       queuer,
		directory:    directory,
		logger:       log.WithFields(map[string]interface{}{"component": "scheduler"}),
		cron:         cron.New(),
		entries:      make(map[string]cron.EntryID),
		reminderDays: reminderDays,
		now:          time.Now,
	}
}

// parseCron validates a cron expression up front, before any persistence.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid cron expression", err.Error())
	}
	return sched, nil
}

// Start loads every active job into the cron runtime and begins ticking.
func (s *Service) Start(ctx context.Context) error {
	jobs, err := s.listActiveJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.register(job); err != nil {
			s.logger.Warn("failed to register scheduled job", map[string]interface{}{
				"jobId": job.ID,
				"error": err.Error(),
			})
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", map[string]interface{}{"jobs": len(jobs)})
	return nil
}

// Stop halts the cron runtime, waiting for running jobs to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// ==========================
// Job CRUD
// ==========================

type CreateJobInput struct {
	Name       string
	Type       models.JobType
	CronExpr   string
	Criteria   map[string]interface{}
	TemplateID string
	Active     bool
}

func (s *Service) CreateJob(ctx context.Context, input CreateJobInput) (*models.ScheduledJob, error) {
	if input.Name == "" {
		return nil, apperrors.NewValidationError("job name is required", "")
	}
	if !input.Type.Valid() {
		return nil, apperrors.NewValidationError("invalid job type", fmt.Sprintf("type: %s", input.Type))
	}
	if input.TemplateID == "" {
		return nil, apperrors.NewValidationError("job template is required", "")
	}
	sched, err := parseCron(input.CronExpr)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	next := sched.Next(now)
	job := &models.ScheduledJob{
		ID:         uuid.New().String(),
		Name:       input.Name,
		Type:       input.Type,
		CronExpr:   input.CronExpr,
		Criteria:   input.Criteria,
		TemplateID: input.TemplateID,
		Active:     input.Active,
		NextRunAt:  &next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Insert(ctx, store.TableJobs, jobRecord(job)); err != nil {
		return nil, err
	}

	if job.Active {
		if err := s.register(job); err != nil {
			return nil, err
		}
	}

	s.logger.Info("scheduled job created", map[string]interface{}{
		"jobId": job.ID,
		"name":  job.Name,
		"type":  string(job.Type),
		"cron":  job.CronExpr,
	})
	return job, nil
}

type UpdateJobInput struct {
	Name     *string
	CronExpr *string
	Criteria map[string]interface{}
}

func (s *Service) UpdateJob(ctx context.Context, id string, updates UpdateJobInput) (*models.ScheduledJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	patch := store.Record{"updated_at": now}

	if updates.Name != nil {
		job.Name = *updates.Name
		patch["name"] = job.Name
	}
	if updates.Criteria != nil {
		job.Criteria = updates.Criteria
		patch["criteria"] = store.JSONValue(updates.Criteria)
	}

	cronChanged := updates.CronExpr != nil && *updates.CronExpr != job.CronExpr
	if cronChanged {
		sched, err := parseCron(*updates.CronExpr)
		if err != nil {
			return nil, err
		}
		next := sched.Next(now)
		job.CronExpr = *updates.CronExpr
		job.NextRunAt = &next
		patch["cron_expr"] = job.CronExpr
		patch["next_run_at"] = next
	}

	if err := s.store.Update(ctx, store.TableJobs, id, patch); err != nil {
		return nil, err
	}

	if cronChanged && job.Active {
		s.unregister(id)
		if err := s.register(job); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (s *Service) PauseJob(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	s.unregister(id)
	return s.store.Update(ctx, store.TableJobs, id, store.Record{
		"is_active":  false,
		"updated_at": s.now().UTC(),
	})
}

func (s *Service) ResumeJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Update(ctx, store.TableJobs, id, store.Record{
		"is_active":  true,
		"updated_at": s.now().UTC(),
	}); err != nil {
		return err
	}
	job.Active = true
	return s.register(job)
}

func (s *Service) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	s.unregister(id)
	return s.store.Delete(ctx, store.TableJobs, id)
}

func (s *Service) GetJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	rec, err := s.store.FindByID(ctx, store.TableJobs, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("scheduled job", id)
		}
		return nil, err
	}
	return jobFromRecord(rec), nil
}

func (s *Service) ListJobs(ctx context.Context) ([]*models.ScheduledJob, error) {
	recs, err := s.store.Select(ctx, store.TableJobs, nil)
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.ScheduledJob, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, jobFromRecord(rec))
	}
	return jobs, nil
}

func (s *Service) listActiveJobs(ctx context.Context) ([]*models.ScheduledJob, error) {
	recs, err := s.store.Select(ctx, store.TableJobs, store.Filters{"is_active": true})
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.ScheduledJob, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, jobFromRecord(rec))
	}
	return jobs, nil
}

// ==========================
// Runtime registry
// ==========================

func (s *Service) register(job *models.ScheduledJob) error {
	sched, err := parseCron(job.CronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.ID]; exists {
		return nil
	}

	jobID := job.ID
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(jobID)
	}))
	s.entries[job.ID] = entryID
	return nil
}

func (s *Service) unregister(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
	}
}

// fire is the cron-runtime entry point for one tick.
func (s *Service) fire(jobID string) {
	ctx := context.Background()
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn("cron tick for missing job", map[string]interface{}{
			"jobId": jobID,
			"error": err.Error(),
		})
		s.unregister(jobID)
		return
	}
	if !job.Active {
		s.unregister(jobID)
		return
	}
	s.ExecuteJob(ctx, job)
}

// ==========================
// Execution
// ==========================

// ExecuteJob resolves the job's target audience and enqueues one
// notification per target. Failures are logged, not returned: an erroring
// job is not retried, only re-attempted on its next natural tick. Run
// bookkeeping is updated the same way for success and failure.
func (s *Service) ExecuteJob(ctx context.Context, job *models.ScheduledJob) {
	outcome := "success"
	enqueued := 0

	targets, err := s.resolveTargets(ctx, job)
	if err != nil {
		outcome = "error"
		s.logger.Error("failed to resolve job targets", map[string]interface{}{
			"jobId": job.ID,
			"type":  string(job.Type),
			"error": err.Error(),
		})
	} else {
		for _, t := range targets {
			if _, err := s.queuer.Queue(ctx, dispatch.QueueRequest{
				TemplateID:  job.TemplateID,
				RecipientID: t.RecipientID,
				Variables:   t.Variables,
			}); err != nil {
				outcome = "partial"
				s.logger.Warn("failed to enqueue job notification", map[string]interface{}{
					"jobId":     job.ID,
					"recipient": t.RecipientID,
					"error":     err.Error(),
				})
				continue
			}
			enqueued++
		}
	}

	metrics.ScheduledJobRuns.WithLabelValues(string(job.Type), outcome).Inc()
	s.recordRun(ctx, job)

	s.logger.Info("scheduled job executed", map[string]interface{}{
		"jobId":    job.ID,
		"name":     job.Name,
		"outcome":  outcome,
		"enqueued": enqueued,
	})
}

// recordRun stamps last_run_at, recomputes next_run_at from the cron
// expression and bumps run_count.
func (s *Service) recordRun(ctx context.Context, job *models.ScheduledJob) {
	now := s.now().UTC()
	patch := store.Record{
		"last_run_at": now,
		"run_count":   job.RunCount + 1,
		"updated_at":  now,
	}
	if sched, err := parseCron(job.CronExpr); err == nil {
		patch["next_run_at"] = sched.Next(now)
	}
	if err := s.store.Update(ctx, store.TableJobs, job.ID, patch); err != nil {
		s.logger.Warn("failed to record job run", map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		})
	}
}

// RunDueJobs is the reconciliation sweep: it executes any active job whose
// next_run_at has passed, covering ticks the cron runtime missed (e.g.
// across a restart).
func (s *Service) RunDueJobs(ctx context.Context) (int, error) {
	jobs, err := s.listActiveJobs(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	ran := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}
		s.ExecuteJob(ctx, job)
		ran++
	}
	return ran, nil
}

// ==========================
// Record mapping
// ==========================

func jobRecord(job *models.ScheduledJob) store.Record {
	rec := store.Record{
		"id":          job.ID,
		"name":        job.Name,
		"type":        string(job.Type),
		"cron_expr":   job.CronExpr,
		"template_id": job.TemplateID,
		"is_active":   job.Active,
		"run_count":   job.RunCount,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}
	if job.Criteria != nil {
		rec["criteria"] = store.JSONValue(job.Criteria)
	}
	if job.NextRunAt != nil {
		rec["next_run_at"] = *job.NextRunAt
	}
	if job.LastRunAt != nil {
		rec["last_run_at"] = *job.LastRunAt
	}
	return rec
}

func jobFromRecord(rec store.Record) *models.ScheduledJob {
	return &models.ScheduledJob{
		ID:         rec.Str("id"),
		Name:       rec.Str("name"),
		Type:       models.JobType(rec.Str("type")),
		CronExpr:   rec.Str("cron_expr"),
		Criteria:   rec.Map("criteria"),
		TemplateID: rec.Str("template_id"),
		Active:     rec.Bool("is_active"),
		RunCount:   rec.Int("run_count"),
		LastRunAt:  rec.TimePtr("last_run_at"),
		NextRunAt:  rec.TimePtr("next_run_at"),
		CreatedAt:  rec.Time("created_at"),
		UpdatedAt:  rec.Time("updated_at"),
	}
}
