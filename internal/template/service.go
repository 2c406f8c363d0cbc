// Package template owns notification templates: creation, versioning,
// variable extraction and validation, and rendering. It is the leaf
// component under the dispatcher; actual sends always go through the strict
// Render path, while Preview tolerates incomplete input for UI use.
package template

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/common/logger"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// Service is the template engine.
type Service struct {
	store  store.Store
	logger logger.Logger
}

// NewService creates a template engine over the given record store.
func NewService(st store.Store, log logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(map[string]interface{}{"component": "template"}),
	}
}

// CreateInput is the payload for CreateTemplate.
type CreateInput struct {
	Name       string
	Channel    models.Channel
	Language   string
	Title      string
	Body       string
	Status     models.TemplateStatus
	ExternalID string
}

// CreateTemplate validates and persists a new template at version 1,
// deriving its variable list from the body.
func (s *Service) CreateTemplate(ctx context.Context, input CreateInput) (*models.NotificationTemplate, error) {
	if input.Name == "" {
		return nil, apperrors.NewValidationError("template name is required", "")
	}
	if input.Body == "" {
		return nil, apperrors.NewValidationError("template body is required", "")
	}
	if !input.Channel.ValidForTemplate() {
		return nil, apperrors.NewValidationError("invalid channel", fmt.Sprintf("channel: %s", input.Channel))
	}
	status := input.Status
	if status == "" {
		status = models.TemplateStatusDraft
	}
	if !status.Valid() {
		return nil, apperrors.NewValidationError("invalid status", fmt.Sprintf("status: %s", status))
	}

	now := time.Now().UTC()
	tpl := &models.NotificationTemplate{
		ID:         uuid.New().String(),
		Name:       input.Name,
		Channel:    input.Channel,
		Language:   input.Language,
		Title:      input.Title,
		Body:       input.Body,
		Variables:  ExtractVariables(input.Body),
		Status:     status,
		Version:    1,
		ExternalID: input.ExternalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Insert(ctx, store.TableTemplates, templateRecord(tpl)); err != nil {
		return nil, err
	}

	s.logger.Info("template created", map[string]interface{}{
		"templateId": tpl.ID,
		"channel":    string(tpl.Channel),
		"variables":  tpl.Variables,
	})
	return tpl, nil
}

// UpdateInput carries partial template updates. Nil fields are left
// untouched.
type UpdateInput struct {
	Name       *string
	Title      *string
	Body       *string
	Language   *string
	Status     *models.TemplateStatus
	ExternalID *string
}

// UpdateTemplate applies updates. The version counter increments only on
// content-affecting edits (body or title); variables are re-extracted when
// the body changes.
func (s *Service) UpdateTemplate(ctx context.Context, id string, updates UpdateInput) (*models.NotificationTemplate, error) {
	tpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	if updates.Name != nil {
		tpl.Name = *updates.Name
	}
	if updates.Language != nil {
		tpl.Language = *updates.Language
	}
	if updates.ExternalID != nil {
		tpl.ExternalID = *updates.ExternalID
	}
	if updates.Status != nil {
		if !updates.Status.Valid() {
			return nil, apperrors.NewValidationError("invalid status", fmt.Sprintf("status: %s", *updates.Status))
		}
		tpl.Status = *updates.Status
	}
	if updates.Title != nil && *updates.Title != tpl.Title {
		tpl.Title = *updates.Title
		contentChanged = true
	}
	if updates.Body != nil && *updates.Body != tpl.Body {
		if *updates.Body == "" {
			return nil, apperrors.NewValidationError("template body is required", "")
		}
		tpl.Body = *updates.Body
		tpl.Variables = ExtractVariables(tpl.Body)
		contentChanged = true
	}
	if contentChanged {
		tpl.Version++
	}
	tpl.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, store.TableTemplates, id, templateRecord(tpl)); err != nil {
		return nil, err
	}
	return tpl, nil
}

// DeleteTemplate removes a template unless pending queue items still
// reference it.
func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	if _, err := s.GetTemplate(ctx, id); err != nil {
		return err
	}

	pending, err := s.store.Count(ctx, store.TableQueue, store.Filters{
		"template_id": id,
		"status":      string(models.QueueStatusPending),
	})
	if err != nil {
		return err
	}
	if pending > 0 {
		return apperrors.NewConflictError(
			"template has pending notifications",
			fmt.Sprintf("templateId: %s, pending: %d", id, pending),
		)
	}
	return s.store.Delete(ctx, store.TableTemplates, id)
}

// GetTemplate loads one template.
func (s *Service) GetTemplate(ctx context.Context, id string) (*models.NotificationTemplate, error) {
	rec, err := s.store.FindByID(ctx, store.TableTemplates, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("template", id)
	}
	if err != nil {
		return nil, err
	}
	return templateFromRecord(rec), nil
}

// ListTemplates returns templates matching the optional channel and status
// filters.
func (s *Service) ListTemplates(ctx context.Context, channel models.Channel, status models.TemplateStatus) ([]*models.NotificationTemplate, error) {
	filters := store.Filters{}
	if channel != "" {
		filters["channel"] = string(channel)
	}
	if status != "" {
		filters["status"] = string(status)
	}

	recs, err := s.store.Select(ctx, store.TableTemplates, filters)
	if err != nil {
		return nil, err
	}
	out := make([]*models.NotificationTemplate, 0, len(recs))
	for _, rec := range recs {
		out = append(out, templateFromRecord(rec))
	}
	return out, nil
}

// ValidateVariables checks that every variable the template requires is
// present and non-nil. All missing names are reported in one error.
func (s *Service) ValidateVariables(tpl *models.NotificationTemplate, variables map[string]interface{}) error {
	var missing []string
	for _, name := range tpl.Variables {
		value, ok := variables[name]
		if !ok || value == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return apperrors.NewMissingVariablesError(missing)
	}
	return nil
}

// Rendered is the output of the strict rendering path.
type Rendered struct {
	Title string
	Body  string
}

// RenderTemplate is the strict rendering path used for actual sends: every
// required variable must be present and scalar.
func (s *Service) RenderTemplate(ctx context.Context, id string, variables map[string]interface{}) (*Rendered, error) {
	tpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateVariables(tpl, variables); err != nil {
		return nil, err
	}
	for name, value := range variables {
		if !isScalar(value) {
			return nil, apperrors.NewValidationError(
				"variable values must be scalar",
				fmt.Sprintf("variable: %s", name),
			)
		}
	}

	return &Rendered{
		Title: substitute(tpl.Title, variables),
		Body:  substitute(tpl.Body, variables),
	}, nil
}

// Preview is the lenient rendering result for UI use.
type Preview struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Missing []string `json:"missing"`
}

// PreviewTemplate never fails on missing variables: absent values render as
// a visible [name] placeholder and are reported in Missing.
func (s *Service) PreviewTemplate(ctx context.Context, id string, sample map[string]interface{}) (*Preview, error) {
	tpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	filled := make(map[string]interface{}, len(tpl.Variables))
	var missing []string
	for _, name := range tpl.Variables {
		if value, ok := sample[name]; ok && value != nil {
			filled[name] = value
		} else {
			filled[name] = "[" + name + "]"
			missing = append(missing, name)
		}
	}

	return &Preview{
		Title:   substitute(tpl.Title, filled),
		Body:    substitute(tpl.Body, filled),
		Missing: missing,
	}, nil
}

// CreateTemplateVersion clones a template into a new draft row with an
// explicit version suffix on the name and an incremented version counter.
func (s *Service) CreateTemplateVersion(ctx context.Context, id string) (*models.NotificationTemplate, error) {
	src, err := s.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next := &models.NotificationTemplate{
		ID:         uuid.New().String(),
		Name:       fmt.Sprintf("%s v%d", src.Name, src.Version+1),
		Channel:    src.Channel,
		Language:   src.Language,
		Title:      src.Title,
		Body:       src.Body,
		Variables:  ExtractVariables(src.Body),
		Status:     models.TemplateStatusDraft,
		Version:    src.Version + 1,
		ExternalID: src.ExternalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Insert(ctx, store.TableTemplates, templateRecord(next)); err != nil {
		return nil, err
	}
	return next, nil
}

// ==========================
// Record mapping
// ==========================

func templateRecord(t *models.NotificationTemplate) store.Record {
	return store.Record{
		"id":          t.ID,
		"name":        t.Name,
		"channel":     string(t.Channel),
		"language":    t.Language,
		"title":       t.Title,
		"body":        t.Body,
		"variables":   store.JSONValue(t.Variables),
		"status":      string(t.Status),
		"version":     t.Version,
		"external_id": t.ExternalID,
		"created_at":  t.CreatedAt,
		"updated_at":  t.UpdatedAt,
	}
}

func templateFromRecord(rec store.Record) *models.NotificationTemplate {
	return &models.NotificationTemplate{
		ID:         rec.Str("id"),
		Name:       rec.Str("name"),
		Channel:    models.Channel(rec.Str("channel")),
		Language:   rec.Str("language"),
		Title:      rec.Str("title"),
		Body:       rec.Str("body"),
		Variables:  rec.Strs("variables"),
		Status:     models.TemplateStatus(rec.Str("status")),
		Version:    rec.Int("version"),
		ExternalID: rec.Str("external_id"),
		CreatedAt:  rec.Time("created_at"),
		UpdatedAt:  rec.Time("updated_at"),
	}
}
