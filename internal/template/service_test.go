// internal/template/service_test.go
package template

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "notification-engine/internal/common/errors"
	"notification-engine/internal/common/logger"
	"notification-engine/internal/models"
	"notification-engine/internal/store"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestService() (*Service, *store.Memory) {
	mem := store.NewMemory()
	return NewService(mem, logger.NewNoOpLogger()), mem
}

func createTestTemplate(t *testing.T, svc *Service, body string, channel models.Channel) *models.NotificationTemplate {
	t.Helper()
	tpl, err := svc.CreateTemplate(context.Background(), CreateInput{
		Name:    "welcome",
		Channel: channel,
		Title:   "Hello {{name}}",
		Body:    body,
		Status:  models.TemplateStatusActive,
	})
	require.NoError(t, err)
	return tpl
}

// ==========================
// Variable Extraction Tests
// ==========================

func TestExtractVariables(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "first appearance order, deduplicated",
			body: "Hi {{name}}, your code {{code}} for {{name}} expires soon",
			want: []string{"name", "code"},
		},
		{
			name: "whitespace inside braces",
			body: "Hello {{ name }} and {{  other  }}",
			want: []string{"name", "other"},
		},
		{
			name: "no variables",
			body: "plain text",
			want: nil,
		},
		{
			name: "ignores malformed tokens",
			body: "{{1bad}} {{good_one}} {single}",
			want: []string{"good_one"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractVariables(tt.body))
		})
	}
}

func TestVariableRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	tpl := createTestTemplate(t, svc, "Hi {{a}}, meet {{b}}", models.ChannelWhatsApp)

	assert.Equal(t, []string{"a", "b"}, tpl.Variables)

	rendered, err := svc.RenderTemplate(context.Background(), tpl.ID, map[string]interface{}{
		"a": "X", "b": "Y", "name": "Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi X, meet Y", rendered.Body)
	assert.NotContains(t, rendered.Body, "{{")
}

// ==========================
// CRUD Tests
// ==========================

func TestCreateTemplate_Validation(t *testing.T) {
	svc, _ := newTestService()

	tests := []struct {
		name  string
		input CreateInput
	}{
		{
			name:  "empty name",
			input: CreateInput{Body: "hi", Channel: models.ChannelPush, Status: models.TemplateStatusDraft},
		},
		{
			name:  "empty body",
			input: CreateInput{Name: "x", Channel: models.ChannelPush, Status: models.TemplateStatusDraft},
		},
		{
			name:  "bad channel",
			input: CreateInput{Name: "x", Body: "hi", Channel: "email", Status: models.TemplateStatusDraft},
		},
		{
			name:  "bad status",
			input: CreateInput{Name: "x", Body: "hi", Channel: models.ChannelPush, Status: "archived"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTemplate(context.Background(), tt.input)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestUpdateTemplate_Versioning(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tpl := createTestTemplate(t, svc, "Hi {{name}}", models.TemplateChannelBoth)
	assert.Equal(t, 1, tpl.Version)

	// Status-only edit leaves the version untouched.
	status := models.TemplateStatusInactive
	updated, err := svc.UpdateTemplate(ctx, tpl.ID, UpdateInput{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)

	// Body edit bumps the version and re-extracts variables.
	body := "Hello {{first}} {{last}}"
	updated, err = svc.UpdateTemplate(ctx, tpl.ID, UpdateInput{Body: &body})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, []string{"first", "last"}, updated.Variables)
}

func TestUpdateTemplate_NotFound(t *testing.T) {
	svc, _ := newTestService()
	name := "x"
	_, err := svc.UpdateTemplate(context.Background(), "missing", UpdateInput{Name: &name})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteTemplate_ConflictWithPendingQueue(t *testing.T) {
	svc, mem := newTestService()
	ctx := context.Background()
	tpl := createTestTemplate(t, svc, "Hi {{name}}", models.ChannelWhatsApp)

	require.NoError(t, mem.Insert(ctx, store.TableQueue, store.Record{
		"id":          "q1",
		"template_id": tpl.ID,
		"status":      string(models.QueueStatusPending),
	}))

	err := svc.DeleteTemplate(ctx, tpl.ID)
	assert.True(t, apperrors.IsConflict(err))

	// Once the item leaves pending, deletion succeeds.
	require.NoError(t, mem.Update(ctx, store.TableQueue, "q1", store.Record{
		"status": string(models.QueueStatusSent),
	}))
	assert.NoError(t, svc.DeleteTemplate(ctx, tpl.ID))
}

func TestCreateTemplateVersion(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tpl := createTestTemplate(t, svc, "Hi {{name}}", models.ChannelPush)

	clone, err := svc.CreateTemplateVersion(ctx, tpl.ID)
	require.NoError(t, err)
	assert.NotEqual(t, tpl.ID, clone.ID)
	assert.Equal(t, models.TemplateStatusDraft, clone.Status)
	assert.Equal(t, tpl.Version+1, clone.Version)
	assert.Contains(t, clone.Name, tpl.Name)
}

// ==========================
// Rendering Tests
// ==========================

func TestRenderTemplate_StrictVsLenient(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tpl := createTestTemplate(t, svc, "Hi {{name}}, code {{code}}", models.ChannelPush)

	// Strict path fails, naming every missing variable in one error.
	_, err := svc.RenderTemplate(ctx, tpl.ID, map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Contains(t, err.Error(), "name")
	assert.Contains(t, err.Error(), "code")

	// Lenient preview substitutes visible placeholders instead.
	preview, err := svc.PreviewTemplate(ctx, tpl.ID, map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, code [code]", preview.Body)
	assert.Equal(t, []string{"code"}, preview.Missing)
}

func TestRenderTemplate_RejectsNonScalar(t *testing.T) {
	svc, _ := newTestService()
	tpl := createTestTemplate(t, svc, "Hi {{name}}", models.ChannelPush)

	_, err := svc.RenderTemplate(context.Background(), tpl.ID, map[string]interface{}{
		"name": map[string]interface{}{"nested": true},
	})
	assert.True(t, apperrors.IsValidation(err))
}

func TestRenderTemplate_StringifiesNumbers(t *testing.T) {
	svc, _ := newTestService()
	tpl := createTestTemplate(t, svc, "{{count}} days left", models.ChannelPush)

	rendered, err := svc.RenderTemplate(context.Background(), tpl.ID, map[string]interface{}{
		"count": float64(10),
	})
	require.NoError(t, err)
	assert.Equal(t, "10 days left", rendered.Body)
}

func TestValidateVariables_NullCountsAsMissing(t *testing.T) {
	svc, _ := newTestService()
	tpl := createTestTemplate(t, svc, "Hi {{name}}", models.ChannelPush)

	err := svc.ValidateVariables(tpl, map[string]interface{}{"name": nil})
	assert.True(t, apperrors.IsValidation(err))
}
