package generation

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/models"
)

func doc(slug string, forced *string) *models.Document {
	return &models.Document{ID: uuid.New(), Slug: slug, ForcedModel: forced}
}

func strptr(s string) *string { return &s }

func TestResolveModel(t *testing.T) {
	tests := []struct {
		name      string
		docs      []*models.Document
		owner     *models.Owner
		requested string
		wantModel string
		wantErr   bool
	}{
		{
			name:      "document override wins over caller",
			docs:      []*models.Document{doc("smh", strptr("model-g"))},
			requested: "model-a",
			wantModel: "model-g",
		},
		{
			name:      "owner override wins when no document forces",
			docs:      []*models.Document{doc("smh", nil)},
			owner:     &models.Owner{Slug: "ukidney", ForcedModel: strptr("model-o")},
			requested: "model-a",
			wantModel: "model-o",
		},
		{
			name:      "document override wins over owner",
			docs:      []*models.Document{doc("smh", strptr("model-g"))},
			owner:     &models.Owner{Slug: "ukidney", ForcedModel: strptr("model-o")},
			requested: "model-a",
			wantModel: "model-g",
		},
		{
			name:      "caller model used when nothing forces",
			docs:      []*models.Document{doc("smh", nil), doc("uhn", nil)},
			requested: "model-a",
			wantModel: "model-a",
		},
		{
			name:      "fallback when caller names nothing",
			docs:      []*models.Document{doc("smh", nil)},
			wantModel: "default-model",
		},
		{
			name:      "agreeing forced models are fine",
			docs:      []*models.Document{doc("smh", strptr("model-g")), doc("uhn", strptr("model-g"))},
			requested: "model-a",
			wantModel: "model-g",
		},
		{
			name:    "disagreeing forced models conflict",
			docs:    []*models.Document{doc("smh", strptr("model-g")), doc("uhn", strptr("model-h"))},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ov, err := ResolveModel(tt.docs, tt.owner, tt.requested, "default-model")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsKind(err, apperrors.KindConflictingModelOverride))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, ov.Model)
			assert.Equal(t, tt.requested, ov.Requested)
		})
	}
}

func TestResolveModelReasonNamesDocument(t *testing.T) {
	ov, err := ResolveModel([]*models.Document{doc("smh", strptr("model-g"))}, nil, "model-a", "default")
	require.NoError(t, err)
	assert.Contains(t, ov.Reason, "smh")
	assert.Contains(t, ov.Reason, "model-g")
}

func TestProviderFor(t *testing.T) {
	assert.Equal(t, "anthropic", ProviderFor("claude-sonnet-4-5"))
	assert.Equal(t, "anthropic", ProviderFor("Claude-3-5-haiku"))
	assert.Equal(t, "openai", ProviderFor("gpt-4o-mini"))
	assert.Equal(t, "openai", ProviderFor(""))
}
