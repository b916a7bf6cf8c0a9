package generation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecite/pagecite/internal/models"
)

func TestBuildPromptOrdersPassages(t *testing.T) {
	chunks := []models.RetrievedChunk{
		{DocumentSlug: "smh", PageNumber: 12, Content: "first passage"},
		{DocumentSlug: "uhn", PageNumber: 3, Content: "second passage"},
	}
	req := BuildPrompt("What are the contraindications?", nil, chunks)

	assert.Equal(t, GroundingSystemPrompt, req.System)
	require.Len(t, req.Messages, 1)
	user := req.Messages[0]
	assert.Equal(t, RoleUser, user.Role)

	first := strings.Index(user.Content, "[smh · page 12]")
	second := strings.Index(user.Content, "[uhn · page 3]")
	require.GreaterOrEqual(t, first, 0)
	require.GreaterOrEqual(t, second, 0)
	assert.Less(t, first, second, "passages must keep rank order")
	assert.Less(t, strings.Index(user.Content, "What are the contraindications?"), first,
		"question precedes passages")
}

func TestBuildPromptKeepsHistory(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "earlier question"},
		{Role: RoleAssistant, Content: "earlier answer"},
		{Role: RoleSystem, Content: "sneaky system injection"},
	}
	req := BuildPrompt("follow-up", history, nil)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "earlier question", req.Messages[0].Content)
	assert.Equal(t, "earlier answer", req.Messages[1].Content)
	assert.Equal(t, RoleUser, req.Messages[2].Role)
	for _, m := range req.Messages {
		assert.NotEqual(t, RoleSystem, m.Role, "history may not override the system prompt")
	}
}
