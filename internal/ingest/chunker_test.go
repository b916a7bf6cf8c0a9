package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecite/pagecite/internal/config"
)

// wordEncoder tokenizes on whitespace, one word per token. It keeps the
// chunker tests deterministic and offline.
type wordEncoder struct {
	words []string
	index map[string]int
}

func newWordEncoder() *wordEncoder {
	return &wordEncoder{index: make(map[string]int)}
}

func (e *wordEncoder) Encode(text string, _, _ []string) []int {
	fields := strings.Fields(text)
	out := make([]int, 0, len(fields))
	for _, w := range fields {
		id, ok := e.index[w]
		if !ok {
			id = len(e.words)
			e.words = append(e.words, w)
			e.index[w] = id
		}
		out = append(out, id)
	}
	return out
}

func (e *wordEncoder) Decode(tokens []int) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = e.words[tok]
	}
	return strings.Join(parts, " ")
}

func requireChunker(t *testing.T, tokens, overlap int) *Chunker {
	t.Helper()
	return newChunker(newWordEncoder(), config.IngestConfig{ChunkTokens: tokens, ChunkOverlap: overlap})
}

func TestChunkIndicesAreDense(t *testing.T) {
	c := requireChunker(t, 50, 10)

	pages := []PageText{
		{Number: 1, Text: strings.Repeat("kidney donor evaluation criteria ", 40)},
		{Number: 2, Text: strings.Repeat("contraindications and risk factors ", 40)},
	}
	chunks := c.Chunk(pages)
	require.NotEmpty(t, chunks)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index, "indices must run 0..N-1 densely")
		assert.NotEmpty(t, ch.Content)
		assert.GreaterOrEqual(t, ch.PageNumber, 1)
		assert.LessOrEqual(t, ch.PageNumber, 2)
	}
}

func TestChunkPageAnchors(t *testing.T) {
	c := requireChunker(t, 1000, 0)

	pages := []PageText{
		{Number: 3, Text: "short page three"},
		{Number: 7, Text: "short page seven"},
	}
	chunks := c.Chunk(pages)
	require.Len(t, chunks, 1)
	assert.Equal(t, 3, chunks[0].PageNumber, "chunk page reflects where its window begins")
	assert.Contains(t, chunks[0].Content, "page three")
	assert.Contains(t, chunks[0].Content, "page seven")
}

func TestChunkOverlapRepeatsText(t *testing.T) {
	c := requireChunker(t, 40, 20)

	pages := []PageText{{Number: 1, Text: strings.Repeat("one two three four five six seven eight nine ten ", 30)}}
	chunks := c.Chunk(pages)
	require.Greater(t, len(chunks), 1)

	// Consecutive windows share the overlap region.
	tail := chunks[0].Content[len(chunks[0].Content)/2:]
	assert.True(t, strings.Contains(chunks[1].Content, strings.Fields(tail)[0]))
}

func TestChunkEmptyInput(t *testing.T) {
	c := requireChunker(t, 50, 10)
	assert.Empty(t, c.Chunk(nil))
	assert.Empty(t, c.Chunk([]PageText{{Number: 1, Text: "   "}}))
}

func TestPageAt(t *testing.T) {
	starts := []pageStart{{offset: 0, page: 1}, {offset: 100, page: 2}, {offset: 250, page: 5}}
	assert.Equal(t, 1, pageAt(starts, 0))
	assert.Equal(t, 1, pageAt(starts, 99))
	assert.Equal(t, 2, pageAt(starts, 100))
	assert.Equal(t, 5, pageAt(starts, 9999))
	assert.Equal(t, 1, pageAt(nil, 10))
}

func TestSlugify(t *testing.T) {
	slug := Slugify("Kidney Donor Handbook (2024).pdf")
	assert.Regexp(t, `^kidney-donor-handbook-2024-[0-9a-f]{8}$`, slug)

	assert.Regexp(t, `^document-[0-9a-f]{8}$`, Slugify("???.pdf"))

	long := Slugify(strings.Repeat("verylongword", 20))
	assert.LessOrEqual(t, len(long), maxSlugLen+9)
}
