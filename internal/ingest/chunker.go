package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/models"
)

const chunkEncoding = "cl100k_base"

// Encoder turns text into a token stream and back. *tiktoken.Tiktoken
// satisfies it; tests substitute a deterministic in-memory encoder.
type Encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

// Chunker slices extracted pages into overlapping token windows. Each chunk
// records the page its window starts on, so citations land where the text
// actually begins.
type Chunker struct {
	enc     Encoder
	size    int
	overlap int
}

// NewChunker loads the tiktoken tokenizer.
func NewChunker(cfg config.IngestConfig) (*Chunker, error) {
	enc, err := tiktoken.GetEncoding(chunkEncoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", chunkEncoding, err)
	}
	return newChunker(enc, cfg), nil
}

func newChunker(enc Encoder, cfg config.IngestConfig) *Chunker {
	size := cfg.ChunkTokens
	if size <= 0 {
		size = 500
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{enc: enc, size: size, overlap: overlap}
}

// Chunk produces the dense, ordered chunk set for a document. Indices run
// 0..N-1 with no gaps.
func (c *Chunker) Chunk(pages []PageText) []models.Chunk {
	// One flat token stream, with the page recorded at each page's offset.
	var tokens []int
	var starts []pageStart
	for _, p := range pages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		starts = append(starts, pageStart{offset: len(tokens), page: p.Number})
		tokens = append(tokens, c.enc.Encode(text+"\n", nil, nil)...)
	}
	if len(tokens) == 0 {
		return nil
	}

	step := c.size - c.overlap
	chunks := make([]models.Chunk, 0, len(tokens)/step+1)
	for start := 0; start < len(tokens); start += step {
		end := start + c.size
		if end > len(tokens) {
			end = len(tokens)
		}
		content := strings.TrimSpace(c.enc.Decode(tokens[start:end]))
		if content != "" {
			chunks = append(chunks, models.Chunk{
				Index:      len(chunks),
				Content:    content,
				PageNumber: pageAt(starts, start),
			})
		}
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

type pageStart struct {
	offset int
	page   int
}

// pageAt returns the page owning a token offset: the last page that starts at
// or before it.
func pageAt(starts []pageStart, offset int) int {
	i := sort.Search(len(starts), func(i int) bool { return starts[i].offset > offset })
	if i == 0 {
		return 1
	}
	return starts[i-1].page
}
