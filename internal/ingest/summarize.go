package ingest

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/generation"
	"github.com/pagecite/pagecite/internal/jsonrepair"
	"github.com/pagecite/pagecite/internal/models"
)

const summaryCallTimeout = 30 * time.Second

const abstractSystemPrompt = `You write faithful abstracts of documents. Produce a single paragraph of at most 150 words summarizing the document excerpt you are given. No preamble, no headings.`

// The keyword prompt must mention JSON so providers in JSON mode accept it.
const keywordSystemPrompt = `You extract keywords from documents. Respond with JSON only, in the form {"keywords": ["term", ...]}. Return 10 to 20 short terms covering the document's main topics.`

// sampleText joins the first chunks into the summarization seed, truncated to
// the configured character budget.
func (p *Pipeline) sampleText(chunks []models.Chunk) string {
	n := p.cfg.SummaryChunks
	if n <= 0 || n > len(chunks) {
		n = len(chunks)
	}
	parts := make([]string, 0, n)
	for _, c := range chunks[:n] {
		parts = append(parts, c.Content)
	}
	sample := strings.Join(parts, "\n\n")
	if budget := p.cfg.SummaryCharBudget; budget > 0 {
		sample = truncateOnRune(sample, budget)
	}
	return sample
}

// truncateOnRune caps a string at budget bytes without splitting a
// multi-byte rune.
func truncateOnRune(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	cut := budget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// synthesizeAbstract asks the LLM for the document abstract. The generation
// service owns retries; this call only bounds the total time.
func (p *Pipeline) synthesizeAbstract(ctx context.Context, sample string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, summaryCallTimeout)
	defer cancel()

	events, err := p.generator.Generate(ctx, generation.Request{
		Model:  p.cfg.SummaryModel,
		System: abstractSystemPrompt,
		Messages: []generation.Message{
			{Role: generation.RoleUser, Content: sample},
		},
	})
	if err != nil {
		return "", err
	}
	text, err := generation.Collect(ctx, events)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// synthesizeKeywords asks the LLM for the keyword cloud. The response passes
// through JSON repair once; if it still does not parse, keywords are skipped
// rather than failing the ingestion.
func (p *Pipeline) synthesizeKeywords(ctx context.Context, sample string) []string {
	ctx, cancel := context.WithTimeout(ctx, summaryCallTimeout)
	defer cancel()

	events, err := p.generator.Generate(ctx, generation.Request{
		Model:  p.cfg.SummaryModel,
		System: keywordSystemPrompt,
		Messages: []generation.Message{
			{Role: generation.RoleUser, Content: sample},
		},
	})
	if err != nil {
		p.logger.Warn("Keyword synthesis call failed, skipping keywords", zap.Error(err))
		return nil
	}
	text, err := generation.Collect(ctx, events)
	if err != nil {
		p.logger.Warn("Keyword synthesis stream failed, skipping keywords", zap.Error(err))
		return nil
	}

	var out struct {
		Keywords []string `json:"keywords"`
	}
	if err := jsonrepair.Parse(text, &out); err != nil {
		p.logger.Warn("Keyword response unparseable after repair, skipping keywords",
			zap.Error(err))
		return nil
	}

	keywords := make([]string, 0, len(out.Keywords))
	for _, k := range out.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	return keywords
}
