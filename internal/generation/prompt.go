package generation

import (
	"fmt"
	"strings"

	"github.com/pagecite/pagecite/internal/models"
)

// GroundingSystemPrompt fixes the answering discipline. The model may only
// use the supplied passages and must cite their pages inline.
const GroundingSystemPrompt = `You are a document assistant. Answer the question using only the provided passages.
Cite the page you drew each statement from inline, using bracketed numeric markers such as [12].
If the passages do not answer the question, say so plainly instead of guessing.`

// BuildPrompt assembles the grounded request: prior history, then a user
// message carrying the question followed by the retrieved passages in rank
// order. Chunks must already be ordered; the prompt preserves that order.
func BuildPrompt(question string, history []Message, chunks []models.RetrievedChunk) Request {
	var b strings.Builder
	b.WriteString(question)
	b.WriteString("\n\nPassages:\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n--- [%s · page %d] ---\n", c.DocumentSlug, c.PageNumber)
		b.WriteString(strings.TrimSpace(c.Content))
		b.WriteString("\n")
	}

	messages := make([]Message, 0, len(history)+1)
	for _, m := range history {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		messages = append(messages, m)
	}
	messages = append(messages, Message{Role: RoleUser, Content: b.String()})

	return Request{
		System:   GroundingSystemPrompt,
		Messages: messages,
	}
}
