package generation

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/pagecite/pagecite/internal/config"
)

// AnthropicProvider streams messages from the Anthropic API. Models named
// claude* route here.
type AnthropicProvider struct {
	client      anthropicsdk.Client
	maxTokens   int64
	temperature float64
}

func NewAnthropicProvider(cfg config.GenerationConfig) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropicsdk.NewClient(
			option.WithAPIKey(cfg.AnthropicAPIKey),
			option.WithMaxRetries(0),
		),
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) params(req Request) anthropicsdk.MessageNewParams {
	messages := make([]anthropicsdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropicsdk.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			messages = append(messages, anthropicsdk.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropicsdk.NewUserMessage(block))
		}
	}
	maxTokens := p.maxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	if p.temperature > 0 {
		params.Temperature = param.NewOpt(p.temperature)
	}
	return params
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(req))

	// Prime the stream so connection-level failures stay retryable.
	var pending []string
	primed := false
	for !primed && stream.Next() {
		if text := deltaText(stream.Current()); text != "" {
			pending = append(pending, text)
			primed = true
		}
	}
	if !primed {
		err := stream.Err()
		stream.Close()
		if err != nil {
			return nil, fmt.Errorf("anthropic completion: %w", err)
		}
		events := make(chan Event, 1)
		events <- Event{Done: true}
		close(events)
		return events, nil
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()

		for _, text := range pending {
			if !emit(ctx, events, Event{Delta: text}) {
				return
			}
		}
		for stream.Next() {
			text := deltaText(stream.Current())
			if text == "" {
				continue
			}
			if !emit(ctx, events, Event{Delta: text}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, events, Event{Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}
		emit(ctx, events, Event{Done: true})
	}()
	return events, nil
}

func deltaText(event anthropicsdk.MessageStreamEventUnion) string {
	if event.Type != "content_block_delta" {
		return ""
	}
	delta := event.AsContentBlockDelta().Delta
	if delta.Type != "text_delta" {
		return ""
	}
	return delta.Text
}
