package generation

import (
	"context"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/pagecite/pagecite/internal/config"
)

// OpenAIProvider streams chat completions from the OpenAI API.
type OpenAIProvider struct {
	client      openaisdk.Client
	maxTokens   int64
	temperature float64
}

// NewOpenAIProvider builds the provider. SDK-internal retries are disabled;
// the generation service owns the retry policy.
func NewOpenAIProvider(cfg config.GenerationConfig) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIAPIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.OpenAIBaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	return &OpenAIProvider{
		client:      openaisdk.NewClient(opts...),
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) params(req Request) openaisdk.ChatCompletionNewParams {
	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openaisdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openaisdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, openaisdk.UserMessage(m.Content))
		}
	}
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(req.Model),
		Messages: messages,
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(p.maxTokens)
	}
	if p.temperature > 0 {
		params.Temperature = param.NewOpt(p.temperature)
	}
	return params
}

// Stream opens the completion stream. The first chunk is read synchronously
// so connection failures surface as a retryable error instead of a dead
// channel.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))

	first, ok := "", stream.Next()
	if !ok {
		err := stream.Err()
		stream.Close()
		if err != nil {
			return nil, fmt.Errorf("openai completion: %w", err)
		}
		// Empty but successful stream: nothing to say.
		events := make(chan Event, 1)
		events <- Event{Done: true}
		close(events)
		return events, nil
	}
	if chunk := stream.Current(); len(chunk.Choices) > 0 {
		first = chunk.Choices[0].Delta.Content
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()

		if first != "" {
			if !emit(ctx, events, Event{Delta: first}) {
				return
			}
		}
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !emit(ctx, events, Event{Delta: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, events, Event{Err: fmt.Errorf("openai stream: %w", err)})
			return
		}
		emit(ctx, events, Event{Done: true})
	}()
	return events, nil
}

// emit delivers an event unless the consumer is gone. Selecting on ctx keeps
// cancellation prompt even when the reader has stopped draining.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
