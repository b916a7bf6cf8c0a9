package generation

import "context"

// Provider adapts one upstream LLM API to the ordered delta-stream contract.
type Provider interface {
	// Name identifies the backing account for pacing and breaker labels.
	Name() string
	// Stream opens a completion stream. A non-nil error means nothing was
	// emitted and the attempt may be retried; once a channel is returned the
	// stream owns the terminal event (Done or Err) and the channel is closed
	// after it.
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// CompleteFunc is a non-streaming completion call.
type CompleteFunc func(ctx context.Context, req Request) (string, error)

// SingleShot adapts a provider that only offers buffered completion: the full
// text is emitted as one delta followed by the Done event.
type SingleShot struct {
	ProviderName string
	Complete     CompleteFunc
}

func (s *SingleShot) Name() string { return s.ProviderName }

func (s *SingleShot) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	text, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	events := make(chan Event, 2)
	events <- Event{Delta: text}
	events <- Event{Done: true}
	close(events)
	return events, nil
}
