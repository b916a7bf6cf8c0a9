package generation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/circuitbreaker"
	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/ratecontrol"
)

type fakeProvider struct {
	name  string
	calls int
	fails int
	err   error
	text  string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, f.err
	}
	events := make(chan Event, 2)
	events <- Event{Delta: f.text}
	events <- Event{Done: true}
	close(events)
	return events, nil
}

func testService(t *testing.T, p Provider, attempts int) *Service {
	t.Helper()
	logger := zap.NewNop()
	s := &Service{
		cfg: config.GenerationConfig{
			DefaultModel: "gpt-4o-mini",
			MaxAttempts:  attempts,
		},
		providers: map[string]Provider{p.Name(): p},
		breakers:  map[string]*circuitbreaker.Breaker{},
		pacer:     ratecontrol.NewPacer(config.RateLimitsConfig{}, logger),
		logger:    logger,
	}
	s.breakers[p.Name()] = circuitbreaker.New(p.Name(), circuitbreaker.DefaultConfig(), logger)
	return s
}

func TestGenerateRetriesTransientOpenFailure(t *testing.T) {
	p := &fakeProvider{name: "openai", fails: 1, err: errors.New("connection reset"), text: "grounded answer"}
	s := testService(t, p, 2)

	events, err := s.Generate(context.Background(), Request{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	text, err := Collect(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", text)
	assert.Equal(t, 2, p.calls)
}

func TestGenerateDoesNotRetryUpstream4xx(t *testing.T) {
	httpReq, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	p := &fakeProvider{
		name:  "openai",
		fails: 10,
		err:   &openaisdk.Error{StatusCode: http.StatusNotFound, Request: httpReq},
	}
	s := testService(t, p, 3)

	_, err := s.Generate(context.Background(), Request{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindProviderRejected))
	assert.Equal(t, 1, p.calls, "4xx must not be retried")
}

func TestGenerateUnknownProvider(t *testing.T) {
	p := &fakeProvider{name: "openai", text: "hi"}
	s := testService(t, p, 1)

	_, err := s.Generate(context.Background(), Request{Model: "claude-sonnet-4-5"})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidationFailed))
}

func TestCollectStopsOnCancel(t *testing.T) {
	events := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		events <- Event{Delta: "partial"}
		cancel()
	}()

	text, err := Collect(ctx, events)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "partial", text)
}

func TestSingleShotEmitsOneDelta(t *testing.T) {
	p := &SingleShot{
		ProviderName: "buffered",
		Complete: func(ctx context.Context, req Request) (string, error) {
			return "whole answer", nil
		},
	}
	events, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)

	var got []Event
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				require.Len(t, got, 2)
				assert.Equal(t, "whole answer", got[0].Delta)
				assert.True(t, got[1].Done)
				return
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("stream did not terminate")
		}
	}
}
