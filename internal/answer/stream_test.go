package answer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sibyl-ai/sibyl/internal/config"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(events))
		}
	}
}

func TestStreamEventOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	ret := &mockRetriever{results: twoResults()}
	gen := &mockGenerator{
		fragments: []string{"The ", "answer", "."},
		response:  "The answer.",
	}
	o := newTestOrchestrator(t, ret, gen)

	events := collect(t, o.Stream(context.Background(), "q", Options{}))
	if len(events) != 5 {
		t.Fatalf("got %d events %v, want metadata + 3 content + done", len(events), events)
	}

	meta := events[0]
	if meta.Type != EventMetadata {
		t.Fatalf("first event = %s, want metadata", meta.Type)
	}
	if meta.Provider != "gemini" || len(meta.Sources) != 2 || meta.Timestamp.IsZero() {
		t.Errorf("metadata = %+v", meta)
	}

	var text strings.Builder
	for _, ev := range events[1:4] {
		if ev.Type != EventContent {
			t.Fatalf("middle event = %s, want content", ev.Type)
		}
		text.WriteString(ev.Text)
	}
	if text.String() != "The answer." {
		t.Errorf("concatenated fragments = %q", text.String())
	}

	done := events[4]
	if done.Type != EventDone {
		t.Fatalf("terminal event = %s, want done", done.Type)
	}
	if done.Fragments != 3 {
		t.Errorf("Fragments = %d, want 3", done.Fragments)
	}
}

func TestStreamExactlyOneMetadataAndOneTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	o := newTestOrchestrator(t,
		&mockRetriever{results: twoResults()},
		&mockGenerator{fragments: []string{"a", "b"}, response: "ab"})

	events := collect(t, o.Stream(context.Background(), "q", Options{}))

	var metadata, terminal int
	for i, ev := range events {
		switch ev.Type {
		case EventMetadata:
			metadata++
			if i != 0 {
				t.Errorf("metadata at position %d, want first", i)
			}
		case EventDone, EventError:
			terminal++
			if i != len(events)-1 {
				t.Errorf("terminal at position %d, want last", i)
			}
		}
	}
	if metadata != 1 {
		t.Errorf("metadata events = %d, want exactly 1", metadata)
	}
	if terminal != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminal)
	}
}

func TestStreamRetrievalFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	wantErr := errors.New("index down")
	o := newTestOrchestrator(t, &mockRetriever{err: wantErr}, &mockGenerator{})

	events := collect(t, o.Stream(context.Background(), "q", Options{}))
	if len(events) != 1 {
		t.Fatalf("got %d events, want a single error event", len(events))
	}
	if events[0].Type != EventError {
		t.Fatalf("event = %s, want error", events[0].Type)
	}
	if !errors.Is(events[0].Err, wantErr) {
		t.Errorf("Err = %v, want the retrieval failure", events[0].Err)
	}
}

func TestStreamUnknownProvider(t *testing.T) {
	defer goleak.VerifyNone(t)

	o := newTestOrchestrator(t, &mockRetriever{results: twoResults()}, &mockGenerator{})

	events := collect(t, o.Stream(context.Background(), "q", Options{Provider: "anthropic"}))
	if len(events) != 1 {
		t.Fatalf("got %d events, want a single error event", len(events))
	}
	if events[0].Type != EventError {
		t.Fatalf("event = %s, want error", events[0].Type)
	}
	if !errors.Is(events[0].Err, config.ErrInvalidProvider) {
		t.Errorf("Err = %v, want ErrInvalidProvider", events[0].Err)
	}
}

func TestStreamGenerationFailureAfterMetadata(t *testing.T) {
	defer goleak.VerifyNone(t)

	o := newTestOrchestrator(t,
		&mockRetriever{results: twoResults()},
		&mockGenerator{err: errors.New("rate limit exceeded")})

	events := collect(t, o.Stream(context.Background(), "q", Options{}))
	if len(events) != 2 {
		t.Fatalf("got %d events, want metadata + error", len(events))
	}
	if events[0].Type != EventMetadata || events[1].Type != EventError {
		t.Fatalf("event types = %s, %s", events[0].Type, events[1].Type)
	}

	var genErr *GenerationError
	if !errors.As(events[1].Err, &genErr) {
		t.Fatalf("Err = %v, want *GenerationError", events[1].Err)
	}
	if genErr.Cause != CauseRateLimited {
		t.Errorf("Cause = %q, want %q", genErr.Cause, CauseRateLimited)
	}
}

func TestStreamConsumerCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	// A generator that keeps producing until the callback reports
	// cancellation.
	gen := &blockingGenerator{}
	o := newTestOrchestrator(t, &mockRetriever{results: twoResults()}, gen)

	ctx, cancel := context.WithCancel(context.Background())
	ch := o.Stream(ctx, "q", Options{})

	// Drain metadata plus a few fragments, then walk away.
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("stream stalled before cancellation")
		}
	}
	cancel()

	// The producer must close the channel once it observes cancellation.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

// blockingGenerator streams fragments forever until cancelled.
type blockingGenerator struct{}

func (b *blockingGenerator) Generate(ctx context.Context, _ string, stream func(context.Context, string) error) (string, error) {
	for {
		if err := stream(ctx, "fragment "); err != nil {
			return "", err
		}
	}
}

func TestStreamEmptyRetrievalStillStreams(t *testing.T) {
	defer goleak.VerifyNone(t)

	o := newTestOrchestrator(t,
		&mockRetriever{},
		&mockGenerator{fragments: []string{"no context answer"}, response: "no context answer"})

	events := collect(t, o.Stream(context.Background(), "q", Options{}))
	if events[0].Type != EventMetadata || len(events[0].Sources) != 0 {
		t.Errorf("metadata = %+v, want empty sources", events[0])
	}
	if events[len(events)-1].Type != EventDone {
		t.Errorf("terminal = %s, want done", events[len(events)-1].Type)
	}
}
