package answer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sibyl-ai/sibyl/internal/prompt"
)

// EventType discriminates streaming events.
type EventType string

const (
	// EventMetadata arrives exactly once, before any content.
	EventMetadata EventType = "metadata"
	// EventContent carries one model output fragment.
	EventContent EventType = "content"
	// EventDone terminates a successful stream.
	EventDone EventType = "done"
	// EventError terminates a failed stream.
	EventError EventType = "error"
)

// Event is one element of a streamed answer. Fields are populated by Type.
type Event struct {
	Type EventType

	// Metadata fields.
	Sources   []string
	Provider  string
	Timestamp time.Time

	// Content fields.
	Text string

	// Done fields.
	Elapsed   time.Duration
	Fragments int

	// Error fields.
	Err error
}

// streamBuffer bounds in-flight events so a slow consumer applies
// backpressure to the model instead of growing memory.
const streamBuffer = 16

// Stream runs the pipeline and emits events on the returned channel: one
// metadata event, zero or more content fragments, then exactly one done or
// error event. The channel closes after the terminal event. Cancelling ctx
// stops emission; the producer goroutine never outlives the consumer's
// cancellation.
func (o *Orchestrator) Stream(ctx context.Context, question string, opts Options) <-chan Event {
	ch := make(chan Event, streamBuffer)

	go func() {
		defer close(ch)
		started := time.Now()

		// emit delivers one event unless the consumer is gone.
		emit := func(ev Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		provider, generator, err := o.resolveGenerator(opts)
		if err != nil {
			emit(Event{Type: EventError, Err: err})
			return
		}

		contextBlock, sources, _, err := o.prepare(ctx, question, o.topK(opts))
		if err != nil {
			emit(Event{Type: EventError, Err: err})
			return
		}

		if !emit(Event{
			Type:      EventMetadata,
			Sources:   sources,
			Provider:  provider,
			Timestamp: started.UTC(),
		}) {
			return
		}

		fragments := 0
		gctx, finish := o.hooks.Span(ctx, "generate", attribute.String("provider", provider))
		_, err = generator.Generate(gctx, prompt.Build(question, contextBlock),
			func(cbCtx context.Context, text string) error {
				if text == "" {
					return nil
				}
				select {
				case ch <- Event{Type: EventContent, Text: text}:
					fragments++
					return nil
				case <-cbCtx.Done():
					return cbCtx.Err()
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		finish(err)
		if err != nil {
			emit(Event{Type: EventError, Err: o.wrapGeneration(provider, err)})
			return
		}

		o.logger.Info("streamed answer",
			"provider", provider,
			"fragments", fragments,
			"elapsed", time.Since(started))
		emit(Event{Type: EventDone, Elapsed: time.Since(started), Fragments: fragments})
	}()

	return ch
}
