package progress

import "context"

// Sink consumes batches of progress events. Consume may be called many times
// and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. A nil Emitter means no progress
// reporting; callers use Emit below instead of checking.
type Emitter interface {
	Emit(evt Event)
}

// Emit forwards evt to e when e is non-nil.
func Emit(e Emitter, evt Event) {
	if e == nil {
		return
	}
	e.Emit(evt)
}

// SinkFunc adapts a function to Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close implements Sink.
func (SinkFunc) Close(context.Context) error {
	return nil
}
