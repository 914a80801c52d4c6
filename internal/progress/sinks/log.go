package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/progress"
)

// LogSink writes each event as a structured debug log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone:
			fields = append(fields, zap.Int("total", evt.Total), zap.Duration("dur", evt.Dur))
		default:
			fields = append(fields,
				zap.Int("index", evt.Index),
				zap.String("origin", evt.Origin),
				zap.String("locator", evt.Locator))
		}
		if evt.Stage == progress.StageFetchDone {
			fields = append(fields,
				zap.String("status", string(evt.Status)),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
