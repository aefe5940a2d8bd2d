package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vguadalu/udacity-data-pipelines/internal/logging"
)

// LogSink writes one structured line per event.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a sink writing to log.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str(logging.FieldComponent, "pipeline").Logger()}
}

// Run drains ch until it is closed or ctx is done.
func (s *LogSink) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.Log(e)
		}
	}
}

// Log writes e. Retries log at warn and failures at error.
func (s *LogSink) Log(e Event) {
	switch ev := e.(type) {
	case RunStartedEvent:
		s.log.Info().
			Str(logging.FieldRunID, ev.Run).
			Str(logging.FieldPipeline, ev.Pipeline).
			Time("scheduled_time", ev.ScheduledTime).
			Msg("run started")
	case RunFinishedEvent:
		var entry *zerolog.Event
		if ev.Err != nil {
			entry = s.log.Error().Err(ev.Err).Str("failed_task", ev.FailedTask)
		} else {
			entry = s.log.Info()
		}
		entry.Str(logging.FieldRunID, ev.Run).
			Str(logging.FieldPipeline, ev.Pipeline).
			Str(logging.FieldStatus, ev.Status).
			Dur(logging.FieldDuration, ev.Duration).
			Msg("run finished")
	case RunProgressEvent:
		s.log.Debug().
			Str(logging.FieldRunID, ev.Run).
			Int("total", ev.Total).
			Int("succeeded", ev.Succeeded).
			Int("running", ev.Running).
			Int("failed", ev.Failed).
			Int("upstream_failed", ev.UpstreamFailed).
			Int("pending", ev.Pending).
			Msg("progress")
	case TaskStartedEvent:
		s.log.Info().
			Str(logging.FieldRunID, ev.Run).
			Str(logging.FieldTaskID, ev.ID).
			Str("kind", ev.Kind).
			Int(logging.FieldAttempt, ev.Attempt).
			Msg("task started")
	case TaskCompletedEvent:
		s.log.Info().
			Str(logging.FieldRunID, ev.Run).
			Str(logging.FieldTaskID, ev.ID).
			Int("attempts", ev.Attempts).
			Dur(logging.FieldDuration, ev.Duration).
			Msg("task succeeded")
	case TaskRetriedEvent:
		s.log.Warn().
			Err(ev.Err).
			Str(logging.FieldRunID, ev.Run).
			Str(logging.FieldTaskID, ev.ID).
			Int(logging.FieldAttempt, ev.Attempt).
			Dur("retry_in", ev.Delay).
			Msg("task attempt failed, retrying")
	case TaskFailedEvent:
		s.log.Error().
			Err(ev.Err).
			Str(logging.FieldRunID, ev.Run).
			Str(logging.FieldTaskID, ev.ID).
			Int("attempts", ev.Attempts).
			Dur(logging.FieldDuration, ev.Duration).
			Msg("task failed")
	case TaskUpstreamFailedEvent:
		s.log.Warn().
			Str(logging.FieldRunID, ev.Run).
			Str(logging.FieldTaskID, ev.ID).
			Str("upstream", ev.Upstream).
			Msg("task skipped, upstream failed")
	case BreakerStateEvent:
		s.log.Warn().
			Str("breaker", ev.Name).
			Str("from", ev.From).
			Str("to", ev.To).
			Msg("warehouse circuit breaker changed state")
	case HistoryErrorEvent:
		s.log.Error().
			Err(ev.Err).
			Str(logging.FieldRunID, ev.Run).
			Str("op", ev.Op).
			Msg("failed to record run history")
	default:
		s.log.Debug().Str("type", e.EventType()).Str(logging.FieldRunID, e.RunID()).Msg("event")
	}
}
