package flow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
	"github.com/brackenfield/flowgate/pkg/retry"
)

// sourceTask drains srcCh into queue, honoring the pause gate between
// pulls and the connector's terminal error on channel close.
func (s *Supervisor) sourceTask(ctx context.Context, srcCh <-chan event.ChangeEvent, queue chan<- event.ChangeEvent) {
	defer close(queue)
	for {
		s.gate.wait(ctx)
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-srcCh:
			if !ok {
				if err := s.conn.Err(); err != nil {
					s.setStatus(event.StatusFailed, connector.WrapFatal("flow.supervisor", "connector_stream", err).Error())
				}
				return
			}
			s.recordMessagesReceived(1)
			s.inflight.Add(1)
			select {
			case queue <- ev:
			case <-ctx.Done():
				s.inflight.Done()
				return
			}
		}
	}
}

// batcher accumulates events from queue and emits a batch whenever the
// count threshold or max_linger is reached, whichever first, preserving
// arrival order.
func (s *Supervisor) batcher(ctx context.Context, queue <-chan event.ChangeEvent, out chan<- []event.ChangeEvent) {
	defer close(out)

	batchSize := s.spec.BatchSize
	linger := s.spec.MaxLinger
	buf := make([]event.ChangeEvent, 0, batchSize)

	var timerC <-chan time.Time
	var timer *time.Timer

	flush := func() bool {
		if len(buf) == 0 {
			return true
		}
		batch := buf
		buf = make([]event.ChangeEvent, 0, batchSize)
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
		select {
		case out <- batch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if len(buf) == 0 {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-queue:
				if !ok {
					return
				}
				buf = append(buf, ev)
				if linger > 0 {
					timer = time.NewTimer(linger)
					timerC = timer.C
				}
				if len(buf) >= batchSize {
					if !flush() {
						return
					}
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-timerC:
			if !flush() {
				return
			}
		case ev, ok := <-queue:
			if !ok {
				flush()
				return
			}
			buf = append(buf, ev)
			if len(buf) >= batchSize {
				if !flush() {
					return
				}
			}
		}
	}
}

type destOutcome struct {
	dest   string
	report connector.WriteReport
	err    error
}

// fanOutWriter applies every emitted batch to all destinations
// concurrently, retrying each destination independently, then acks the
// events that succeeded everywhere.
func (s *Supervisor) fanOutWriter(ctx context.Context, batches <-chan []event.ChangeEvent) {
	for batch := range batches {
		s.writeBatch(ctx, batch)
	}
}

func (s *Supervisor) writeBatch(ctx context.Context, batch []event.ChangeEvent) {
	spanCtx, endSpan := s.startSpan(ctx, len(batch))
	defer endSpan()

	outcomes := make(chan destOutcome, len(s.destOrder))
	for _, name := range s.destOrder {
		name := name
		dest := s.dests[name]
		go func() {
			outcomes <- s.writeToDestination(spanCtx, name, dest, batch)
		}()
	}

	allIDs := make(map[uuid.UUID]bool, len(batch))
	for _, ev := range batch {
		allIDs[ev.ID] = true
	}
	succeeded := make(map[uuid.UUID]bool, len(batch))
	for id := range allIDs {
		succeeded[id] = true
	}

	for range s.destOrder {
		outcome := <-outcomes
		if outcome.err != nil {
			for id := range allIDs {
				succeeded[id] = false
			}
			s.recordDestinationResult(outcome.dest, 0, len(batch), &event.FailureRecord{
				Destination: outcome.dest,
				Attempts:    s.policy.MaxAttempts,
				Error:       outcome.err.Error(),
				At:          time.Now().UTC(),
			})
			continue
		}
		for _, id := range outcome.report.Failed {
			succeeded[id] = false
		}
		var failure *event.FailureRecord
		if len(outcome.report.Failed) > 0 {
			failure = &event.FailureRecord{
				Destination: outcome.dest,
				Attempts:    1,
				Error:       "partial batch failure",
				At:          time.Now().UTC(),
			}
		}
		s.recordDestinationResult(outcome.dest, len(outcome.report.Succeeded), len(outcome.report.Failed), failure)
	}

	if s.ackable != nil {
		for _, ev := range batch {
			if succeeded[ev.ID] {
				_ = s.ackable.Ack(ctx, ev.ID)
			}
		}
	}

	s.recordBatchCommitted(len(batch))
	s.inflight.Add(-len(batch))
}

func (s *Supervisor) writeToDestination(ctx context.Context, name string, dest connector.Destination, batch []event.ChangeEvent) destOutcome {
	var report connector.WriteReport
	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		r, err := dest.WriteBatch(ctx, batch)
		if err != nil {
			if connector.IsInvalid(err) || connector.IsFatal(err) {
				return retry.MarkNonRetryable(err)
			}
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		return destOutcome{dest: name, err: err}
	}
	return destOutcome{dest: name, report: report}
}

func (s *Supervisor) startSpan(ctx context.Context, n int) (context.Context, func()) {
	if s.tracer == nil {
		return ctx, func() {}
	}
	spanCtx, span := s.tracer.Start(ctx, "flow.batch", trace.WithAttributes(
		attribute.String("flow", s.name),
		attribute.Int("batch_size", n),
	))
	return spanCtx, func() { span.End() }
}
