// Package flow implements the Flow Supervisor: the per-flow pipeline of
// Source Task, Batcher, and Fan-out Writer, plus the lifecycle state
// machine the orchestrator drives.
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
	"github.com/brackenfield/flowgate/pkg/retry"
)

const (
	maxDrainTimeout   = 5 * time.Second
	maxRecentFailures = 20
)

// Supervisor drives one flow's Source Task -> Batcher -> Fan-out Writer
// pipeline and owns the connector and destination instances for as long
// as the flow is not Inactive.
type Supervisor struct {
	name      string
	conn      connector.Connector
	ackable   connector.AckCapable
	dests     map[string]connector.Destination
	destOrder []string
	tracer    trace.Tracer
	policy    retry.Policy

	mu      sync.Mutex
	spec    event.FlowSpec
	status  event.Status
	reason  string
	metrics event.FlowMetrics

	gate     *pauseGate
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// NewSupervisor constructs a Supervisor in the Inactive state. conn and
// dests must already be freshly created (not yet started/opened) by the
// orchestrator via the registry.
func NewSupervisor(name string, spec event.FlowSpec, conn connector.Connector, dests map[string]connector.Destination, destOrder []string, tracer trace.Tracer) *Supervisor {
	spec.Normalize()
	ackable, _ := conn.(connector.AckCapable)
	return &Supervisor{
		name:      name,
		conn:      conn,
		ackable:   ackable,
		dests:     dests,
		destOrder: destOrder,
		tracer:    tracer,
		policy:    retry.Default(),
		spec:      spec,
		status:    event.StatusInactive,
		gate:      newPauseGate(),
		metrics: event.FlowMetrics{
			PerDestination: make(map[string]event.DestinationMetrics, len(dests)),
		},
	}
}

// Status returns the current lifecycle snapshot.
func (s *Supervisor) Status() event.FlowStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return event.FlowStatus{Name: s.name, Status: s.status, Reason: s.reason}
}

// Metrics returns a deep-enough copy of the running counters for the
// control plane to serialize safely.
func (s *Supervisor) Metrics() event.FlowMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.metrics
	out.PerDestination = make(map[string]event.DestinationMetrics, len(s.metrics.PerDestination))
	for k, v := range s.metrics.PerDestination {
		out.PerDestination[k] = v
	}
	out.RecentFailures = append([]event.FailureRecord(nil), s.metrics.RecentFailures...)
	if !out.StartedAt.IsZero() {
		out.UptimeSeconds = time.Since(out.StartedAt).Seconds()
	}
	return out
}

func (s *Supervisor) setStatus(status event.Status, reason string) {
	s.mu.Lock()
	s.status = status
	s.reason = reason
	s.mu.Unlock()
}

// Start transitions Inactive/Failed -> Starting -> Running, opening every
// destination and starting the connector's event stream. On any open
// failure the supervisor lands in Failed with a diagnostic reason and the
// caller's error is also returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != event.StatusInactive && s.status != event.StatusFailed {
		cur := s.status
		s.mu.Unlock()
		if cur == event.StatusRunning {
			return nil // idempotent: already running
		}
		return fmt.Errorf("flow %s: start invalid from state %s: %w", s.name, cur, connector.ErrStateInvalid)
	}
	s.status = event.StatusStarting
	s.reason = ""
	s.mu.Unlock()

	for _, name := range s.destOrder {
		if err := s.dests[name].Open(ctx, nil); err != nil {
			wrapped := connector.WrapTransient("flow.supervisor", "open_destination", fmt.Errorf("%s: %w", name, err))
			s.setStatus(event.StatusFailed, wrapped.Error())
			return wrapped
		}
	}

	srcCh, err := s.conn.Start(ctx)
	if err != nil {
		wrapped := connector.WrapTransient("flow.supervisor", "start_connector", err)
		s.setStatus(event.StatusFailed, wrapped.Error())
		return wrapped
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.gate.unpause()

	s.mu.Lock()
	s.metrics.StartedAt = time.Now().UTC()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, srcCh)

	s.setStatus(event.StatusRunning, "")
	return nil
}

// run owns the full pipeline for one Start..Stop cycle.
func (s *Supervisor) run(ctx context.Context, srcCh <-chan event.ChangeEvent) {
	defer s.wg.Done()

	queue := make(chan event.ChangeEvent, 4*s.spec.BatchSize)
	batches := make(chan []event.ChangeEvent, 1)

	var inner sync.WaitGroup
	inner.Add(2)
	go func() {
		defer inner.Done()
		s.sourceTask(ctx, srcCh, queue)
	}()
	go func() {
		defer inner.Done()
		s.batcher(ctx, queue, batches)
	}()

	inner.Add(1)
	go func() {
		defer inner.Done()
		s.fanOutWriter(ctx, batches)
	}()

	inner.Wait()
}

// Pause holds the source task (stops pulling from the connector) while
// letting already-queued and already-batched events keep flushing to
// destinations. Valid only from Running.
func (s *Supervisor) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.status != event.StatusRunning {
		cur := s.status
		s.mu.Unlock()
		if cur == event.StatusPaused {
			return nil
		}
		return fmt.Errorf("flow %s: pause invalid from state %s: %w", s.name, cur, connector.ErrStateInvalid)
	}
	s.mu.Unlock()

	s.gate.pause()

	// Buffered events already queued or batched keep flushing; only
	// flip to Paused once the fan-out writer has drained them.
	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(maxDrainTimeout):
	case <-ctx.Done():
	}

	s.setStatus(event.StatusPaused, "")
	return nil
}

// Resume unblocks the source task. Valid only from Paused.
func (s *Supervisor) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.status != event.StatusPaused {
		cur := s.status
		s.mu.Unlock()
		if cur == event.StatusRunning {
			return nil
		}
		return fmt.Errorf("flow %s: resume invalid from state %s: %w", s.name, cur, connector.ErrStateInvalid)
	}
	s.mu.Unlock()

	s.gate.unpause()
	s.setStatus(event.StatusRunning, "")
	return nil
}

// Stop cancels the source task cooperatively, waits up to
// maxDrainTimeout for the pipeline to unwind, then closes every
// destination and the connector regardless of whether the drain
// finished cleanly. Valid from any state except Inactive/Stopping.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cur := s.status
	if cur == event.StatusInactive {
		s.mu.Unlock()
		return nil
	}
	if cur == event.StatusStopping {
		s.mu.Unlock()
		return nil
	}
	s.status = event.StatusStopping
	s.mu.Unlock()

	s.gate.unpause() // don't let a paused pipeline deadlock the drain
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(maxDrainTimeout):
	}

	_ = s.conn.Stop(ctx)
	for _, name := range s.destOrder {
		_ = s.dests[name].Close(ctx)
	}

	// The pipeline is fully unwound (or we gave up waiting for it), so
	// any events dropped mid-shutdown without reaching the fan-out
	// writer must not leak into the next Start/Pause cycle's count.
	s.inflight = sync.WaitGroup{}

	s.setStatus(event.StatusInactive, "")
	return nil
}

func (s *Supervisor) recordBatchCommitted(n int) {
	s.mu.Lock()
	s.metrics.RecordsProcessed += int64(n)
	s.mu.Unlock()
}

func (s *Supervisor) recordMessagesReceived(n int) {
	s.mu.Lock()
	s.metrics.MessagesReceived += int64(n)
	s.mu.Unlock()
}

func (s *Supervisor) recordDestinationResult(dest string, okCount, failCount int, failure *event.FailureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dm := s.metrics.PerDestination[dest]
	dm.WritesOK += int64(okCount)
	dm.WritesFailed += int64(failCount)
	s.metrics.PerDestination[dest] = dm
	if failCount > 0 {
		s.metrics.Errors += int64(failCount)
	}
	if failure != nil {
		s.metrics.RecentFailures = append([]event.FailureRecord{*failure}, s.metrics.RecentFailures...)
		if len(s.metrics.RecentFailures) > maxRecentFailures {
			s.metrics.RecentFailures = s.metrics.RecentFailures[:maxRecentFailures]
		}
	}
}

func destAttr(dest string) attribute.KeyValue {
	return attribute.String("destination", dest)
}
