// Package worker consumes run.enqueued events and executes runs through the
// planner. Queue delivery is at-least-once; an idempotency claim drops exact
// duplicates and the store's per-run advisory lock serializes the rest.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsloop/opsloop/internal/queue"
	"github.com/opsloop/opsloop/internal/store"
)

// Executor runs one run to its next suspension or terminal state.
type Executor interface {
	Execute(ctx context.Context, runID string) error
	ResumeInterrupted(ctx context.Context) error
}

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	TryLockRun(ctx context.Context, runID string) (*store.RunLock, error)
}

// StreamConsumer is the queue surface the processor reads from.
type StreamConsumer interface {
	Read(ctx context.Context, stream string, opts ...queue.ConsumerOption) ([]queue.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]queue.Message, string, error)
}

// Processor drives run execution by consuming run.enqueued events.
type Processor struct {
	logger     *log.Logger
	store      StoreAPI
	consumer   StreamConsumer
	executor   Executor
	runStream  string
	tracer     trace.Tracer
	runCounter otelmetric.Int64Counter
	dupCounter otelmetric.Int64Counter
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, st StoreAPI, cons StreamConsumer, exec Executor, runStream string) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	p := &Processor{
		logger:    logger,
		store:     st,
		consumer:  cons,
		executor:  exec,
		runStream: runStream,
		tracer:    otel.Tracer("worker"),
	}
	meter := otel.Meter("worker")
	if c, err := meter.Int64Counter("worker_runs_processed"); err == nil {
		p.runCounter = c
	}
	if c, err := meter.Int64Counter("worker_duplicate_deliveries"); err == nil {
		p.dupCounter = c
	}
	return p
}

// Start blocks, continuously processing run.enqueued events until the
// context is cancelled. Runs left in running by a previous process are
// resumed first; nothing in-flight survives a crash.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker starting; consuming stream %s", p.runStream)
	if err := p.executor.ResumeInterrupted(ctx); err != nil {
		p.logger.Printf("warn: resume interrupted runs failed: %v", err)
	}
	p.reclaimStale(ctx)

	lastReclaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastReclaim) >= staleClaimInterval {
			p.reclaimStale(ctx)
			lastReclaim = time.Now()
		}

		msgs, err := p.consumer.Read(ctx, p.runStream, queue.WithBlock(5*time.Second), queue.WithCount(16))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := p.handleRunEnqueued(ctx, msg); err != nil {
				p.logger.Printf("error handling message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, p.runStream, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

const (
	staleClaimMinIdle  = 5 * time.Minute
	staleClaimInterval = time.Minute
)

// reclaimStale takes over pending deliveries abandoned by a consumer that
// died between Read and Ack, so a crashed worker's runs are not stuck in
// the group's pending list forever. Reclaimed messages go through the same
// idempotency and locking path as fresh ones.
func (p *Processor) reclaimStale(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.runStream, staleClaimMinIdle, start, 16)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Printf("warn: reclaim stale deliveries: %v", err)
			}
			return
		}
		for _, msg := range msgs {
			if err := p.handleRunEnqueued(ctx, msg); err != nil {
				p.logger.Printf("error handling reclaimed message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, p.runStream, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack reclaimed message %s: %v", msg.ID, err)
			}
		}
		// XAUTOCLAIM returns 0-0 once the scan has wrapped around.
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

func (p *Processor) handleRunEnqueued(ctx context.Context, msg queue.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_run")
	defer span.End()

	claimed, err := p.store.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		if p.dupCounter != nil {
			p.dupCounter.Add(ctx, 1)
		}
		p.logger.Printf("skip event %s, already processed", msg.Envelope.EventID)
		return nil
	}

	var payload queue.RunEnqueued
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal run payload: %w", err)
	}
	if payload.RunID == "" {
		return fmt.Errorf("run.enqueued without run_id")
	}

	// At-most-one worker per run, even when the queue double-delivers or two
	// events reference the same run.
	lock, err := p.store.TryLockRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("lock run %s: %w", payload.RunID, err)
	}
	if lock == nil {
		p.logger.Printf("run %s is owned by another worker, skipping", payload.RunID)
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			p.logger.Printf("warn: release lock for run %s: %v", payload.RunID, err)
		}
	}()

	if err := p.executor.Execute(ctx, payload.RunID); err != nil {
		return fmt.Errorf("execute run %s: %w", payload.RunID, err)
	}
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1)
	}
	return nil
}
