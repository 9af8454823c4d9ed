package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opsloop/opsloop/internal/queue"
	"github.com/opsloop/opsloop/internal/store"
)

type fakeWorkerStore struct {
	claimed map[string]bool
	locked  map[string]bool
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{claimed: make(map[string]bool), locked: make(map[string]bool)}
}

func (f *fakeWorkerStore) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	k := scope + ":" + key
	if f.claimed[k] {
		return false, nil
	}
	f.claimed[k] = true
	return true, nil
}

func (f *fakeWorkerStore) TryLockRun(ctx context.Context, runID string) (*store.RunLock, error) {
	if f.locked[runID] {
		return nil, nil
	}
	return &store.RunLock{}, nil
}

type fakeExecutor struct {
	executed []string
	resumed  int
}

func (f *fakeExecutor) Execute(ctx context.Context, runID string) error {
	f.executed = append(f.executed, runID)
	return nil
}

func (f *fakeExecutor) ResumeInterrupted(ctx context.Context) error {
	f.resumed++
	return nil
}

func enqueuedMessage(t *testing.T, eventID, runID string) queue.Message {
	t.Helper()
	data, err := json.Marshal(queue.RunEnqueued{RunID: runID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return queue.Message{
		ID: eventID,
		Envelope: queue.Envelope{
			EventID:        eventID,
			EventType:      queue.EventTypeRunEnqueued,
			Attempt:        0,
			PayloadVersion: queue.PayloadVersionV1,
			Data:           data,
		},
	}
}

type fakeStreamConsumer struct {
	stale []queue.Message
	acked []string
}

func (f *fakeStreamConsumer) Read(ctx context.Context, stream string, opts ...queue.ConsumerOption) ([]queue.Message, error) {
	return nil, nil
}

func (f *fakeStreamConsumer) Ack(ctx context.Context, stream string, ids ...string) error {
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeStreamConsumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]queue.Message, string, error) {
	msgs := f.stale
	f.stale = nil
	return msgs, "0-0", nil
}

func TestHandleRunEnqueuedExecutes(t *testing.T) {
	st := newFakeWorkerStore()
	exec := &fakeExecutor{}
	p := NewProcessor(nil, st, nil, exec, "run.enqueued")

	msg := enqueuedMessage(t, "ev-1", "run-1")
	if err := p.handleRunEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("handleRunEnqueued: %v", err)
	}
	if len(exec.executed) != 1 || exec.executed[0] != "run-1" {
		t.Fatalf("executor not invoked correctly: %v", exec.executed)
	}
}

func TestDuplicateDeliveryIsDropped(t *testing.T) {
	st := newFakeWorkerStore()
	exec := &fakeExecutor{}
	p := NewProcessor(nil, st, nil, exec, "run.enqueued")

	msg := enqueuedMessage(t, "ev-1", "run-1")
	if err := p.handleRunEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := p.handleRunEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if len(exec.executed) != 1 {
		t.Fatalf("duplicate delivery executed the run again: %v", exec.executed)
	}
}

func TestLockedRunIsSkipped(t *testing.T) {
	st := newFakeWorkerStore()
	st.locked["run-1"] = true
	exec := &fakeExecutor{}
	p := NewProcessor(nil, st, nil, exec, "run.enqueued")

	msg := enqueuedMessage(t, "ev-1", "run-1")
	if err := p.handleRunEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("handleRunEnqueued: %v", err)
	}
	if len(exec.executed) != 0 {
		t.Fatal("run owned by another worker must not execute here")
	}
}

func TestReclaimStaleExecutesAbandonedDelivery(t *testing.T) {
	st := newFakeWorkerStore()
	exec := &fakeExecutor{}
	cons := &fakeStreamConsumer{stale: []queue.Message{enqueuedMessage(t, "ev-stale", "run-stale")}}
	p := NewProcessor(nil, st, cons, exec, "run.enqueued")

	p.reclaimStale(context.Background())

	if len(exec.executed) != 1 || exec.executed[0] != "run-stale" {
		t.Fatalf("reclaimed run not executed: %v", exec.executed)
	}
	if len(cons.acked) != 1 || cons.acked[0] != "ev-stale" {
		t.Fatalf("reclaimed delivery not acked: %v", cons.acked)
	}
}

func TestMissingRunIDIsAnError(t *testing.T) {
	st := newFakeWorkerStore()
	exec := &fakeExecutor{}
	p := NewProcessor(nil, st, nil, exec, "run.enqueued")

	msg := enqueuedMessage(t, "ev-1", "placeholder")
	msg.Envelope.Data = json.RawMessage(`{}`)
	if err := p.handleRunEnqueued(context.Background(), msg); err == nil {
		t.Fatal("expected error for payload without run_id")
	}
}
