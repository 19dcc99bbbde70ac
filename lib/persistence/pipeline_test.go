package persistence

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/mucore/lib/protocol"
)

var testRoute = protocol.RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 1}

// eventually polls cond until it holds or the deadline passes
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func shutdown(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestCoalescesToLastSnapshot(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(Config{FlushTick: 10 * time.Millisecond, MaxFlushLag: 20 * time.Millisecond, MaxBatchSize: 100}, sink)
	defer shutdown(t, p)

	ctx := context.Background()
	for i := uint16(1); i <= 20; i++ {
		if err := p.EnqueueNonCritical(ctx, CharacterStateSnapshot{CharacterID: 10, Route: testRoute, X: i, Y: i * 2}); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, time.Second, func() bool { return sink.StateCount() == 1 }, "state flushed")

	state, _ := sink.GetState(10)
	if state.X != 20 || state.Y != 40 {
		t.Errorf("flushed %+v, want the last snapshot", state)
	}
	if n := sink.UpsertCount(); n != 1 {
		t.Errorf("sink received %d records, want 1", n)
	}
	if m := p.Metrics(); m.FlushedRecords != 1 || m.PendingNonCritical != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestRecordCriticalIsAcknowledged(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(Config{FlushTick: time.Second, MaxFlushLag: 10 * time.Second, MaxBatchSize: 100}, sink)
	defer shutdown(t, p)

	ev := CriticalEvent{
		EventID:      NewEventID(7, 99),
		CharacterID:  7,
		Route:        testRoute,
		Kind:         TradeCommit,
		Payload:      "trade#99",
		OccurredAtMs: 123,
	}
	if err := p.RecordCritical(context.Background(), ev); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	// the ack implies the write already happened
	if sink.CriticalCount() != 1 {
		t.Fatalf("critical count = %d", sink.CriticalCount())
	}
	if got := sink.CriticalEvents()[0]; got != ev {
		t.Errorf("logged %+v, want %+v", got, ev)
	}
	if p.Metrics().CriticalCount != 1 {
		t.Errorf("metrics critical count = %d", p.Metrics().CriticalCount)
	}
}

func TestCriticalFailureIsSurfaced(t *testing.T) {
	sink := NewMemorySink()
	sink.FailCritical(true)
	p := NewPipeline(Config{FlushTick: time.Second}, sink)
	defer shutdown(t, p)

	err := p.RecordCritical(context.Background(), CriticalEvent{CharacterID: 1, Kind: EconomyMutation})
	var sinkErr *SinkError
	if !errors.As(err, &sinkErr) {
		t.Fatalf("expected a SinkError, got %v", err)
	}
	if m := p.Metrics(); m.ErrorCount != 1 || m.CriticalCount != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestNonCriticalFailureIsCounted(t *testing.T) {
	sink := NewMemorySink()
	sink.FailStates(true)
	p := NewPipeline(Config{FlushTick: time.Second}, sink)
	defer shutdown(t, p)

	ctx := context.Background()
	_ = p.EnqueueNonCritical(ctx, CharacterStateSnapshot{CharacterID: 1})
	if err := p.FlushNow(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	m := p.Metrics()
	if m.ErrorCount != 1 || m.FlushCount != 1 || m.FlushedRecords != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
	// failed records are not retried
	if m.PendingNonCritical != 0 {
		t.Errorf("pending = %d, want 0", m.PendingNonCritical)
	}
}

func TestFlushCharacter(t *testing.T) {
	tests := []struct {
		name     string
		enqueue  bool
		final    *CharacterStateSnapshot
		wantX    uint16
		wantSeen bool
	}{
		{"pending only", true, nil, 9, true},
		{"final replaces pending", true, &CharacterStateSnapshot{CharacterID: 77, X: 42}, 42, true},
		{"final without pending", false, &CharacterStateSnapshot{CharacterID: 77, X: 43}, 43, true},
		{"nothing to write", false, nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := NewMemorySink()
			p := NewPipeline(Config{FlushTick: 5 * time.Second, MaxFlushLag: 10 * time.Second}, sink)
			ctx := context.Background()

			if tt.enqueue {
				_ = p.EnqueueNonCritical(ctx, CharacterStateSnapshot{CharacterID: 77, X: 9})
			}
			if err := p.FlushCharacter(ctx, 77, tt.final); err != nil {
				t.Fatal(err)
			}
			// FlushNow is processed after FlushCharacter, so the write is done
			if err := p.FlushNow(ctx); err != nil {
				t.Fatal(err)
			}

			state, ok := sink.GetState(77)
			if ok != tt.wantSeen {
				t.Fatalf("state present = %v, want %v", ok, tt.wantSeen)
			}
			if ok && state.X != tt.wantX {
				t.Errorf("x = %d, want %d", state.X, tt.wantX)
			}
			if tt.wantSeen && sink.UpsertCount() != 1 {
				t.Errorf("upserts = %d, want exactly 1", sink.UpsertCount())
			}
			shutdown(t, p)
		})
	}
}

func TestBackpressureFlushesOldest(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(Config{FlushTick: 10 * time.Millisecond, MaxFlushLag: time.Hour, MaxBatchSize: 2}, sink)
	defer shutdown(t, p)

	ctx := context.Background()
	for id := uint64(1); id <= 3; id++ {
		_ = p.EnqueueNonCritical(ctx, CharacterStateSnapshot{CharacterID: id})
	}

	eventually(t, time.Second, func() bool { return sink.StateCount() == 2 }, "oldest batch flushed")
	time.Sleep(50 * time.Millisecond)

	for _, id := range []uint64{1, 2} {
		if _, ok := sink.GetState(id); !ok {
			t.Errorf("character %d should have been flushed", id)
		}
	}
	if _, ok := sink.GetState(3); ok {
		t.Error("character 3 is below the batch threshold and must stay pending")
	}
	if p.Metrics().PendingNonCritical != 1 {
		t.Errorf("pending = %d, want 1", p.Metrics().PendingNonCritical)
	}
}

func TestShutdownDrainsAndCloses(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(Config{FlushTick: time.Hour, MaxFlushLag: time.Hour, MaxBatchSize: 2}, sink)

	ctx := context.Background()
	for id := uint64(1); id <= 5; id++ {
		_ = p.EnqueueNonCritical(ctx, CharacterStateSnapshot{CharacterID: id})
	}
	shutdown(t, p)

	if sink.StateCount() != 5 {
		t.Fatalf("state count = %d, want 5", sink.StateCount())
	}
	if m := p.Metrics(); m.FlushCount != 3 {
		t.Errorf("flush count = %d, want 3 batches", m.FlushCount)
	}

	if err := p.EnqueueNonCritical(ctx, CharacterStateSnapshot{CharacterID: 9}); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
	if err := p.RecordCritical(ctx, CriticalEvent{}); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
	// a second shutdown is a no-op
	shutdown(t, p)
}

func TestWritePrometheus(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(Config{FlushTick: time.Hour}, sink)
	defer shutdown(t, p)

	_ = p.RecordCritical(context.Background(), CriticalEvent{CharacterID: 1})

	var buf bytes.Buffer
	p.WritePrometheus(&buf)
	out := buf.String()
	for _, name := range []string{
		"mucore_persistence_critical_events_total 1",
		"mucore_persistence_queue_depth",
		"mucore_persistence_pending_non_critical",
	} {
		if !strings.Contains(out, name) {
			t.Errorf("metrics output misses %q:\n%s", name, out)
		}
	}
}

func TestEventID(t *testing.T) {
	id := NewEventID(1, 2)
	if id.Hi != 1 || id.Lo != 2 {
		t.Fatalf("unexpected id %+v", id)
	}
	if s := id.String(); s != "00000000000000010000000000000002" {
		t.Errorf("String() = %q", s)
	}
}
