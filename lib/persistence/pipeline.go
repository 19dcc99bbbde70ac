package persistence

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("persistence")

// Config controls the write-behind behaviour of a Pipeline
type Config struct {
	// FlushTick is the interval of the periodic flush
	FlushTick time.Duration
	// MaxFlushLag is the age after which a pending snapshot is flushed
	MaxFlushLag time.Duration
	// MaxBatchSize bounds one sink call and triggers the backpressure flush
	MaxBatchSize int
	// MailboxSize is the capacity of the command queue
	MailboxSize int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		FlushTick:    2 * time.Second,
		MaxFlushLag:  15 * time.Second,
		MaxBatchSize: 300,
		MailboxSize:  4096,
	}
}

type commandKind uint8

const (
	cmdUpsert commandKind = iota
	cmdFlushCharacter
	cmdRecordCritical
	cmdFlushNow
	cmdShutdown
)

type command struct {
	kind        commandKind
	snapshot    CharacterStateSnapshot
	characterID uint64
	final       *CharacterStateSnapshot
	event       CriticalEvent
	ack         chan error
}

// Pipeline is the write-behind persistence worker. Non-critical snapshots are
// coalesced per character and flushed in batches; critical events are written
// one by one and acknowledged to the caller.
type Pipeline struct {
	cfg     Config
	sink    Sink
	mailbox chan command
	done    chan struct{}
	metrics *pipelineMetrics

	// owned by the worker goroutine
	pending *pendingQueue
	start   time.Time
	now     func() time.Time
}

// NewPipeline creates a pipeline and starts its worker
func NewPipeline(cfg Config, sink Sink) *Pipeline {
	return newPipeline(cfg, sink, time.Now)
}

func newPipeline(cfg Config, sink Sink, now func() time.Time) *Pipeline {
	def := DefaultConfig()
	if cfg.FlushTick <= 0 {
		cfg.FlushTick = def.FlushTick
	}
	if cfg.MaxFlushLag <= 0 {
		cfg.MaxFlushLag = def.MaxFlushLag
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}

	p := &Pipeline{
		cfg:     cfg,
		sink:    sink,
		mailbox: make(chan command, cfg.MailboxSize),
		done:    make(chan struct{}),
		pending: newPendingQueue(),
		start:   now(),
		now:     now,
	}
	p.metrics = newPipelineMetrics(func() int { return len(p.mailbox) })

	go p.run()
	log.Infof("persistence pipeline started (flush tick %s, max lag %s, batch %d)",
		cfg.FlushTick, cfg.MaxFlushLag, cfg.MaxBatchSize)
	return p
}

// --------------------------------------------------------------------------
// Public API
// --------------------------------------------------------------------------

// EnqueueNonCritical queues a snapshot for the next flush. A later snapshot of
// the same character replaces this one.
func (p *Pipeline) EnqueueNonCritical(ctx context.Context, snapshot CharacterStateSnapshot) error {
	return p.send(ctx, command{kind: cmdUpsert, snapshot: snapshot})
}

// FlushCharacter forces the write of a character's state and drops its pending
// snapshot. With a final snapshot that state is written, otherwise the pending
// one is. The call returns once the command is queued.
func (p *Pipeline) FlushCharacter(ctx context.Context, characterID uint64, final *CharacterStateSnapshot) error {
	return p.send(ctx, command{kind: cmdFlushCharacter, characterID: characterID, final: final})
}

// RecordCritical writes event and blocks until the sink has acknowledged it
func (p *Pipeline) RecordCritical(ctx context.Context, event CriticalEvent) error {
	ack := make(chan error, 1)
	if err := p.send(ctx, command{kind: cmdRecordCritical, event: event, ack: ack}); err != nil {
		return err
	}
	return p.await(ctx, ack)
}

// FlushNow writes every pending snapshot and waits until that is done
func (p *Pipeline) FlushNow(ctx context.Context) error {
	ack := make(chan error, 1)
	if err := p.send(ctx, command{kind: cmdFlushNow, ack: ack}); err != nil {
		return err
	}
	return p.await(ctx, ack)
}

// Shutdown drains all pending snapshots and stops the worker. Commands queued
// behind the shutdown command are dropped; calls made after the worker stopped
// fail with ErrChannelClosed.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	err := p.send(ctx, command{kind: cmdShutdown})
	if errors.Is(err, ErrChannelClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the worker has stopped
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Metrics returns the current counters
func (p *Pipeline) Metrics() Metrics {
	return p.metrics.snapshot()
}

// WritePrometheus writes the pipeline metrics in Prometheus text format
func (p *Pipeline) WritePrometheus(w io.Writer) {
	p.metrics.writePrometheus(w)
}

func (p *Pipeline) send(ctx context.Context, cmd command) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	default:
	}
	select {
	case p.mailbox <- cmd:
		return nil
	case <-p.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) await(ctx context.Context, ack <-chan error) error {
	select {
	case err := <-ack:
		return err
	case <-p.done:
		// the worker may have answered right before stopping
		select {
		case err := <-ack:
			return err
		default:
			return ErrChannelClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Worker
// --------------------------------------------------------------------------

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.FlushTick)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-p.mailbox:
			if p.handle(cmd) {
				log.Infof("persistence pipeline stopped")
				return
			}
		case <-ticker.C:
			p.flushExpired()
		}
	}
}

// handle executes one command and reports whether the worker must stop
func (p *Pipeline) handle(cmd command) bool {
	ctx := context.Background()

	switch cmd.kind {
	case cmdUpsert:
		p.pending.upsert(cmd.snapshot, p.arrival())
		p.metrics.pending.Store(int64(p.pending.Len()))

	case cmdFlushCharacter:
		pending, had := p.pending.remove(cmd.characterID)
		p.metrics.pending.Store(int64(p.pending.Len()))
		state := pending
		if cmd.final != nil {
			state = *cmd.final
		} else if !had {
			return false
		}
		if err := p.flushBatch(ctx, []CharacterStateSnapshot{state}); err != nil {
			log.Errorf("flush of character %d failed: %v", cmd.characterID, err)
		}

	case cmdRecordCritical:
		err := p.sink.WriteCriticalEvent(ctx, cmd.event)
		if err != nil {
			p.metrics.errors.Inc()
			err = &SinkError{Op: "write critical event", Err: err}
			log.Errorf("critical event %s for character %d failed: %v", cmd.event.EventID, cmd.event.CharacterID, err)
		} else {
			p.metrics.critical.Inc()
		}
		cmd.ack <- err

	case cmdFlushNow:
		cmd.ack <- p.flushPending(ctx)

	case cmdShutdown:
		if err := p.flushPending(ctx); err != nil {
			log.Errorf("final flush failed: %v", err)
		}
		return true
	}
	return false
}

func (p *Pipeline) arrival() uint64 {
	d := p.now().Sub(p.start)
	if d < 0 {
		return 0
	}
	return uint64(d)
}

// flushExpired writes the snapshots older than MaxFlushLag, oldest first. If
// none is old enough but the pending set has reached MaxBatchSize, the oldest
// batch is written regardless of age.
func (p *Pipeline) flushExpired() {
	now := p.arrival()
	lag := uint64(p.cfg.MaxFlushLag)

	var batch []CharacterStateSnapshot
	if now >= lag {
		batch = p.pending.popArrivedBefore(now-lag, p.cfg.MaxBatchSize)
	}
	if len(batch) == 0 && p.pending.Len() >= p.cfg.MaxBatchSize {
		batch = p.pending.popOldest(p.cfg.MaxBatchSize)
		log.Debugf("pending set at %d entries, flushing oldest batch", p.pending.Len()+len(batch))
	}
	p.metrics.pending.Store(int64(p.pending.Len()))

	if len(batch) == 0 {
		return
	}
	if err := p.flushBatch(context.Background(), batch); err != nil {
		log.Errorf("periodic flush of %d records failed: %v", len(batch), err)
	}
}

// flushPending writes every pending snapshot in batches and returns the first error
func (p *Pipeline) flushPending(ctx context.Context) error {
	var first error
	for p.pending.Len() > 0 {
		batch := p.pending.popOldest(p.cfg.MaxBatchSize)
		p.metrics.pending.Store(int64(p.pending.Len()))
		if err := p.flushBatch(ctx, batch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *Pipeline) flushBatch(ctx context.Context, batch []CharacterStateSnapshot) error {
	if len(batch) == 0 {
		return nil
	}
	started := time.Now()
	err := p.sink.BulkUpsertStates(ctx, batch)
	p.metrics.observeFlush(started, len(batch), err)
	if err != nil {
		return &SinkError{Op: "bulk upsert", Err: err}
	}
	return nil
}
