package raftsink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/config"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("persistence")
)

// Sink is a persistence.Sink that replicates every write through raft before
// acknowledging it
type Sink struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

// NewSink creates a sink on top of a running replica of shardID
func NewSink(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) *Sink {
	return &Sink{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// StartReplica starts the persistence state machine for shardID on nh
func StartReplica(nh *dragonboat.NodeHost, members map[uint64]string, join bool, cfg config.Config) error {
	if err := nh.StartConcurrentReplica(members, join, CreateStateMachineFactory(), cfg); err != nil {
		return fmt.Errorf("failed to start persistence shard %d: %w", cfg.ShardID, err)
	}
	log.Infof("started persistence shard %d (replica %d)", cfg.ShardID, cfg.ReplicaID)
	return nil
}

// --------------------------------------------------------------------------
// Internal write and read operations
// --------------------------------------------------------------------------

// write proposes cmd and waits until it is applied. System busy errors are retried.
func (s *Sink) write(ctx context.Context, cmd Command) error {
	data := cmd.Serialize()
	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.nh.SyncPropose(pctx, s.cs, data)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: system busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return err
		}
		switch res.Value {
		case resultSuccess:
			return nil
		case resultDuplicate:
			log.Debugf("%s: %s", cmd.Type, res.Data)
			return nil
		default:
			return fmt.Errorf("%s rejected: %s", cmd.Type, res.Data)
		}
	}
	return fmt.Errorf("%s: timeout after %d retries", cmd.Type, retries)
}

// read queries the state machine and converts the answer to R. SyncRead is used
// by default; stale selects the faster StaleRead on the local replica.
func read[R any](ctx context.Context, s *Sink, q Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		var (
			res interface{}
			err error
		)
		if stale {
			res, err = s.nh.StaleRead(s.shardID, q)
		} else {
			rctx, cancel := context.WithTimeout(ctx, s.timeout)
			res, err = s.nh.SyncRead(rctx, s.shardID, q)
			cancel()
		}

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: system busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return zero, err
		}

		casted, ok := res.(R)
		if !ok {
			return zero, fmt.Errorf("unexpected type: received %T, expected %T", res, zero)
		}
		return casted, nil
	}
	return zero, fmt.Errorf("read: timeout after %d retries", retries)
}

// ------------------------------------------------------------------------
// Interface Methods (docu see persistence.Sink)
// ------------------------------------------------------------------------

func (s *Sink) BulkUpsertStates(ctx context.Context, states []persistence.CharacterStateSnapshot) error {
	return s.write(ctx, Command{Type: CommandTUpsertStates, States: states})
}

func (s *Sink) WriteCriticalEvent(ctx context.Context, event persistence.CriticalEvent) error {
	return s.write(ctx, Command{Type: CommandTCriticalEvent, Event: event})
}

// ------------------------------------------------------------------------
// Reads
// ------------------------------------------------------------------------

// GetState returns the replicated state of a character
func (s *Sink) GetState(ctx context.Context, characterID uint64, stale bool) (persistence.CharacterStateSnapshot, bool, error) {
	res, err := read[StateResult](ctx, s, Query{Type: QueryTGetState, CharacterID: characterID}, stale)
	return res.State, res.Ok, err
}

// CriticalEvents returns the critical events of a character, or all events for id 0
func (s *Sink) CriticalEvents(ctx context.Context, characterID uint64) ([]persistence.CriticalEvent, error) {
	return read[[]persistence.CriticalEvent](ctx, s, Query{Type: QueryTCriticalEvents, CharacterID: characterID}, false)
}

// Counts returns the number of stored states and critical events
func (s *Sink) Counts(ctx context.Context) (CountResult, error) {
	return read[CountResult](ctx, s, Query{Type: QueryTCounts}, true)
}
