package state

import (
	"context"
	"errors"
	"fmt"

	"upremu/internal/core"
	"upremu/internal/domain"

	"go.uber.org/zap"
)

var (
	ErrClosed             = errors.New("server state actor closed")
	ErrInvalidFailoverLog = errors.New("invalid failover log")
)

type tables struct {
	failover map[domain.PartitionID]domain.FailoverLog
	streams  map[domain.PartitionID]domain.ActiveStream
}

func (t *tables) failoverLog(id domain.PartitionID) domain.FailoverLog {
	if log, ok := t.failover[id]; ok {
		return log
	}
	return domain.DefaultFailoverLog()
}

// Actor owns the stream table and the failover logs. Every read and write
// runs on its goroutine, so a negotiation's check-then-register is atomic
// with respect to other connections and to Reset.
type Actor struct {
	ops    chan func(*tables)
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

func NewActor(logger *zap.Logger) *Actor {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Actor{ops: make(chan func(*tables)), stop: make(chan struct{}), done: make(chan struct{}), logger: logger}
	go a.run()
	return a
}

func (a *Actor) run() {
	defer close(a.done)
	t := &tables{failover: map[domain.PartitionID]domain.FailoverLog{}, streams: map[domain.PartitionID]domain.ActiveStream{}}
	for {
		select {
		case <-a.stop:
			return
		case op := <-a.ops:
			op(t)
		}
	}
}

// Close stops the actor. Calls made afterwards return ErrClosed.
func (a *Actor) Close() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	<-a.done
}

func (a *Actor) do(ctx context.Context, fn func(*tables)) error {
	finished := make(chan struct{})
	op := func(t *tables) {
		defer close(finished)
		fn(t)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stop:
		return ErrClosed
	case a.ops <- op:
	}
	<-finished
	return nil
}

// FailoverLog returns a copy of the partition's log, or the default log when
// none was recorded.
func (a *Actor) FailoverLog(ctx context.Context, id domain.PartitionID) (domain.FailoverLog, error) {
	var out domain.FailoverLog
	err := a.do(ctx, func(t *tables) { out = t.failoverLog(id).Clone() })
	return out, err
}

// SetFailoverLog replaces the partition's log wholesale. The log must be
// non-empty with HighSeq non-decreasing from oldest to newest; anything else
// is rejected with ErrInvalidFailoverLog and leaves the old log in place.
func (a *Actor) SetFailoverLog(ctx context.Context, id domain.PartitionID, log domain.FailoverLog) error {
	if err := validateFailoverLog(log); err != nil {
		return err
	}
	log = log.Clone()
	err := a.do(ctx, func(t *tables) { t.failover[id] = log })
	if err == nil {
		a.logger.Debug("failover log replaced", zap.Uint16("partition", uint16(id)), zap.Int("entries", len(log)))
	}
	return err
}

func validateFailoverLog(log domain.FailoverLog) error {
	if len(log) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidFailoverLog)
	}
	for i := 1; i < len(log); i++ {
		if log[i].HighSeq < log[i-1].HighSeq {
			return fmt.Errorf("%w: high seq decreases at entry %d", ErrInvalidFailoverLog, i)
		}
	}
	return nil
}

// Negotiate evaluates req against the partition's failover log and, when the
// request is accepted, makes it the partition's active stream, replacing any
// earlier one.
func (a *Actor) Negotiate(ctx context.Context, req domain.StreamRequest, highSeq domain.SeqNo) (core.Outcome, error) {
	var (
		out      core.Outcome
		replaced *domain.ActiveStream
	)
	err := a.do(ctx, func(t *tables) {
		out = core.Negotiate(req, t.failoverLog(req.PartitionID), highSeq)
		if !out.Accepted() {
			return
		}
		if prev, ok := t.streams[req.PartitionID]; ok {
			replaced = &prev
		}
		t.streams[req.PartitionID] = domain.ActiveStream{RequestID: req.RequestID, CursorSeq: req.StartSeq, EndSeq: req.EndSeq}
	})
	if err != nil {
		return core.Outcome{}, err
	}
	if replaced != nil {
		a.logger.Debug("active stream replaced",
			zap.Uint16("partition", uint16(req.PartitionID)),
			zap.Uint32("previous_request_id", replaced.RequestID),
			zap.Uint32("request_id", req.RequestID))
	}
	return out, nil
}

// Advance moves the cursor of the partition's active stream forward by n when
// requestID still owns it. The stream is dropped once the cursor reaches its
// end sequence.
func (a *Actor) Advance(ctx context.Context, id domain.PartitionID, requestID uint32, n uint64) error {
	return a.do(ctx, func(t *tables) {
		s, ok := t.streams[id]
		if !ok || s.RequestID != requestID {
			return
		}
		s.CursorSeq += domain.SeqNo(n)
		if s.CursorSeq >= s.EndSeq {
			delete(t.streams, id)
			return
		}
		t.streams[id] = s
	})
}

func (a *Actor) ActiveStream(ctx context.Context, id domain.PartitionID) (domain.ActiveStream, bool, error) {
	var (
		s  domain.ActiveStream
		ok bool
	)
	err := a.do(ctx, func(t *tables) { s, ok = t.streams[id] })
	return s, ok, err
}

// Reset discards every active stream and failover log.
func (a *Actor) Reset(ctx context.Context) error {
	err := a.do(ctx, func(t *tables) {
		t.failover = map[domain.PartitionID]domain.FailoverLog{}
		t.streams = map[domain.PartitionID]domain.ActiveStream{}
	})
	if err == nil {
		a.logger.Info("server state reset")
	}
	return err
}
