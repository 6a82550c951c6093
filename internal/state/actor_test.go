package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"upremu/internal/core"
	"upremu/internal/domain"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	a := NewActor(nil)
	t.Cleanup(a.Close)
	return a
}

func TestFailoverLogDefaultsToZeroEntry(t *testing.T) {
	a := newTestActor(t)
	got, err := a.FailoverLog(context.Background(), 7)
	if err != nil {
		t.Fatalf("failover log: %v", err)
	}
	if diff := cmp.Diff(domain.FailoverLog{{HistoryID: 0, HighSeq: 0}}, got); diff != "" {
		t.Fatalf("default log mismatch (-want +got):\n%s", diff)
	}
}

func TestSetFailoverLogRoundTrip(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	want := domain.FailoverLog{{HistoryID: 0, HighSeq: 0}, {HistoryID: 1, HighSeq: 5}, {HistoryID: 2, HighSeq: 10}}
	if err := a.SetFailoverLog(ctx, 3, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := a.FailoverLog(ctx, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Mutating the returned copy must not leak back into the actor.
	got[0].HistoryID = 99
	again, _ := a.FailoverLog(ctx, 3)
	if again[0].HistoryID != 0 {
		t.Fatalf("returned log aliases actor state")
	}
}

func TestSetFailoverLogRejectsInvalid(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	kept := domain.FailoverLog{{HistoryID: 7, HighSeq: 3}}
	if err := a.SetFailoverLog(ctx, 1, kept); err != nil {
		t.Fatalf("set: %v", err)
	}
	cases := map[string]domain.FailoverLog{
		"empty":      {},
		"decreasing": {{HistoryID: 1, HighSeq: 10}, {HistoryID: 2, HighSeq: 5}},
	}
	for name, log := range cases {
		t.Run(name, func(t *testing.T) {
			if err := a.SetFailoverLog(ctx, 1, log); !errors.Is(err, ErrInvalidFailoverLog) {
				t.Fatalf("expected ErrInvalidFailoverLog, got %v", err)
			}
			got, err := a.FailoverLog(ctx, 1)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if diff := cmp.Diff(kept, got); diff != "" {
				t.Fatalf("rejected log replaced the old one (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNegotiateRegistersAcceptedStream(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	req := domain.StreamRequest{PartitionID: 1, RequestID: 42, StartSeq: 0, EndSeq: 10}
	out, err := a.Negotiate(ctx, req, 10)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if out != core.OK() {
		t.Fatalf("expected OK, got %s", out)
	}
	s, ok, err := a.ActiveStream(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("active stream missing: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(domain.ActiveStream{RequestID: 42, CursorSeq: 0, EndSeq: 10}, s); diff != "" {
		t.Fatalf("stream mismatch (-want +got):\n%s", diff)
	}
}

func TestNegotiateRejectedDoesNotRegister(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	out, err := a.Negotiate(ctx, domain.StreamRequest{PartitionID: 1, RequestID: 1, StartSeq: 10, EndSeq: 5}, 10)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if out != core.Error(core.ErrorRange) {
		t.Fatalf("expected ERANGE, got %s", out)
	}
	if _, ok, _ := a.ActiveStream(ctx, 1); ok {
		t.Fatalf("rejected request registered a stream")
	}
}

func TestNegotiateRollbackAfterNewEpoch(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	if err := a.SetFailoverLog(ctx, 0, domain.FailoverLog{{HistoryID: 0, HighSeq: 0}, {HistoryID: 77, HighSeq: 5}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	req := domain.StreamRequest{PartitionID: 0, RequestID: 1, StartSeq: 5, EndSeq: 10, ClaimedHistoryID: 0, ClaimedHighSeq: 0}
	out, err := a.Negotiate(ctx, req, 10)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if out != core.Rollback(0) {
		t.Fatalf("expected rollback to 0, got %s", out)
	}
}

func TestNegotiateReplacesExistingStream(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	for _, id := range []uint32{1, 2} {
		if _, err := a.Negotiate(ctx, domain.StreamRequest{PartitionID: 4, RequestID: id, EndSeq: 10}, 10); err != nil {
			t.Fatalf("negotiate %d: %v", id, err)
		}
	}
	s, ok, _ := a.ActiveStream(ctx, 4)
	if !ok || s.RequestID != 2 {
		t.Fatalf("expected request 2 to own partition, got %+v ok=%v", s, ok)
	}

	// The replaced stream no longer moves the cursor.
	if err := a.Advance(ctx, 4, 1, 3); err != nil {
		t.Fatalf("advance: %v", err)
	}
	s, _, _ = a.ActiveStream(ctx, 4)
	if s.CursorSeq != 0 {
		t.Fatalf("stale request advanced cursor to %d", s.CursorSeq)
	}
}

func TestAdvance(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	if _, err := a.Negotiate(ctx, domain.StreamRequest{PartitionID: 2, RequestID: 9, StartSeq: 0, EndSeq: 10}, 10); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if err := a.Advance(ctx, 2, 9, 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	s, _, _ := a.ActiveStream(ctx, 2)
	if s.CursorSeq != 0 {
		t.Fatalf("zero advance moved cursor to %d", s.CursorSeq)
	}
	if err := a.Advance(ctx, 2, 9, 4); err != nil {
		t.Fatalf("advance: %v", err)
	}
	s, _, _ = a.ActiveStream(ctx, 2)
	if s.CursorSeq != 4 {
		t.Fatalf("cursor=%d, want 4", s.CursorSeq)
	}
	if err := a.Advance(ctx, 2, 9, 6); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, ok, _ := a.ActiveStream(ctx, 2); ok {
		t.Fatalf("completed stream still registered")
	}
}

func TestReset(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	_ = a.SetFailoverLog(ctx, 1, domain.FailoverLog{{HistoryID: 5, HighSeq: 1}})
	_, _ = a.Negotiate(ctx, domain.StreamRequest{PartitionID: 1, RequestID: 1, EndSeq: 3}, 3)
	if err := a.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	log, _ := a.FailoverLog(ctx, 1)
	if diff := cmp.Diff(domain.DefaultFailoverLog(), log); diff != "" {
		t.Fatalf("log after reset (-want +got):\n%s", diff)
	}
	if _, ok, _ := a.ActiveStream(ctx, 1); ok {
		t.Fatalf("stream survived reset")
	}
}

func TestClosedActor(t *testing.T) {
	a := NewActor(nil)
	a.Close()
	a.Close()
	if _, err := a.FailoverLog(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	a := newTestActor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Either the actor or the canceled context may win the select; both are
	// acceptable but a canceled call must never hang.
	_ = a.Reset(ctx)
}

func TestConcurrentNegotiationsOneOwner(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	const n = 64
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			if _, err := a.Negotiate(ctx, domain.StreamRequest{PartitionID: 0, RequestID: id, EndSeq: 100}, 100); err != nil {
				t.Errorf("negotiate %d: %v", id, err)
			}
		}(uint32(i))
	}
	wg.Wait()
	s, ok, _ := a.ActiveStream(ctx, 0)
	if !ok || s.RequestID < 1 || s.RequestID > n {
		t.Fatalf("unexpected owner %+v ok=%v", s, ok)
	}
}

// The actor behaves like the plain map model below under any sequence of
// operations.
func TestActorMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := NewActor(nil)
		defer a.Close()
		ctx := context.Background()

		logs := map[domain.PartitionID]domain.FailoverLog{}
		streams := map[domain.PartitionID]domain.ActiveStream{}
		modelLog := func(id domain.PartitionID) domain.FailoverLog {
			if l, ok := logs[id]; ok {
				return l
			}
			return domain.DefaultFailoverLog()
		}
		partition := rapid.Custom(func(t *rapid.T) domain.PartitionID {
			return domain.PartitionID(rapid.Uint16Range(0, 3).Draw(t, "partition"))
		})

		t.Repeat(map[string]func(*rapid.T){
			"set": func(t *rapid.T) {
				id := partition.Draw(t, "id")
				n := rapid.IntRange(1, 4).Draw(t, "entries")
				log := make(domain.FailoverLog, n)
				var seq domain.SeqNo
				for i := range log {
					seq += domain.SeqNo(rapid.Uint64Range(0, 5).Draw(t, "step"))
					log[i] = domain.FailoverEntry{HistoryID: rapid.Uint64Range(0, 3).Draw(t, "hid"), HighSeq: seq}
				}
				if err := a.SetFailoverLog(ctx, id, log); err != nil {
					t.Fatalf("set: %v", err)
				}
				logs[id] = log
			},
			"negotiate": func(t *rapid.T) {
				id := partition.Draw(t, "id")
				req := domain.StreamRequest{
					PartitionID:      id,
					RequestID:        rapid.Uint32().Draw(t, "rid"),
					StartSeq:         domain.SeqNo(rapid.Uint64Range(0, 20).Draw(t, "start")),
					EndSeq:           domain.SeqNo(rapid.Uint64Range(0, 20).Draw(t, "end")),
					ClaimedHistoryID: rapid.Uint64Range(0, 3).Draw(t, "claimHid"),
					ClaimedHighSeq:   domain.SeqNo(rapid.Uint64Range(0, 20).Draw(t, "claimSeq")),
				}
				high := domain.SeqNo(rapid.Uint64Range(0, 20).Draw(t, "high"))
				got, err := a.Negotiate(ctx, req, high)
				if err != nil {
					t.Fatalf("negotiate: %v", err)
				}
				want := core.Negotiate(req, modelLog(id), high)
				if got != want {
					t.Fatalf("outcome %s, model %s", got, want)
				}
				if want.Accepted() {
					streams[id] = domain.ActiveStream{RequestID: req.RequestID, CursorSeq: req.StartSeq, EndSeq: req.EndSeq}
				}
			},
			"reset": func(t *rapid.T) {
				if err := a.Reset(ctx); err != nil {
					t.Fatalf("reset: %v", err)
				}
				logs = map[domain.PartitionID]domain.FailoverLog{}
				streams = map[domain.PartitionID]domain.ActiveStream{}
			},
			"": func(t *rapid.T) {
				for id := domain.PartitionID(0); id <= 3; id++ {
					got, _ := a.FailoverLog(ctx, id)
					if diff := cmp.Diff(modelLog(id), got); diff != "" {
						t.Fatalf("partition %d log (-model +actor):\n%s", id, diff)
					}
					s, ok, _ := a.ActiveStream(ctx, id)
					ms, mok := streams[id]
					if ok != mok || s != ms {
						t.Fatalf("partition %d stream %+v/%v, model %+v/%v", id, s, ok, ms, mok)
					}
				}
			},
		})
	})
}
