package upr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"upremu/internal/domain"
	"upremu/internal/logging"
	"upremu/internal/state"
	"upremu/internal/storage/memory"

	"github.com/google/go-cmp/cmp"
)

const testSet = "default"

func startTestServer(t *testing.T) (*Server, string, *memory.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := memory.NewStore()
	st := state.NewActor(logging.NewTesting())
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", SetName: testSet, Logger: logging.NewTesting()}, store, st)
	addr, err := s.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
		st.Close()
	})
	return s, addr.String(), store
}

func dialTest(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func put(t *testing.T, store *memory.Store, id domain.PartitionID, key, value string, deleted bool) domain.SeqNo {
	t.Helper()
	seq, err := store.Put(context.Background(), testSet, id, domain.Document{Key: []byte(key), Value: []byte(value), Deleted: deleted})
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return seq
}

func TestOpenConnectionAndAuth(t *testing.T) {
	_, addr, _ := startTestServer(t)
	c := dialTest(t, addr)
	if err := c.OpenConnection(1, "replicator"); err != nil {
		t.Fatalf("open connection: %v", err)
	}
	if err := c.Authenticate(2, "PLAIN", []byte("\x00anyone\x00wrong-password")); err != nil {
		t.Fatalf("auth: %v", err)
	}
}

func TestStreamSendsMutationsMarkerThenEnd(t *testing.T) {
	_, addr, store := startTestServer(t)
	put(t, store, 3, "k1", "v1", false)
	put(t, store, 3, "k2", "v2", false)
	put(t, store, 3, "k3", "v3", false)
	put(t, store, 3, "k2", "", true)

	c := dialTest(t, addr)
	res, err := c.RequestStream(StreamRequest{ID: 11, PartitionID: 3, StartSeq: 0, EndSeq: 4})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status 0x%02x", uint16(res.Status))
	}
	wantOps := []Opcode{OpMutation, OpMutation, OpDeletion, OpSnapshotMarker, OpStreamEnd}
	if diff := cmp.Diff(wantOps, res.Opcodes); diff != "" {
		t.Fatalf("message order (-want +got):\n%s", diff)
	}
	var keys []string
	var seqs []domain.SeqNo
	for _, m := range res.Mutations {
		keys = append(keys, string(m.Key))
		seqs = append(seqs, m.Seq)
	}
	if diff := cmp.Diff([]string{"k1", "k3", "k2"}, keys); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]domain.SeqNo{1, 3, 4}, seqs); diff != "" {
		t.Fatalf("seqs (-want +got):\n%s", diff)
	}
	if del := res.Mutations[2]; !del.Deleted || del.RevSeq != 2 {
		t.Fatalf("deletion record %+v", del)
	}
}

func TestEmptyRangeStream(t *testing.T) {
	_, addr, store := startTestServer(t)
	for i := 0; i < 3; i++ {
		put(t, store, 0, fmt.Sprintf("k%d", i), "v", false)
	}
	c := dialTest(t, addr)
	res, err := c.RequestStream(StreamRequest{ID: 1, PartitionID: 0, StartSeq: 2, EndSeq: 2})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Status != StatusOK || len(res.Mutations) != 0 {
		t.Fatalf("status=0x%02x mutations=%d", uint16(res.Status), len(res.Mutations))
	}
	if diff := cmp.Diff([]Opcode{OpSnapshotMarker, OpStreamEnd}, res.Opcodes); diff != "" {
		t.Fatalf("message order (-want +got):\n%s", diff)
	}
}

func TestStreamNegotiationOutcomes(t *testing.T) {
	srv, addr, store := startTestServer(t)
	ctx := context.Background()
	if err := store.CreatePartition(ctx, testSet, 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := srv.SetFailoverLog(ctx, 1, domain.FailoverLog{{HistoryID: 10, HighSeq: 100}, {HistoryID: 20, HighSeq: 250}}); err != nil {
		t.Fatalf("set failover log: %v", err)
	}
	c := dialTest(t, addr)

	cases := []struct {
		name     string
		req      StreamRequest
		status   Status
		rollback domain.SeqNo
	}{
		{"rollback past divergence", StreamRequest{ID: 1, PartitionID: 1, StartSeq: 150, EndSeq: 300, PartitionUUID: 10, PartitionHighSeq: 100}, StatusRollback, 100},
		{"inverted range", StreamRequest{ID: 2, PartitionID: 1, StartSeq: 10, EndSeq: 5, PartitionUUID: 10, PartitionHighSeq: 100}, StatusERange, 0},
		{"unknown history", StreamRequest{ID: 3, PartitionID: 1, StartSeq: 10, EndSeq: 50, PartitionUUID: 99, PartitionHighSeq: 7}, StatusKeyNotFound, 0},
		{"unknown partition", StreamRequest{ID: 4, PartitionID: 900, StartSeq: 0, EndSeq: 10}, StatusNotMyVBucket, 0},
		{"common history", StreamRequest{ID: 5, PartitionID: 1, StartSeq: 50, EndSeq: 60, PartitionUUID: 10, PartitionHighSeq: 100}, StatusOK, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := c.RequestStream(tc.req)
			if err != nil {
				t.Fatalf("stream: %v", err)
			}
			if res.Status != tc.status || res.RollbackSeq != tc.rollback {
				t.Fatalf("status=0x%02x rollback=%d, want 0x%02x/%d", uint16(res.Status), res.RollbackSeq, uint16(tc.status), tc.rollback)
			}
		})
	}
}

func TestFailoverLogRequest(t *testing.T) {
	srv, addr, store := startTestServer(t)
	ctx := context.Background()
	_ = store.CreatePartition(ctx, testSet, 2)
	c := dialTest(t, addr)

	log, err := c.FailoverLog(1, 2)
	if err != nil {
		t.Fatalf("failover log: %v", err)
	}
	if diff := cmp.Diff(domain.FailoverLog{{HistoryID: 0, HighSeq: 0}}, log); diff != "" {
		t.Fatalf("default log (-want +got):\n%s", diff)
	}

	want := domain.FailoverLog{{HistoryID: 1, HighSeq: 0}, {HistoryID: 2, HighSeq: 5}}
	if err := srv.SetFailoverLog(ctx, 2, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	log, err = c.FailoverLog(2, 2)
	if err != nil {
		t.Fatalf("failover log: %v", err)
	}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Fatalf("log (-want +got):\n%s", diff)
	}

	_, err = c.FailoverLog(3, 77)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != StatusNotMyVBucket {
		t.Fatalf("expected NOT_MY_VBUCKET, got %v", err)
	}
}

func TestStats(t *testing.T) {
	srv, addr, store := startTestServer(t)
	ctx := context.Background()
	put(t, store, 5, "a", "1", false)
	put(t, store, 5, "b", "2", false)
	_ = srv.SetFailoverLog(ctx, 5, domain.FailoverLog{{HistoryID: 3, HighSeq: 0}, {HistoryID: 4, HighSeq: 1}})
	c := dialTest(t, addr)

	got, err := c.Stats(1, "vbucket-seqno 5")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := map[string]string{"vb_5:high_seqno": "2", "vb_5:vb_uuid": "4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}

	_, err = c.Stats(2, "vbucket-seqno 6")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != StatusNotMyVBucket {
		t.Fatalf("expected NOT_MY_VBUCKET, got %v", err)
	}

	got, err = c.Stats(3, "memory")
	if err != nil || len(got) != 0 {
		t.Fatalf("unknown group: stats=%v err=%v", got, err)
	}
}

func TestMalformedFrameDropsOnlyThatConnection(t *testing.T) {
	_, addr, store := startTestServer(t)
	put(t, store, 0, "k", "v", false)

	good := dialTest(t, addr)
	if err := good.OpenConnection(1, "good"); err != nil {
		t.Fatalf("open: %v", err)
	}

	bad := dialTest(t, addr)
	if err := bad.SendRaw(hdr(0x42, OpStats, 0, 0, 0, 0, 1, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := bad.Read(); err == nil {
		t.Fatalf("expected the server to close the connection")
	} else if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Logf("read after malformed frame: %v", err)
	}

	res, err := good.RequestStream(StreamRequest{ID: 2, PartitionID: 0, StartSeq: 0, EndSeq: 1})
	if err != nil || res.Status != StatusOK || len(res.Mutations) != 1 {
		t.Fatalf("healthy connection affected: res=%+v err=%v", res, err)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	srv, addr, store := startTestServer(t)
	ctx := context.Background()
	_ = store.CreatePartition(ctx, testSet, 1)
	_ = srv.SetFailoverLog(ctx, 1, domain.FailoverLog{{HistoryID: 8, HighSeq: 3}})
	if err := srv.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	c := dialTest(t, addr)
	log, err := c.FailoverLog(1, 1)
	if err != nil {
		t.Fatalf("failover log: %v", err)
	}
	if diff := cmp.Diff(domain.DefaultFailoverLog(), log); diff != "" {
		t.Fatalf("log after reset (-want +got):\n%s", diff)
	}
}

func TestConcurrentClients(t *testing.T) {
	_, addr, store := startTestServer(t)
	const partitions = 8
	for p := 0; p < partitions; p++ {
		for i := 0; i < 5; i++ {
			put(t, store, domain.PartitionID(p), fmt.Sprintf("k%d", i), "v", false)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, partitions)
	for p := 0; p < partitions; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			c, err := Dial(context.Background(), "tcp", addr)
			if err != nil {
				errCh <- err
				return
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))
			res, err := c.RequestStream(StreamRequest{ID: uint32(p), PartitionID: domain.PartitionID(p), StartSeq: 0, EndSeq: 5})
			if err != nil {
				errCh <- err
				return
			}
			if len(res.Mutations) != 5 {
				errCh <- fmt.Errorf("partition %d: %d mutations", p, len(res.Mutations))
			}
		}(p)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

func TestListenRequiresSetName(t *testing.T) {
	s := NewServer(Config{Address: "127.0.0.1:0"}, memory.NewStore(), nil)
	if _, err := s.Listen(); err == nil {
		t.Fatalf("expected error without set name")
	}
}
