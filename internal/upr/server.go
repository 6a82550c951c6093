package upr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"upremu/internal/core"
	"upremu/internal/domain"
	"upremu/internal/metrics"
	"upremu/internal/state"
	"upremu/internal/storage"

	"go.uber.org/zap"
)

type Config struct {
	Network, Address, SetName string
	// MaxBodySize bounds a client frame's declared body; zero means MaxBodySize.
	MaxBodySize int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Server accepts UPR connections for one set and serves each one on its own
// goroutine. Shared stream and failover state lives in the state actor.
type Server struct {
	cfg    Config
	store  storage.PartitionStore
	state  *state.Actor
	logger *zap.Logger

	ln     net.Listener
	addr   atomic.Value
	closed atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(cfg Config, store storage.PartitionStore, st *state.Actor) *Server {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = MaxBodySize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		state:  st,
		logger: cfg.Logger.With(zap.String("set", cfg.SetName)),
		conns:  map[net.Conn]struct{}{},
	}
}

// Addr is the resolved listen address, empty until Listen succeeded.
func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Listen binds the configured address and returns the resolved one, so a
// port of 0 becomes the port the OS picked.
func (s *Server) Listen() (net.Addr, error) {
	if err := storage.ValidateSetName(s.cfg.SetName); err != nil {
		return nil, err
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.logger.Info("upr listener bound", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Start listens and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the listener bound by Listen.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("upr server is not listening")
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes every open connection and waits for their
// handlers to return.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Administrative surface. These never travel over the wire.

func (s *Server) SetFailoverLog(ctx context.Context, id domain.PartitionID, log domain.FailoverLog) error {
	return s.state.SetFailoverLog(ctx, id, log)
}

func (s *Server) FailoverLog(ctx context.Context, id domain.PartitionID) (domain.FailoverLog, error) {
	return s.state.FailoverLog(ctx, id)
}

func (s *Server) Reset(ctx context.Context) error {
	return s.state.Reset(ctx)
}

type connection struct {
	c      net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	logger *zap.Logger
}

func (c *connection) send(packets ...Packet) error {
	for _, p := range packets {
		if err := WritePacket(c.w, p); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()
	s.cfg.Metrics.ConnectionOpened()
	defer s.cfg.Metrics.ConnectionClosed()

	conn := &connection{
		c:      raw,
		r:      bufio.NewReader(raw),
		w:      bufio.NewWriter(raw),
		logger: s.logger.With(zap.String("remote_addr", raw.RemoteAddr().String())),
	}
	conn.logger.Debug("connection accepted")

	for {
		p, err := ReadPacket(conn.r, s.cfg.MaxBodySize)
		if err != nil {
			s.connectionError(conn, err)
			return
		}
		req, err := DecodeRequest(p)
		if err != nil {
			s.connectionError(conn, err)
			return
		}
		s.cfg.Metrics.Request(req.Op().String())
		if err := s.dispatch(ctx, conn, req); err != nil {
			s.connectionError(conn, err)
			return
		}
	}
}

func (s *Server) connectionError(conn *connection, err error) {
	switch {
	case errors.Is(err, ErrProtocol):
		s.cfg.Metrics.FrameRejected()
		conn.logger.Warn("dropping connection after malformed frame", zap.Error(err))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		conn.logger.Debug("connection closed")
	default:
		conn.logger.Info("connection failed", zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, conn *connection, req Request) error {
	switch r := req.(type) {
	case *OpenConnectionRequest:
		conn.logger.Debug("open connection", zap.String("name", r.Name), zap.Uint32("flags", r.Flags))
		return conn.send(OpenConnectionAck(r.ID))
	case *StreamRequest:
		return s.handleStreamRequest(ctx, conn, r)
	case *FailoverLogRequest:
		return s.handleFailoverLog(ctx, conn, r)
	case *StatsRequest:
		return s.handleStats(ctx, conn, r)
	case *SASLAuthRequest:
		return conn.send(SASLAuthOK(r.ID))
	default:
		return protocolErrorf("unhandled request %s", req.Op())
	}
}

func (s *Server) handleStreamRequest(ctx context.Context, conn *connection, r *StreamRequest) error {
	req := r.Domain()
	logger := conn.logger.With(
		zap.Uint16("partition", uint16(req.PartitionID)),
		zap.Uint32("request_id", req.RequestID),
		zap.Uint64("start_seq", uint64(req.StartSeq)),
		zap.Uint64("end_seq", uint64(req.EndSeq)))

	part, err := s.store.OpenPartition(ctx, s.cfg.SetName, req.PartitionID)
	if errors.Is(err, storage.ErrPartitionNotFound) {
		s.cfg.Metrics.StreamOutcome(core.ErrorNotMyPartition.String())
		logger.Debug("stream request for unknown partition")
		return conn.send(StreamRequestError(r.ID, StatusNotMyVBucket))
	}
	if err != nil {
		return fmt.Errorf("open partition %d: %w", req.PartitionID, err)
	}
	high, err := part.HighSeq(ctx)
	if err != nil {
		return fmt.Errorf("high seq of partition %d: %w", req.PartitionID, err)
	}

	out, err := s.state.Negotiate(ctx, req, high)
	if err != nil {
		return err
	}
	logger.Debug("stream request negotiated", zap.Stringer("outcome", out))

	switch out.Verdict {
	case core.VerdictRollback:
		s.cfg.Metrics.StreamOutcome(out.Verdict.String())
		return conn.send(StreamRequestRollback(r.ID, out.RollbackSeq))
	case core.VerdictError:
		s.cfg.Metrics.StreamOutcome(out.Code.String())
		return conn.send(StreamRequestError(r.ID, statusFor(out.Code)))
	}
	s.cfg.Metrics.StreamOutcome(out.Verdict.String())

	if err := WritePacket(conn.w, StreamRequestOK(r.ID)); err != nil {
		return err
	}
	n, err := sendSnapshot(ctx, conn, part, req)
	if err != nil {
		return err
	}
	s.cfg.Metrics.MutationsSent(n)
	logger.Debug("snapshot sent", zap.Int("mutations", n))
	return s.state.Advance(ctx, req.PartitionID, req.RequestID, uint64(n))
}

func statusFor(code core.ErrorCode) Status {
	switch code {
	case core.ErrorRange:
		return StatusERange
	case core.ErrorKeyNotFound:
		return StatusKeyNotFound
	case core.ErrorNotMyPartition:
		return StatusNotMyVBucket
	default:
		return StatusERange
	}
}

func (s *Server) handleFailoverLog(ctx context.Context, conn *connection, r *FailoverLogRequest) error {
	if _, err := s.store.OpenPartition(ctx, s.cfg.SetName, r.PartitionID); err != nil {
		if errors.Is(err, storage.ErrPartitionNotFound) {
			return conn.send(FailoverLogError(r.ID, StatusNotMyVBucket))
		}
		return err
	}
	log, err := s.state.FailoverLog(ctx, r.PartitionID)
	if err != nil {
		return err
	}
	return conn.send(FailoverLogResponse(r.ID, log))
}

const statGroupVBucketSeqno = "vbucket-seqno"

func (s *Server) handleStats(ctx context.Context, conn *connection, r *StatsRequest) error {
	fields := strings.Fields(r.Key)
	if len(fields) == 0 || fields[0] != statGroupVBucketSeqno {
		return conn.send(StatTerminator(r.ID))
	}
	if len(fields) != 2 {
		return conn.send(StatError(r.ID, StatusNotMyVBucket))
	}
	n, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return conn.send(StatError(r.ID, StatusNotMyVBucket))
	}
	id := domain.PartitionID(n)

	part, err := s.store.OpenPartition(ctx, s.cfg.SetName, id)
	if errors.Is(err, storage.ErrPartitionNotFound) {
		return conn.send(StatError(r.ID, StatusNotMyVBucket))
	}
	if err != nil {
		return err
	}
	high, err := part.HighSeq(ctx)
	if err != nil {
		return err
	}
	log, err := s.state.FailoverLog(ctx, id)
	if err != nil {
		return err
	}
	prefix := fmt.Sprintf("vb_%d:", id)
	return conn.send(
		Stat(r.ID, prefix+"high_seqno", strconv.FormatUint(uint64(high), 10)),
		Stat(r.ID, prefix+"vb_uuid", strconv.FormatUint(log.Latest().HistoryID, 10)),
		StatTerminator(r.ID),
	)
}
