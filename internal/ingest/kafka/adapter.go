package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"upremu/internal/domain"
	"upremu/internal/ingest"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"
)

const (
	CommitModeAfterWrite = "after_write"
	ParseModeJSON        = "json_envelope"
	ParseModeProtobuf    = "protobuf_envelope"
)

const (
	maxPollRecords = 500
	queueCapacity  = 1024
)

// Applier stores one document change.
type Applier interface {
	Apply(context.Context, ingest.Change) (domain.SeqNo, error)
}

type Config struct {
	Enabled      bool
	Brokers      []string
	Topics       []string
	GroupID      string
	ClientID     string
	WorkerCount  int
	CommitMode   string
	ParseMode    string
	FetchMaxWait time.Duration
	// SASL PLAIN is used when SASLUsername is set.
	SASLUsername  string
	SASLPassword  string
	TLS           bool
	TLSSkipVerify bool

	Logger *zap.Logger
}

// Adapter consumes document changes from Kafka topics. A record's offset is
// committed only once its change was written, or when it can never be.
type Adapter struct {
	cfg    Config
	logger *zap.Logger

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck

	pauseMux sync.Mutex
	paused   bool

	applier      Applier
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, applier Applier, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if applier == nil {
		return nil, errors.New("kafka applier is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.TLSSkipVerify}))
	}
	if cfg.SASLUsername != "" {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: cfg.SASLUsername, Pass: cfg.SASLPassword}.AsMechanism()))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger,
		client:  cl,
		applier: applier,
		records: make(chan *kgo.Record, queueCapacity),
		acks:    make(chan recordAck, queueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.CommitMode == "" {
		c.CommitMode = CommitModeAfterWrite
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.CommitMode != CommitModeAfterWrite {
		return fmt.Errorf("unsupported commit mode %q", c.CommitMode)
	}
	switch c.ParseMode {
	case ParseModeJSON, ParseModeProtobuf:
	default:
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()

	for i := 0; i < a.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWorker(ctx)
		}()
	}
	a.logger.Info("kafka feed started", zap.Strings("topics", a.cfg.Topics), zap.String("group_id", a.cfg.GroupID))

	for {
		if ctx.Err() != nil {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, maxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			return errs[0].Err
		}
		fetches.EachRecord(func(rec *kgo.Record) { a.enqueue(ctx, rec) })
		a.client.AllowRebalance()
	}
}

// enqueue hands rec to the workers, pausing fetches while the queue is full.
func (a *Adapter) enqueue(ctx context.Context, rec *kgo.Record) {
	for {
		select {
		case a.records <- rec:
			a.maybeResume()
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		c, err := a.normalizeRecord(rec)
		if err != nil {
			a.acks <- recordAck{record: rec, err: err}
			continue
		}
		_, err = a.applier.Apply(ctx, c)
		a.acks <- recordAck{record: rec, err: err}
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil {
				continue
			}
			if ack.err != nil {
				if !errors.Is(ack.err, ingest.ErrInvalidChange) {
					a.logger.Warn("kafka record not applied; offset left uncommitted", zap.String("source", sourceRef(ack.record)), zap.Error(ack.err))
					continue
				}
				a.logger.Warn("skipping invalid kafka record", zap.String("source", sourceRef(ack.record)), zap.Error(ack.err))
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("kafka offset commit failed", zap.Error(err))
			}
		}
	}
}

func sourceRef(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (ingest.Change, error) {
	var (
		c   ingest.Change
		err error
	)
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		c, err = ingest.ParseJSON(rec.Value)
	case ParseModeProtobuf:
		c, err = ingest.ParseProtobuf(rec.Value)
	default:
		return c, fmt.Errorf("%w: unsupported parse mode %q", ingest.ErrInvalidChange, a.cfg.ParseMode)
	}
	if err != nil {
		return c, err
	}
	if len(c.Doc.Key) == 0 {
		c.Doc.Key = append([]byte(nil), rec.Key...)
	}
	return c, nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
