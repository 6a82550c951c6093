package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"upremu/internal/domain"
	"upremu/internal/ingest"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ContentTypeProtobuf selects the protobuf envelope; any other content type
// is parsed as the JSON envelope.
const ContentTypeProtobuf = "application/x-protobuf"

// Applier stores one document change.
type Applier interface {
	Apply(context.Context, ingest.Change) (domain.SeqNo, error)
}

// Config describes one document feed. Deliveries are always acknowledged
// manually, after the change was applied.
type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
	Logger        *zap.Logger
}

type AuthConfig struct {
	Username string
	Password string
}

type Adapter struct {
	cfg      Config
	applier  Applier
	logger   *zap.Logger
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, applier Applier) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "upremu-rabbitmq"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, applier: applier, logger: cfg.Logger, closed: make(chan struct{}), ops: make(chan deliveryTask, cfg.DeliveryQueue)}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	deliveries, err := a.subscribe(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	a.logger.Info("rabbitmq feed started", zap.String("queue", a.cfg.Queue), zap.String("exchange", a.cfg.Exchange))
	return nil
}

// subscribe declares the durable topic exchange and queue, binds the routing
// keys (all keys when none are configured) and starts consuming.
func (a *Adapter) subscribe(ch *amqp091.Channel) (<-chan amqp091.Delivery, error) {
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	keys := a.cfg.RoutingKeys
	if len(keys) == 0 {
		keys = []string{"#"}
	}
	for _, key := range keys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	return deliveries, nil
}

// Run starts the adapter and blocks until ctx is done, then closes it.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Close()
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	close(a.ops)
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task, ok := <-a.ops:
			if !ok {
				return
			}
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	c, err := a.parseDelivery(d)
	if err != nil {
		a.logger.Warn("dropping unparseable delivery", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if _, err := a.applier.Apply(ctx, c); err != nil {
		if isRetryable(err) {
			_ = d.Nack(false, true)
			return
		}
		a.logger.Warn("dropping delivery that failed to apply", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// parseDelivery decodes the body and fills the key and partition from the
// doc_key and partition headers when the envelope omits them.
func (a *Adapter) parseDelivery(d amqp091.Delivery) (ingest.Change, error) {
	var (
		c   ingest.Change
		err error
	)
	if d.ContentType == ContentTypeProtobuf {
		c, err = ingest.ParseProtobuf(d.Body)
	} else {
		c, err = ingest.ParseJSON(d.Body)
	}
	if err != nil {
		return ingest.Change{}, err
	}
	if len(c.Doc.Key) == 0 {
		c.Doc.Key = []byte(headerString(d.Headers, "doc_key"))
	}
	if !c.HasPartition {
		if raw := headerString(d.Headers, "partition"); raw != "" {
			n, err := strconv.ParseUint(raw, 10, 16)
			if err != nil {
				return ingest.Change{}, fmt.Errorf("%w: partition header %q", ingest.ErrInvalidChange, raw)
			}
			c.Partition, c.HasPartition = domain.PartitionID(n), true
		}
	}
	if len(c.Doc.Key) == 0 {
		return ingest.Change{}, fmt.Errorf("%w: delivery %d has no document key", ingest.ErrInvalidChange, d.DeliveryTag)
	}
	return c, nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

type retryable interface{ Temporary() bool }

func isRetryable(err error) bool {
	var te retryable
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
