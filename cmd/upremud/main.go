package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"upremu/internal/admin"
	"upremu/internal/config"
	"upremu/internal/ingest"
	"upremu/internal/ingest/kafka"
	"upremu/internal/ingest/rabbitmq"
	"upremu/internal/logging"
	"upremu/internal/metrics"
	"upremu/internal/state"
	"upremu/internal/storage"
	"upremu/internal/storage/memory"
	"upremu/internal/storage/sqlite"
	"upremu/internal/upr"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := flag.String("config", "upremu.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("upremud stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st := state.NewActor(logger.Named("state"))
	defer st.Close()

	srv := upr.NewServer(upr.Config{
		Address:     cfg.Server.ListenAddress,
		SetName:     cfg.Server.SetName,
		MaxBodySize: cfg.Server.MaxFrameSize,
		Logger:      logger.Named("upr"),
		Metrics:     m,
	}, store, st)
	addr, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("upremud ready",
		zap.String("set", cfg.Server.SetName),
		zap.String("upr_addr", addr.String()),
		zap.String("storage", cfg.Storage.Driver))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })

	if cfg.Metrics.ListenAddress != "" {
		mux := http.NewServeMux()
		admin.NewHTTPHandler(srv, reg, logger.Named("admin")).RegisterHandlers(mux)
		hs := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}

	if cfg.Ingest.Kafka.Enabled {
		applier := newApplier(store, cfg, "kafka", logger, m)
		k := cfg.Ingest.Kafka
		adapter, err := kafka.NewAdapter(kafka.Config{
			Enabled:       true,
			Brokers:       k.Brokers,
			Topics:        k.Topics,
			GroupID:       k.GroupID,
			ClientID:      k.ClientID,
			WorkerCount:   k.WorkerCount,
			CommitMode:    k.CommitMode,
			ParseMode:     k.ParseMode,
			FetchMaxWait:  k.FetchMaxWait,
			SASLUsername:  k.SASLUsername,
			SASLPassword:  k.SASLPassword,
			TLS:           k.TLSEnabled,
			TLSSkipVerify: k.TLSSkipVerify,
			Logger:        logger.Named("kafka"),
		}, applier)
		if err != nil {
			return fmt.Errorf("kafka feed: %w", err)
		}
		g.Go(func() error { return adapter.Start(ctx) })
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		applier := newApplier(store, cfg, "rabbitmq", logger, m)
		r := cfg.Ingest.RabbitMQ
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           r.URL,
			Endpoints:     r.Endpoints,
			Exchange:      r.Exchange,
			Queue:         r.Queue,
			RoutingKeys:   r.RoutingKeys,
			ConsumerTag:   r.ConsumerTag,
			PrefetchCount: r.PrefetchCount,
			Workers:       r.Workers,
			DeliveryQueue: r.DeliveryQueue,
			Auth:          rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
			Logger:        logger.Named("rabbitmq"),
		}, applier)
		if err != nil {
			return fmt.Errorf("rabbitmq feed: %w", err)
		}
		g.Go(func() error { return adapter.Run(ctx) })
	}

	return g.Wait()
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.StorageDriverMemory:
		return memory.NewStore(), nil
	default:
		dir, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return sqlite.NewStore(dir)
	}
}

func newApplier(w storage.Writer, cfg config.Config, feed string, logger *zap.Logger, m *metrics.Metrics) *ingest.Applier {
	return ingest.NewApplier(w, ingest.ApplierConfig{
		DefaultSet: cfg.Server.SetName,
		Partitions: cfg.Server.Partitions,
		Feed:       feed,
		Logger:     logger.Named(feed),
		Metrics:    m,
	})
}
