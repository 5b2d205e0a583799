package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/docstream/ingestor/internal/api"
	blobgcs "github.com/docstream/ingestor/internal/blob/gcs"
	blobmemory "github.com/docstream/ingestor/internal/blob/memory"
	"github.com/docstream/ingestor/internal/bus"
	buskafka "github.com/docstream/ingestor/internal/bus/kafka"
	buspubsub "github.com/docstream/ingestor/internal/bus/pubsub"
	"github.com/docstream/ingestor/internal/clock/system"
	"github.com/docstream/ingestor/internal/config"
	"github.com/docstream/ingestor/internal/discovery"
	"github.com/docstream/ingestor/internal/feedfetch"
	"github.com/docstream/ingestor/internal/id/uuid"
	"github.com/docstream/ingestor/internal/ingest"
	"github.com/docstream/ingestor/internal/logging"
	"github.com/docstream/ingestor/internal/metrics"
	collyparser "github.com/docstream/ingestor/internal/parser/colly"
	"github.com/docstream/ingestor/internal/pipeline"
	storememory "github.com/docstream/ingestor/internal/store/memory"
	storepostgres "github.com/docstream/ingestor/internal/store/postgres"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the ingestion service",
		Long: `Starts the feed discovery trigger, the crawl dispatcher, the event
delivery queue, and the HTTP API, then blocks until interrupted.`,
		RunE: runServe,
	}
}

type stores struct {
	docs  ingest.DocumentStore
	feeds ingest.FeedStore
	dlq   bus.DeadLetterStore
	close func()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	events := bus.New(logger.Named("bus"))
	handler, closeTransport, err := buildDeliveryHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()
	queue := bus.NewDeliveryQueue(bus.QueueConfig{
		MaxAttempts: cfg.Bus.MaxDeliveryAttempts,
		Capacity:    cfg.Bus.QueueCapacity,
	}, handler, st.dlq, logger.Named("delivery"))
	events.Subscribe(bus.DirectionFilter(bus.DirectionOut), queue)

	parser := collyparser.New(collyparser.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       time.Duration(cfg.Crawler.TimeoutSeconds) * time.Second,
	}, blobs)
	machine := pipeline.NewMachine(pipeline.MachineConfig{
		InvocationTimeout: cfg.InvocationTimeout(),
	}, st.docs, parser, events, logger.Named("machine"))
	dispatcher := pipeline.NewDispatcher(pipeline.DispatcherConfig{
		Interval:        cfg.DispatchInterval(),
		BatchSize:       cfg.Dispatch.BatchSize,
		LeaseTTL:        cfg.InvocationTimeout(),
		DocumentTimeout: cfg.DocumentTimeout(),
	}, st.docs, machine, logger.Named("dispatcher"))

	fetcher := feedfetch.New(feedfetch.Config{
		Timeout:   time.Duration(cfg.Feeds.TimeoutSeconds) * time.Second,
		UserAgent: cfg.Crawler.UserAgent,
	}, nil)
	idGen := uuid.Generator{}
	worker := discovery.NewWorker(st.feeds, st.docs, fetcher, logger.Named("discovery"))
	trigger := discovery.NewTrigger(discovery.TriggerConfig{
		Interval: cfg.DiscoveryInterval(),
	}, st.feeds, worker, logger.Named("trigger"))

	apiServer := api.NewServer(st.docs, st.feeds, st.dlq, worker, idGen, system.Clock{}, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("delivery queue started")
		queue.Run(ctx)
	}()
	go func() {
		logger.Info("dispatcher started",
			zap.Duration("interval", cfg.DispatchInterval()),
			zap.Int("batch_size", cfg.Dispatch.BatchSize),
		)
		dispatcher.Run(ctx)
	}()
	go func() {
		logger.Info("discovery trigger started", zap.Duration("interval", cfg.DiscoveryInterval()))
		trigger.Run(ctx)
	}()
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
	return nil
}

func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	switch cfg.Store.Provider {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Store.DSN)
		if err != nil {
			return stores{}, fmt.Errorf("parse store dsn: %w", err)
		}
		if cfg.Store.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, fmt.Errorf("connect to postgres: %w", err)
		}
		store := storepostgres.NewStore(pool)
		logger.Info("using postgres store")
		return stores{docs: store, feeds: store, dlq: store, close: pool.Close}, nil
	default:
		store := storememory.NewStore()
		logger.Info("using in-memory store")
		return stores{docs: store, feeds: store, dlq: bus.NewMemoryDeadLetterStore(), close: func() {}}, nil
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (ingest.BlobStore, error) {
	switch cfg.Blob.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		return blobgcs.New(client, blobgcs.Config{Bucket: cfg.Blob.GCSBucket})
	default:
		return blobmemory.NewBlobStore(), nil
	}
}

// buildDeliveryHandler returns the consumer behind the delivery queue. With a
// transport configured, consumed events are forwarded to it; otherwise they
// are logged and dropped at the queue's tail.
func buildDeliveryHandler(ctx context.Context, cfg config.Config, logger *zap.Logger) (bus.Handler, func(), error) {
	switch cfg.Bus.Transport {
	case "pubsub":
		client, err := pubsubv2.NewClient(ctx, cfg.Bus.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub client: %w", err)
		}
		publisher := buspubsub.New(client.Publisher(cfg.Bus.TopicName))
		return publisher.Deliver, func() { _ = client.Close() }, nil
	case "kafka":
		client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Bus.KafkaBrokers...))
		if err != nil {
			return nil, nil, fmt.Errorf("init kafka client: %w", err)
		}
		publisher := buskafka.New(client, cfg.Bus.KafkaTopic)
		return publisher.Deliver, client.Close, nil
	default:
		sink := logger.Named("events")
		return func(_ context.Context, evt bus.Event) error {
			sink.Info("event consumed",
				zap.String("direction", string(evt.Direction)),
				zap.Any("payload", evt.Payload),
			)
			return nil
		}, func() {}, nil
	}
}
