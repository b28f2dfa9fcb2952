package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/hashicorp/go-multierror"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phillus33/orderflow-outbox/internal/config"
	"github.com/phillus33/orderflow-outbox/internal/consumer"
	"github.com/phillus33/orderflow-outbox/internal/dispatch"
	"github.com/phillus33/orderflow-outbox/internal/leader"
	"github.com/phillus33/orderflow-outbox/internal/outbox"
	"github.com/phillus33/orderflow-outbox/internal/republish"
	"github.com/phillus33/orderflow-outbox/internal/schema"
	"github.com/phillus33/orderflow-outbox/internal/uow"
)

const (
	republishLease  = time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := newLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "1"
	}
	log = log.With(zap.String("instance", instanceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	if err := schema.Apply(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	var closers []func() error
	transport, producer, closeTransport, err := newTransport(cfg, rdb)
	if err != nil {
		return multierror.Append(err, rdb.Close(), db.Close())
	}
	closers = append(closers, closeTransport)

	dispatcher := dispatch.NewBreakerDispatcher(transport, dispatch.BreakerSettings{
		Name:   cfg.Transport,
		Logger: log.Named("breaker"),
	})
	store := outbox.NewPostgresStore(db)
	queue := republish.NewRedisQueue(rdb, cfg.Republish.Key, republishLease)

	units := uow.New(uow.Config{
		DB:              db,
		Store:           store,
		Dispatcher:      dispatcher,
		Enqueuer:        queue,
		Logger:          log.Named("uow"),
		Isolation:       cfg.UnitOfWork.Isolation,
		DispatchTimeout: cfg.UnitOfWork.DispatchTimeout,
	})

	election := leader.NewElection(db, cfg.Relay.LeaderLockKey, cfg.Relay.PollInterval, log.Named("leader"))
	if _, err := election.Campaign(ctx); err != nil {
		log.Warn("initial leader campaign failed", zap.Error(err))
	}
	election.Start(ctx)

	relay := outbox.NewWorker(outbox.WorkerConfig{
		Store:        store,
		Dispatcher:   dispatcher,
		Logger:       log.Named("relay"),
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
		MinAge:       cfg.Relay.MinAge,
		IsLeader:     election.IsLeader,
	})
	if err := relay.Start(ctx); err != nil {
		return err
	}

	republisher := republish.NewWorker(republish.WorkerConfig{
		Queue:          queue,
		Dispatcher:     dispatcher,
		Rows:           store,
		Logger:         log.Named("republish"),
		PollInterval:   cfg.Republish.PollInterval,
		BatchSize:      cfg.Republish.BatchSize,
		MaxAttempts:    cfg.Republish.MaxAttempts,
		InitialBackoff: cfg.Republish.InitialBackoff,
		MaxBackoff:     cfg.Republish.MaxBackoff,
	})
	if err := republisher.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if producer != nil && cfg.Kafka.ConsumerGroup != "" && len(cfg.Kafka.Topics) > 0 {
		group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, consumer.NewConsumerConfig(cfg.Kafka.ClientID))
		if err != nil {
			log.Error("failed to create consumer group", zap.Error(err))
			stop()
		} else {
			closers = append([]func() error{group.Close}, closers...)
			coord := consumer.NewCoordinator(consumer.Config{
				DeadLetters:      consumer.NewKafkaDeadLetterPublisher(producer),
				Logger:           log.Named("consumer"),
				MaxRetries:       cfg.Consumer.MaxRetries,
				DeadLetterSuffix: cfg.Consumer.DeadLetterSuffix,
				AttemptsHeader:   cfg.Consumer.AttemptsHeader,
			})
			handler := consumer.NewGroupHandler(coord, completionReactor(units), log.Named("consumer"))

			g.Go(func() error {
				return consume(gctx, group, cfg.Kafka.Topics, handler)
			})
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case err, ok := <-group.Errors():
						if !ok {
							return nil
						}
						log.Warn("consumer group error", zap.Error(err))
					}
				}
			})
		}
	}

	log.Info("orderflow started", zap.String("transport", cfg.Transport))
	runErr := g.Wait()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	relay.Stop()
	republisher.Stop()
	if err := units.Wait(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("wait for post-commit dispatch: %w", err))
	}
	if err := election.Close(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	election.Wait()
	for _, c := range closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := rdb.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// consume keeps the group session alive. A session ends on rebalance or when
// a claim stops to redeliver a message; both rejoin from committed offsets.
func consume(ctx context.Context, group sarama.ConsumerGroup, topics []string, h sarama.ConsumerGroupHandler) error {
	for {
		if err := group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// newTransport builds the configured dispatch adapter. The Kafka producer is
// returned separately so dead letters can share it.
func newTransport(cfg *config.Config, rdb redis.UniversalClient) (dispatch.Dispatcher, sarama.SyncProducer, func() error, error) {
	switch cfg.Transport {
	case "kafka":
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, dispatch.NewProducerConfig(cfg.Kafka.ClientID))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
		}
		return dispatch.NewKafkaDispatcher(producer), producer, producer.Close, nil
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL, nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		return dispatch.NewNATSDispatcher(nc), nil, func() error { return nc.Drain() }, nil
	case "redis":
		return dispatch.NewRedisDispatcher(rdb), nil, func() error { return nil }, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
}
