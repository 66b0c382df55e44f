package modes

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"invoiceimport/internal/importer/core"
	"invoiceimport/internal/importer/core/staging"
	"invoiceimport/internal/importer/messaging"
	"invoiceimport/internal/importer/pubsub"
	"invoiceimport/internal/importer/repository"
	"invoiceimport/internal/importer/server"
	"invoiceimport/internal/importer/state"
	"invoiceimport/pkg/config"
	"invoiceimport/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// RunServer wires every component and blocks until SIGINT/SIGTERM or the
// first component failure.
func RunServer(cfg *config.Config) error {
	log := logger.WithField("mode", "server")

	log.Info("starting invoice import server",
		"grpcAddress", cfg.GetServerAddress(),
		"uploadAddress", cfg.GetUploadAddress(),
		"transactionTTL", cfg.Transaction.TTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// transaction store
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Address, err)
	}

	store := state.NewRedisStore(rdb, state.RedisStoreConfig{
		KeyPrefix: cfg.Redis.KeyPrefix,
		Retention: cfg.Transaction.Retention,
		DB:        cfg.Redis.DB,
	})
	if cfg.Redis.ConfigureNotifications {
		if err := store.ConfigureNotifications(ctx); err != nil {
			log.Warn("could not enable keyspace notifications, expiry falls back to sweeping", "error", err)
		}
	}

	// event bus
	amqpConn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	defer amqpConn.Close()

	topology := messaging.Topology{
		AuditExchange:   cfg.RabbitMQ.AuditExchange,
		AuditRoutingKey: cfg.RabbitMQ.AuditRoutingKey,
		AuditQueue:      cfg.RabbitMQ.AuditQueue,
		StagingExchange: cfg.RabbitMQ.StagingExchange,
		ArrivalQueue:    cfg.RabbitMQ.ArrivalQueue,
	}
	if err := declareTopology(amqpConn, topology); err != nil {
		return err
	}

	publishCh, err := amqpConn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open publish channel: %w", err)
	}
	publisher, err := messaging.NewConfirmPublisher(publishCh, 5*time.Second)
	if err != nil {
		return err
	}

	arrivalCh, err := amqpConn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open arrival channel: %w", err)
	}
	auditCh, err := amqpConn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open audit channel: %w", err)
	}

	auditSink := messaging.NewAuditSink(publisher, topology.AuditExchange, topology.AuditRoutingKey, cfg.RabbitMQ.Source)
	arrivals := messaging.NewArrivalPublisher(publisher, topology.StagingExchange)

	// invoice repository
	mongoClient, err := repository.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.ConnectTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()

	invoices := repository.NewInvoiceRepository(mongoClient, repository.Config{
		Database:          cfg.Mongo.Database,
		InvoiceCollection: cfg.Mongo.InvoiceCollection,
		EventCollection:   cfg.Mongo.EventCollection,
		EventRetention:    cfg.Mongo.EventRetention,
	})
	if err := invoices.EnsureIndexes(ctx); err != nil {
		return err
	}

	// staging area
	stagingStore, err := staging.NewStore(cfg.Upload.StagingDir, staging.NewSigner(cfg.Upload.SigningSecret, cfg.Upload.PublicBaseURL))
	if err != nil {
		return err
	}

	hub := pubsub.NewHub(cfg.GRPC.SendTimeout, cfg.GRPC.SessionBuffer)
	relay, err := pubsub.NewRelay(ctx, hub, rdb, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to start push relay: %w", err)
	}

	coordinator := core.NewCoordinator(store, stagingStore, relay, auditSink, invoices, core.Options{
		TransactionTTL:        cfg.Transaction.TTL,
		AuthorizationValidity: cfg.Upload.AuthorizationValidity,
		FailCheckReason:       cfg.Messages.FailCheckInvoice,
		TimeoutReason:         cfg.Messages.InvoiceTimeout,
	})

	// subscribe before the monitor can reap anything
	watcherCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()
	watcherDone, err := state.NewWatcher(store, coordinator).Start(watcherCtx)
	if err != nil {
		return fmt.Errorf("failed to start expiry watcher: %w", err)
	}

	gatewayService := server.NewGatewayService(relay, server.NewDispatcher(coordinator, relay))
	grpcServer, err := server.StartGRPCServer(gatewayService, cfg)
	if err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return relay.Run(gctx) })

	monitor := state.NewExpiryMonitor(store, cfg.Transaction.SweepInterval, true)
	g.Go(func() error { return monitor.Run(gctx) })

	arrivalConsumer := messaging.NewArrivalConsumer(arrivalCh, topology.ArrivalQueue, coordinator, cfg.RabbitMQ.Prefetch)
	g.Go(func() error { return arrivalConsumer.Run(gctx) })

	auditConsumer := messaging.NewAuditConsumer(auditCh, topology.AuditQueue)
	g.Go(func() error { return auditConsumer.Run(gctx) })

	uploadServer := server.NewUploadServer(stagingStore, store, arrivals, cfg.Upload.MaxObjectSize)
	g.Go(func() error { return uploadServer.Listen(cfg.GetUploadAddress()) })

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		// ending the sessions lets GracefulStop finish
		hub.Close()
		stopWithin(shutdownTimeout, grpcServer.GracefulStop, grpcServer.Stop, log, "grpc-server")
		stopWithin(shutdownTimeout, func() { _ = uploadServer.Shutdown() }, nil, log, "upload-server")
		return nil
	})

	log.Info("server started successfully")

	err = waitComponents(g, stopWatcher, watcherDone)

	if err != nil {
		log.Error("server stopped with error", "error", err)
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}

func declareTopology(conn *amqp.Connection, topology messaging.Topology) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close()

	if err := topology.Declare(ch); err != nil {
		return fmt.Errorf("failed to declare rabbitmq topology: %w", err)
	}
	return nil
}
