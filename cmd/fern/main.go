package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/contact"
	"github.com/Ramsey-B/fern/internal/repositories/history"
	"github.com/Ramsey-B/fern/pkg/avatar"
	"github.com/Ramsey-B/fern/pkg/channel"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/filestore"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/intake"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/resolver"
	contactroutes "github.com/Ramsey-B/fern/pkg/routes/contact"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/sweeper"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync() //nolint:errcheck

	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build(zap.Fields(zap.String("service", cfg.AppName)))
}

// service holds everything built during startup.
type service struct {
	db       database.DB
	redis    *redis.Client
	producer *kafka.Producer
	pipeline *intake.Pipeline
	consumer *kafka.Consumer
	sweeper  *sweeper.Sweeper
	server   *http.Server
	checker  *health.Checker
}

func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.AppName,
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.OTLPEndpoint,
		Protocol:    cfg.OTLPProtocol,
		Insecure:    true,
		Timeout:     10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	svc := &service{}
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	boot.AddDependency(startup.Func{
		Name: "postgres",
		StartFunc: func(ctx context.Context) error {
			sqlDB, err := database.Connect(ctx, database.ConnectionConfig{
				Driver:          cfg.DatabaseDriver,
				Host:            cfg.DatabaseHost,
				Port:            cfg.DatabasePort,
				UserName:        cfg.DatabaseUserName,
				Password:        cfg.DatabasePassword,
				Name:            cfg.DatabaseName,
				SSLMode:         cfg.DatabaseSSLMode,
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, logger)
			if err != nil {
				return err
			}

			migrations := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
				Force:               cfg.DatabaseMigrationForce,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			})
			if err := migrations.MigratePostgres(cfg.DatabaseName, sqlDB); err != nil {
				sqlDB.Close()
				return fmt.Errorf("failed to migrate database: %w", err)
			}

			svc.db = database.NewDatabaseInstance(sqlDB, logger)
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			return svc.db.Close()
		},
	})

	if cfg.RedisEnabled {
		boot.AddDependency(startup.Func{
			Name: "redis",
			StartFunc: func(ctx context.Context) error {
				client, err := redis.NewClient(redis.Config{
					Host:     cfg.RedisHost,
					Port:     cfg.RedisPort,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				}, logger)
				if err != nil {
					return err
				}
				svc.redis = client
				return nil
			},
			StopFunc: func(ctx context.Context) error {
				return svc.redis.Close()
			},
		})
	}

	boot.AddDependency(startup.Func{
		Name: "kafka-producer",
		StartFunc: func(ctx context.Context) error {
			svc.producer = kafka.NewProducer(kafka.ProducerConfig{
				Brokers:      cfg.KafkaBrokers,
				Topic:        cfg.KafkaOutputTopic,
				BatchSize:    cfg.KafkaBatchSize,
				BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
				RequiredAcks: cfg.KafkaRequiredAcks,
				Compression:  cfg.KafkaCompression,
			}, logger)
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			return svc.producer.Close()
		},
	})

	requires := []string{"postgres", "kafka-producer"}
	if cfg.RedisEnabled {
		requires = append(requires, "redis")
	}
	boot.AddDependency(startup.Func{
		Name:     "engine",
		Requires: requires,
		StartFunc: func(ctx context.Context) error {
			return svc.wire(cfg, logger)
		},
	})

	if err := boot.Start(ctx); err != nil {
		return err
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := boot.Stop(stopCtx); err != nil {
			logger.WithError(err).Error("Failed to stop dependencies")
		}
		if err := shutdownTracing(stopCtx); err != nil {
			logger.WithError(err).Error("Failed to flush traces")
		}
	}()

	return svc.serve(ctx, cfg, logger)
}

// wire builds the domain services on top of the started infrastructure.
func (svc *service) wire(cfg *config.Config, logger ectologger.Logger) error {
	contacts := contact.NewRepository(svc.db, logger)
	histories := history.NewRepository(svc.db, logger)

	loc := locator.NewLocator(contacts, logger, locator.Limits{Fanout: cfg.LocatorFanout})

	engine := merging.NewEngine(logger, histories, contacts, merging.Limits{
		ImmediateCap:         cfg.MergeImmediateCap,
		UnitTimeout:          cfg.MergeUnitTimeout,
		TicketWarnThreshold:  cfg.MergeTicketWarnThreshold,
		MessageWarnThreshold: cfg.MergeMessageWarnThreshold,
	})

	var queue *redis.DeferredQueue
	if svc.redis != nil {
		queue = redis.NewDeferredQueue(svc.redis, redis.DefaultDeferredSet, logger)
		engine.WithDeferredSink(queue)
	}

	res := resolver.NewResolver(logger, loc, engine, contacts)

	client := httpclient.NewClient(httpclient.DefaultConfig(), logger)
	acquirer := avatar.NewAcquirer(logger, filestore.NewLocal(cfg.MediaRoot), client, avatar.Options{
		DownloadTimeout: cfg.AvatarDownloadTimeout,
		Placeholder:     cfg.AvatarPlaceholder,
	})
	gateway := channel.NewGateway(client, logger, channel.Config{
		BaseURL:        cfg.ChannelGatewayURL,
		Token:          cfg.ChannelGatewayToken,
		RequestTimeout: cfg.ChannelRequestTimeout,
	})

	svc.pipeline = intake.NewPipeline(logger, res).
		WithImages(acquirer, contacts, gateway).
		WithNotifier(events.NewEmitter(svc.producer, logger))

	if cfg.KafkaConsumerEnabled {
		svc.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaInputTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger, svc.handleObserved(logger))
	}

	if queue != nil && cfg.SweepEnabled {
		svc.sweeper = sweeper.NewSweeper(queue, contacts, loc, engine, sweeper.Config{
			Interval:  cfg.SweepInterval,
			BatchSize: cfg.SweepBatchSize,
		}, logger)
	}

	checks := map[string]health.Pinger{
		"postgres": health.PingFunc(svc.db.PingContext),
	}
	if svc.redis != nil {
		checks["redis"] = svc.redis
	}
	svc.checker = health.NewChecker(version, checks)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	svc.checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handler := contactroutes.NewHandler(svc.pipeline, contacts, loc, engine)
	handler.Register(e.Group("/api/v1/contacts"))

	svc.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	return nil
}

// handleObserved feeds consumed observations through the intake pipeline.
// Client errors are logged and committed; anything else is left for redelivery.
func (svc *service) handleObserved(logger ectologger.Logger) kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.IncomingMessage) error {
		_, err := svc.pipeline.Run(ctx, msg.Observed.Observation())
		if err == nil {
			return nil
		}
		if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) < http.StatusInternalServerError {
			logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"tenant_id": msg.Observed.TenantID,
				"offset":    msg.Offset,
			}).Warn("Dropping unresolvable observation")
			return nil
		}
		return err
	}
}

func (svc *service) serve(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := svc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if svc.consumer != nil {
		g.Go(func() error {
			return svc.consumer.Run(ctx)
		})
	}

	if svc.sweeper != nil {
		g.Go(func() error {
			if err := svc.sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	svc.checker.SetReady(true)

	g.Go(func() error {
		<-ctx.Done()
		svc.checker.SetReady(false)
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := svc.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
