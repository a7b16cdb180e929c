package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"sibol-maintenance/api/internal/cleanup"
	"sibol-maintenance/api/internal/repos"
	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/config"
	"sibol-maintenance/shared/dbx"
	"sibol-maintenance/shared/logx"
	"sibol-maintenance/shared/metricsx"
	"sibol-maintenance/shared/mqx"
	"sibol-maintenance/shared/observability"
)

const (
	taskOutboxScan     = "maintenance.outbox.scan"
	taskOutboxDispatch = "maintenance.outbox.dispatch"
)

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

func main() {
	cfg, problems := config.Load("maintenance-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	backend, err := sibol.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "sibol_init_failed", "sibol client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return retryDelay(n + 1)
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	if cfg.SibolServiceToken == "" {
		logger.Warn(context.Background(), "service_token_missing", "SIBOL_SERVICE_TOKEN unset, upload cleanup calls are unauthenticated")
	}
	mux.Handle(cleanup.TaskUploadCleanup, cleanup.NewHandler(backend, cfg.SibolServiceToken, logger))

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()

	// The outbox relay runs only when both its source and its sink are configured.
	outboxEnabled := cfg.DatabaseURL != "" && len(cfg.KafkaBrokers) > 0
	if outboxEnabled {
		dbPool, err := dbx.NewPool(context.Background(), cfg)
		if err != nil {
			logger.Error(context.Background(), "db_init_failed", "db init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer dbPool.Close()

		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer producer.Close()

		client := asynq.NewClient(redisOpt)
		defer client.Close()

		relay := &outboxRelay{
			repo:     repos.NewOutboxRepo(dbPool),
			producer: producer,
			client:   client,
			cfg:      cfg,
			log:      logger,
		}
		mux.HandleFunc(taskOutboxScan, relay.scan)
		mux.HandleFunc(taskOutboxDispatch, relay.dispatch)

		if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", asynq.NewTask(taskOutboxScan, nil, asynq.Queue(cfg.AsynqQueue), asynq.MaxRetry(0))); err != nil {
			logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		if err := scheduler.Start(); err != nil {
			logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "maintenance worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Bool("outbox_relay", outboxEnabled),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "maintenance worker stopped")
}

type outboxRelay struct {
	repo     *repos.OutboxRepo
	producer *mqx.Producer
	client   *asynq.Client
	cfg      config.Config
	log      logx.Logger
}

// scan claims due events and fans them out as dispatch tasks.
func (o *outboxRelay) scan(ctx context.Context, _ *asynq.Task) error {
	if released, err := o.repo.ReleaseStale(ctx, 5*time.Minute); err == nil && released > 0 {
		o.log.Warn(ctx, "outbox_released", "stale outbox claims released", slog.Int64("count", released))
	}
	events, err := o.repo.ClaimPending(ctx, o.cfg.ServiceName, o.cfg.OutboxBatchSize)
	if err != nil {
		return err
	}
	for _, event := range events {
		payload, _ := json.Marshal(dispatchPayload{EventID: event.EventID.String()})
		task := asynq.NewTask(taskOutboxDispatch, payload, asynq.Queue(o.cfg.AsynqQueue), asynq.MaxRetry(0))
		if _, err := o.client.EnqueueContext(ctx, task); err != nil {
			o.log.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()),
			)
			o.fail(ctx, event.EventID, event.Attempts, err)
		}
	}
	return nil
}

// dispatch publishes one event. Retries are driven by the outbox row, not by asynq.
func (o *outboxRelay) dispatch(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
	span.SetAttributes(attribute.String("queue", o.cfg.AsynqQueue))
	defer span.End()

	var payload dispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
	if err != nil {
		return err
	}
	event, err := o.repo.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == repos.OutboxStatusDelivered || event.Status == repos.OutboxStatusDead {
		return nil
	}
	headers := map[string]string{
		"event_id":       event.EventID.String(),
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"published_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := o.producer.Publish(ctx, event.Topic, []byte(event.AggregateID), event.Payload, headers); err != nil {
		metricsx.IncActivityPublishFailure()
		o.fail(ctx, event.EventID, event.Attempts, err)
		return nil
	}
	return o.repo.MarkDelivered(ctx, event.EventID)
}

func (o *outboxRelay) fail(ctx context.Context, eventID uuid.UUID, prevAttempts int, cause error) {
	attempts := prevAttempts + 1
	nextRetry := time.Now().UTC().Add(retryDelay(attempts))
	dead := attempts >= o.cfg.OutboxMaxAttempts
	if err := o.repo.MarkFailed(ctx, eventID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		o.log.Error(ctx, "outbox_mark_failed", "could not record outbox failure",
			slog.String("event_id", eventID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if dead {
		o.log.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", eventID.String()),
			slog.Int("attempts", attempts),
		)
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
