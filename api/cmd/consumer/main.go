package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"sibol-maintenance/api/internal/activity"
	"sibol-maintenance/api/internal/repos"
	"sibol-maintenance/shared/config"
	"sibol-maintenance/shared/dbx"
	"sibol-maintenance/shared/logx"
	"sibol-maintenance/shared/metricsx"
	"sibol-maintenance/shared/mqx"
	"sibol-maintenance/shared/observability"
)

func main() {
	cfg, problems := config.Load("maintenance-activity-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
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

	dbPool, err := dbx.NewPool(context.Background(), cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	reader, err := mqx.NewConsumer(cfg, cfg.ActivityTopic, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	store := repos.NewActivityRepo(dbPool)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "maintenance activity consumer started",
		slog.String("topic", cfg.ActivityTopic),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if err := handle(ctx, store, cfg.ActivityTopic, msg.Value, logger, msg.Offset); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Warn(ctx, "event_skipped", "skipping malformed event",
				slog.Int64("offset", msg.Offset),
				slog.Int("partition", msg.Partition),
				slog.String("error", err.Error()),
			)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "maintenance activity consumer stopped")
}

// handle retries storage failures in place so the offset is never committed past an unstored
// event. Only malformed input (or shutdown) is returned.
func handle(ctx context.Context, store activity.Store, topic string, value []byte, logger logx.Logger, offset int64) error {
	for {
		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
		)
		err := activity.Handle(spanCtx, store, value)
		span.End()
		if err == nil || errors.Is(err, activity.ErrMalformed) {
			return err
		}
		logger.Error(ctx, "event_handle_failed", "failed to handle event",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.Int64("offset", offset),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
