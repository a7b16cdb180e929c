package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"sibol-maintenance/api/internal/cleanup"
	"sibol-maintenance/api/internal/handlers"
	"sibol-maintenance/api/internal/middleware"
	"sibol-maintenance/api/internal/notify"
	"sibol-maintenance/api/internal/repos"
	"sibol-maintenance/api/internal/session"
	"sibol-maintenance/api/internal/ticketctl"
	"sibol-maintenance/shared/authx"
	"sibol-maintenance/shared/cachex"
	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/config"
	"sibol-maintenance/shared/dbx"
	"sibol-maintenance/shared/httpx"
	"sibol-maintenance/shared/lockx"
	"sibol-maintenance/shared/logx"
	"sibol-maintenance/shared/metricsx"
	"sibol-maintenance/shared/mqx"
	"sibol-maintenance/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("maintenance-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		} else {
			logger.Warn(context.Background(), "otel_init_failed", "tracing disabled",
				slog.String("error", err.Error()),
			)
		}
	}

	backend, err := sibol.New(cfg)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "SIBOL_API_URL", Message: err.Error()})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(context.Background(), cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			dbPool = nil
		}
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to init redis"})
		}
	}

	resolver := session.Resolver{}
	if cfg.SessionJWTSecret != "" {
		v, err := authx.NewHMACVerifier(cfg.SessionJWTSecret, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "SESSION_JWT_SECRET", Message: err.Error()})
		} else {
			resolver.Verifiers = append(resolver.Verifiers, v)
		}
	}
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWKSVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			resolver.Verifiers = append(resolver.Verifiers, v)
		}
	}
	if cache != nil {
		resolver.Store = session.NewStore(cache.WithPrefix(cfg.SessionKeyPrefix), time.Duration(cfg.SessionTTLSeconds)*time.Second)
	}
	if len(resolver.Verifiers) == 0 && resolver.Store == nil {
		readyProblems = append(readyProblems, config.Problem{Field: "SESSION_JWT_SECRET", Message: "set SESSION_JWT_SECRET, OIDC_ISSUER or REDIS_ADDR to resolve sessions"})
	}

	var guard ticketctl.SubmitGuard = ticketctl.NewLocalGuard()
	if cache != nil {
		guard = ticketctl.NewRedisGuard(lockx.NewLocker(cache.Client(), "sibol:lock:"), time.Duration(cfg.SubmitLockTTLSec)*time.Second)
	}

	var cleaner ticketctl.OrphanCleaner
	if cfg.AsynqEnabled && cfg.AsynqRedisAddr != "" {
		asynqClient := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPass,
			DB:       cfg.AsynqRedisDB,
		})
		defer asynqClient.Close()
		cleaner = cleanup.NewEnqueuer(asynqClient, cfg.AsynqQueue, cfg.CleanupMaxRetry)
	}

	var activity ticketctl.ActivityPublisher = notify.Nop{}
	switch {
	case dbPool != nil:
		activity = notify.NewOutbox(repos.NewOutboxRepo(dbPool), cfg.ActivityTopic)
	case len(cfg.KafkaBrokers) > 0:
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: err.Error()})
			break
		}
		defer producer.Close()
		activity = notify.NewDirect(producer, cfg.ActivityTopic)
	}

	deps := handlers.Deps{
		Guard:          guard,
		Cleaner:        cleaner,
		Activity:       activity,
		Log:            logger,
		UploadMaxBytes: cfg.UploadMaxBytes,
	}
	if backend != nil {
		deps.Backend = backend
	}
	if dbPool != nil {
		deps.History = repos.NewActivityRepo(dbPool)
	}
	maintenance := handlers.NewMaintenanceHTTP(deps)

	var auditWriter middleware.AuditWriter
	if dbPool != nil {
		auditWriter = repos.NewAuditRepo(dbPool)
	}

	r := chi.NewRouter()
	r.NotFound(httpx.NotFound())
	r.MethodNotAllowed(httpx.MethodNotAllowed())
	r.Use(middleware.TrackIdentity)
	r.Use(httpx.Base(logger, httpx.RequestLogOptions{
		SkipPaths: map[string]bool{"/healthz": true, "/metrics": true},
		Actor:     middleware.ActorID,
	}))
	r.Use(metricsx.Instrument)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if dbPool != nil {
			if err := dbx.Ping(r.Context(), dbPool); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
					"service not ready: database unavailable",
					map[string]any{"problem": "db_ping_failed"},
				)
				return
			}
		}
		if cache != nil {
			if err := cache.Ping(r.Context()); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
					"service not ready: redis unavailable",
					map[string]any{"problem": "redis_ping_failed"},
				)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	r.Handle("/metrics", metricsx.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
		}
		r.Use(middleware.AuditMiddleware{
			Enabled: cfg.AuditEnabled,
			Repo:    auditWriter,
			Logger:  logger,
		}.Wrap)
		r.Use(middleware.AuthMiddleware{Resolver: resolver}.Wrap)
		r.Use(middleware.CaptureIdentity)
		r.Use(func(next http.Handler) http.Handler { return httpx.WithTimeout(cfg.RequestTimeout, next) })

		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			id, ok := session.FromContext(r.Context())
			if !ok {
				httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing session", nil)
				return
			}
			httpx.WriteJSON(w, http.StatusOK, map[string]any{
				"account_id": id.AccountID,
				"name":       id.Name,
				"role":       id.Role,
				"is_staff":   id.IsStaff(),
			})
		})
		if deps.Backend == nil {
			r.HandleFunc("/maintenance/*", func(w http.ResponseWriter, r *http.Request) {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "maintenance backend not configured", nil)
			})
			return
		}
		r.Route("/maintenance", maintenance.Routes)
	})

	var handler http.Handler = r
	if cfg.OtelEnabled {
		handler = observability.Handler(handler, cfg.ServiceName)
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Bool("audit_enabled", cfg.AuditEnabled && auditWriter != nil),
			slog.Bool("shared_submit_guard", cache != nil),
			slog.Bool("upload_cleanup_queue", cleaner != nil),
			slog.Int("ready_problems", len(readyProblems)),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
