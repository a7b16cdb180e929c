package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	SibolAPIURL       string
	SibolAPITimeoutMS int
	SibolAPITimeout   time.Duration
	SibolServiceToken string
	UploadMaxBytes    int64

	SessionKeyPrefix  string
	SessionJWTSecret  string
	SessionTTLSeconds int
	SubmitLockTTLSec  int

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	CORSAllowedOrigins []string
	RateLimitPerMinute int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	AuditEnabled     bool

	KafkaBrokers  []string
	KafkaClientID string
	KafkaRetryMax int
	KafkaWriteMS  int
	KafkaGroupID  string
	ActivityTopic string

	OutboxBatchSize   int
	OutboxMaxAttempts int
	OutboxScanSec     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	AsynqEnabled     bool
	CleanupMaxRetry  int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// keys lists every setting read from the environment, in the order they are applied.
var keys = []string{
	"ENV", "SERVICE_NAME", "HTTP_PORT", "LOG_LEVEL", "REQUEST_TIMEOUT_MS",
	"SIBOL_API_URL", "SIBOL_API_TIMEOUT_MS", "SIBOL_SERVICE_TOKEN", "UPLOAD_MAX_BYTES",
	"SESSION_KEY_PREFIX", "SESSION_JWT_SECRET", "SESSION_TTL_SECONDS", "SUBMIT_LOCK_TTL_SECONDS",
	"OIDC_ISSUER", "OIDC_AUDIENCE", "OIDC_JWKS_URL", "JWKS_CACHE_TTL_SECONDS", "JWT_CLOCK_SKEW_SECONDS",
	"CORS_ALLOWED_ORIGINS", "RATE_LIMIT_PER_MINUTE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS", "AUDIT_ENABLED",
	"KAFKA_BROKERS", "KAFKA_CLIENT_ID", "KAFKA_RETRY_MAX", "KAFKA_WRITE_TIMEOUT_MS", "KAFKA_CONSUMER_GROUP", "ACTIVITY_TOPIC",
	"OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS", "OUTBOX_SCAN_SECONDS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"ASYNQ_REDIS_ADDR", "ASYNQ_REDIS_PASSWORD", "ASYNQ_REDIS_DB", "ASYNQ_QUEUE", "ASYNQ_CONCURRENCY", "ASYNQ_ENABLED", "CLEANUP_MAX_RETRY",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLE_RATIO",
}

func defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:        serviceName,
		HTTPPort:           httpPort,
		LogLevel:           "info",
		ConfigPath:         strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:   30000,
		SibolAPITimeoutMS:  15000,
		UploadMaxBytes:     10 << 20,
		SessionKeyPrefix:   "sibol:session:",
		SessionTTLSeconds:  3600,
		SubmitLockTTLSec:   30,
		JWKSTTLSeconds:     300,
		JWTClockSkewSec:    60,
		RateLimitPerMinute: 300,
		DBMaxConns:         10,
		DBMinConns:         1,
		DBConnMaxIdleSec:   300,
		DBConnMaxLifeSec:   1800,
		KafkaRetryMax:      5,
		KafkaWriteMS:       5000,
		ActivityTopic:      "maintenance.activity",
		OutboxBatchSize:    50,
		OutboxMaxAttempts:  10,
		OutboxScanSec:      5,
		AsynqQueue:         "default",
		AsynqConcurrency:   10,
		CleanupMaxRetry:    8,
		OtelInsecure:       true,
		OtelSampleRatio:    1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	fallback := defaults(cfg.ServiceName, httpPortDefault)
	add := func(field string, msg string) {
		*problems = append(*problems, Problem{Field: field, Message: msg})
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		add("HTTP_PORT", "HTTP_PORT must be 1-65535")
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		add("REQUEST_TIMEOUT_MS", "REQUEST_TIMEOUT_MS must be > 0")
		cfg.RequestTimeoutMS = fallback.RequestTimeoutMS
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	cfg.SibolAPIURL = strings.TrimRight(cfg.SibolAPIURL, "/")
	if cfg.SibolAPIURL == "" {
		add("SIBOL_API_URL", "SIBOL_API_URL is required")
	} else if !strings.HasPrefix(cfg.SibolAPIURL, "http://") && !strings.HasPrefix(cfg.SibolAPIURL, "https://") {
		add("SIBOL_API_URL", "SIBOL_API_URL must be an http(s) URL")
	}
	if cfg.SibolAPITimeoutMS <= 0 {
		add("SIBOL_API_TIMEOUT_MS", "SIBOL_API_TIMEOUT_MS must be > 0")
		cfg.SibolAPITimeoutMS = fallback.SibolAPITimeoutMS
	}
	cfg.SibolAPITimeout = time.Duration(cfg.SibolAPITimeoutMS) * time.Millisecond
	if cfg.UploadMaxBytes <= 0 {
		add("UPLOAD_MAX_BYTES", "UPLOAD_MAX_BYTES must be > 0")
		cfg.UploadMaxBytes = fallback.UploadMaxBytes
	}

	if cfg.SessionTTLSeconds <= 0 {
		add("SESSION_TTL_SECONDS", "SESSION_TTL_SECONDS must be > 0")
		cfg.SessionTTLSeconds = fallback.SessionTTLSeconds
	}
	if cfg.SubmitLockTTLSec <= 0 {
		add("SUBMIT_LOCK_TTL_SECONDS", "SUBMIT_LOCK_TTL_SECONDS must be > 0")
		cfg.SubmitLockTTLSec = fallback.SubmitLockTTLSec
	}
	if cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience == "" {
		add("OIDC_AUDIENCE", "OIDC_AUDIENCE is required when OIDC_ISSUER is set")
	}
	if cfg.JWKSTTLSeconds <= 0 {
		add("JWKS_CACHE_TTL_SECONDS", "JWKS_CACHE_TTL_SECONDS must be > 0")
		cfg.JWKSTTLSeconds = fallback.JWKSTTLSeconds
	}
	if cfg.JWTClockSkewSec < 0 {
		add("JWT_CLOCK_SKEW_SECONDS", "JWT_CLOCK_SKEW_SECONDS must be >= 0")
		cfg.JWTClockSkewSec = fallback.JWTClockSkewSec
	}
	if cfg.RateLimitPerMinute < 0 {
		add("RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_PER_MINUTE must be >= 0")
		cfg.RateLimitPerMinute = fallback.RateLimitPerMinute
	}

	if cfg.DBMaxConns <= 0 {
		add("DB_MAX_CONNS", "DB_MAX_CONNS must be > 0")
		cfg.DBMaxConns = fallback.DBMaxConns
	}
	if cfg.DBMinConns < 0 {
		add("DB_MIN_CONNS", "DB_MIN_CONNS must be >= 0")
		cfg.DBMinConns = fallback.DBMinConns
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		add("DB_MIN_CONNS", "DB_MIN_CONNS must be <= DB_MAX_CONNS")
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		add("DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_IDLE_SECONDS must be > 0")
		cfg.DBConnMaxIdleSec = fallback.DBConnMaxIdleSec
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		add("DB_CONN_MAX_LIFETIME_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS must be > 0")
		cfg.DBConnMaxLifeSec = fallback.DBConnMaxLifeSec
	}
	if cfg.AuditEnabled && cfg.DatabaseURL == "" {
		add("DATABASE_URL", "DATABASE_URL is required when AUDIT_ENABLED")
	}

	if cfg.KafkaRetryMax < 0 {
		add("KAFKA_RETRY_MAX", "KAFKA_RETRY_MAX must be >= 0")
		cfg.KafkaRetryMax = fallback.KafkaRetryMax
	}
	if cfg.KafkaWriteMS <= 0 {
		add("KAFKA_WRITE_TIMEOUT_MS", "KAFKA_WRITE_TIMEOUT_MS must be > 0")
		cfg.KafkaWriteMS = fallback.KafkaWriteMS
	}
	if strings.TrimSpace(cfg.ActivityTopic) == "" {
		cfg.ActivityTopic = fallback.ActivityTopic
	}
	if cfg.OutboxBatchSize <= 0 {
		add("OUTBOX_BATCH_SIZE", "OUTBOX_BATCH_SIZE must be > 0")
		cfg.OutboxBatchSize = fallback.OutboxBatchSize
	}
	if cfg.OutboxMaxAttempts <= 0 {
		add("OUTBOX_MAX_ATTEMPTS", "OUTBOX_MAX_ATTEMPTS must be > 0")
		cfg.OutboxMaxAttempts = fallback.OutboxMaxAttempts
	}
	if cfg.OutboxScanSec <= 0 {
		add("OUTBOX_SCAN_SECONDS", "OUTBOX_SCAN_SECONDS must be > 0")
		cfg.OutboxScanSec = fallback.OutboxScanSec
	}

	if cfg.RedisDB < 0 {
		add("REDIS_DB", "REDIS_DB must be >= 0")
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		add("ASYNQ_REDIS_DB", "ASYNQ_REDIS_DB must be >= 0")
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		add("ASYNQ_CONCURRENCY", "ASYNQ_CONCURRENCY must be > 0")
		cfg.AsynqConcurrency = fallback.AsynqConcurrency
	}
	if cfg.AsynqEnabled && cfg.AsynqRedisAddr == "" {
		add("ASYNQ_REDIS_ADDR", "ASYNQ_REDIS_ADDR is required when ASYNQ_ENABLED")
	}
	if cfg.CleanupMaxRetry < 0 {
		add("CLEANUP_MAX_RETRY", "CLEANUP_MAX_RETRY must be >= 0")
		cfg.CleanupMaxRetry = fallback.CleanupMaxRetry
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		add("OTEL_SAMPLE_RATIO", "OTEL_SAMPLE_RATIO must be 0-1")
		cfg.OtelSampleRatio = 1.0
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, key := range keys {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" && key == "HTTP_PORT" {
			v = strings.TrimSpace(os.Getenv("PORT"))
		}
		if v == "" {
			continue
		}
		applyValue(cfg, key, v, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		applyValue(cfg, strings.ToUpper(strings.TrimSpace(k)), v, problems)
	}
}

// applyValue sets one key from either an env string or a decoded JSON value.
func applyValue(cfg *Config, key string, v any, problems *[]Problem) {
	intInto := func(dst *int) {
		n, ok := asInt(v)
		if !ok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			return
		}
		*dst = n
	}
	boolInto := func(dst *bool) {
		b, ok := asBoolAny(v)
		if !ok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			return
		}
		*dst = b
	}
	strInto := func(dst *string) {
		if s, ok := v.(string); ok {
			*dst = strings.TrimSpace(s)
		}
	}
	listInto := func(dst *[]string) {
		if s, ok := v.(string); ok {
			*dst = parseCSV(s)
		} else if arr, ok := v.([]any); ok {
			*dst = parseAnyCSV(arr)
		}
	}

	switch key {
	case "ENV":
		strInto(&cfg.Env)
	case "SERVICE_NAME":
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			cfg.ServiceName = strings.TrimSpace(s)
		}
	case "HTTP_PORT":
		p, ok := asInt(v)
		if !ok || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	case "LOG_LEVEL":
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			cfg.LogLevel = strings.TrimSpace(s)
		}
	case "REQUEST_TIMEOUT_MS":
		intInto(&cfg.RequestTimeoutMS)
	case "SIBOL_API_URL":
		strInto(&cfg.SibolAPIURL)
	case "SIBOL_API_TIMEOUT_MS":
		intInto(&cfg.SibolAPITimeoutMS)
	case "SIBOL_SERVICE_TOKEN":
		strInto(&cfg.SibolServiceToken)
	case "UPLOAD_MAX_BYTES":
		var n int
		intInto(&n)
		if n != 0 {
			cfg.UploadMaxBytes = int64(n)
		}
	case "SESSION_KEY_PREFIX":
		strInto(&cfg.SessionKeyPrefix)
	case "SESSION_JWT_SECRET":
		strInto(&cfg.SessionJWTSecret)
	case "SESSION_TTL_SECONDS":
		intInto(&cfg.SessionTTLSeconds)
	case "SUBMIT_LOCK_TTL_SECONDS":
		intInto(&cfg.SubmitLockTTLSec)
	case "OIDC_ISSUER":
		strInto(&cfg.OIDCIssuer)
	case "OIDC_AUDIENCE":
		strInto(&cfg.OIDCAudience)
	case "OIDC_JWKS_URL":
		strInto(&cfg.OIDCJWKSURL)
	case "JWKS_CACHE_TTL_SECONDS":
		intInto(&cfg.JWKSTTLSeconds)
	case "JWT_CLOCK_SKEW_SECONDS":
		intInto(&cfg.JWTClockSkewSec)
	case "CORS_ALLOWED_ORIGINS":
		listInto(&cfg.CORSAllowedOrigins)
	case "RATE_LIMIT_PER_MINUTE":
		intInto(&cfg.RateLimitPerMinute)
	case "DATABASE_URL":
		strInto(&cfg.DatabaseURL)
	case "DB_MAX_CONNS":
		intInto(&cfg.DBMaxConns)
	case "DB_MIN_CONNS":
		intInto(&cfg.DBMinConns)
	case "DB_CONN_MAX_IDLE_SECONDS":
		intInto(&cfg.DBConnMaxIdleSec)
	case "DB_CONN_MAX_LIFETIME_SECONDS":
		intInto(&cfg.DBConnMaxLifeSec)
	case "AUDIT_ENABLED":
		boolInto(&cfg.AuditEnabled)
	case "KAFKA_BROKERS":
		listInto(&cfg.KafkaBrokers)
	case "KAFKA_CLIENT_ID":
		strInto(&cfg.KafkaClientID)
	case "KAFKA_RETRY_MAX":
		intInto(&cfg.KafkaRetryMax)
	case "KAFKA_WRITE_TIMEOUT_MS":
		intInto(&cfg.KafkaWriteMS)
	case "KAFKA_CONSUMER_GROUP":
		strInto(&cfg.KafkaGroupID)
	case "ACTIVITY_TOPIC":
		strInto(&cfg.ActivityTopic)
	case "OUTBOX_BATCH_SIZE":
		intInto(&cfg.OutboxBatchSize)
	case "OUTBOX_MAX_ATTEMPTS":
		intInto(&cfg.OutboxMaxAttempts)
	case "OUTBOX_SCAN_SECONDS":
		intInto(&cfg.OutboxScanSec)
	case "REDIS_ADDR":
		strInto(&cfg.RedisAddr)
	case "REDIS_PASSWORD":
		strInto(&cfg.RedisPassword)
	case "REDIS_DB":
		intInto(&cfg.RedisDB)
	case "ASYNQ_REDIS_ADDR":
		strInto(&cfg.AsynqRedisAddr)
	case "ASYNQ_REDIS_PASSWORD":
		strInto(&cfg.AsynqRedisPass)
	case "ASYNQ_REDIS_DB":
		intInto(&cfg.AsynqRedisDB)
	case "ASYNQ_QUEUE":
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			cfg.AsynqQueue = strings.TrimSpace(s)
		}
	case "ASYNQ_CONCURRENCY":
		intInto(&cfg.AsynqConcurrency)
	case "ASYNQ_ENABLED":
		boolInto(&cfg.AsynqEnabled)
	case "CLEANUP_MAX_RETRY":
		intInto(&cfg.CleanupMaxRetry)
	case "OTEL_ENABLED":
		boolInto(&cfg.OtelEnabled)
	case "OTEL_EXPORTER_OTLP_ENDPOINT":
		strInto(&cfg.OtelEndpoint)
	case "OTEL_EXPORTER_OTLP_INSECURE":
		boolInto(&cfg.OtelInsecure)
	case "OTEL_SAMPLE_RATIO":
		f, ok := asFloat(v)
		if !ok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		} else {
			cfg.OtelSampleRatio = f
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asBoolAny(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return asBool(t)
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
