//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"sibol-maintenance/api/internal/models"
	"sibol-maintenance/api/internal/notify"
	"sibol-maintenance/api/internal/repos"
	"sibol-maintenance/api/internal/ticketctl"
	"sibol-maintenance/shared/events"
	"sibol-maintenance/shared/lockx"
)

func pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(p.Close)

	schema, err := os.ReadFile(filepath.Join("..", "migrations", "0001_maintenance.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := p.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	return p
}

func TestOutboxRoundTrip(t *testing.T) {
	p := pool(t)
	ctx := context.Background()
	repo := repos.NewOutboxRepo(p)

	pub := notify.NewOutbox(repo, events.TopicMaintenanceActivity)
	if err := pub.Publish(ctx, 1001, events.ActivityTicketCreated, 7, map[string]any{"title": "it"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	owner := "it-" + uuid.NewString()
	claimed, err := repo.ClaimPending(ctx, owner, 100)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var mine *models.OutboxEvent
	for i := range claimed {
		if claimed[i].AggregateID == "1001" {
			mine = &claimed[i]
		}
	}
	if mine == nil {
		t.Fatalf("published event was not claimed")
	}
	if mine.Status != repos.OutboxStatusSending {
		t.Fatalf("claimed status = %q", mine.Status)
	}
	if err := repo.MarkDelivered(ctx, mine.EventID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	got, err := repo.GetByID(ctx, mine.EventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != repos.OutboxStatusDelivered || got.PublishedAt == nil {
		t.Fatalf("delivered row = %+v", got)
	}
}

func TestActivityInsertIsIdempotent(t *testing.T) {
	p := pool(t)
	ctx := context.Background()
	repo := repos.NewActivityRepo(p)

	a := models.TicketActivity{
		EventID:    uuid.New(),
		TicketID:   2002,
		EventType:  events.ActivityStatusChanged,
		OccurredAt: time.Now().UTC(),
		Payload:    []byte(`{"action":"verify-completion"}`),
	}
	inserted, err := repo.InsertFromStream(ctx, a)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	inserted, err = repo.InsertFromStream(ctx, a)
	if err != nil || inserted {
		t.Fatalf("redelivered insert = %v, %v", inserted, err)
	}
	rows, err := repo.ListForTicket(ctx, 2002, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := 0
	for _, r := range rows {
		if r.EventID == a.EventID {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("stored %d copies", found)
	}
}

func TestRedisSubmitGuard(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	guard := ticketctl.NewRedisGuard(lockx.NewLocker(client, "it:lock:"), 5*time.Second)
	key := uuid.NewString()
	release, err := guard.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := guard.Acquire(context.Background(), key); err != ticketctl.ErrSubmitInFlight {
		t.Fatalf("second acquire = %v", err)
	}
	release()
	release2, err := guard.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestBrokers(t *testing.T) {
	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		t.Skip("ASYNQ_REDIS_ADDR not set")
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		t.Fatalf("asynq inspector failed: %v", err)
	}
}
