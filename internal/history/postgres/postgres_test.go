package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/syncbench/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Start PostgreSQL container
	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	started := history.Event{
		Type:       history.EventWorkloadStarted,
		OccurredAt: time.Now().UTC(),
		Session:    "pg-session",
		Experiment: 4,
		Workload:   9,
	}
	if err := sink.Send(ctx, started); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	row := started
	row.Type = history.EventRowFinished
	row.Identity = "0_A"
	row.RunID = "abc"
	row.Status = "FINISHED n (0_A)"
	row.DurationMS = 1234
	if err := sink.Send(ctx, row); err != nil {
		t.Fatalf("Failed to send row event: %v", err)
	}

	var count int
	if err := sink.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workload_history WHERE session = $1", "pg-session").Scan(&count); err != nil {
		t.Fatalf("Failed to query workload_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
