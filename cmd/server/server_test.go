//go:build integration

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/programrules/internal/config"
	"github.com/liamcoop/programrules/metadata"
)

// setupTestDB starts PostgreSQL, runs the migrations and seeds the shared
// fixture. It returns the database URL and an open handle.
func setupTestDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = postgres.Terminate(ctx) })

	host, err := postgres.Host(ctx)
	require.NoError(t, err)
	port, err := postgres.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dbURL := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	m, err := migrate.New("file://../../migrations", dbURL)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	m.Close()

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fixture, err := metadata.ReadFixtureFile("../../metadata/testdata/fixture.yaml")
	require.NoError(t, err)
	require.NoError(t, metadata.NewPostgresStore(db).Import(ctx, fixture))

	return dbURL, db
}

// TestEndToEnd_PostgresBackends evaluates against PostgreSQL metadata with
// the notification log and scheduled instances in the same database.
func TestEndToEnd_PostgresBackends(t *testing.T) {
	dbURL, db := setupTestDB(t)
	ctx := context.Background()

	cfg := &config.Config{
		Metadata: config.MetadataConfig{DatabaseURL: dbURL},
		Notification: config.NotificationConfig{
			LogBackend:            config.LogBackendSQL,
			SQLURL:                dbURL,
			TemplateCacheCapacity: 10,
			TemplateCacheTTL:      time.Minute,
		},
		Scheduler: config.SchedulerConfig{DatabaseURL: dbURL},
	}

	a, err := buildApp(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ts := httptest.NewServer(NewServer(a, 30*time.Second))
	t.Cleanup(ts.Close)

	t.Run("health pings every backend", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/health")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, a.checks, 3)
	})

	t.Run("send message is logged once", func(t *testing.T) {
		for range 3 {
			resp, body := post(t, ts.URL+"/api/v1/enrollments/EN1/evaluate", nil)
			require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		}

		var count int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM notification_log_entries WHERE target_uid = 'EN1'`).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("schedule message creates one instance", func(t *testing.T) {
		resp, body := post(t, ts.URL+"/api/v1/events/EV1/evaluate", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var result EvaluateResponse
		require.NoError(t, json.Unmarshal(body, &result))
		assert.Empty(t, result.Errors)

		var templateUID string
		var scheduledAt time.Time
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT template_uid, scheduled_at FROM notification_instances WHERE event_uid = 'EV1'`).
			Scan(&templateUID, &scheduledAt))
		assert.Equal(t, "T2", templateUID)
		assert.Equal(t, "2024-06-01", scheduledAt.UTC().Format("2006-01-02"))
	})

	t.Run("rules written to the database apply after invalidation", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `
			INSERT INTO program_rules (uid, name, condition, program_uid) VALUES ('R9', 'Short child', 'A{height} < 130', 'IpHINAT79UW');
			INSERT INTO program_rule_actions (uid, program_rule_uid, action_type, content) VALUES ('A9', 'R9', 'SHOWERROR', 'too short');
		`)
		require.NoError(t, err)

		resp, _ := post(t, ts.URL+"/api/v1/rules/invalidate", nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, body := post(t, ts.URL+"/api/v1/enrollments/EN2/evaluate", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var result EvaluateResponse
		require.NoError(t, json.Unmarshal(body, &result))
		require.Len(t, result.Annotations, 1)
		assert.Equal(t, "too short", result.Annotations[0].Content)
	})
}
