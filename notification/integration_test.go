//go:build integration

package notification_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/programrules/notification"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest) (string, string) {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, req.ExposedPorts[0])
	require.NoError(t, err)
	return host, port.Port()
}

func startPostgres(t *testing.T) string {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "programrules_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	return fmt.Sprintf("postgres://test:test@%s:%s/programrules_test?sslmode=disable", host, port)
}

func TestRedisLogStore_Integration(t *testing.T) {
	ctx := context.Background()
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})

	client, err := notification.NewRedisClient(ctx, host+":"+port)
	require.NoError(t, err)
	defer client.Close()

	store := notification.NewRedisLogStore(client)
	svc := notification.NewLoggingService(store, nil)

	t.Run("Should allow exactly one concurrent claim", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, _, err := svc.Claim(ctx, notification.LogEntry{TemplateUID: "T1", TargetUID: "E1"})
				if err == nil && claimed {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		raw, err := client.Get(ctx, notification.RedisKeyPrefix+":T1E1").Result()
		require.NoError(t, err)
		assert.Contains(t, raw, `"templateUid":"T1"`)
	})

	t.Run("Should report missing and released keys", func(t *testing.T) {
		_, err := svc.Get(ctx, "T9E9")
		assert.ErrorIs(t, err, notification.ErrLogEntryNotFound)

		require.NoError(t, svc.Release(ctx, "T1E1"))
		_, err = svc.Get(ctx, "T1E1")
		assert.ErrorIs(t, err, notification.ErrLogEntryNotFound)
	})
}

func TestSQLLogStore_PostgresIntegration(t *testing.T) {
	ctx := context.Background()
	db, err := notification.OpenSQL(startPostgres(t))
	require.NoError(t, err)
	defer db.Close()

	store, err := notification.NewSQLLogStore(ctx, db)
	require.NoError(t, err)

	entry := notification.LogEntry{UID: "L1", Key: "T1E1", TemplateUID: "T1", TargetUID: "E1", LastSentAt: time.Now().UTC()}
	require.NoError(t, store.Insert(ctx, entry))
	assert.ErrorIs(t, store.Insert(ctx, entry), notification.ErrDuplicateKey)

	entry.AllowMultiple = true
	require.NoError(t, store.Upsert(ctx, entry))
	got, err := store.Get(ctx, "T1E1")
	require.NoError(t, err)
	assert.True(t, got.AllowMultiple)
}

func TestPgxInstanceStore_Integration(t *testing.T) {
	ctx := context.Background()
	pool, err := notification.NewPostgresPool(ctx, startPostgres(t))
	require.NoError(t, err)
	defer pool.Close()

	schema, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	store := notification.NewPgxInstanceStore(pool)
	later := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	sooner := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Create(ctx, notification.Instance{UID: "I2", TemplateUID: "T1", EnrollmentUID: "EN1", ScheduledAt: later, CreatedAt: now}))
	require.NoError(t, store.Create(ctx, notification.Instance{UID: "I1", TemplateUID: "T1", EventUID: "EV1", ScheduledAt: sooner, CreatedAt: now}))

	instances, err := store.ListByTemplate(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "I1", instances[0].UID)
	assert.Equal(t, "EV1", instances[0].EventUID)
	assert.Empty(t, instances[0].EnrollmentUID)
	assert.Equal(t, "EN1", instances[1].EnrollmentUID)
	assert.True(t, sooner.Equal(instances[0].ScheduledAt))
}
