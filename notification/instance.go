package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Instance is a notification scheduled for a future date.
type Instance struct {
	UID           string    `json:"uid"`
	TemplateUID   string    `json:"templateUid"`
	EnrollmentUID string    `json:"enrollmentUid,omitempty"`
	EventUID      string    `json:"eventUid,omitempty"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// InstanceStore persists scheduled notification instances.
type InstanceStore interface {
	Create(ctx context.Context, instance Instance) error
}

// MemoryInstanceStore keeps instances in memory.
type MemoryInstanceStore struct {
	mu        sync.Mutex
	instances []Instance
}

func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{}
}

func (s *MemoryInstanceStore) Create(_ context.Context, instance Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = append(s.instances, instance)
	return nil
}

// Instances returns a copy of the stored instances in creation order.
func (s *MemoryInstanceStore) Instances() []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Instance(nil), s.instances...)
}

// NewPostgresPool opens a pgx pool for the scheduler database and pings it.
func NewPostgresPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(initCtx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(initCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// PgxInstanceStore writes instances to the notification_instances table
// created by the migrations.
type PgxInstanceStore struct {
	pool *pgxpool.Pool
}

func NewPgxInstanceStore(pool *pgxpool.Pool) *PgxInstanceStore {
	return &PgxInstanceStore{pool: pool}
}

func (s *PgxInstanceStore) Create(ctx context.Context, instance Instance) error {
	const query = `
		INSERT INTO notification_instances (uid, template_uid, enrollment_uid, event_uid, scheduled_at, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		instance.UID,
		instance.TemplateUID,
		instance.EnrollmentUID,
		instance.EventUID,
		instance.ScheduledAt,
		instance.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification instance %s: %w", instance.UID, err)
	}
	return nil
}

// ListByTemplate returns the instances of one template ordered by schedule date.
func (s *PgxInstanceStore) ListByTemplate(ctx context.Context, templateUID string) ([]Instance, error) {
	const query = `
		SELECT uid, template_uid, COALESCE(enrollment_uid, ''), COALESCE(event_uid, ''), scheduled_at, created_at
		FROM notification_instances
		WHERE template_uid = $1
		ORDER BY scheduled_at, uid`

	rows, err := s.pool.Query(ctx, query, templateUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var i Instance
		if err := rows.Scan(&i.UID, &i.TemplateUID, &i.EnrollmentUID, &i.EventUID, &i.ScheduledAt, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification instance: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}
