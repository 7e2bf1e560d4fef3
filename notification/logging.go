// Package notification records which program rule notifications were sent
// so non-repeatable templates fire at most once per target.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLogEntryNotFound is returned by log stores when no entry has the key.
	ErrLogEntryNotFound = errors.New("notification log entry not found")

	// ErrDuplicateKey is returned by LogStore.Insert when the key is taken.
	ErrDuplicateKey = errors.New("notification log entry already exists")
)

// Key builds the deduplication key of a template and a target (enrollment or event) UID.
func Key(templateUID, targetUID string) string {
	return templateUID + targetUID
}

// LogEntry records that a notification was sent or scheduled for a target.
type LogEntry struct {
	UID           string    `db:"uid" json:"uid"`
	Key           string    `db:"notification_key" json:"key"`
	TemplateUID   string    `db:"template_uid" json:"templateUid"`
	TargetUID     string    `db:"target_uid" json:"targetUid"`
	AllowMultiple bool      `db:"allow_multiple" json:"allowMultiple"`
	TriggeredBy   string    `db:"triggered_by" json:"triggeredBy"`
	LastSentAt    time.Time `db:"last_sent_at" json:"lastSentAt"`
}

// LogStore persists log entries. Keys are unique.
type LogStore interface {
	// Get returns ErrLogEntryNotFound when no entry has key.
	Get(ctx context.Context, key string) (*LogEntry, error)
	// Insert returns ErrDuplicateKey when an entry with the same key exists.
	Insert(ctx context.Context, entry LogEntry) error
	// Upsert inserts entry or replaces the entry with the same key.
	Upsert(ctx context.Context, entry LogEntry) error
	// Delete removes the entry with key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// LoggingService is the deduplication gate in front of notification sends.
// Store failures are returned to the caller, never swallowed.
type LoggingService struct {
	store  LogStore
	logger *slog.Logger
	now    func() time.Time
}

// NewLoggingService creates a logging service. A nil logger falls back to slog.Default().
func NewLoggingService(store LogStore, logger *slog.Logger) *LoggingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingService{store: store, logger: logger, now: time.Now}
}

// Get returns the entry stored under key, or ErrLogEntryNotFound.
func (s *LoggingService) Get(ctx context.Context, key string) (*LogEntry, error) {
	entry, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Save stores entry, replacing any entry with the same key.
func (s *LoggingService) Save(ctx context.Context, entry LogEntry) error {
	s.fill(&entry)
	if err := s.store.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("failed to save notification log entry %s: %w", entry.Key, err)
	}
	return nil
}

// Claim atomically records entry unless its key is already taken. When the
// key is taken it returns the existing entry so the caller can honour
// AllowMultiple. A claimed entry must be released if the send fails.
func (s *LoggingService) Claim(ctx context.Context, entry LogEntry) (bool, *LogEntry, error) {
	s.fill(&entry)

	// The existing entry can disappear between Insert and Get when a
	// concurrent sender releases its claim; retry once in that case.
	for attempt := 0; attempt < 2; attempt++ {
		err := s.store.Insert(ctx, entry)
		if err == nil {
			s.logger.Debug("claimed notification log key", "key", entry.Key, "allow_multiple", entry.AllowMultiple)
			return true, nil, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return false, nil, fmt.Errorf("failed to claim notification log key %s: %w", entry.Key, err)
		}

		existing, err := s.store.Get(ctx, entry.Key)
		if errors.Is(err, ErrLogEntryNotFound) {
			continue
		}
		if err != nil {
			return false, nil, fmt.Errorf("failed to read notification log key %s: %w", entry.Key, err)
		}
		return false, existing, nil
	}
	return false, nil, fmt.Errorf("failed to claim notification log key %s: %w", entry.Key, ErrDuplicateKey)
}

// Release removes a claim taken by Claim.
func (s *LoggingService) Release(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to release notification log key %s: %w", key, err)
	}
	s.logger.Debug("released notification log key", "key", key)
	return nil
}

func (s *LoggingService) fill(entry *LogEntry) {
	if entry.UID == "" {
		entry.UID = uuid.NewString()
	}
	if entry.Key == "" {
		entry.Key = Key(entry.TemplateUID, entry.TargetUID)
	}
	if entry.LastSentAt.IsZero() {
		entry.LastSentAt = s.now().UTC()
	}
}
