package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/medtriage-ai-platform/internal/records"
)

// DefaultDebounceWindow suppresses repeated automatic runs for one encounter.
const DefaultDebounceWindow = 5 * time.Minute

// Debouncer answers whether an encounter already has a fresh report.
type Debouncer interface {
	// Recent returns the id of a report produced inside the window.
	Recent(ctx context.Context, encounterID string) (string, bool, error)
	// Mark records that reportID was just produced for the encounter.
	Mark(ctx context.Context, encounterID, reportID string) error
}

// StoreDebouncer consults the report table. Placeholders still PROCESSING
// are ignored so an in-flight request never suppresses itself.
type StoreDebouncer struct {
	repo   records.Repository
	window time.Duration
	now    func() time.Time
}

func NewStoreDebouncer(repo records.Repository, window time.Duration) *StoreDebouncer {
	if repo == nil {
		panic("triage: records repository cannot be nil")
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &StoreDebouncer{repo: repo, window: window, now: time.Now}
}

func (d *StoreDebouncer) Recent(ctx context.Context, encounterID string) (string, bool, error) {
	report, err := d.repo.LatestReportSince(ctx, encounterID, d.now().Add(-d.window))
	if errors.Is(err, records.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("triage: debounce lookup: %w", err)
	}
	return report.ID, true, nil
}

// Mark is a no-op; the upserted report row is the marker.
func (d *StoreDebouncer) Mark(context.Context, string, string) error {
	return nil
}

// RedisDebouncer keeps a short-lived marker per encounter so workers share
// the decision without a database read. On a cache miss it asks next.
type RedisDebouncer struct {
	client *redis.Client
	window time.Duration
	next   Debouncer
}

func NewRedisDebouncer(client *redis.Client, window time.Duration, next Debouncer) *RedisDebouncer {
	if client == nil {
		panic("triage: redis client cannot be nil")
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &RedisDebouncer{client: client, window: window, next: next}
}

func (d *RedisDebouncer) key(encounterID string) string {
	return "triage:debounce:" + encounterID
}

func (d *RedisDebouncer) Recent(ctx context.Context, encounterID string) (string, bool, error) {
	reportID, err := d.client.Get(ctx, d.key(encounterID)).Result()
	switch {
	case err == nil && reportID != "":
		return reportID, true, nil
	case err != nil && !errors.Is(err, redis.Nil):
		if d.next == nil {
			return "", false, fmt.Errorf("triage: debounce cache: %w", err)
		}
	}
	if d.next == nil {
		return "", false, nil
	}
	return d.next.Recent(ctx, encounterID)
}

func (d *RedisDebouncer) Mark(ctx context.Context, encounterID, reportID string) error {
	if err := d.client.Set(ctx, d.key(encounterID), reportID, d.window).Err(); err != nil {
		return fmt.Errorf("triage: debounce mark: %w", err)
	}
	if d.next != nil {
		return d.next.Mark(ctx, encounterID, reportID)
	}
	return nil
}
