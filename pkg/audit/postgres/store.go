// Package postgres provides PostgreSQL storage for session audit events.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Fabric-Pro/fizzy-mcp/pkg/audit"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
	maxQueryLimit        = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// eventColumns lists columns returned by event SELECT queries.
var eventColumns = []string{
	"id", "timestamp", "session_id", "action", "transport", "reason", "remote_addr",
}

// Store implements audit.Recorder using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL audit store.
type Config struct {
	RetentionDays int
}

// QueryFilter defines criteria for querying recorded events.
type QueryFilter struct {
	SessionID string
	Action    audit.Action
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Record persists one session event.
func (s *Store) Record(ctx context.Context, event audit.Event) error {
	query, args, err := psq.Insert("session_events").
		Columns("id", "timestamp", "session_id", "action", "transport", "reason", "remote_addr", "created_date").
		Values(
			event.ID,
			event.Timestamp,
			event.SessionID,
			string(event.Action),
			event.Transport,
			event.Reason,
			event.RemoteAddr,
			event.Timestamp.Format("2006-01-02"),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	return nil
}

// Query retrieves events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]audit.Event, error) {
	qb := psq.Select(eventColumns...).
		From("session_events").
		OrderBy("timestamp DESC")

	if filter.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": filter.SessionID})
	}
	if filter.Action != "" {
		qb = qb.Where(sq.Eq{"action": string(filter.Action)})
	}
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryCapacity
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	qb = qb.Limit(uint64(limit))
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]audit.Event, 0, limit)
	for rows.Next() {
		var e audit.Event
		var action string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.SessionID, &action, &e.Transport, &e.Reason, &e.RemoteAddr); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		e.Action = audit.Action(action)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session event rows: %w", err)
	}
	return events, nil
}

// PurgeExpired removes events older than the retention window and returns
// the number removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	query, args, err := psq.Delete("session_events").
		Where(sq.Lt{"timestamp": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purging session events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged rows: %w", err)
	}
	return n, nil
}

// StartRetentionRoutine starts a background goroutine that purges expired
// events on the given interval. The goroutine is stopped when Close is
// called.
func (s *Store) StartRetentionRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.PurgeExpired(ctx); err != nil {
					slog.Error("audit: purge failed", "error", err)
				} else if n > 0 {
					slog.Debug("audit: purged expired events", "count", n)
				}
			}
		}
	}()
}

// Close stops the retention goroutine and waits for it to exit. It is safe
// to call Close even if StartRetentionRoutine was never called. The caller
// owns the *sql.DB and closes it separately.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	return nil
}

// Verify interface compliance.
var _ audit.Recorder = (*Store)(nil)
