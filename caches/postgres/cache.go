// Package postgres provides a caches.Backend stored in a PostgreSQL table.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/dgduncan/modx-cache/caches"
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed delete_expired.sql
	queryDeleteExpired string
	//go:embed delete_if_value.sql
	queryDeleteIfValue string
	//go:embed delete_items.sql
	queryDeleteItems string
	//go:embed fetch_by_key.sql
	queryFetchByKey string
	//go:embed fetch_ttl.sql
	queryFetchTTL string
	//go:embed incr_item.sql
	queryIncrItem string
	//go:embed persist_item.sql
	queryPersistItem string
	//go:embed scan_keys.sql
	queryScanKeys string
	//go:embed update_expiry.sql
	queryUpdateExpiry string
	//go:embed upsert_item.sql
	queryUpsertItem string
)

// DefaultScanPageSize is how many keys one Scan query fetches.
const DefaultScanPageSize = 500

// Config defines the configuration options for the PostgreSQL cache implementation.
type Config struct {
	// DeleteExpiredItems enables automatic cleanup of expired cache entries
	// through a background task. Expired rows are never returned either way.
	DeleteExpiredItems bool

	// ExpiredTaskTimer defines the interval at which the cleanup task runs.
	// Shorter durations may impact database performance.
	ExpiredTaskTimer time.Duration

	// ScanPageSize bounds the number of keys read per Scan query.
	ScanPageSize int
}

// Cache implements caches.Backend using PostgreSQL as the storage backend.
// Expiry is evaluated against the process clock, so every process sharing
// the table should keep reasonably synchronized time.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger

	now      func() time.Time
	pageSize int

	stop context.CancelFunc
	done sync.WaitGroup
}

func (p *Cache) clock() time.Time {
	return p.now().UTC()
}

func (p *Cache) deadline(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.clock().Add(ttl), Valid: true}
}

// Get returns the stored bytes or caches.ErrNoCacheItem if the row is absent
// or expired.
func (p *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, queryFetchByKey, key, p.clock()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, caches.ErrNoCacheItem
	}
	if err != nil {
		return nil, err
	}

	return value, nil
}

func (p *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stmt, err := p.db.PrepareContext(ctx, queryUpsertItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if value == nil {
		value = []byte{}
	}

	_, err = stmt.ExecContext(ctx, key, value, p.deadline(ttl))
	return err
}

func (p *Cache) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var removed int64
	err := p.db.QueryRowContext(ctx, queryDeleteItems, pq.Array(keys), p.clock()).Scan(&removed)
	return removed, err
}

func (p *Cache) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	return affected(p.db.ExecContext(ctx, queryDeleteIfValue, key, value, p.clock()))
}

func (p *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	var expiresAt sql.NullTime
	err := p.db.QueryRowContext(ctx, queryFetchTTL, key, p.clock()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return caches.KeyAbsent, nil
	}
	if err != nil {
		return 0, err
	}

	if !expiresAt.Valid {
		return caches.NoExpiry, nil
	}
	return expiresAt.Time.Sub(p.clock()), nil
}

func (p *Cache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		n, err := p.Delete(ctx, key)
		return n > 0, err
	}

	res, err := p.db.ExecContext(ctx, queryUpdateExpiry, key, p.deadline(ttl), p.clock())
	return affected(res, err)
}

func (p *Cache) Persist(ctx context.Context, key string) (bool, error) {
	res, err := p.db.ExecContext(ctx, queryPersistItem, key, p.clock())
	return affected(res, err)
}

// IncrBy runs as a single upsert, so concurrent increments do not lose
// updates.
func (p *Cache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, queryIncrItem, key, delta, p.clock()).Scan(&n)
	if isNotInteger(err) {
		return 0, errors.Join(caches.ErrNotInteger, err)
	}
	return n, err
}

// Scan pages through the keys starting with prefix in key order.
func (p *Cache) Scan(ctx context.Context, prefix string) iter.Seq2[string, error] {
	pattern := escapeLike(prefix) + "%"

	return func(yield func(string, error) bool) {
		after := ""
		for {
			keys, err := p.scanPage(ctx, pattern, after)
			if err != nil {
				yield("", err)
				return
			}

			for _, key := range keys {
				if !yield(key, nil) {
					return
				}
			}

			if len(keys) < p.pageSize {
				return
			}
			after = keys[len(keys)-1]
		}
	}
}

func (p *Cache) scanPage(ctx context.Context, pattern, after string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, queryScanKeys, pattern, after, p.clock(), p.pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0, p.pageSize)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (p *Cache) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close stops the cleanup task and closes the database handle.
func (p *Cache) Close() error {
	p.stop()
	p.done.Wait()
	return p.db.Close()
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func isNotInteger(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	switch pqErr.Code.Name() {
	case "invalid_text_representation", "character_not_in_repertoire", "numeric_value_out_of_range":
		return true
	}
	return false
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func createTable(ctx context.Context, db *sql.DB) error {
	// several statements, so no prepared statement here
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

func deleteExpiredItems(ctx context.Context, db *sql.DB, now time.Time) (int64, error) {
	stmt, err := db.PrepareContext(ctx, queryDeleteExpired)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Cache) expiredTask(ctx context.Context, interval time.Duration) {
	defer p.done.Done()

	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.DebugContext(ctx, "expired item task stopped")
			return
		case <-t.C:
			n, err := deleteExpiredItems(ctx, p.db, p.clock())
			if err != nil {
				p.logger.WarnContext(ctx, "error deleting expired items", "error", err)
			} else if n > 0 {
				p.logger.DebugContext(ctx, "expired items deleted", "count", n)
			}
			_ = t.Reset(interval)
		}
	}
}

// New creates a new PostgreSQL cache instance with the provided configuration.
// It verifies the database connection, creates the necessary table structure, and
// optionally starts the cleanup task for expired items. The cleanup task lives
// until Close, independently of ctx.
//
// Returns an error if:
// - The database connection test fails
// - Table creation fails
// - Configuration validation fails
func New(ctx context.Context, db *sql.DB, config *Config, logger *slog.Logger) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "db must not be nil"}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(caches.ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if config != nil {
		c = *config
	}
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = DefaultScanPageSize
	}
	if c.ExpiredTaskTimer <= 0 {
		c.ExpiredTaskTimer = caches.DefaultExpiredTaskTimer
	}

	taskCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	p := &Cache{
		db:       db,
		logger:   logger,
		now:      time.Now,
		pageSize: c.ScanPageSize,
		stop:     stop,
	}

	if c.DeleteExpiredItems {
		p.done.Add(1)
		go p.expiredTask(taskCtx, c.ExpiredTaskTimer)
	}

	return p, nil
}

var _ caches.Backend = (*Cache)(nil)
