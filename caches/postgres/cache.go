// Package postgres is a remote-KV CacheBackend backed by PostgreSQL,
// generalized from a single-URL conditional-response cache to the
// resolver's CacheKey/CacheEntry contract.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/gob"
	"errors"
	"log"
	"time"

	_ "github.com/lib/pq"

	reqgraph "github.com/dgduncan/go-cond-cache"
	"github.com/dgduncan/go-cond-cache/caches"
	"github.com/dgduncan/go-cond-cache/internal/clock"
)

// ErrPingFailed is returned if the initial ping to the database returns an
// error.
var ErrPingFailed = errors.New("ping returned error")

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed delete_expired.sql
	queryDeleteExpired string
	//go:embed fetch_by_id.sql
	queryFetchByID string
	//go:embed insert_item.sql
	queryInsertItem string
)

// Config defines the configuration options for the PostgreSQL cache
// implementation.
type Config struct {
	// DeleteExpiredItems enables automatic cleanup of expired cache
	// entries through a background task.
	DeleteExpiredItems bool

	// ExpiredTaskTimer defines the interval at which the cleanup task
	// runs. Shorter durations may impact database performance.
	ExpiredTaskTimer time.Duration

	// ItemExpiration bounds how long an item stays valid in the table
	// when the CacheEntry itself carries no ExpiresAt.
	ItemExpiration time.Duration
}

// Cache implements reqgraph.CacheBackend using PostgreSQL as the storage
// backend.
type Cache struct {
	db *sql.DB

	itemExpiration time.Duration
	now            clock.Source
}

// Lookup implements reqgraph.CacheBackend. Returns reqgraph.ErrNotFound for
// a missing row, reqgraph.ErrCacheItemExpired when the row is present but
// its expires_at has passed.
func (c *Cache) Lookup(ctx context.Context, key reqgraph.CacheKey) (*reqgraph.CacheEntry, error) {
	k := caches.RemoteKey(key)

	stmt, err := c.db.PrepareContext(ctx, queryFetchByID)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	row := stmt.QueryRowContext(ctx, k)

	var storedKey string
	var raw []byte
	var expiresAt sql.NullTime
	if err := row.Scan(&storedKey, &raw, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reqgraph.ErrNotFound
		}
		return nil, err
	}

	var entry reqgraph.CacheEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return nil, err
	}

	if entry.Expired(c.now()) {
		return &entry, reqgraph.ErrCacheItemExpired
	}

	return &entry, nil
}

// Put implements reqgraph.CacheBackend.
func (c *Cache) Put(ctx context.Context, key reqgraph.CacheKey, entry *reqgraph.CacheEntry) (map[string]any, error) {
	k := caches.RemoteKey(key)

	stmt, err := c.db.PrepareContext(ctx, queryInsertItem)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	stored := *entry
	stored.Res = stored.Res.Stripped()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(stored); err != nil {
		return nil, err
	}

	createdAt := c.now()
	expiresAt := entry.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = createdAt.Add(c.itemExpiration)
	}

	if _, err := stmt.ExecContext(ctx, k, buf.Bytes(), createdAt.UTC(), expiresAt.UTC()); err != nil {
		return nil, err
	}

	return map[string]any{"key": k}, nil
}

func createTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

func deleteExpiredItems(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, queryDeleteExpired)
	return err
}

func expiredTask(ctx context.Context, db *sql.DB, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("context is done")
			return
		case <-t.C:
			if err := deleteExpiredItems(ctx, db); err != nil {
				log.Println(err)
			}
			t.Reset(interval)
		}
	}
}

// New creates a new PostgreSQL cache instance with the provided
// configuration. It verifies the database connection, creates the
// necessary table structure, and optionally starts the cleanup task for
// expired items.
func New(ctx context.Context, db *sql.DB, config *Config) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationErr("nil db")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	itemExpiration := caches.DefaultExpiredDuration
	interval := caches.DefaultExpiredTaskTimer
	if config != nil {
		if config.ItemExpiration > 0 {
			itemExpiration = config.ItemExpiration
		}
		if config.ExpiredTaskTimer > 0 {
			interval = config.ExpiredTaskTimer
		}
		if config.DeleteExpiredItems {
			go expiredTask(ctx, db, interval)
		}
	}

	return &Cache{
		db:             db,
		itemExpiration: itemExpiration,
		now:            clock.Now,
	}, nil
}
