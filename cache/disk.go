package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/depvet/depvet/log"
)

// DiskTier is the on-disk L2 tier backed by sqlite. It persists lookup
// results across scan runs. Backend errors degrade to misses and are
// logged at most once per minute.
type DiskTier struct {
	db         *sql.DB
	defaultTTL time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	errLog *log.Every
}

// NewDiskTier opens (or creates) the sqlite database at path and applies
// the schema. An empty path resolves to depvet-cache.db in the OS temp dir.
func NewDiskTier(path string, defaultTTL time.Duration) (*DiskTier, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "depvet-cache.db")
	}
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	t := &DiskTier{
		db:         db,
		defaultTTL: defaultTTL,
		errLog:     log.NewEvery(time.Minute),
	}
	if err := t.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate cache database: %w", err)
	}

	return t, nil
}

func (d *DiskTier) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		ttl_ns INTEGER NOT NULL
	);
	`
	_, err := d.db.Exec(query)
	return err
}

func (d *DiskTier) ID() TierID { return TierL2 }

func (d *DiskTier) Get(ctx context.Context, key string) ([]byte, bool) {
	var (
		value     []byte
		createdAt int64
		ttlNs     int64
	)
	row := d.db.QueryRowContext(ctx,
		`SELECT value, created_at, ttl_ns FROM entries WHERE key = ?`, key)
	if err := row.Scan(&value, &createdAt, &ttlNs); err != nil {
		if err != sql.ErrNoRows && d.errLog.ShouldLog() {
			log.WarningLog.Printf("disk cache read failed, treating as miss: %v", err)
		}
		d.misses.Add(1)
		return nil, false
	}

	if time.Since(time.Unix(0, createdAt)) > time.Duration(ttlNs) {
		// Lazy expiry on access.
		if _, err := d.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil && d.errLog.ShouldLog() {
			log.WarningLog.Printf("disk cache expiry delete failed: %v", err)
		}
		d.misses.Add(1)
		return nil, false
	}

	d.hits.Add(1)
	return value, true
}

func (d *DiskTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = d.defaultTTL
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (key, value, created_at, ttl_ns) VALUES (?, ?, ?, ?)`,
		key, value, time.Now().UnixNano(), int64(ttl))
	if err != nil && d.errLog.ShouldLog() {
		log.WarningLog.Printf("disk cache write failed: %v", err)
	}
}

func (d *DiskTier) Delete(ctx context.Context, key string) {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil && d.errLog.ShouldLog() {
		log.WarningLog.Printf("disk cache delete failed: %v", err)
	}
}

func (d *DiskTier) Clear(ctx context.Context) {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM entries`); err != nil && d.errLog.ShouldLog() {
		log.WarningLog.Printf("disk cache clear failed: %v", err)
	}
}

// Sweep deletes every expired entry in one statement.
func (d *DiskTier) Sweep(ctx context.Context) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM entries WHERE ? - created_at > ttl_ns`, time.Now().UnixNano())
	if err != nil {
		if d.errLog.ShouldLog() {
			log.WarningLog.Printf("disk cache sweep failed: %v", err)
		}
		return
	}
	if n, err := res.RowsAffected(); err == nil {
		d.evictions.Add(uint64(n))
	}
}

func (d *DiskTier) Stats() TierStats {
	var size int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&size); err != nil {
		size = 0
	}
	return TierStats{
		Tier:      TierL2,
		Size:      size,
		MaxSize:   0, // disk tier is unbounded
		Hits:      d.hits.Load(),
		Misses:    d.misses.Load(),
		Evictions: d.evictions.Load(),
	}
}

func (d *DiskTier) Close() error {
	return d.db.Close()
}
