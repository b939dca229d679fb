package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/sagaflow/internal/runtime/clock"
)

const tableName = "sagaflow_kv"

type dialect struct {
	name   string
	driver string
	schema string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	sqliteDialect = dialect{
		name:   BackendSQLite,
		driver: "sqlite3",
		schema: `
	CREATE TABLE IF NOT EXISTS sagaflow_kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sagaflow_kv_expires ON sagaflow_kv(expires_at);
	`,
	}

	postgresDialect = dialect{
		name:     BackendPostgres,
		driver:   "postgres",
		numbered: true,
		schema: `
	CREATE TABLE IF NOT EXISTS sagaflow_kv (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sagaflow_kv_expires ON sagaflow_kv(expires_at);
	`,
	}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on top of database/sql. Times are stored as Unix
// nanoseconds and every mutation is a single statement, so the database's
// row-level atomicity gives the per-key guarantees.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   clock.Clock
	queries sqlQueries
}

type sqlQueries struct {
	get, put, putIfAbsent, cas, casKeep, cad, del, list, listLimit, sweep string
}

// OpenSQLite opens (or creates) the SQLite database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(ctx context.Context, path string, c clock.Clock) (*SQLStore, error) {
	if path == "" {
		path = "sagaflow.db"
	}
	db, err := sql.Open(sqliteDialect.driver, path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// one connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLStore(ctx, db, sqliteDialect, c)
}

// OpenPostgres connects to PostgreSQL using a lib/pq connection string.
func OpenPostgres(ctx context.Context, connStr string, c clock.Clock) (*SQLStore, error) {
	if connStr == "" {
		return nil, errors.New("kv: postgres connection string is required")
	}
	db, err := sql.Open(postgresDialect.driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return newSQLStore(ctx, db, postgresDialect, c)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, c clock.Clock) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: d,
		clock:   clock.OrReal(c),
		queries: buildQueries(d),
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func buildQueries(d dialect) sqlQueries {
	const live = "(expires_at = 0 OR expires_at > ?)"
	upsert := `INSERT INTO ` + tableName + ` (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`
	list := `SELECT key, value, expires_at, updated_at FROM ` + tableName + `
		WHERE key LIKE ? ESCAPE '\' AND ` + live + ` ORDER BY key`

	return sqlQueries{
		get:         d.rebind(`SELECT value, expires_at, updated_at FROM ` + tableName + ` WHERE key = ? AND ` + live),
		put:         d.rebind(upsert),
		putIfAbsent: d.rebind(upsert + ` WHERE ` + tableName + `.expires_at <> 0 AND ` + tableName + `.expires_at <= ?`),
		cas:         d.rebind(`UPDATE ` + tableName + ` SET value = ?, expires_at = ?, updated_at = ? WHERE key = ? AND value = ? AND ` + live),
		casKeep:     d.rebind(`UPDATE ` + tableName + ` SET value = ?, updated_at = ? WHERE key = ? AND value = ? AND ` + live),
		cad:         d.rebind(`DELETE FROM ` + tableName + ` WHERE key = ? AND value = ? AND ` + live),
		del:         d.rebind(`DELETE FROM ` + tableName + ` WHERE key = ?`),
		list:        d.rebind(list),
		listLimit:   d.rebind(list + ` LIMIT ?`),
		sweep:       d.rebind(`DELETE FROM ` + tableName + ` WHERE expires_at <> 0 AND expires_at <= ?`),
	}
}

func (s *SQLStore) now() int64 {
	return s.clock.Now().UnixNano()
}

func (s *SQLStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now().Add(ttl).UnixNano()
}

func (s *SQLStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var (
		value     []byte
		expiresAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.queries.get, key, s.now()).Scan(&value, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return toRecord(key, value, expiresAt, updatedAt), true, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.db.ExecContext(ctx, s.queries.put, key, cloneBytes(value), s.expiry(ttl), s.now()); err != nil {
		return fmt.Errorf("kv: put %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.queries.putIfAbsent, key, cloneBytes(value), s.expiry(ttl), now, now)
	if err != nil {
		return false, fmt.Errorf("kv: put-if-absent %q: %w", key, err)
	}
	return affected(res)
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	var (
		res sql.Result
		err error
	)
	if ttl < 0 {
		res, err = s.db.ExecContext(ctx, s.queries.casKeep, cloneBytes(value), now, key, cloneBytes(old), now)
	} else {
		res, err = s.db.ExecContext(ctx, s.queries.cas, cloneBytes(value), s.expiry(ttl), now, key, cloneBytes(old), now)
	}
	if err != nil {
		return false, fmt.Errorf("kv: compare-and-swap %q: %w", key, err)
	}
	return affected(res)
}

func (s *SQLStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.queries.cad, key, cloneBytes(old), s.now())
	if err != nil {
		return false, fmt.Errorf("kv: compare-and-delete %q: %w", key, err)
	}
	return affected(res)
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.queries.del, key); err != nil {
		return fmt.Errorf("kv: delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix string, limit int) ([]Record, error) {
	pattern := escapeLike(prefix) + "%"

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, s.queries.listLimit, pattern, s.now(), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.queries.list, pattern, s.now())
	}
	if err != nil {
		return nil, fmt.Errorf("kv: list %q: %w", prefix, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			key       string
			value     []byte
			expiresAt int64
			updatedAt int64
		)
		if err := rows.Scan(&key, &value, &expiresAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("kv: scan: %w", err)
		}
		// sqlite LIKE ignores ASCII case
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		records = append(records, toRecord(key, value, expiresAt, updatedAt))
	}
	return records, rows.Err()
}

// Sweep deletes expired rows.
func (s *SQLStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.queries.sweep, s.now())
	if err != nil {
		return 0, fmt.Errorf("kv: sweep: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Backend returns the dialect name, "sqlite" or "postgres".
func (s *SQLStore) Backend() string {
	return s.dialect.name
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func toRecord(key string, value []byte, expiresAt, updatedAt int64) Record {
	rec := Record{Key: key, Value: cloneBytes(value)}
	if expiresAt > 0 {
		rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	}
	if updatedAt > 0 {
		rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	}
	return rec
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
