package cache

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache stores entries in a SQLite database.
type SQLiteCache struct {
	db           *sql.DB
	writeMutex   *sync.Mutex
	queryTimeout time.Duration
	clock        func() time.Time
}

var _ Store = (*SQLiteCache)(nil)

// NewSQLiteCache opens (and creates if needed) the cache database in the given file.
// If file name is empty or `memory`, a new in-memory db is opened.
func NewSQLiteCache(filename string, opts ...Option) (*SQLiteCache, error) {
	o := applyOptions(opts)
	if filename == "" || filename == "memory" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrap(err, "opening cache database")
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			modified INTEGER NOT NULL,
			expires INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (namespace, id)
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "preparing cache database")
		}
	}
	return &SQLiteCache{
		db:           db,
		writeMutex:   &sync.Mutex{},
		queryTimeout: o.queryTimeout,
		clock:        o.clock,
	}, nil
}

func (s *SQLiteCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.queryTimeout)
}

func (s *SQLiteCache) entry(ctx context.Context, id, namespace string) (Entry, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	entry := Entry{Namespace: namespace, ID: id}
	var modified int64
	err := s.db.QueryRowContext(qctx,
		"SELECT modified, bytes FROM cache WHERE namespace = ? AND id = ?", namespace, id,
	).Scan(&modified, &entry.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.Modified = time.Unix(0, modified)
	return entry, true, nil
}

func (s *SQLiteCache) Get(ctx context.Context, id, namespace string, lifeTime time.Duration) ([]byte, bool, error) {
	entry, ok, err := s.entry(ctx, id, namespace)
	if !ok || err != nil {
		return nil, false, err
	}
	if !entry.Fresh(lifeTime, s.clock()) {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

func (s *SQLiteCache) Has(ctx context.Context, id, namespace string, lifeTime time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var modified int64
	err := s.db.QueryRowContext(qctx,
		"SELECT modified FROM cache WHERE namespace = ? AND id = ?", namespace, id,
	).Scan(&modified)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return Entry{Modified: time.Unix(0, modified)}.Fresh(lifeTime, s.clock()), nil
}

func (s *SQLiteCache) Set(ctx context.Context, id, namespace string, data []byte, lifeTime time.Duration) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	now := s.clock()
	var expires int64
	if lifeTime > 0 {
		expires = now.Add(lifeTime).Unix()
	}
	_, err := s.db.ExecContext(qctx,
		"INSERT OR REPLACE INTO cache (namespace, id, modified, expires, bytes) VALUES (?, ?, ?, ?, ?)",
		namespace, id, now.UnixNano(), expires, data)
	return err
}

func (s *SQLiteCache) Remove(ctx context.Context, id, namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, "DELETE FROM cache WHERE namespace = ? AND id = ?", namespace, id)
	return err
}

func (s *SQLiteCache) LastModified(ctx context.Context, id, namespace string) (time.Time, error) {
	entry, ok, err := s.entry(ctx, id, namespace)
	if !ok || err != nil {
		return time.Time{}, err
	}
	return entry.Modified, nil
}

func (s *SQLiteCache) Clean(ctx context.Context, namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	namespace = strings.TrimSuffix(namespace, "/")
	if namespace == "" {
		_, err := s.db.ExecContext(qctx, "DELETE FROM cache")
		return err
	}
	_, err := s.db.ExecContext(qctx,
		"DELETE FROM cache WHERE namespace = ? OR substr(namespace, 1, ?) = ?",
		namespace, len(namespace)+1, namespace+"/")
	return err
}

// Purge removes the entries whose write lifetime has passed.
func (s *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(qctx, "DELETE FROM cache WHERE expires > 0 AND expires <= ?", s.clock().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}
