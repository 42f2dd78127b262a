package metastore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/hupe1980/paperdex/model"
)

//go:embed schema.sql
var schema string

// DefaultLookupBatch bounds the number of ids bound into one IN (...) query.
const DefaultLookupBatch = 500

// Store is a SQLite-backed MetadataStore.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
	batch    int
	logger   *slog.Logger

	mu     sync.Mutex
	shards map[string]int64
}

type options struct {
	logger *slog.Logger
	batch  int
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLookupBatch sets the maximum number of ids per lookup query.
func WithLookupBatch(n int) Option {
	return func(o *options) { o.batch = n }
}

func applyOptions(opts []Option) options {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		batch:  DefaultLookupBatch,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.batch <= 0 {
		o.batch = DefaultLookupBatch
	}
	return o
}

// Create creates a fresh database at path for bulk loading, replacing any
// existing file. Durability is relaxed during the load: the file is only
// trusted once Close has returned.
func Create(path string, opts ...Option) (*Store, error) {
	o := applyOptions(opts)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale database: %w", err)
		}
	}

	dsn, err := fileDSN(path, "_pragma=journal_mode(OFF)&_pragma=synchronous(OFF)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps the pragmas and serializes the bulk load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	o.logger.Debug("metadata store created", "path", path)
	return &Store{
		db:     db,
		path:   path,
		batch:  o.batch,
		logger: o.logger,
		shards: make(map[string]int64),
	}, nil
}

// fileDSN builds a file: URI so that '?' or '#' in path stay part of the
// file name. The path is made absolute; a relative one would be read as
// the URI authority.
func fileDSN(path, query string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: query}
	return u.String(), nil
}

// Open opens an existing database read-only for serving.
func Open(path string, opts ...Option) (*Store, error) {
	o := applyOptions(opts)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	dsn, err := fileDSN(path, "mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	o.logger.Debug("metadata store opened", "path", path)
	return &Store{db: db, path: path, readOnly: true, batch: o.batch, logger: o.logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// PutBatch inserts rows in a single transaction. Inserting an id twice is an
// error and rolls back the whole batch.
func (s *Store) PutBatch(ctx context.Context, rows []model.Row) error {
	if s.readOnly {
		return errors.New("metastore: store is read-only")
	}
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, article_id, title, date, paper, shard_idx, byte_offset, byte_length)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	added := map[string]int64{}
	for _, r := range rows {
		idx, ok := s.shards[r.Location.Shard]
		if !ok {
			idx, ok = added[r.Location.Shard]
		}
		if !ok {
			idx = int64(len(s.shards) + len(added))
			if _, err := tx.ExecContext(ctx, "INSERT INTO shards (idx, name) VALUES (?, ?)", idx, r.Location.Shard); err != nil {
				return fmt.Errorf("inserting shard %s: %w", r.Location.Shard, err)
			}
			added[r.Location.Shard] = idx
		}
		if _, err := stmt.ExecContext(ctx, int64(r.ID), r.ArticleID, r.Title, r.Date, r.Publication,
			idx, r.Location.Offset, r.Location.Length); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	for name, idx := range added {
		s.shards[name] = idx
	}
	return nil
}

// Get returns the row for id or a *model.NotFoundError.
func (s *Store) Get(ctx context.Context, id model.ID) (model.Row, error) {
	rows, missing, err := s.GetBatch(ctx, []model.ID{id})
	if err != nil {
		return model.Row{}, err
	}
	if err := missing[id]; err != nil {
		return model.Row{}, err
	}
	return rows[id], nil
}

// GetBatch resolves ids. Ids without a row are reported in missing as
// *model.NotFoundError and never fail the call; the returned error is
// reserved for store failures and cancellation.
func (s *Store) GetBatch(ctx context.Context, ids []model.ID) (map[model.ID]model.Row, map[model.ID]error, error) {
	found := make(map[model.ID]model.Row, len(ids))

	for start := 0; start < len(ids); start += s.batch {
		chunk := ids[start:min(start+s.batch, len(ids))]
		if err := s.lookup(ctx, chunk, found); err != nil {
			return nil, nil, err
		}
	}

	missing := make(map[model.ID]error)
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing[id] = &model.NotFoundError{ID: id, What: "metadata"}
		}
	}
	return found, missing, nil
}

func (s *Store) lookup(ctx context.Context, ids []model.ID, into map[model.ID]model.Row) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	query := `
		SELECT c.id, c.article_id, c.title, c.date, c.paper, s.name, c.byte_offset, c.byte_length
		FROM chunks c JOIN shards s ON s.idx = c.shard_idx
		WHERE c.id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			row model.Row
		)
		if err := rows.Scan(&id, &row.ArticleID, &row.Title, &row.Date, &row.Publication,
			&row.Location.Shard, &row.Location.Offset, &row.Location.Length); err != nil {
			return fmt.Errorf("scanning chunk: %w", err)
		}
		row.ID = model.ID(id)
		into[row.ID] = row
	}
	return rows.Err()
}

// Locate returns the text location of id.
func (s *Store) Locate(ctx context.Context, id model.ID) (model.Location, error) {
	row, err := s.Get(ctx, id)
	if err != nil {
		return model.Location{}, err
	}
	return row.Location, nil
}

// LocateBatch returns the text locations of ids with per-id misses.
func (s *Store) LocateBatch(ctx context.Context, ids []model.ID) (map[model.ID]model.Location, map[model.ID]error, error) {
	rows, missing, err := s.GetBatch(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[model.ID]model.Location, len(rows))
	for id, r := range rows {
		out[id] = r.Location
	}
	return out, missing, nil
}

// Count returns the number of chunks.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return uint64(n), nil
}

// Shards returns the shard names in insertion order.
func (s *Store) Shards(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM shards ORDER BY idx")
	if err != nil {
		return nil, fmt.Errorf("listing shards: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning shard: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// SetInfo records a build property such as the embedding model.
func (s *Store) SetInfo(ctx context.Context, key, value string) error {
	if s.readOnly {
		return errors.New("metastore: store is read-only")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO info (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("saving info %s: %w", key, err)
	}
	return nil
}

// Info returns a build property, or "" when unset.
func (s *Store) Info(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM info WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading info %s: %w", key, err)
	}
	return v, nil
}
