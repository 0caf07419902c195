package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// Dialect selects placeholder syntax. The schema itself is portable.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// bind rewrites `?` placeholders for the dialect.
func (d Dialect) bind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS fabric_checkpoints (
	sequence BIGINT PRIMARY KEY,
	digest TEXT NOT NULL,
	created_at TEXT NOT NULL,
	frontier_size INTEGER NOT NULL,
	node_count INTEGER NOT NULL,
	body TEXT NOT NULL
);
`

// SQLStore keeps checkpoints in a relational table. It works with SQLite
// (modernc.org/sqlite) and Postgres (lib/pq) through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSQLStore wraps an open database. Call Init before use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "checkpoint-store", "backend", dialect.String()),
	}
}

// OpenSQLite opens a SQLite database at dsn and initialises the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db, DialectSQLite)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens a Postgres database at url and initialises the schema.
func OpenPostgres(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open postgres: %w", err)
	}
	s := NewSQLStore(db, DialectPostgres)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the checkpoint table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("checkpoint: init schema: %w", err)
	}
	return nil
}

func toKey(seq uint64) (int64, error) {
	if seq > math.MaxInt64 {
		return 0, fmt.Errorf("checkpoint: sequence %d exceeds BIGINT", seq)
	}
	return int64(seq), nil
}

func (s *SQLStore) Save(ctx context.Context, cp *kernel.Checkpoint) error {
	if err := checkSealed(cp); err != nil {
		return err
	}
	key, err := toKey(cp.Sequence)
	if err != nil {
		return err
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO fabric_checkpoints (sequence, digest, created_at, frontier_size, node_count, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (sequence) DO NOTHING`),
		key, cp.Digest, cp.CreatedAt.UTC().Format(timeLayout), len(cp.Frontier), len(cp.Nodes), string(body),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: insert: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checkpoint: rows affected: %w", err)
	}
	if rows == 0 {
		existing, err := s.Get(ctx, cp.Sequence)
		if err != nil {
			return err
		}
		return reconcile(existing, cp)
	}

	s.logger.InfoContext(ctx, "checkpoint saved", "sequence", cp.Sequence, "digest", cp.Digest)
	return nil
}

func (s *SQLStore) Get(ctx context.Context, seq uint64) (*kernel.Checkpoint, error) {
	key, err := toKey(seq)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT body FROM fabric_checkpoints WHERE sequence = ?`), key)
	return s.scanBody(row, seq)
}

func (s *SQLStore) Latest(ctx context.Context) (*kernel.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM fabric_checkpoints ORDER BY sequence DESC LIMIT 1`)
	cp, err := s.scanBody(row, 0)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return cp, err
}

func (s *SQLStore) scanBody(row *sql.Row, seq uint64) (*kernel.Checkpoint, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Sequence: seq}
		}
		return nil, fmt.Errorf("checkpoint: query: %w", err)
	}
	var cp kernel.Checkpoint
	if err := json.Unmarshal([]byte(body), &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, digest, created_at, frontier_size, node_count
		FROM fabric_checkpoints ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			seq     int64
			created string
			sum     Summary
		)
		if err := rows.Scan(&seq, &sum.Digest, &created, &sum.Frontier, &sum.Nodes); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		sum.Sequence = uint64(seq)
		if sum.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("checkpoint: created_at of %d: %w", seq, err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
