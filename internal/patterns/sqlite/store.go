// Package sqlite is the embedded pattern store. It is the default for a
// single-process deployment.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

const patternColumns = `id, fingerprint, question, question_key, sql_text, score, use_count, created_at, last_used_at`

const rankingOrder = `score DESC, last_used_at DESC, use_count DESC, question_key ASC, id ASC`

type Store struct {
	db   *sql.DB
	opts patterns.Options

	// SQLite admits one writer; the mutex keeps same-process writers from
	// spinning on SQLITE_BUSY.
	writeMu sync.Mutex
}

var _ patterns.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, opts patterns.Options) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return &Store{db: db, opts: opts}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", patterns.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, p patterns.Pattern, outcome patterns.Outcome) (patterns.Pattern, error) {
	prepared, err := patterns.Prepare(p, s.opts.Now())
	if err != nil {
		return patterns.Pattern{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return patterns.Pattern{}, unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM query_pattern WHERE fingerprint = ? AND question_key = ?`,
		string(prepared.Fingerprint), prepared.QuestionKey)
	current, err := scanPattern(row)
	var existing *patterns.Pattern
	switch {
	case err == nil:
		existing = &current
	case errors.Is(err, sql.ErrNoRows):
	default:
		return patterns.Pattern{}, unavailable("select pattern", err)
	}

	stored, err := patterns.Apply(existing, prepared, outcome, s.opts.Rate())
	if err != nil {
		return patterns.Pattern{}, err
	}

	if existing == nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO query_pattern (`+patternColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			stored.ID, string(stored.Fingerprint), stored.Question, stored.QuestionKey, stored.SQL,
			stored.Score, stored.UseCount, stored.CreatedAt.UnixNano(), stored.LastUsedAt.UnixNano())
		if err != nil {
			return patterns.Pattern{}, unavailable("insert pattern", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE query_pattern SET sql_text = ?, score = ?, use_count = ?, last_used_at = ? WHERE id = ?`,
			stored.SQL, stored.Score, stored.UseCount, stored.LastUsedAt.UnixNano(), stored.ID)
		if err != nil {
			return patterns.Pattern{}, unavailable("update pattern", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return patterns.Pattern{}, unavailable("commit", err)
	}
	return stored, nil
}

func (s *Store) Candidates(ctx context.Context, fp schema.Fingerprint) ([]patterns.Pattern, error) {
	return queryPatterns(ctx, s.db, fp)
}

func (s *Store) Prune(ctx context.Context, fp schema.Fingerprint, policy patterns.PrunePolicy) (int, error) {
	if policy.IsZero() {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	items, err := queryPatterns(ctx, tx, fp)
	if err != nil {
		return 0, err
	}
	removed := patterns.SelectForPrune(items, policy)
	for _, p := range removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM query_pattern WHERE id = ?`, p.ID); err != nil {
			return 0, unavailable("delete pattern", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit", err)
	}
	return len(removed), nil
}

func (s *Store) Fingerprints(ctx context.Context) ([]schema.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT fingerprint FROM query_pattern ORDER BY fingerprint`)
	if err != nil {
		return nil, unavailable("query fingerprints", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]schema.Fingerprint, 0)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, unavailable("scan fingerprint", err)
		}
		out = append(out, schema.Fingerprint(fp))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows error", err)
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func queryPatterns(ctx context.Context, q queryer, fp schema.Fingerprint) ([]patterns.Pattern, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+patternColumns+` FROM query_pattern WHERE fingerprint = ? ORDER BY `+rankingOrder, string(fp))
	if err != nil {
		return nil, unavailable("query patterns", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]patterns.Pattern, 0)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, unavailable("scan pattern", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows error", err)
	}
	return out, nil
}

func scanPattern(row scanner) (patterns.Pattern, error) {
	var (
		p          patterns.Pattern
		fp         string
		createdAt  int64
		lastUsedAt int64
	)
	if err := row.Scan(&p.ID, &fp, &p.Question, &p.QuestionKey, &p.SQL, &p.Score, &p.UseCount, &createdAt, &lastUsedAt); err != nil {
		return patterns.Pattern{}, err
	}
	p.Fingerprint = schema.Fingerprint(fp)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.LastUsedAt = time.Unix(0, lastUsedAt).UTC()
	return p, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", patterns.ErrStoreUnavailable, op, err)
}
