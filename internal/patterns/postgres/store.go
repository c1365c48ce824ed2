// Package postgres is the shared pattern store for deployments where several
// processes learn into the same database. Writers serialize on transaction
// scoped advisory locks: Put holds a shared lock on the fingerprint and an
// exclusive lock on its key, Prune holds the fingerprint lock exclusively.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/schema"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db   *sql.DB
	opts patterns.Options
}

var _ patterns.Store = (*Store)(nil)

func NewStore(db *sql.DB, opts patterns.Options) *Store {
	return &Store{db: db, opts: opts}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping pattern store db: %w", patterns.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, p patterns.Pattern, outcome patterns.Outcome) (patterns.Pattern, error) {
	prepared, err := patterns.Prepare(p, s.opts.Now())
	if err != nil {
		return patterns.Pattern{}, err
	}

	var stored patterns.Pattern
	err = s.withTx(ctx, func(tx dbTX) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock_shared(hashtextextended($1, 0))`, string(prepared.Fingerprint)); err != nil {
			return unavailable("lock fingerprint", err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, keyLock(prepared)); err != nil {
			return unavailable("lock pattern key", err)
		}

		query := `
SELECT id, fingerprint, question, question_key, sql_text, score, use_count, created_at, last_used_at
FROM query_pattern
WHERE fingerprint = $1 AND question_key = $2`
		current, err := scanPattern(tx.QueryRowContext(ctx, query, string(prepared.Fingerprint), prepared.QuestionKey))
		var existing *patterns.Pattern
		switch {
		case err == nil:
			existing = &current
		case errors.Is(err, sql.ErrNoRows):
		default:
			return unavailable("select pattern", err)
		}

		next, err := patterns.Apply(existing, prepared, outcome, s.opts.Rate())
		if err != nil {
			return err
		}

		upsert := `
INSERT INTO query_pattern (id, fingerprint, question, question_key, sql_text, score, use_count, created_at, last_used_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (fingerprint, question_key)
DO UPDATE SET sql_text = EXCLUDED.sql_text, score = EXCLUDED.score, use_count = EXCLUDED.use_count, last_used_at = EXCLUDED.last_used_at`
		if _, err := tx.ExecContext(ctx, upsert,
			next.ID, string(next.Fingerprint), next.Question, next.QuestionKey, next.SQL,
			next.Score, next.UseCount, next.CreatedAt, next.LastUsedAt,
		); err != nil {
			return unavailable("upsert pattern", err)
		}
		stored = next
		return nil
	})
	if err != nil {
		return patterns.Pattern{}, err
	}
	return stored, nil
}

func (s *Store) Candidates(ctx context.Context, fp schema.Fingerprint) ([]patterns.Pattern, error) {
	return listPatterns(ctx, s.db, fp)
}

func (s *Store) Prune(ctx context.Context, fp schema.Fingerprint, policy patterns.PrunePolicy) (int, error) {
	if policy.IsZero() {
		return 0, nil
	}

	removed := 0
	err := s.withTx(ctx, func(tx dbTX) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(fp)); err != nil {
			return unavailable("lock fingerprint", err)
		}
		items, err := listPatterns(ctx, tx, fp)
		if err != nil {
			return err
		}
		for _, p := range patterns.SelectForPrune(items, policy) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM query_pattern WHERE id = $1`, p.ID); err != nil {
				return unavailable("delete pattern", err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
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

func (s *Store) withTx(ctx context.Context, fn func(tx dbTX) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit tx", err)
	}
	return nil
}

func listPatterns(ctx context.Context, q dbTX, fp schema.Fingerprint) ([]patterns.Pattern, error) {
	query := `
SELECT id, fingerprint, question, question_key, sql_text, score, use_count, created_at, last_used_at
FROM query_pattern
WHERE fingerprint = $1
ORDER BY score DESC, last_used_at DESC, use_count DESC, question_key ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, string(fp))
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

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(row scanner) (patterns.Pattern, error) {
	var (
		p  patterns.Pattern
		fp string
	)
	if err := row.Scan(&p.ID, &fp, &p.Question, &p.QuestionKey, &p.SQL, &p.Score, &p.UseCount, &p.CreatedAt, &p.LastUsedAt); err != nil {
		return patterns.Pattern{}, err
	}
	p.Fingerprint = schema.Fingerprint(fp)
	p.CreatedAt = p.CreatedAt.UTC()
	p.LastUsedAt = p.LastUsedAt.UTC()
	return p, nil
}

func keyLock(p patterns.Pattern) string {
	return string(p.Fingerprint) + "/" + p.QuestionKey
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", patterns.ErrStoreUnavailable, op, err)
}
