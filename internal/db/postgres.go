package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spacesedan/hookflow/internal/apperr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Pool is the part of *pgxpool.Pool the store runs statements through.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	pool Pool
}

func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies every embedded migration in name order. Statements are
// idempotent so re-running is safe.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("[DB] read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("[DB] read %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("[DB] apply %s: %w", name, err)
		}
		slog.Info("[DB] Applied migration", slog.String("name", name))
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// mapError folds driver errors into the apperr taxonomy. Errors that are
// already classified pass through.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperr.Persistence(op, "duplicate "+pgErr.ConstraintName, err)
		case "23503":
			return apperr.Persistence(op, "missing reference "+pgErr.ConstraintName, err)
		case "23514":
			return apperr.Persistence(op, "check violation "+pgErr.ConstraintName, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func notFound(op, entity string, id any, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, entity, id)
	}
	return mapError(op, err)
}
