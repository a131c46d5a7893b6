package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS gridsense_entries (
	id         TEXT PRIMARY KEY,
	unique_id  TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL,
	host       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`

// PostgresRepository keeps config entries in the gridsense_entries table.
type PostgresRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenPostgres connects with retries and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresRepository, error) {
	const maxRetries = 5
	var lastErr error
	for i := range maxRetries {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		if lastErr = db.PingContext(ctx); lastErr == nil {
			db.SetMaxOpenConns(5)
			db.SetMaxIdleConns(2)
			db.SetConnMaxLifetime(5 * time.Minute)
			repo := &PostgresRepository{db: db, logger: logger}
			if err := repo.migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
			return repo, nil
		}
		db.Close()
		logger.Warn("store: postgres not reachable, retrying", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return nil, lastErr
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, postgresSchema)
	return err
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) List(ctx context.Context) ([]domain.ConfigEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, unique_id, title, host, created_at FROM gridsense_entries ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.ConfigEntry{}
	for rows.Next() {
		var e domain.ConfigEntry
		if err := rows.Scan(&e.Id, &e.UniqueId, &e.Title, &e.Host, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*domain.ConfigEntry, error) {
	var e domain.ConfigEntry
	err := r.db.QueryRowContext(ctx,
		`SELECT id, unique_id, title, host, created_at FROM gridsense_entries WHERE id = $1`, id,
	).Scan(&e.Id, &e.UniqueId, &e.Title, &e.Host, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PostgresRepository) Add(ctx context.Context, entry domain.ConfigEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gridsense_entries (id, unique_id, title, host, created_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.Id, entry.UniqueId, entry.Title, entry.Host, entry.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEntry
	}
	return err
}

func (r *PostgresRepository) Update(ctx context.Context, entry domain.ConfigEntry) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gridsense_entries SET unique_id = $2, title = $3, host = $4 WHERE id = $1`,
		entry.Id, entry.UniqueId, entry.Title, entry.Host,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (r *PostgresRepository) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM gridsense_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}
