package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const pgUniqueViolation = "23505"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS mog_types (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE (kind, name)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_type_properties (
		type_id BIGINT NOT NULL REFERENCES mog_types(id),
		name TEXT NOT NULL,
		data_type TEXT NOT NULL,
		PRIMARY KEY (type_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_executions (
		id BIGSERIAL PRIMARY KEY,
		type_id BIGINT NOT NULL REFERENCES mog_types(id),
		name TEXT,
		state TEXT NOT NULL,
		create_time BIGINT NOT NULL,
		update_time BIGINT NOT NULL,
		UNIQUE (type_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_execution_properties (
		execution_id BIGINT NOT NULL REFERENCES mog_executions(id),
		name TEXT NOT NULL,
		is_custom BOOLEAN NOT NULL,
		data_type TEXT NOT NULL,
		int_value BIGINT,
		double_value DOUBLE PRECISION,
		string_value TEXT,
		PRIMARY KEY (execution_id, name, is_custom)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_contexts (
		id BIGSERIAL PRIMARY KEY,
		type_id BIGINT NOT NULL REFERENCES mog_types(id),
		name TEXT NOT NULL,
		create_time BIGINT NOT NULL,
		UNIQUE (type_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_attributions (
		context_id BIGINT NOT NULL REFERENCES mog_contexts(id),
		execution_id BIGINT NOT NULL REFERENCES mog_executions(id),
		PRIMARY KEY (context_id, execution_id)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_artifacts (
		id BIGSERIAL PRIMARY KEY,
		type_id BIGINT NOT NULL REFERENCES mog_types(id),
		name TEXT,
		uri TEXT NOT NULL,
		create_time BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mog_events (
		id BIGSERIAL PRIMARY KEY,
		artifact_id BIGINT NOT NULL REFERENCES mog_artifacts(id),
		execution_id BIGINT NOT NULL REFERENCES mog_executions(id),
		type TEXT NOT NULL,
		event_time BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS mog_events_execution_idx ON mog_events (execution_id)`,
}

var postgresDialect = dialect{
	name:              "postgres",
	schema:            postgresSchema,
	isUniqueViolation: isPostgresUniqueViolation,
}

func openPostgres(ctx context.Context, dsn string) (*sqlStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	return &sqlStore{
		db:      db,
		dialect: postgresDialect,
		closeFn: closePool(db, pool),
	}, nil
}

func closePool(db *sql.DB, pool *pgxpool.Pool) func() error {
	return func() error {
		err := db.Close()
		pool.Close()
		return err
	}
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
