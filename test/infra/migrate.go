package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"esdispatch/migrations"
)

// Schema is a migrated search_path the harness connects into. On a shared
// database every run gets its own schema, dropped by Drop.
type Schema struct {
	dsn  string
	name string
}

// Migrate prepares a schema on dsn and applies the embedded migrations.
func Migrate(ctx context.Context, dsn string, isolate bool) (*Schema, error) {
	s := &Schema{dsn: dsn}
	if isolate {
		s.name = fmt.Sprintf("esd_run_%d", time.Now().UnixNano())
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect for schema: %w", err)
		}
		defer conn.Close(ctx)
		if _, err := conn.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{s.name}.Sanitize()); err != nil {
			return nil, fmt.Errorf("create schema %s: %w", s.name, err)
		}
	}

	pool, err := s.Open(ctx, "esd-migrate", 2)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	if _, err := migrations.Apply(ctx, pool); err != nil {
		return nil, err
	}
	return s, nil
}

// Open returns a pool bound to the schema. appName tags its backends in
// pg_stat_activity.
func (s *Schema) Open(ctx context.Context, appName string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.ConnConfig.RuntimeParams["application_name"] = appName
	if s.name != "" {
		setPath := "SET search_path TO " + pgx.Identifier{s.name}.Sanitize()
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	if err := waitReady(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Drop removes an isolated schema; it is a no-op otherwise.
func (s *Schema) Drop(ctx context.Context) error {
	if s.name == "" {
		return nil
	}
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{s.name}.Sanitize()+" CASCADE")
	return err
}

func waitReady(ctx context.Context, pool *pgxpool.Pool) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		err := pool.Ping(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not ready: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
