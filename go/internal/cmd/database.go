package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/backbone/go/internal/dbconfig"
	"github.com/mcdev12/backbone/go/internal/migrations"
	"github.com/rs/zerolog/log"
)

func setupDatabase(ctx context.Context, dbCfg dbconfig.Config) (*pgxpool.Pool, error) {
	dsn := dbCfg.DSN()

	if err := migrations.Up(dsn); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", dbCfg.Host).
		Str("database", dbCfg.Database).
		Msg("connected to database")
	return pool, nil
}
