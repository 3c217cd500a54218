package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c-atts/catts-app/pkg/types"
)

// Schema runs 資料表；data 為完整的 Run JSON，其餘欄位供查詢使用
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	creator    TEXT NOT NULL,
	created    BIGINT NOT NULL,
	chain_id   BIGINT NOT NULL,
	status     SMALLINT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS runs_creator_created_idx ON runs (creator, created DESC);
`

// PostgresStore 以 PostgreSQL 持久化 Run
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres 連線並確認資料庫可用
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
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
	return &PostgresStore{pool: pool}, nil
}

// Migrate 建立資料表（冪等）
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Insert(ctx context.Context, run *types.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, creator, created, chain_id, status, data)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, run.ID.String(), run.Creator.Hex(), run.Created, int64(run.ChainID), int16(run.Status()), string(data))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id types.RunID) (*types.Run, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM runs WHERE id=$1`, id.String()).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, nil
}

func (s *PostgresStore) Update(ctx context.Context, run *types.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status=$2, data=$3::jsonb, updated_at=now()
		WHERE id=$1
	`, run.ID.String(), int16(run.Status()), string(data))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByCreator(ctx context.Context, creator common.Address) ([]*types.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM runs
		WHERE creator=$1
		ORDER BY created DESC
	`, creator.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}
