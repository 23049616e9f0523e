package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"meganode/internal/ids"
	"meganode/pkg/logger"
)

// PostgresConfig mirrors the connection settings of the operator's
// remote store.
type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DB              string
	SslMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime int
	MaxConnIdleTime int
	MigrationPath   string // "file://..." source for golang-migrate
}

// RemoteStore is the enclave-authenticated, operator-controlled half
// of the dual-write backend (spec §4.5). It is the durable-SQL
// counterpart to CloudStore's fast ephemeral cache.
type RemoteStore struct {
	pool          *pgxpool.Pool
	migrationPath string
}

// NewRemoteStore opens the connection pool and pings it.
func NewRemoteStore(ctx context.Context, cfg PostgresConfig) (*RemoteStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DB, cfg.SslMode)
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		logger.Error("remote store: failed to parse connection config", zap.Error(err))
		return nil, err
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime) * time.Minute
	poolCfg.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleTime) * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("remote store: failed to create connection pool", zap.Error(err))
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("remote store: ping failed", zap.Error(err))
		return nil, err
	}

	migrationPath := cfg.MigrationPath
	if migrationPath == "" {
		migrationPath = "file://migrations/store"
	}

	logger.Info("remote store: connection pool created")
	return &RemoteStore{pool: pool, migrationPath: migrationPath}, nil
}

// RunMigrations applies the channel_monitors schema.
func (s *RemoteStore) RunMigrations() error {
	connStr := s.pool.Config().ConnString()
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("remote store: open sql.DB for migrations: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("remote store: create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.migrationPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("remote store: create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("remote store: migration failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RemoteStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Put upserts rec, refusing to let a lower update id overwrite a
// higher one already stored for the same Txo (spec §4.5's monotone
// update_id invariant, enforced in the WHERE clause rather than a
// read-then-write race).
func (s *RemoteStore) Put(ctx context.Context, rec MonitorRecord) error {
	query := `INSERT INTO channel_monitors (txo, update_id, blob, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (txo) DO UPDATE
		SET update_id = EXCLUDED.update_id, blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at
		WHERE channel_monitors.update_id < EXCLUDED.update_id`

	_, err := s.pool.Exec(ctx, query, rec.Txo.String(), rec.UpdateID, rec.Blob)
	if err != nil {
		return fmt.Errorf("remote store: put %s: %w", rec.Txo, err)
	}
	return nil
}

func (s *RemoteStore) Get(ctx context.Context, txo ids.LxOutPoint) (MonitorRecord, bool, error) {
	query := `SELECT update_id, blob FROM channel_monitors WHERE txo = $1`

	var rec MonitorRecord
	rec.Txo = txo
	err := s.pool.QueryRow(ctx, query, txo.String()).Scan(&rec.UpdateID, &rec.Blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MonitorRecord{}, false, nil
		}
		return MonitorRecord{}, false, fmt.Errorf("remote store: get %s: %w", txo, err)
	}
	return rec, true, nil
}

func (s *RemoteStore) List(ctx context.Context) ([]MonitorRecord, error) {
	query := `SELECT txo, update_id, blob FROM channel_monitors`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("remote store: list: %w", err)
	}
	defer rows.Close()

	var out []MonitorRecord
	for rows.Next() {
		var txoStr string
		var rec MonitorRecord
		if err := rows.Scan(&txoStr, &rec.UpdateID, &rec.Blob); err != nil {
			return nil, fmt.Errorf("remote store: scan row: %w", err)
		}
		txo, err := ids.ParseLxOutPoint(txoStr)
		if err != nil {
			return nil, fmt.Errorf("remote store: list: %w", err)
		}
		rec.Txo = txo
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remote store: row iteration: %w", err)
	}
	return out, nil
}

func (s *RemoteStore) Delete(ctx context.Context, txo ids.LxOutPoint) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM channel_monitors WHERE txo = $1`, txo.String())
	if err != nil {
		return fmt.Errorf("remote store: delete %s: %w", txo, err)
	}
	return nil
}

func (s *RemoteStore) PutArchive(ctx context.Context, rec MonitorRecord) error {
	query := `INSERT INTO channel_monitors_archive (txo, blob, archived_at)
		VALUES ($1, $2, now())
		ON CONFLICT (txo) DO UPDATE
		SET blob = EXCLUDED.blob, archived_at = EXCLUDED.archived_at`

	_, err := s.pool.Exec(ctx, query, rec.Txo.String(), rec.Blob)
	if err != nil {
		return fmt.Errorf("remote store: archive %s: %w", rec.Txo, err)
	}
	return nil
}
