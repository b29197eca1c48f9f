/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// LedgerTable is the partitioned parent created by the embedded migrations.
const LedgerTable = "ledger_entries"

// PostgreSQL error codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeDuplicateTable       = "42P07"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeAdminShutdown        = "57P01"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time check: *Service must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Service)(nil)

// Service is the PostgreSQL ledger store backed by native range partitioning.
type Service struct {
	db  *sqlx.DB
	cfg models.PartitionConfig
	now func() time.Time
}

func NewService(ctx context.Context, cfg models.DatabaseConfig, pcfg models.PartitionConfig) (*Service, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url cannot be empty")
	}
	if pcfg.Table != LedgerTable {
		return nil, fmt.Errorf("postgres ledger table must be %q, got %q", LedgerTable, pcfg.Table)
	}

	if cfg.AutoMigrate {
		if err := Migrate(cfg.URL); err != nil {
			return nil, err
		}
	}

	zap.L().Info("Connecting to PostgreSQL")
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := newService(db, pcfg)
	if pcfg.CatchAllEnabled {
		if err := service.ensureDefaultPartition(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create default partition: %w", err)
		}
	}

	zap.L().Info("PostgreSQL service initialized successfully",
		zap.String("ledger_table", pcfg.Table),
		zap.Bool("catch_all", pcfg.CatchAllEnabled))
	return service, nil
}

func newService(db *sqlx.DB, pcfg models.PartitionConfig) *Service {
	return &Service{db: db, cfg: pcfg, now: time.Now}
}

// Migrate applies the embedded schema migrations.
func Migrate(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	zap.L().Info("Migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// NewMigrator returns a migrate instance reading the embedded migrations.
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// migrateURL maps pgx-style DSN schemes onto the one the migrate driver registers.
func migrateURL(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "postgresql://") {
		return "postgres://" + strings.TrimPrefix(databaseURL, "postgresql://")
	}
	return databaseURL
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) beginTx(ctx context.Context, op string) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	return tx, nil
}

func (s *Service) commit(tx *sqlx.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return classify(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify marks serialization failures, deadlocks and lost connections as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch code := pgCode(err); {
	case code == codeSerializationFailure, code == codeDeadlockDetected, code == codeAdminShutdown:
		return &store.TransientError{Op: op, Err: err}
	case strings.HasPrefix(code, "08"):
		return &store.TransientError{Op: op, Err: err}
	case code == "" && pgconn.SafeToRetry(err):
		return &store.TransientError{Op: op, Err: err}
	}
	if pgconn.Timeout(err) {
		return &store.TransientError{Op: op, Err: err}
	}
	return err
}
