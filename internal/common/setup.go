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

package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"farm-ledger-go/internal/database"
	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/policy"
	"farm-ledger-go/internal/postgres"
	"farm-ledger-go/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export or docker.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	Store  store.LedgerStore
	Policy *policy.Policy
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeStore opens the ledger backend selected by DB_DRIVER.
func InitializeStore(ctx context.Context, cfg *models.Config) (store.LedgerStore, error) {
	switch cfg.Database.Driver {
	case "postgres":
		zap.L().Info("Connecting to PostgreSQL ledger")
		service, err := postgres.NewService(ctx, cfg.Database, cfg.Partitions)
		if err != nil {
			return nil, err
		}
		return service, nil
	case "sqlite", "":
		zap.L().Info("Opening SQLite ledger", zap.String("path", cfg.Database.Path))
		service, err := database.NewService(ctx, cfg.Database, cfg.Partitions)
		if err != nil {
			return nil, err
		}
		return service, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// InitializeServices opens the store and loads the reward policy.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	ledger, err := InitializeStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Loading reward policy", zap.String("file", cfg.PolicyFile))
	p, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		ledger.Close()
		return nil, err
	}
	zap.L().Info("Reward policy loaded",
		zap.Int("tiers", len(p.Tiers)),
		zap.Int("referral_depth", p.Levels.MaxDepth()))

	return &Services{Store: ledger, Policy: p}, nil
}

func (cs *Services) Close() {
	if cs.Store != nil {
		cs.Store.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
