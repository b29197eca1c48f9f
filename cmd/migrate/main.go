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

package main

import (
	"errors"
	"flag"
	"fmt"

	"farm-ledger-go/internal/common"
	"farm-ledger-go/internal/config"
	"farm-ledger-go/internal/postgres"

	"github.com/golang-migrate/migrate/v4"
	"go.uber.org/zap"
)

func main() {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	downFlag := flag.Bool("down", false, "Roll back migrations instead of applying them")
	stepsFlag := flag.Int("steps", 0, "Number of migrations to apply or roll back (0 means all)")
	versionFlag := flag.Bool("version", false, "Print the current schema version and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.Database.Driver != "postgres" {
		zap.L().Fatal("Migrations only apply to the postgres driver", zap.String("driver", cfg.Database.Driver))
	}

	m, err := postgres.NewMigrator(cfg.Database.URL)
	if err != nil {
		zap.L().Fatal("Failed to create migrator", zap.Error(err))
	}
	defer m.Close()

	if !*versionFlag {
		switch {
		case *stepsFlag > 0 && *downFlag:
			err = m.Steps(-*stepsFlag)
		case *stepsFlag > 0:
			err = m.Steps(*stepsFlag)
		case *downFlag:
			err = m.Down()
		default:
			err = m.Up()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			zap.L().Fatal("Migration failed", zap.Bool("down", *downFlag), zap.Int("steps", *stepsFlag), zap.Error(err))
		}
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		zap.L().Fatal("Failed to read schema version", zap.Error(err))
	}
	fmt.Printf("Schema version: %d (dirty: %t)\n", version, dirty)
	zap.L().Info("Migration finished", zap.Uint("version", version), zap.Bool("dirty", dirty))
}
