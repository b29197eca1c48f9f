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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/partition"
)

func Load() (*models.Config, error) {
	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	cycleInterval, err := getEnvDuration("CYCLE_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	cycleBudget, err := getEnvDuration("CYCLE_BUDGET", 45*time.Second)
	if err != nil {
		return nil, err
	}

	retryBackoff, err := getEnvDuration("CYCLE_RETRY_BACKOFF", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}

	maintenanceInterval, err := getEnvDuration("PARTITION_MAINTENANCE_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	lockTTL, err := getEnvDuration("REDIS_LOCK_TTL", 2*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Driver:          getEnvString("DB_DRIVER", "sqlite"),
			Path:            getEnvString("DATABASE_PATH", "farm.db"),
			URL:             getEnvString("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Partitions: models.PartitionConfig{
			Table:              getEnvString("PARTITION_TABLE", "ledger_entries"),
			Granularity:        getEnvString("PARTITION_GRANULARITY", "day"),
			ForwardHorizonDays: getEnvInt("PARTITION_FORWARD_DAYS", 7),
			BackfillDays:       getEnvInt("PARTITION_BACKFILL_DAYS", 1),
			CatchAllEnabled:    getEnvBool("PARTITION_CATCH_ALL", true),
		},
		Cycle: models.CycleConfig{
			Interval:      cycleInterval,
			Budget:        cycleBudget,
			Workers:       getEnvInt("CYCLE_WORKERS", 8),
			BatchSize:     getEnvInt("CYCLE_DISTRIBUTION_BATCH", 500),
			RetryAttempts: getEnvInt("CYCLE_RETRY_ATTEMPTS", 3),
			RetryBackoff:  retryBackoff,
		},
		Maintenance: models.MaintenanceConfig{
			Interval: maintenanceInterval,
		},
		Redis: models.RedisConfig{
			Addr:     getEnvString("REDIS_ADDR", ""),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  lockTTL,
		},
		Kafka: models.KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS"),
			CycleTopic: getEnvString("KAFKA_CYCLE_TOPIC", "farm.cycle-reports"),
		},
		Ops: models.OpsConfig{
			Addr: getEnvString("OPS_ADDR", ":9090"),
		},
		PolicyFile: getEnvString("POLICY_FILE", "policy.yaml"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *models.Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}
	if err := partition.ValidateTable(cfg.Partitions.Table); err != nil {
		return err
	}
	if err := partition.ValidateGranularity(cfg.Partitions.Granularity); err != nil {
		return err
	}
	if cfg.Partitions.ForwardHorizonDays < 1 {
		return fmt.Errorf("PARTITION_FORWARD_DAYS must be at least 1, got %d", cfg.Partitions.ForwardHorizonDays)
	}
	if cfg.Partitions.BackfillDays < 0 {
		return fmt.Errorf("PARTITION_BACKFILL_DAYS cannot be negative, got %d", cfg.Partitions.BackfillDays)
	}
	if cfg.Cycle.Workers < 1 {
		return fmt.Errorf("CYCLE_WORKERS must be positive, got %d", cfg.Cycle.Workers)
	}
	if cfg.Cycle.Interval <= 0 {
		return fmt.Errorf("CYCLE_INTERVAL must be positive, got %v", cfg.Cycle.Interval)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
