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

package models

import "time"

// Config represents the application configuration
type Config struct {
	Database    DatabaseConfig
	Partitions  PartitionConfig
	Cycle       CycleConfig
	Maintenance MaintenanceConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Ops         OpsConfig
	PolicyFile  string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // "sqlite" or "postgres"
	Path            string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	AutoMigrate     bool
}

// PartitionConfig is handed to the ledger store and the maintenance job at construction
type PartitionConfig struct {
	Table              string
	Granularity        string
	ForwardHorizonDays int
	BackfillDays       int
	CatchAllEnabled    bool
}

// CycleConfig holds reward orchestrator settings
type CycleConfig struct {
	Interval      time.Duration
	Budget        time.Duration
	Workers       int
	BatchSize     int
	RetryAttempts int
	RetryBackoff  time.Duration
}

// MaintenanceConfig holds partition maintenance job settings
type MaintenanceConfig struct {
	Interval time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type KafkaConfig struct {
	Brokers    []string
	CycleTopic string
}

type OpsConfig struct {
	Addr string
}
