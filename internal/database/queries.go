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

package database

// {entries} is replaced with the configured ledger table name.
const (
	schemaSQL = `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		ref_code TEXT NOT NULL UNIQUE,
		parent_ref_code TEXT NOT NULL DEFAULT '',
		balance_uni TEXT NOT NULL DEFAULT '0',
		balance_ton TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id);
	CREATE INDEX IF NOT EXISTS idx_users_parent_ref_code ON users(parent_ref_code);

	CREATE TABLE IF NOT EXISTS referral_edges (
		user_id INTEGER NOT NULL REFERENCES users(id),
		inviter_id INTEGER NOT NULL REFERENCES users(id),
		level INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, level)
	);

	CREATE INDEX IF NOT EXISTS idx_referral_edges_inviter ON referral_edges(inviter_id, level);

	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		kind TEXT NOT NULL,
		tier_id TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		principal TEXT NOT NULL,
		rate_per_second TEXT NOT NULL,
		last_accrual_at INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		funded INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_active ON deposits(active);
	CREATE INDEX IF NOT EXISTS idx_deposits_user ON deposits(user_id);

	-- Ledger entries (cold data). partition_name records the covering day partition.
	CREATE TABLE IF NOT EXISTS {entries} (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		source_user_id INTEGER NOT NULL DEFAULT 0,
		level INTEGER NOT NULL DEFAULT 0,
		event_ref TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		partition_name TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_{entries}_user_created ON {entries}(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_{entries}_partition ON {entries}(partition_name, created_at);
	CREATE INDEX IF NOT EXISTS idx_{entries}_event_ref ON {entries}(event_ref);

	-- One row per (event, user, type) that has been written to the ledger
	CREATE TABLE IF NOT EXISTS ledger_event_refs (
		event_ref TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		PRIMARY KEY (event_ref, user_id, entry_type)
	);

	CREATE TABLE IF NOT EXISTS referral_distributions (
		event_ref TEXT PRIMARY KEY,
		source_user_id INTEGER NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_referral_distributions_status ON referral_distributions(status, occurred_at);

	CREATE TABLE IF NOT EXISTS ledger_partitions (
		name TEXT PRIMARY KEY,
		range_from INTEGER NOT NULL DEFAULT 0,
		range_to INTEGER NOT NULL DEFAULT 0,
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_partitions_range ON ledger_partitions(is_default, range_from);

	-- Append-only operational log of partition maintenance
	CREATE TABLE IF NOT EXISTS partition_maintenance_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		partition_name TEXT NOT NULL,
		range_from INTEGER NOT NULL DEFAULT 0,
		range_to INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		logged_at INTEGER NOT NULL
	);
	`

	// User queries
	userColumns = `id, external_id, username, ref_code, parent_ref_code, balance_uni, balance_ton, version, created_at, updated_at`

	queryInsertUser = `
		INSERT INTO users (external_id, username, ref_code, parent_ref_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetUserById = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = ?`

	queryGetUserByRefCode = `
		SELECT ` + userColumns + `
		FROM users
		WHERE ref_code = ?`

	queryGetUsers = `
		SELECT ` + userColumns + `
		FROM users
		ORDER BY id`

	queryGetUserBalanceForUpdate = `
		SELECT balance_uni, balance_ton, version
		FROM users
		WHERE id = ?`

	// %s is the balance column chosen by currency
	queryUpdateUserBalance = `
		UPDATE users
		SET %s = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	// Referral edge queries
	queryInsertDirectEdge = `
		INSERT INTO referral_edges (user_id, inviter_id, level, created_at)
		VALUES (?, ?, 1, ?)`

	queryInheritEdges = `
		INSERT INTO referral_edges (user_id, inviter_id, level, created_at)
		SELECT ?, inviter_id, level + 1, ?
		FROM referral_edges
		WHERE user_id = ? AND level < ?`

	queryGetReferralEdges = `
		SELECT user_id, inviter_id, level, created_at
		FROM referral_edges
		WHERE user_id = ?
		ORDER BY level`

	// Deposit queries
	depositColumns = `id, user_id, kind, tier_id, currency, principal, rate_per_second, last_accrual_at, active, funded, expires_at, created_at`

	queryInsertDeposit = `
		INSERT INTO deposits (` + depositColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`

	queryGetDeposit = `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE id = ?`

	queryGetActiveDeposits = `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE active = 1
		ORDER BY last_accrual_at, id`

	queryAdvanceDeposit = `
		UPDATE deposits
		SET last_accrual_at = ?, active = CASE WHEN ? THEN 0 ELSE active END
		WHERE id = ? AND active = 1 AND last_accrual_at = ?`

	queryDeactivateDeposit = `
		UPDATE deposits
		SET active = 0
		WHERE id = ? AND active = 1`

	// Ledger entry queries
	entryColumns = `id, user_id, entry_type, currency, amount, status, source_user_id, level, event_ref, metadata, created_at, partition_name`

	queryInsertEntry = `
		INSERT INTO {entries} (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetEntry = `
		SELECT ` + entryColumns + `
		FROM {entries}
		WHERE id = ?`

	queryUpdateEntryStatus = `
		UPDATE {entries}
		SET status = ?
		WHERE id = ? AND status = 'pending'`

	queryClaimEventRef = `
		INSERT INTO ledger_event_refs (event_ref, user_id, entry_type, entry_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_ref, user_id, entry_type) DO NOTHING`

	queryHasEventRef = `
		SELECT COUNT(*)
		FROM ledger_event_refs
		WHERE event_ref = ? AND user_id = ? AND entry_type = ?`

	queryConfirmedAmounts = `
		SELECT amount
		FROM {entries}
		WHERE user_id = ? AND currency = ? AND status = 'confirmed'`

	// Distribution outbox queries
	queryInsertDistribution = `
		INSERT INTO referral_distributions (event_ref, source_user_id, currency, amount, occurred_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT (event_ref) DO NOTHING`

	queryListPendingDistributions = `
		SELECT event_ref, source_user_id, currency, amount, occurred_at, status, attempts, last_error
		FROM referral_distributions
		WHERE status IN ('pending', 'partial')
		ORDER BY occurred_at, event_ref
		LIMIT ?`

	queryCompleteDistribution = `
		UPDATE referral_distributions
		SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE event_ref = ?`

	// Partition queries
	queryListPartitions = `
		SELECT name, range_from, range_to, is_default, created_at
		FROM ledger_partitions
		ORDER BY is_default, range_from`

	queryRouteRange = `
		SELECT name
		FROM ledger_partitions
		WHERE is_default = 0 AND range_from <= ? AND range_to > ?
		ORDER BY range_from
		LIMIT 1`

	queryRouteDefault = `
		SELECT name
		FROM ledger_partitions
		WHERE is_default = 1
		LIMIT 1`

	queryInsertPartition = `
		INSERT INTO ledger_partitions (name, range_from, range_to, is_default, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING`

	queryCountDefaultRowsInRange = `
		SELECT COUNT(*)
		FROM {entries}
		WHERE partition_name = ? AND created_at >= ? AND created_at < ?`

	queryPartitionRowCounts = `
		SELECT partition_name, COUNT(*)
		FROM {entries}
		GROUP BY partition_name`

	queryInsertMaintenanceLog = `
		INSERT INTO partition_maintenance_log (partition_name, range_from, range_to, status, error, logged_at)
		VALUES (?, ?, ?, ?, ?, ?)`
)
