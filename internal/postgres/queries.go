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

const (
	userColumns    = `id, external_id, username, ref_code, parent_ref_code, balance_uni, balance_ton, version, created_at, updated_at`
	depositColumns = `id, user_id, kind, tier_id, currency, principal, rate_per_second, last_accrual_at, active, funded, expires_at, created_at`
	entryColumns   = `id, user_id, entry_type, currency, amount, status, source_user_id, level, event_ref, metadata, created_at, tableoid::regclass::text AS partition_name`

	// Users and referral edges
	queryInsertUser = `
	INSERT INTO users (external_id, username, ref_code, parent_ref_code, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $5)
	ON CONFLICT (ref_code) DO NOTHING
	RETURNING id`

	queryGetUserById      = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	queryGetUserByRefCode = `SELECT ` + userColumns + ` FROM users WHERE ref_code = $1`
	queryGetUsers         = `SELECT ` + userColumns + ` FROM users ORDER BY id`

	queryInsertDirectEdge = `
	INSERT INTO referral_edges (user_id, inviter_id, level, created_at)
	VALUES ($1, $2, 1, $3)`

	queryInheritEdges = `
	INSERT INTO referral_edges (user_id, inviter_id, level, created_at)
	SELECT $1, inviter_id, level + 1, $2
	FROM referral_edges
	WHERE user_id = $3 AND level < $4`

	queryGetReferralEdges = `
	SELECT user_id, inviter_id, level, created_at
	FROM referral_edges
	WHERE user_id = $1
	ORDER BY level`

	// Balances
	queryGetUserBalanceForUpdate = `SELECT balance_uni, balance_ton, version FROM users WHERE id = $1 FOR UPDATE`

	// %s is the balance column for the entry currency.
	queryUpdateUserBalance = `
	UPDATE users
	SET %s = $1, version = version + 1, updated_at = $2
	WHERE id = $3 AND version = $4`

	queryConfirmedSum = `
	SELECT COALESCE(SUM(amount), 0)
	FROM ledger_entries
	WHERE user_id = $1 AND currency = $2 AND status = 'confirmed'`

	// Ledger entries
	queryClaimEventRef = `
	INSERT INTO ledger_event_refs (event_ref, user_id, entry_type, entry_id)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT DO NOTHING`

	queryHasEventRef = `
	SELECT EXISTS (
		SELECT 1 FROM ledger_event_refs WHERE event_ref = $1 AND user_id = $2 AND entry_type = $3
	)`

	queryInsertEntry = `
	INSERT INTO ledger_entries (id, user_id, entry_type, currency, amount, status, source_user_id, level, event_ref, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING tableoid::regclass::text`

	queryGetEntryForUpdate = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1 FOR UPDATE`

	queryUpdateEntryStatus = `
	UPDATE ledger_entries
	SET status = $1
	WHERE id = $2 AND created_at = $3 AND status = 'pending'`

	// Deposits
	queryInsertDeposit = `
	INSERT INTO deposits (` + depositColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10, $11)`

	queryGetDeposit          = `SELECT ` + depositColumns + ` FROM deposits WHERE id = $1`
	queryGetDepositForUpdate = `SELECT ` + depositColumns + ` FROM deposits WHERE id = $1 FOR UPDATE`
	queryGetActiveDeposits   = `SELECT ` + depositColumns + ` FROM deposits WHERE active ORDER BY created_at, id`

	queryDeactivateDeposit = `UPDATE deposits SET active = FALSE WHERE id = $1 AND active`

	queryAdvanceDeposit = `
	UPDATE deposits
	SET last_accrual_at = $1, active = active AND NOT $2
	WHERE id = $3 AND active AND last_accrual_at = $4`

	// Referral distribution outbox
	queryInsertDistribution = `
	INSERT INTO referral_distributions (event_ref, source_user_id, currency, amount, occurred_at, status, updated_at)
	VALUES ($1, $2, $3, $4, $5, 'pending', $5)
	ON CONFLICT (event_ref) DO NOTHING`

	queryListPendingDistributions = `
	SELECT event_ref, source_user_id, currency, amount, occurred_at, status, attempts, last_error
	FROM referral_distributions
	WHERE status IN ('pending', 'partial')
	ORDER BY occurred_at, event_ref
	LIMIT $1`

	queryCompleteDistribution = `
	UPDATE referral_distributions
	SET status = $1, last_error = $2, attempts = attempts + 1, updated_at = $3
	WHERE event_ref = $4`

	// Partitions
	queryPartitionLock = `SELECT pg_advisory_xact_lock(hashtext($1))`

	queryListPartitions = `
	SELECT c.relname AS name,
	       pg_get_expr(c.relpartbound, c.oid) AS bound,
	       COALESCE(st.n_live_tup, 0) AS row_count,
	       pg_total_relation_size(c.oid) AS size_bytes
	FROM pg_inherits i
	JOIN pg_class c ON c.oid = i.inhrelid
	JOIN pg_class p ON p.oid = i.inhparent
	LEFT JOIN pg_stat_user_tables st ON st.relid = c.oid
	WHERE p.relname = $1
	ORDER BY c.relname`

	queryInsertMaintenanceLog = `
	INSERT INTO partition_maintenance_log (partition_name, range_from, range_to, status, error, logged_at)
	VALUES ($1, $2, $3, $4, $5, $6)`
)
