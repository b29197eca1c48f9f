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

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxReferralCodeAttempts = 5

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var balanceUNI, balanceTON string
	var createdAt, updatedAt int64
	if err := row.Scan(&user.Id, &user.ExternalId, &user.Username, &user.ReferralCode, &user.ParentRefCode,
		&balanceUNI, &balanceTON, &user.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if user.BalanceUNI, err = decimal.NewFromString(balanceUNI); err != nil {
		return nil, fmt.Errorf("failed to parse UNI balance '%s': %w", balanceUNI, err)
	}
	if user.BalanceTON, err = decimal.NewFromString(balanceTON); err != nil {
		return nil, fmt.Errorf("failed to parse TON balance '%s': %w", balanceTON, err)
	}
	user.CreatedAt = fromNanos(createdAt)
	user.UpdatedAt = fromNanos(updatedAt)
	return &user, nil
}

// CreateUser registers a user with a fresh referral code. When an inviter code is
// given the inviter must exist, and the user's referral edges (level 1 plus the
// inviter's own edges shifted by one) are written in the same transaction.
func (s *Service) CreateUser(ctx context.Context, params store.CreateUserParams) (*models.User, error) {
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = store.Normalize(createdAt)

	tx, err := s.beginTx(ctx, "create user")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var inviter *models.User
	if params.InviterCode != "" {
		inviter, err = scanUser(tx.QueryRowContext(ctx, queryGetUserByRefCode, params.InviterCode))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrReferralCodeNotFound, params.InviterCode)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve inviter: %w", err)
		}
	}

	var userId int64
	for attempt := 1; ; attempt++ {
		code, err := store.NewReferralCode()
		if err != nil {
			return nil, err
		}
		result, err := tx.ExecContext(ctx, queryInsertUser,
			params.ExternalId, params.Username, code, params.InviterCode, toNanos(createdAt), toNanos(createdAt))
		if isUniqueViolation(err) && attempt < maxReferralCodeAttempts {
			zap.L().Debug("Referral code collision, regenerating", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, classify("create user", fmt.Errorf("failed to insert user: %w", err))
		}
		if userId, err = result.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to read user id: %w", err)
		}
		break
	}

	if inviter != nil {
		if _, err := tx.ExecContext(ctx, queryInsertDirectEdge, userId, inviter.Id, toNanos(createdAt)); err != nil {
			return nil, fmt.Errorf("failed to insert referral edge: %w", err)
		}
		if _, err := tx.ExecContext(ctx, queryInheritEdges, userId, toNanos(createdAt), inviter.Id, store.MaxUplineDepth); err != nil {
			return nil, fmt.Errorf("failed to inherit referral edges: %w", err)
		}
	}

	user, err := scanUser(tx.QueryRowContext(ctx, queryGetUserById, userId))
	if err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}

	if err := s.commit(tx, "create user"); err != nil {
		return nil, err
	}

	zap.L().Info("User created",
		zap.Int64("user_id", user.Id),
		zap.String("ref_code", user.ReferralCode),
		zap.String("inviter_code", params.InviterCode))
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, userId int64) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, queryGetUserById, userId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", store.ErrUserNotFound, userId)
	}
	if err != nil {
		return nil, classify("get user", fmt.Errorf("failed to get user: %w", err))
	}
	return user, nil
}

func (s *Service) GetUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, queryGetUserByRefCode, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ref code %s", store.ErrUserNotFound, code)
	}
	if err != nil {
		return nil, classify("get user", fmt.Errorf("failed to get user by referral code: %w", err))
	}
	return user, nil
}

func (s *Service) GetUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, queryGetUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer closeRows(rows)

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}

	// Check for errors during iteration
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during user row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

func (s *Service) GetUplineChain(ctx context.Context, userId int64, maxDepth int) ([]models.User, error) {
	user, err := s.GetUser(ctx, userId)
	if err != nil {
		return nil, err
	}
	return store.ResolveUpline(ctx, user, maxDepth, s.GetUserByReferralCode)
}

func (s *Service) GetReferralEdges(ctx context.Context, userId int64) ([]models.ReferralEdge, error) {
	rows, err := s.db.QueryContext(ctx, queryGetReferralEdges, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral edges: %w", err)
	}
	defer closeRows(rows)

	var edges []models.ReferralEdge
	for rows.Next() {
		var edge models.ReferralEdge
		var createdAt int64
		if err := rows.Scan(&edge.UserId, &edge.InviterId, &edge.Level, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan referral edge: %w", err)
		}
		edge.CreatedAt = fromNanos(createdAt)
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating referral edge rows: %w", err)
	}
	return edges, nil
}
