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
	"database/sql"
	"errors"
	"fmt"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const maxReferralCodeAttempts = 5

func toUTCUser(u *models.User) *models.User {
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u
}

// CreateUser registers a user with a fresh referral code and materialises their
// referral edges from the inviter's own edges in the same transaction.
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

	var inviter models.User
	if params.InviterCode != "" {
		err := tx.GetContext(ctx, &inviter, queryGetUserByRefCode, params.InviterCode)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrReferralCodeNotFound, params.InviterCode)
		}
		if err != nil {
			return nil, classify("create user", fmt.Errorf("failed to resolve inviter: %w", err))
		}
	}

	var userId int64
	for attempt := 1; ; attempt++ {
		code, err := store.NewReferralCode()
		if err != nil {
			return nil, err
		}
		err = tx.QueryRowxContext(ctx, queryInsertUser,
			params.ExternalId, params.Username, code, params.InviterCode, createdAt).Scan(&userId)
		if errors.Is(err, sql.ErrNoRows) {
			if attempt < maxReferralCodeAttempts {
				zap.L().Debug("Referral code collision, regenerating", zap.Int("attempt", attempt))
				continue
			}
			return nil, fmt.Errorf("failed to allocate a unique referral code after %d attempts", attempt)
		}
		if err != nil {
			return nil, classify("create user", fmt.Errorf("failed to insert user: %w", err))
		}
		break
	}

	if params.InviterCode != "" {
		if _, err := tx.ExecContext(ctx, queryInsertDirectEdge, userId, inviter.Id, createdAt); err != nil {
			return nil, classify("create user", fmt.Errorf("failed to insert referral edge: %w", err))
		}
		if _, err := tx.ExecContext(ctx, queryInheritEdges, userId, createdAt, inviter.Id, store.MaxUplineDepth); err != nil {
			return nil, classify("create user", fmt.Errorf("failed to inherit referral edges: %w", err))
		}
	}

	var user models.User
	if err := tx.GetContext(ctx, &user, queryGetUserById, userId); err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}

	if err := s.commit(tx, "create user"); err != nil {
		return nil, err
	}

	zap.L().Info("User created",
		zap.Int64("user_id", user.Id),
		zap.String("ref_code", user.ReferralCode),
		zap.String("inviter_code", params.InviterCode))
	return toUTCUser(&user), nil
}

func (s *Service) GetUser(ctx context.Context, userId int64) (*models.User, error) {
	return s.getUser(ctx, s.db, userId)
}

func (s *Service) getUser(ctx context.Context, q sqlx.QueryerContext, userId int64) (*models.User, error) {
	var user models.User
	err := sqlx.GetContext(ctx, q, &user, queryGetUserById, userId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", store.ErrUserNotFound, userId)
	}
	if err != nil {
		return nil, classify("get user", fmt.Errorf("failed to get user: %w", err))
	}
	return toUTCUser(&user), nil
}

func (s *Service) GetUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, queryGetUserByRefCode, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ref code %s", store.ErrUserNotFound, code)
	}
	if err != nil {
		return nil, classify("get user", fmt.Errorf("failed to get user by referral code: %w", err))
	}
	return toUTCUser(&user), nil
}

func (s *Service) GetUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := s.db.SelectContext(ctx, &users, queryGetUsers); err != nil {
		return nil, classify("get users", fmt.Errorf("failed to query users: %w", err))
	}
	for i := range users {
		toUTCUser(&users[i])
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
	var edges []models.ReferralEdge
	if err := s.db.SelectContext(ctx, &edges, queryGetReferralEdges, userId); err != nil {
		return nil, classify("get referral edges", fmt.Errorf("failed to query referral edges: %w", err))
	}
	for i := range edges {
		edges[i].CreatedAt = edges[i].CreatedAt.UTC()
	}
	return edges, nil
}
