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
	"context"
	"flag"
	"fmt"

	"farm-ledger-go/internal/api"
	"farm-ledger-go/internal/common"
	"farm-ledger-go/internal/config"
	"farm-ledger-go/internal/models"

	"go.uber.org/zap"
)

type balanceStats struct {
	totalUsers        int
	usersWithBalances int
	reconcileFailures int
}

func printUserHeader(user models.User) {
	fmt.Printf("\n┌─ User: %s (%s)\n", user.Username, user.ReferralCode)
	fmt.Printf("│  ID: %d\n", user.Id)
	if user.ParentRefCode != "" {
		fmt.Printf("│  Invited by: %s\n", user.ParentRefCode)
	}
	common.PrintBoxSeparator(78)
}

func printBalances(summary *models.UserSummary) {
	for i, b := range summary.Balances {
		fmt.Printf("%s %-6s: %28s\n", common.BoxPrefix(i == len(summary.Balances)-1), b.Currency, b.Balance.String())
	}
}

func processUser(ctx context.Context, ledger *api.LedgerService, user models.User, reconcile bool, stats *balanceStats, logger *zap.Logger) error {
	summary, err := ledger.GetUserSummary(ctx, user.Id)
	if err != nil {
		return fmt.Errorf("failed to get balances: %w", err)
	}

	printUserHeader(user)
	printBalances(summary)

	if !user.BalanceUNI.IsZero() || !user.BalanceTON.IsZero() {
		stats.usersWithBalances++
	}

	if reconcile {
		if err := ledger.ReconcileUser(ctx, user.Id); err != nil {
			stats.reconcileFailures++
			fmt.Printf("   ✗ cached balance does not match ledger: %v\n", err)
			logger.Warn("Balance reconciliation failed", zap.Int64("user_id", user.Id), zap.Error(err))
		} else {
			fmt.Println("   ✓ cached balance matches ledger")
		}
	}
	return nil
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	codeFlag := flag.String("code", "", "Filter by referral code (optional)")
	reconcileFlag := flag.Bool("reconcile", false, "Check cached balances against the confirmed ledger sum")
	flag.Parse()

	logger.Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	store, err := common.InitializeStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize ledger store", zap.Error(err))
	}
	defer store.Close()

	users, err := common.InitializeUsers(ctx, store, *codeFlag, logger)
	if err != nil {
		logger.Fatal("Failed to initialize users", zap.Error(err))
	}

	ledger := api.NewLedgerService(store)
	stats := balanceStats{}

	common.PrintHeader("USER BALANCE REPORT", common.DefaultWidth)
	for _, user := range users {
		stats.totalUsers++
		if err := processUser(ctx, ledger, user, *reconcileFlag, &stats, logger); err != nil {
			logger.Error("Failed to process user",
				zap.Int64("user_id", user.Id),
				zap.String("username", user.Username),
				zap.Error(err))
		}
	}

	summary := fmt.Sprintf("SUMMARY: %d users with balances (%d users queried)", stats.usersWithBalances, stats.totalUsers)
	if *reconcileFlag {
		summary += fmt.Sprintf(", %d reconciliation failures", stats.reconcileFailures)
	}
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int("users_with_balances", stats.usersWithBalances))
}
