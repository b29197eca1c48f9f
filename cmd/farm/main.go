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
	"errors"
	"flag"
	"fmt"
	"time"

	"farm-ledger-go/internal/bonus"
	"farm-ledger-go/internal/common"
	"farm-ledger-go/internal/config"
	"farm-ledger-go/internal/farming"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func openDeposit(ctx context.Context, svc *farming.Service, userId int64, tierId, amount string) {
	principal, err := decimal.NewFromString(amount)
	if err != nil {
		zap.L().Fatal("Invalid amount", zap.String("amount", amount), zap.Error(err))
	}

	deposit, err := svc.OpenDeposit(ctx, userId, tierId, principal, time.Now())
	if err != nil {
		zap.L().Fatal("Failed to open deposit",
			zap.Int64("user_id", userId),
			zap.String("tier", tierId),
			zap.Error(err))
	}

	common.PrintHeader("DEPOSIT OPENED", common.DefaultWidth)
	fmt.Printf("ID:        %s\n", deposit.Id)
	fmt.Printf("Tier:      %s (%s)\n", deposit.TierId, deposit.Kind)
	fmt.Printf("Principal: %s %s\n", deposit.Principal.String(), deposit.Currency)
	fmt.Printf("Rate/sec:  %s\n", deposit.RatePerSecond.String())
	if deposit.ExpiresAt != nil {
		fmt.Printf("Expires:   %s\n", deposit.ExpiresAt.Format(time.RFC3339))
	}
	common.PrintSeparator("=", common.DefaultWidth)
}

func closeDeposit(ctx context.Context, svc *farming.Service, depositId string) {
	deposit, err := svc.CloseDeposit(ctx, depositId, time.Now())
	if err != nil {
		zap.L().Fatal("Failed to close deposit", zap.String("deposit_id", depositId), zap.Error(err))
	}

	common.PrintHeader("DEPOSIT CLOSED", common.DefaultWidth)
	fmt.Printf("ID:        %s\n", deposit.Id)
	fmt.Printf("Accrued to: %s\n", deposit.LastAccrualAt.Format(time.RFC3339))
	if deposit.Funded {
		fmt.Printf("Returned:  %s %s\n", deposit.Principal.String(), deposit.Currency)
	}
	common.PrintSeparator("=", common.DefaultWidth)
}

func claimBonus(ctx context.Context, svc *bonus.Service, userId int64) {
	entry, err := svc.ClaimDaily(ctx, userId, time.Now())
	if errors.Is(err, bonus.ErrAlreadyClaimed) {
		fmt.Println("✗ Daily bonus already claimed today")
		return
	}
	if err != nil {
		zap.L().Fatal("Failed to claim daily bonus", zap.Int64("user_id", userId), zap.Error(err))
	}
	fmt.Printf("✓ Daily bonus credited: %s %s (entry %s)\n", entry.Amount.String(), entry.Currency, common.ShortId(entry.Id))
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.Int64("user", 0, "User id")
	tierFlag := flag.String("tier", "", "Deposit tier to open")
	amountFlag := flag.String("amount", "", "Principal to deposit")
	closeFlag := flag.String("close", "", "Deposit id to close")
	bonusFlag := flag.Bool("bonus", false, "Claim the daily bonus for -user")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	switch {
	case *closeFlag != "":
		closeDeposit(ctx, farming.NewService(services.Store, services.Policy), *closeFlag)
	case *bonusFlag:
		if *userFlag == 0 {
			zap.L().Fatal("-user is required with -bonus")
		}
		claimBonus(ctx, bonus.NewService(services.Store, services.Policy), *userFlag)
	case *tierFlag != "":
		if *userFlag == 0 || *amountFlag == "" {
			zap.L().Fatal("-user and -amount are required with -tier")
		}
		openDeposit(ctx, farming.NewService(services.Store, services.Policy), *userFlag, *tierFlag, *amountFlag)
	default:
		flag.Usage()
	}
}
