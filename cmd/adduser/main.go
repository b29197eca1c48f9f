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

	"farm-ledger-go/internal/common"
	"farm-ledger-go/internal/config"
	"farm-ledger-go/internal/store"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type userFlags struct {
	Name        string `validate:"required,min=2,max=64"`
	InviterCode string `validate:"omitempty,alphanum,min=4,max=16"`
	ExternalId  int64  `validate:"gte=0"`
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	nameFlag := flag.String("name", "", "Username (required)")
	inviteFlag := flag.String("invite", "", "Referral code of the inviting user (optional)")
	externalIdFlag := flag.Int64("external-id", 0, "Platform user id (optional)")
	flag.Parse()

	input := userFlags{Name: *nameFlag, InviterCode: *inviteFlag, ExternalId: *externalIdFlag}
	if err := validator.New().Struct(input); err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	zap.L().Info("Starting user creation",
		zap.String("name", input.Name),
		zap.String("inviter_code", input.InviterCode))

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	ledger, err := common.InitializeStore(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize ledger store", zap.Error(err))
	}
	defer ledger.Close()

	user, err := ledger.CreateUser(ctx, store.CreateUserParams{
		ExternalId:  input.ExternalId,
		Username:    input.Name,
		InviterCode: input.InviterCode,
	})
	if errors.Is(err, store.ErrReferralCodeNotFound) {
		zap.L().Fatal("No user owns this referral code", zap.String("inviter_code", input.InviterCode))
	}
	if err != nil {
		zap.L().Fatal("Failed to create user", zap.Error(err))
	}

	fmt.Println()
	common.PrintHeader("USER CREATED", common.DefaultWidth)
	fmt.Printf("ID:            %d\n", user.Id)
	fmt.Printf("Name:          %s\n", user.Username)
	fmt.Printf("Referral code: %s\n", user.ReferralCode)
	if user.ParentRefCode != "" {
		fmt.Printf("Invited by:    %s\n", user.ParentRefCode)
	}
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()

	zap.L().Info("User created successfully",
		zap.Int64("id", user.Id),
		zap.String("ref_code", user.ReferralCode))
}
