package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/tipfolio-app/tipfolio/internal/config"
	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/ledger"
	"github.com/tipfolio-app/tipfolio/internal/wallet"
)

func main() {
	user := flag.String("user", "", "User id to credit")
	amount := flag.Int64("amount", 0, "Amount in minor units")
	flag.Parse()

	if *user == "" || *amount <= 0 {
		log.Fatalf("usage: go run cmd/adminutil/grant_credits/main.go -user <uuid> -amount 5000")
	}

	config.LoadEnv(nil)
	db.Init()

	ctx := context.Background()
	if err := wallet.CreateIfMissing(ctx, *user); err != nil {
		log.Fatalf("failed to ensure wallet: %v", err)
	}
	if err := wallet.Credit(ctx, *user, *amount, ledger.KindDeposit, nil); err != nil {
		log.Fatalf("failed to credit wallet: %v", err)
	}

	w, err := wallet.Get(ctx, *user)
	if err != nil {
		log.Fatalf("failed to read wallet back: %v", err)
	}
	fmt.Printf("Credited %d to %s. Balance is now %d.\n", *amount, *user, w.Balance)
}
