package evm

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"potrails/internal/apperr"
	"potrails/internal/chain"
)

func TestIsRetryable(t *testing.T) {
	cases := map[string]bool{
		"connection refused": true,
		"i/o timeout":        true,
		"insufficient funds for gas * price + value":                 false,
		"execution reverted: ERC20: transfer amount exceeds balance": false,
		"invalid sender": false,
	}
	for msg, want := range cases {
		if got := isRetryable(errors.New(msg)); got != want {
			t.Fatalf("isRetryable(%q) = %v want %v", msg, got, want)
		}
	}
}

func TestClassifyWrapsChainKind(t *testing.T) {
	err := classify("send transaction", errors.New("execution reverted"))
	if !apperr.IsKind(err, apperr.KindChainSubmission) {
		t.Fatalf("expected chain submission kind, got %v", err)
	}
	if apperr.IsRetryable(err) {
		t.Fatalf("revert must not be retryable")
	}
}

func TestDialPing(t *testing.T) {
	url := os.Getenv("EVM_TEST_RPC_URL")
	if url == "" {
		t.Skip("EVM_TEST_RPC_URL not set")
	}
	reg, err := chain.NewRegistry(chain.Asset{ID: "eth", Symbol: "ETH", Decimals: 18})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := Dial(ctx, Config{RPCURL: url, Assets: reg})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := cli.Balances(ctx, "0x0000000000000000000000000000000000000001"); err != nil {
		t.Fatalf("balances: %v", err)
	}
}
