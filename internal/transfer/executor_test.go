package transfer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"potrails/internal/apperr"
	"potrails/internal/chain"
	"potrails/internal/keyvault"
	"potrails/internal/logging"
)

var (
	native = chain.Asset{ID: "eth", Symbol: "ETH", Decimals: 18, Slot: chain.SlotNative}
	token  = chain.Asset{ID: "usdc", Symbol: "USDC", Decimals: 6, Contract: "0x00000000000000000000000000000000000000c1", Slot: chain.SlotA}
)

func signer(t *testing.T, b byte) ([]byte, string) {
	t.Helper()
	secret := bytes.Repeat([]byte{b}, 32)
	addr, err := keyvault.Address(secret)
	if err != nil {
		t.Fatal(err)
	}
	return secret, addr
}

func newExecutor(fc *chain.FakeClient) *Executor {
	return NewExecutor(fc, Config{ConfirmTimeout: 200 * time.Millisecond, PollInterval: 5 * time.Millisecond}, logging.Discard())
}

func TestTransferOpensTokenAccount(t *testing.T) {
	fc := chain.NewFakeClient()
	fc.OpenCost = decimal.NewFromInt(2)
	secret, from := signer(t, 1)
	_, to := signer(t, 2)
	fc.Fund(from, native, decimal.NewFromInt(10))
	fc.Fund(from, token, decimal.NewFromInt(50))

	ex := newExecutor(fc)
	if _, err := ex.Transfer(context.Background(), secret, to, decimal.NewFromInt(20), token, Options{}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	sub := fc.Submitted()
	if len(sub) != 1 || len(sub[0].Tx.Instructions) != 2 || sub[0].Tx.Instructions[0].Kind != chain.KindOpenAssetAccount {
		t.Fatalf("submitted = %+v", sub)
	}

	if _, err := ex.Transfer(context.Background(), secret, to, decimal.NewFromInt(5), token, Options{}); err != nil {
		t.Fatalf("second transfer: %v", err)
	}
	if sub := fc.Submitted(); len(sub[1].Tx.Instructions) != 1 {
		t.Fatalf("account opened twice: %+v", sub[1].Tx)
	}
}

func TestTransferValidates(t *testing.T) {
	ex := newExecutor(chain.NewFakeClient())
	secret, to := signer(t, 1)
	if _, err := ex.Transfer(context.Background(), secret, "not-an-address", decimal.NewFromInt(1), native, Options{}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("bad address err = %v", err)
	}
	if _, err := ex.Transfer(context.Background(), secret, to, decimal.Zero, native, Options{}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("zero amount err = %v", err)
	}
	if _, err := ex.BatchTransfer(context.Background(), secret, nil, native, Options{}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("empty batch err = %v", err)
	}
}

func TestBatchTransferIsOneSubmission(t *testing.T) {
	fc := chain.NewFakeClient()
	secret, from := signer(t, 1)
	fc.Fund(from, native, decimal.NewFromInt(9))

	var payouts []Payout
	for i := byte(2); i <= 4; i++ {
		_, to := signer(t, i)
		payouts = append(payouts, Payout{Recipient: to, Amount: decimal.NewFromInt(3)})
	}
	ex := newExecutor(fc)
	ref, err := ex.BatchTransfer(context.Background(), secret, payouts, native, Options{})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if sub := fc.Submitted(); len(sub) != 1 || sub[0].Ref != ref {
		t.Fatalf("submitted = %+v", sub)
	}
	if SubRef(ref, 2) != ref+":2" {
		t.Fatalf("sub ref = %s", SubRef(ref, 2))
	}

	// 3+3+3+1 exceeds the balance of 8, so nothing may move.
	fc.Fund(from, native, decimal.NewFromInt(8))
	payouts = append(payouts, Payout{Recipient: payouts[0].Recipient, Amount: decimal.NewFromInt(1)})
	_, err = ex.BatchTransfer(context.Background(), secret, payouts, native, Options{})
	if !apperr.IsKind(err, apperr.KindChainSubmission) || apperr.IsRetryable(err) {
		t.Fatalf("overdrawn batch err = %v", err)
	}
	for _, p := range payouts[:3] {
		bal, _ := fc.Balances(context.Background(), p.Recipient)
		if !bal.Native.Equal(decimal.NewFromInt(3)) {
			t.Fatalf("rejected batch moved funds: %s has %s", p.Recipient, bal.Native)
		}
	}
}

func TestAwaitTimesOutWithRef(t *testing.T) {
	fc := chain.NewFakeClient()
	fc.HoldConfirmations(true)
	secret, from := signer(t, 1)
	_, to := signer(t, 2)
	fc.Fund(from, native, decimal.NewFromInt(5))

	ex := newExecutor(fc)
	_, err := ex.Transfer(context.Background(), secret, to, decimal.NewFromInt(1), native, Options{})
	if !apperr.IsRetryable(err) {
		t.Fatalf("timeout should be retryable: %v", err)
	}
	ref := apperr.RefOf(err)
	if ref == "" {
		t.Fatalf("timeout error lost the chain reference: %v", err)
	}

	fc.ReleaseConfirmations()
	if st, _ := ex.Status(context.Background(), ref); st != chain.StatusConfirmed {
		t.Fatalf("status after release = %s", st)
	}
}

func TestSubmitErrorsPassThrough(t *testing.T) {
	fc := chain.NewFakeClient()
	secret, from := signer(t, 1)
	_, to := signer(t, 2)
	fc.Fund(from, native, decimal.NewFromInt(5))
	boom := apperr.Chain("rpc unavailable", true, errors.New("connection refused"))
	fc.FailSubmits(boom)

	ex := newExecutor(fc)
	_, err := ex.Transfer(context.Background(), secret, to, decimal.NewFromInt(1), native, Options{PriorityFee: true})
	if !errors.Is(err, boom) || !apperr.IsRetryable(err) || apperr.RefOf(err) != "" {
		t.Fatalf("err = %v", err)
	}
}
