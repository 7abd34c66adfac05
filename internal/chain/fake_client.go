package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"potrails/internal/apperr"
	"potrails/internal/keyvault"
)

// FakeClient is an in-memory ledger that applies transactions atomically.
// It backs dev mode and tests; fees are charged in the native asset.
type FakeClient struct {
	// Fee is charged once per submitted transaction.
	Fee decimal.Decimal
	// PriorityFee is added when a transaction asks for it.
	PriorityFee decimal.Decimal
	// OpenCost is charged per KindOpenAssetAccount instruction.
	OpenCost decimal.Decimal

	mu         sync.Mutex
	balances   map[string]*Balances
	accounts   map[string]bool
	statuses   map[string]Status
	submitErrs []error
	pending    bool
	seq        int
	submitted  []SubmittedTx
}

// SubmittedTx records an applied transaction for assertions.
type SubmittedTx struct {
	Ref  string
	From string
	Tx   Tx
}

type fakeEnvelope struct {
	From string `json:"from"`
	Tx   Tx     `json:"tx"`
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		balances: make(map[string]*Balances),
		accounts: make(map[string]bool),
		statuses: make(map[string]Status),
	}
}

func accountKey(owner string, asset Asset) string {
	return strings.ToLower(owner) + "|" + asset.ID
}

func (f *FakeClient) balanceOf(address string) *Balances {
	key := strings.ToLower(address)
	b, ok := f.balances[key]
	if !ok {
		b = &Balances{}
		f.balances[key] = b
	}
	return b
}

// Fund credits address with amount of asset, opening its sub-account.
func (f *FakeClient) Fund(address string, asset Asset, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceOf(address).add(asset, amount)
	if !asset.Native() {
		f.accounts[accountKey(address, asset)] = true
	}
}

// SetBalance overwrites the balance held in asset's slot.
func (f *FakeClient) SetBalance(address string, asset Asset, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balanceOf(address)
	b.add(asset, b.Of(asset).Neg())
	b.add(asset, amount)
	if !asset.Native() {
		f.accounts[accountKey(address, asset)] = true
	}
}

// FailSubmits queues errors returned by the next Submit calls, in order.
func (f *FakeClient) FailSubmits(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// HoldConfirmations makes new submissions land but report StatusPending.
func (f *FakeClient) HoldConfirmations(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = hold
}

// ReleaseConfirmations marks every pending transaction confirmed.
func (f *FakeClient) ReleaseConfirmations() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
	for ref, st := range f.statuses {
		if st == StatusPending {
			f.statuses[ref] = StatusConfirmed
		}
	}
}

// FailTransaction makes ref report StatusFailed.
func (f *FakeClient) FailTransaction(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = StatusFailed
}

// Submitted returns a copy of the applied transactions.
func (f *FakeClient) Submitted() []SubmittedTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SubmittedTx(nil), f.submitted...)
}

func (f *FakeClient) Balances(ctx context.Context, address string) (Balances, error) {
	if err := ctx.Err(); err != nil {
		return Balances{}, apperr.Chain("read balances", true, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.balanceOf(address), nil
}

func (f *FakeClient) AssetAccountExists(_ context.Context, owner string, asset Asset) (bool, error) {
	if asset.Native() {
		return true, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[accountKey(owner, asset)], nil
}

func (f *FakeClient) ValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

func (f *FakeClient) Sign(ctx context.Context, secret []byte, tx Tx) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from, err := keyvault.Address(secret)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fakeEnvelope{From: from, Tx: tx})
}

func (f *FakeClient) Submit(ctx context.Context, signed []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.Chain("submit transaction", true, err)
	}
	var env fakeEnvelope
	if err := json.Unmarshal(signed, &env); err != nil {
		return "", apperr.Chain("decode transaction", false, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return "", err
	}
	if err := f.simulate(env); err != nil {
		return "", apperr.Chain("simulation failed", false, err)
	}

	src := f.balanceOf(env.From)
	src.add(Asset{Slot: SlotNative}, f.txFee(env.Tx).Neg())
	for _, in := range env.Tx.Instructions {
		switch in.Kind {
		case KindOpenAssetAccount:
			src.add(Asset{Slot: SlotNative}, f.OpenCost.Neg())
			f.accounts[accountKey(in.To, in.Asset)] = true
		case KindTransfer:
			src.add(in.Asset, in.Amount.Neg())
			f.balanceOf(in.To).add(in.Asset, in.Amount)
		}
	}

	f.seq++
	sum := sha256.Sum256(append(signed, byte(f.seq), byte(f.seq>>8), byte(f.seq>>16)))
	ref := "0x" + hex.EncodeToString(sum[:])
	if f.pending {
		f.statuses[ref] = StatusPending
	} else {
		f.statuses[ref] = StatusConfirmed
	}
	f.submitted = append(f.submitted, SubmittedTx{Ref: ref, From: env.From, Tx: env.Tx})
	return ref, nil
}

func (f *FakeClient) txFee(tx Tx) decimal.Decimal {
	fee := f.Fee
	if tx.PriorityFee {
		fee = fee.Add(f.PriorityFee)
	}
	return fee
}

// simulate checks the whole transaction against current balances without
// mutating anything.
func (f *FakeClient) simulate(env fakeEnvelope) error {
	if len(env.Tx.Instructions) == 0 {
		return fmt.Errorf("transaction has no instructions")
	}
	need := Balances{Native: f.txFee(env.Tx)}
	opened := make(map[string]bool)
	for i, in := range env.Tx.Instructions {
		if !common.IsHexAddress(in.To) {
			return fmt.Errorf("instruction %d: invalid recipient %q", i, in.To)
		}
		switch in.Kind {
		case KindOpenAssetAccount:
			need.Native = need.Native.Add(f.OpenCost)
			opened[accountKey(in.To, in.Asset)] = true
		case KindTransfer:
			if !in.Amount.IsPositive() {
				return fmt.Errorf("instruction %d: amount must be positive", i)
			}
			key := accountKey(in.To, in.Asset)
			if !in.Asset.Native() && !f.accounts[key] && !opened[key] {
				return fmt.Errorf("instruction %d: recipient has no %s account", i, in.Asset.Symbol)
			}
			need.add(in.Asset, in.Amount)
		default:
			return fmt.Errorf("instruction %d: unknown kind %q", i, in.Kind)
		}
	}
	have := f.balanceOf(env.From)
	if have.Native.LessThan(need.Native) || have.AssetA.LessThan(need.AssetA) || have.AssetB.LessThan(need.AssetB) {
		return fmt.Errorf("insufficient funds for transaction")
	}
	return nil
}

func (f *FakeClient) Confirm(ctx context.Context, ref string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return StatusPending, apperr.Chain("confirm transaction", true, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[ref]
	if !ok {
		return StatusPending, nil
	}
	return st, nil
}

func (f *FakeClient) Ping(context.Context) error { return nil }
