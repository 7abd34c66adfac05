// Package transfer builds, signs, submits and confirms fund movements. A
// transfer is reported successful only after the chain confirms it.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"potrails/internal/apperr"
	"potrails/internal/chain"
)

type Options struct {
	PriorityFee bool
	// OnSubmit, when set, runs after the chain accepts the transaction and
	// before the confirmation wait. An error stops the wait; the returned
	// error still carries the reference.
	OnSubmit func(ref string) error
}

// Payout is one recipient of a batch transfer.
type Payout struct {
	Recipient string
	Amount    decimal.Decimal
}

type Config struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type Executor struct {
	chain chain.Client
	cfg   Config
	log   *slog.Logger
}

func NewExecutor(c chain.Client, cfg Config, log *slog.Logger) *Executor {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Executor{chain: c, cfg: cfg, log: log}
}

// SubRef derives the ledger reference of the index-th recipient of a batch.
func SubRef(ref string, index int) string {
	return fmt.Sprintf("%s:%d", ref, index)
}

// Transfer moves amount of asset to recipient. For token assets the
// recipient's account is opened first, paid by the sender, when missing.
func (e *Executor) Transfer(ctx context.Context, secret []byte, recipient string, amount decimal.Decimal, asset chain.Asset, opts Options) (string, error) {
	ins, err := e.instructions(ctx, recipient, amount, asset)
	if err != nil {
		return "", err
	}
	return e.execute(ctx, secret, chain.Tx{Instructions: ins, PriorityFee: opts.PriorityFee}, opts.OnSubmit)
}

// BatchTransfer packs every payout into a single atomic submission. A
// rejected batch moved nothing.
func (e *Executor) BatchTransfer(ctx context.Context, secret []byte, payouts []Payout, asset chain.Asset, opts Options) (string, error) {
	if len(payouts) == 0 {
		return "", apperr.Validation("batch transfer needs at least one recipient")
	}
	var all []chain.Instruction
	for _, p := range payouts {
		ins, err := e.instructions(ctx, p.Recipient, p.Amount, asset)
		if err != nil {
			return "", err
		}
		all = append(all, ins...)
	}
	return e.execute(ctx, secret, chain.Tx{Instructions: all, PriorityFee: opts.PriorityFee}, opts.OnSubmit)
}

func (e *Executor) instructions(ctx context.Context, recipient string, amount decimal.Decimal, asset chain.Asset) ([]chain.Instruction, error) {
	if !e.chain.ValidAddress(recipient) {
		return nil, apperr.Validation("invalid recipient address %q", recipient)
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("transfer amount must be positive")
	}
	transfer := chain.Instruction{Kind: chain.KindTransfer, To: recipient, Asset: asset, Amount: amount}
	if asset.Native() {
		return []chain.Instruction{transfer}, nil
	}
	exists, err := e.chain.AssetAccountExists(ctx, recipient, asset)
	if err != nil {
		return nil, err
	}
	if exists {
		return []chain.Instruction{transfer}, nil
	}
	open := chain.Instruction{Kind: chain.KindOpenAssetAccount, To: recipient, Asset: asset}
	return []chain.Instruction{open, transfer}, nil
}

func (e *Executor) execute(ctx context.Context, secret []byte, tx chain.Tx, onSubmit func(string) error) (string, error) {
	signed, err := e.chain.Sign(ctx, secret, tx)
	if err != nil {
		return "", err
	}
	ref, err := e.chain.Submit(ctx, signed)
	if err != nil {
		return "", err
	}
	if onSubmit != nil {
		if err := onSubmit(ref); err != nil {
			return "", apperr.WithRef(err, ref)
		}
	}
	if err := e.Await(ctx, ref); err != nil {
		return "", err
	}
	e.log.Debug("transfer confirmed", "ref", ref, "instructions", len(tx.Instructions))
	return ref, nil
}

// Await polls until ref is confirmed. On timeout the returned error is
// retryable and carries ref, so the caller can check it before re-sending.
func (e *Executor) Await(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		st, err := e.chain.Confirm(ctx, ref)
		switch {
		case err != nil && !apperr.IsRetryable(err):
			return apperr.WithRef(err, ref)
		case err == nil && st == chain.StatusConfirmed:
			return nil
		case err == nil && st == chain.StatusFailed:
			return apperr.Chain("transaction "+ref+" failed on chain", false, nil)
		}

		select {
		case <-ctx.Done():
			return apperr.WithRef(apperr.Chain("confirmation timed out", true, ctx.Err()), ref)
		case <-ticker.C:
		}
	}
}

// Status reports the current confirmation state of ref.
func (e *Executor) Status(ctx context.Context, ref string) (chain.Status, error) {
	return e.chain.Confirm(ctx, ref)
}
