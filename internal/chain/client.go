// Package chain is the boundary to the ledger network. The core builds
// chain-neutral transactions; adapters sign, submit and confirm them.
package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// InstructionKind distinguishes the instructions a transaction may carry.
type InstructionKind string

const (
	// KindTransfer debits the signer and credits To.
	KindTransfer InstructionKind = "transfer"
	// KindOpenAssetAccount creates To's sub-account for Asset, paid by the signer.
	KindOpenAssetAccount InstructionKind = "open_asset_account"
)

type Instruction struct {
	Kind   InstructionKind `json:"kind"`
	To     string          `json:"to"`
	Asset  Asset           `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Tx is an atomic submission: the chain applies every instruction or none.
type Tx struct {
	Instructions []Instruction `json:"instructions"`
	PriorityFee  bool          `json:"priorityFee"`
}

// Status is the confirmation state of a submitted transaction.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// BalanceReader reads live balances. Results may lag the chain by
// confirmation latency and are advisory until re-read before signing.
type BalanceReader interface {
	Balances(ctx context.Context, address string) (Balances, error)
}

// Client is the full chain boundary used by the transfer executor.
//
// Adapters return apperr ChainSubmission errors, marking transient RPC
// failures retryable and simulation/validation rejections terminal.
type Client interface {
	BalanceReader
	AssetAccountExists(ctx context.Context, owner string, asset Asset) (bool, error)
	ValidAddress(address string) bool
	Sign(ctx context.Context, secret []byte, tx Tx) ([]byte, error)
	Submit(ctx context.Context, signed []byte) (string, error)
	Confirm(ctx context.Context, ref string) (Status, error)
}

// HealthChecker is implemented by clients that can probe their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
