package amount

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrFeesUncovered means the live native balance cannot pay for the
// operation's fees and reserve.
var ErrFeesUncovered = errors.New("native balance does not cover fees")

// FeePolicy holds the native-asset costs of moving funds. All fields are in
// native base units.
type FeePolicy struct {
	// PerRecipientFee is charged for each transfer a payout sends.
	PerRecipientFee decimal.Decimal
	// ReserveBuffer keeps the sender above the network minimum balance.
	ReserveBuffer decimal.Decimal
	// AccountOpenCost is the one-time top-up for a recipient that has no
	// account for the asset yet.
	AccountOpenCost decimal.Decimal
	// DefaultRecipients sizes the buffer of pots without a participant cap.
	DefaultRecipients int
}

func (p FeePolicy) recipients(n int) decimal.Decimal {
	if n <= 0 {
		n = p.DefaultRecipients
	}
	if n <= 0 {
		n = 1
	}
	return decimal.NewFromInt(int64(n))
}

// FundingBuffer is the native amount a pot is funded with on top of its
// principal, sized so every potential winner can be paid and topped up.
func (p FeePolicy) FundingBuffer(maxParticipants int) decimal.Decimal {
	perWinner := p.PerRecipientFee.Add(p.AccountOpenCost)
	return p.ReserveBuffer.Add(perWinner.Mul(p.recipients(maxParticipants)))
}

// Distributable returns how much of nominal can be split among winners given
// the escrow's live balances. It never exceeds the live balance minus fees
// and reserve.
func (p FeePolicy) Distributable(native bool, nominal, liveNative, liveAsset decimal.Decimal, winners int) (decimal.Decimal, error) {
	w := decimal.NewFromInt(int64(winners))
	if native {
		available := liveNative.Sub(p.PerRecipientFee.Mul(w)).Sub(p.ReserveBuffer)
		if !available.IsPositive() {
			return decimal.Zero, ErrFeesUncovered
		}
		return decimal.Min(nominal, available), nil
	}
	fees := p.PerRecipientFee.Add(p.AccountOpenCost).Mul(w)
	if liveNative.LessThan(fees) {
		return decimal.Zero, ErrFeesUncovered
	}
	return decimal.Min(nominal, NonNegative(liveAsset)), nil
}

// Refundable is the native amount that can be sent back out of an account in
// a single transfer while leaving fee and reserve behind.
func (p FeePolicy) Refundable(liveNative decimal.Decimal) decimal.Decimal {
	return NonNegative(liveNative.Sub(p.PerRecipientFee).Sub(p.ReserveBuffer))
}

// Requirement is what a sender must hold for a transfer to go through.
type Requirement struct {
	// Asset is the token amount needed; zero for native transfers.
	Asset decimal.Decimal
	// Native covers principal (native transfers), fees and reserve.
	Native decimal.Decimal
}

// Requirement computes the balance needed to send amountEach to recipients.
func (p FeePolicy) Requirement(native bool, amountEach decimal.Decimal, recipients int) Requirement {
	n := decimal.NewFromInt(int64(recipients))
	principal := amountEach.Mul(n)
	if native {
		return Requirement{Native: principal.Add(p.PerRecipientFee.Mul(n)).Add(p.ReserveBuffer)}
	}
	return Requirement{
		Asset:  principal,
		Native: p.PerRecipientFee.Add(p.AccountOpenCost).Mul(n),
	}
}
