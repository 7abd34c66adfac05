package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"potrails/internal/amount"
	"potrails/internal/apperr"
	"potrails/internal/chain"
	"potrails/internal/keyvault"
	"potrails/internal/notify"
	"potrails/internal/store"
	"potrails/internal/transfer"
)

// Settle closes the pot. Exactly one caller wins the ACTIVE -> SETTLED
// update; all others get a SettlementConflict and must do nothing.
//
// With winners the escrow pays each an equal share of what the live balance
// supports. Without winners everything left after fees goes back to the
// creator and the pot ends EXPIRED.
func (m *Manager) Settle(ctx context.Context, potID string) error {
	ok, err := m.store.TransitionPot(ctx, potID, store.PotActive, store.PotSettled, m.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("pot %s not found", potID)
	}
	if err != nil {
		return err
	}
	if !ok {
		return apperr.SettlementConflict(potID)
	}
	m.cancelTimer(potID)

	pot, err := m.store.GetPot(ctx, potID)
	if err != nil {
		return err
	}
	asset, err := m.assets.Lookup(pot.AssetID)
	if err != nil {
		m.failPot(ctx, pot, store.PotSettled, err.Error())
		return err
	}
	parts, err := m.store.ListParticipants(ctx, potID)
	if err != nil {
		return err
	}
	if pot.MaxParticipants > 0 && len(parts) > pot.MaxParticipants {
		parts = parts[:pot.MaxParticipants]
	}

	secret, err := m.vault.Decrypt(pot.EscrowSecret, pot.EscrowSalt)
	if err != nil {
		m.failPot(ctx, pot, store.PotSettled, "escrow key unavailable")
		return err
	}
	defer keyvault.Zero(secret)

	phase := "payout"
	if len(parts) == 0 {
		phase = "refund"
	}
	// Cleared or replaced by the final outcome.
	if err := m.store.RecordPotOutcome(ctx, potID, decimal.Zero, decimal.Zero, "settlement in progress: "+phase); err != nil {
		m.log.Error("record settlement phase failed", "pot_id", potID, "error", err)
	}
	if len(parts) == 0 {
		return m.refund(ctx, pot, asset, secret)
	}
	return m.payout(ctx, pot, asset, secret, parts)
}

func (m *Manager) payout(ctx context.Context, pot *store.Pot, asset chain.Asset, secret []byte, parts []store.Participant) error {
	live, err := m.balances.Balances(ctx, pot.EscrowPublicKey)
	if err != nil {
		m.failPot(ctx, pot, store.PotSettled, "read escrow balance: "+err.Error())
		return err
	}
	total, err := m.cfg.Fees.Distributable(asset.Native(), pot.Amount, live.Native, live.Of(asset), len(parts))
	if err != nil {
		m.failPot(ctx, pot, store.PotSettled, "escrow cannot cover payout fees")
		return apperr.InsufficientFunds("pot %s escrow cannot cover payout fees", pot.ID)
	}
	if total.LessThan(pot.Amount) {
		m.log.Warn("pot pays out less than its nominal amount", "pot_id", pot.ID,
			"nominal", pot.Amount.String(), "distributable", total.String(), "winners", len(parts))
	}
	share := amount.SplitEqual(total, len(parts))
	if !share.IsPositive() {
		m.failPot(ctx, pot, store.PotSettled, "share rounds to zero")
		return apperr.InsufficientFunds("pot %s share rounds to zero", pot.ID)
	}

	disbursed := decimal.Zero
	var failures, unconfirmed []string
	for _, p := range parts {
		err := m.payWinner(ctx, pot, asset, secret, p, share)
		switch ref := apperr.RefOf(err); {
		case err == nil:
			disbursed = disbursed.Add(share)
		case ref != "":
			// The share may still land; the participant keeps the ref.
			m.log.Error("pot payout unconfirmed", "pot_id", pot.ID, "user_id", p.UserID, "ref", ref, "error", err)
			unconfirmed = append(unconfirmed, p.UserID+" ("+ref+")")
		default:
			m.log.Error("pot payout failed", "pot_id", pot.ID, "user_id", p.UserID, "error", err)
			failures = append(failures, p.UserID)
		}
	}

	var reasons []string
	if len(failures) > 0 {
		reasons = append(reasons, "payout failed for "+strings.Join(failures, ", "))
	}
	if len(unconfirmed) > 0 {
		reasons = append(reasons, "payout unconfirmed for "+strings.Join(unconfirmed, ", "))
	}
	if err := m.store.RecordPotOutcome(ctx, pot.ID, share, disbursed, strings.Join(reasons, "; ")); err != nil {
		m.log.Error("record pot outcome failed", "pot_id", pot.ID, "error", err)
	}

	if disbursed.IsZero() && len(unconfirmed) > 0 {
		m.metrics.IncSettlement("unconfirmed")
		m.log.Error("pot payouts unconfirmed, needs operator review", "pot_id", pot.ID, "unconfirmed", len(unconfirmed))
		return fmt.Errorf("pot %s: %d payouts unconfirmed", pot.ID, len(unconfirmed))
	}
	if disbursed.IsZero() {
		m.transition(ctx, pot, store.PotSettled, store.PotFailed)
		m.metrics.IncSettlement("failed")
		m.announce(ctx, pot, notify.EventPotFailed, "The pot could not be paid out and will be reviewed.")
		return fmt.Errorf("pot %s: every payout failed", pot.ID)
	}

	paid := len(parts) - len(failures) - len(unconfirmed)
	m.metrics.IncSettlement("settled")
	m.log.Info("pot settled", "pot_id", pot.ID, "winners", paid,
		"share", share.String(), "disbursed", disbursed.String())
	m.announce(ctx, pot, notify.EventPotSettled, fmt.Sprintf("Pot settled: %d winners received %s each.",
		paid, amount.Format(share, asset.Decimals, asset.Symbol)))
	return nil
}

func (m *Manager) payWinner(ctx context.Context, pot *store.Pot, asset chain.Asset, secret []byte, p store.Participant, share decimal.Decimal) error {
	acct, err := m.custody.Ensure(ctx, p.UserID, pot.ContextRef)
	if err != nil {
		return err
	}
	opts := transfer.Options{OnSubmit: func(ref string) error {
		if err := m.store.MarkParticipantSubmitted(ctx, pot.ID, p.UserID, ref); err != nil {
			m.log.Error("record payout submission failed", "pot_id", pot.ID, "user_id", p.UserID, "ref", ref, "error", err)
		}
		return nil
	}}
	ref, err := m.exec.Transfer(ctx, secret, acct.PublicKey, share, asset, opts)
	if err != nil {
		return err
	}
	if err := m.store.MarkParticipantTransferred(ctx, pot.ID, p.UserID, share, ref); err != nil {
		m.log.Error("mark participant transferred failed", "pot_id", pot.ID, "user_id", p.UserID, "ref", ref, "error", err)
	}
	entry := m.ledger(store.LedgerPotPayout, ref, pot, asset.ID, share, "", p.UserID)
	entry.ToAddress = acct.PublicKey
	if err := m.store.AppendLedger(ctx, entry); err != nil {
		m.log.Error("record pot payout failed", "pot_id", pot.ID, "ref", ref, "error", err)
	}
	notify.BestEffort(m.log, "payout notice", m.notifier.Notify(ctx, p.UserID, notify.Message{
		Event: notify.EventPayoutReceived,
		Text:  fmt.Sprintf("You received %s from a pot.", amount.Format(share, asset.Decimals, asset.Symbol)),
		Data:  map[string]string{"pot_id": pot.ID, "ref": ref},
	}))
	return nil
}

// refund returns an unclaimed pot to its creator. Token pots send the token
// balance first, then whatever native dust the fees leave.
func (m *Manager) refund(ctx context.Context, pot *store.Pot, asset chain.Asset, secret []byte) error {
	creator, err := m.custody.Ensure(ctx, pot.CreatorID, pot.ContextRef)
	if err != nil {
		m.failPot(ctx, pot, store.PotSettled, "refund recipient unavailable")
		return err
	}
	native := m.assets.Native()
	refunded := decimal.Zero
	var entries []store.LedgerEntry

	if !asset.Native() {
		live, err := m.balances.Balances(ctx, pot.EscrowPublicKey)
		if err != nil {
			m.failPot(ctx, pot, store.PotSettled, "read escrow balance: "+err.Error())
			return err
		}
		if tokens := live.Of(asset); tokens.IsPositive() {
			ref, err := m.exec.Transfer(ctx, secret, creator.PublicKey, tokens, asset, transfer.Options{})
			if pending := apperr.RefOf(err); pending != "" {
				return m.unconfirmed(ctx, pot, "token refund", pending, err)
			}
			if err != nil {
				m.failPot(ctx, pot, store.PotSettled, "token refund failed: "+err.Error())
				return err
			}
			refunded = tokens
			entries = append(entries, m.refundEntry(ref, pot, asset, tokens, creator.PublicKey))
		}
	}

	live, err := m.balances.Balances(ctx, pot.EscrowPublicKey)
	if err != nil {
		m.failPot(ctx, pot, store.PotSettled, "read escrow balance: "+err.Error())
		return err
	}
	if dust := m.cfg.Fees.Refundable(live.Native); dust.IsPositive() {
		ref, err := m.exec.Transfer(ctx, secret, creator.PublicKey, dust, native, transfer.Options{})
		switch pending := apperr.RefOf(err); {
		case pending != "" && asset.Native():
			return m.unconfirmed(ctx, pot, "refund", pending, err)
		case err != nil && asset.Native():
			m.failPot(ctx, pot, store.PotSettled, "refund failed: "+err.Error())
			return err
		case err != nil:
			// The principal is already back; leftover fee buffer stays in escrow.
			m.log.Warn("native dust refund failed", "pot_id", pot.ID, "error", err)
		default:
			if asset.Native() {
				refunded = dust
			}
			entries = append(entries, m.refundEntry(ref, pot, native, dust, creator.PublicKey))
		}
	}

	if len(entries) > 0 {
		if err := m.store.AppendLedger(ctx, entries...); err != nil {
			m.log.Error("record pot refund failed", "pot_id", pot.ID, "error", err)
		}
	}
	if err := m.store.RecordPotOutcome(ctx, pot.ID, decimal.Zero, refunded, ""); err != nil {
		m.log.Error("record pot outcome failed", "pot_id", pot.ID, "error", err)
	}
	m.transition(ctx, pot, store.PotSettled, store.PotExpired)
	m.metrics.IncSettlement("expired")
	m.log.Info("pot expired without claims", "pot_id", pot.ID, "refunded", refunded.String())
	m.announce(ctx, pot, notify.EventPotExpired, fmt.Sprintf("Nobody claimed the pot; %s went back to the creator.",
		amount.Format(refunded, asset.Decimals, asset.Symbol)))
	return nil
}

func (m *Manager) refundEntry(ref string, pot *store.Pot, asset chain.Asset, amt decimal.Decimal, to string) store.LedgerEntry {
	e := m.ledger(store.LedgerPotRefund, ref, pot, asset.ID, amt, "", pot.CreatorID)
	e.ToAddress = to
	return e
}

// unconfirmed leaves the pot SETTLED with the outstanding reference on
// record. The transfer may still land, so the pot is not failed.
func (m *Manager) unconfirmed(ctx context.Context, pot *store.Pot, what, ref string, err error) error {
	reason := fmt.Sprintf("%s unconfirmed: %s", what, ref)
	if rerr := m.store.RecordPotOutcome(ctx, pot.ID, decimal.Zero, decimal.Zero, reason); rerr != nil {
		m.log.Error("record pot outcome failed", "pot_id", pot.ID, "error", rerr)
	}
	m.metrics.IncSettlement("unconfirmed")
	m.log.Error("pot transfer unconfirmed, needs operator review", "pot_id", pot.ID, "ref", ref, "error", err)
	return err
}

// failPot records reason and moves the pot from `from` to FAILED.
func (m *Manager) failPot(ctx context.Context, pot *store.Pot, from store.PotStatus, reason string) {
	if err := m.store.RecordPotOutcome(ctx, pot.ID, decimal.Zero, decimal.Zero, reason); err != nil {
		m.log.Error("record pot failure reason failed", "pot_id", pot.ID, "error", err)
	}
	m.transition(ctx, pot, from, store.PotFailed)
	m.metrics.IncPot("failed")
	m.log.Error("pot failed", "pot_id", pot.ID, "reason", reason)
	m.announce(ctx, pot, notify.EventPotFailed, "Something went wrong with this pot. It has been flagged for review.")
}

func (m *Manager) transition(ctx context.Context, pot *store.Pot, from, to store.PotStatus) {
	ok, err := m.store.TransitionPot(ctx, pot.ID, from, to, m.now().UTC())
	if err != nil || !ok {
		m.log.Error("pot status update failed", "pot_id", pot.ID, "from", from, "to", to, "error", err)
		return
	}
	pot.Status = to
}

func (m *Manager) announce(ctx context.Context, pot *store.Pot, event notify.Event, text string) {
	notify.BestEffort(m.log, "pot update", m.notifier.UpdateContext(ctx, pot.ContextRef, notify.Message{
		Event: event,
		Text:  text,
		Data:  map[string]string{"pot_id": pot.ID, "status": string(pot.Status)},
	}))
}
