package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"potrails/internal/amount"
	"potrails/internal/chain"
)

// Policy parses the fee amounts.
func (f FeeConfig) Policy() (amount.FeePolicy, error) {
	parse := func(name, raw string) (decimal.Decimal, error) {
		if strings.TrimSpace(raw) == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || d.IsNegative() || !d.Equal(d.Truncate(0)) {
			return decimal.Zero, fmt.Errorf("fees.%s must be a non-negative integer in base units, got %q", name, raw)
		}
		return d, nil
	}
	var (
		p   amount.FeePolicy
		err error
	)
	if p.PerRecipientFee, err = parse("perRecipientFee", f.PerRecipientFee); err != nil {
		return p, err
	}
	if p.ReserveBuffer, err = parse("reserveBuffer", f.ReserveBuffer); err != nil {
		return p, err
	}
	if p.AccountOpenCost, err = parse("accountOpenCost", f.AccountOpenCost); err != nil {
		return p, err
	}
	p.DefaultRecipients = f.DefaultRecipients
	return p, nil
}

// Registry builds the asset table.
func (c ChainConfig) Registry() (*chain.Registry, error) {
	assets := make([]chain.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		var slot chain.Slot
		switch strings.ToLower(a.Slot) {
		case "native":
			slot = chain.SlotNative
		case "a":
			slot = chain.SlotA
		case "b":
			slot = chain.SlotB
		default:
			return nil, fmt.Errorf("asset %q has unknown slot %q", a.ID, a.Slot)
		}
		assets = append(assets, chain.Asset{
			ID:       a.ID,
			Symbol:   a.Symbol,
			Decimals: a.Decimals,
			Contract: a.Contract,
			Slot:     slot,
		})
	}
	return chain.NewRegistry(assets...)
}
