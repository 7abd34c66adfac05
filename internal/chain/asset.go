package chain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"potrails/internal/apperr"
)

// Slot identifies which balance an asset occupies. The service supports a
// fixed set: the native asset plus two tokens.
type Slot int

const (
	SlotNative Slot = iota
	SlotA
	SlotB
)

// Asset describes a supported asset.
type Asset struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	// Contract is the token contract address; empty for the native asset.
	Contract string `json:"contract,omitempty"`
	Slot     Slot   `json:"slot"`
}

func (a Asset) Native() bool { return a.Slot == SlotNative }

// Balances are live balances in base units.
type Balances struct {
	Native decimal.Decimal `json:"native"`
	AssetA decimal.Decimal `json:"assetA"`
	AssetB decimal.Decimal `json:"assetB"`
}

// Of returns the balance held in the asset's slot.
func (b Balances) Of(a Asset) decimal.Decimal {
	switch a.Slot {
	case SlotA:
		return b.AssetA
	case SlotB:
		return b.AssetB
	default:
		return b.Native
	}
}

func (b *Balances) add(a Asset, delta decimal.Decimal) {
	switch a.Slot {
	case SlotA:
		b.AssetA = b.AssetA.Add(delta)
	case SlotB:
		b.AssetB = b.AssetB.Add(delta)
	default:
		b.Native = b.Native.Add(delta)
	}
}

// Registry is the configured asset table.
type Registry struct {
	byID   map[string]Asset
	bySlot map[Slot]Asset
}

// NewRegistry validates the asset table: exactly one native asset and at most
// one asset per slot.
func NewRegistry(assets ...Asset) (*Registry, error) {
	r := &Registry{byID: make(map[string]Asset), bySlot: make(map[Slot]Asset)}
	for _, a := range assets {
		a.ID = strings.ToLower(strings.TrimSpace(a.ID))
		if a.ID == "" {
			return nil, fmt.Errorf("asset id is required")
		}
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate asset %q", a.ID)
		}
		if _, dup := r.bySlot[a.Slot]; dup {
			return nil, fmt.Errorf("asset %q reuses slot %d", a.ID, a.Slot)
		}
		if !a.Native() && a.Contract == "" {
			return nil, fmt.Errorf("token asset %q needs a contract address", a.ID)
		}
		r.byID[a.ID] = a
		r.bySlot[a.Slot] = a
	}
	if _, ok := r.bySlot[SlotNative]; !ok {
		return nil, fmt.Errorf("asset table has no native asset")
	}
	return r, nil
}

// Lookup resolves an asset id. Unknown ids are a validation error.
func (r *Registry) Lookup(id string) (Asset, error) {
	a, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Asset{}, apperr.Validation("unsupported asset %q", id)
	}
	return a, nil
}

func (r *Registry) Native() Asset { return r.bySlot[SlotNative] }

// Tokens returns the non-native assets in slot order.
func (r *Registry) Tokens() []Asset {
	var out []Asset
	for _, s := range []Slot{SlotA, SlotB} {
		if a, ok := r.bySlot[s]; ok {
			out = append(out, a)
		}
	}
	return out
}
