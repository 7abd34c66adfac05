package amount

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseAndFormat(t *testing.T) {
	base, err := Parse("1.5", 9)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !base.Equal(d("1500000000")) {
		t.Fatalf("unexpected base %s", base)
	}
	if got := Format(base, 9, "SOL"); got != "1.5 SOL" {
		t.Fatalf("format = %q", got)
	}

	for _, raw := range []string{"", "abc", "0", "-1", "0.0000000001"} {
		if _, err := Parse(raw, 9); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSplitEqualRoundsDown(t *testing.T) {
	if got := SplitEqual(d("10"), 2); !got.Equal(d("5")) {
		t.Fatalf("10/2 = %s", got)
	}
	if got := SplitEqual(d("10"), 3); !got.Equal(d("3")) {
		t.Fatalf("10/3 = %s", got)
	}
	if got := SplitEqual(d("10"), 0); !got.IsZero() {
		t.Fatalf("10/0 = %s", got)
	}
}

func testPolicy() FeePolicy {
	return FeePolicy{
		PerRecipientFee:   d("5"),
		ReserveBuffer:     d("100"),
		AccountOpenCost:   d("20"),
		DefaultRecipients: 10,
	}
}

func TestFundingBuffer(t *testing.T) {
	p := testPolicy()
	if got := p.FundingBuffer(2); !got.Equal(d("150")) {
		t.Fatalf("buffer(2) = %s", got)
	}
	if got := p.FundingBuffer(0); !got.Equal(d("350")) {
		t.Fatalf("buffer(uncapped) = %s", got)
	}
}

func TestDistributableNeverExceedsLiveMinusFees(t *testing.T) {
	p := testPolicy()
	cases := []struct {
		name       string
		nominal    string
		liveNative string
		winners    int
		want       string
	}{
		{"fully funded", "1000", "1150", 2, "1000"},
		{"shortfall", "1000", "1050", 2, "940"},
		{"single winner", "10", "200", 1, "10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Distributable(true, d(tc.nominal), d(tc.liveNative), decimal.Zero, tc.winners)
			if err != nil {
				t.Fatalf("distributable: %v", err)
			}
			if !got.Equal(d(tc.want)) {
				t.Fatalf("got %s want %s", got, tc.want)
			}
			ceiling := d(tc.liveNative).Sub(p.PerRecipientFee.Mul(decimal.NewFromInt(int64(tc.winners)))).Sub(p.ReserveBuffer)
			if got.GreaterThan(ceiling) {
				t.Fatalf("distributable %s exceeds ceiling %s", got, ceiling)
			}
		})
	}

	if _, err := p.Distributable(true, d("10"), d("105"), decimal.Zero, 1); !errors.Is(err, ErrFeesUncovered) {
		t.Fatalf("expected ErrFeesUncovered, got %v", err)
	}
}

func TestDistributableToken(t *testing.T) {
	p := testPolicy()
	got, err := p.Distributable(false, d("500"), d("50"), d("400"), 2)
	if err != nil {
		t.Fatalf("distributable: %v", err)
	}
	if !got.Equal(d("400")) {
		t.Fatalf("got %s want 400", got)
	}
	if _, err := p.Distributable(false, d("500"), d("49"), d("500"), 2); !errors.Is(err, ErrFeesUncovered) {
		t.Fatalf("expected ErrFeesUncovered, got %v", err)
	}
}

func TestRequirement(t *testing.T) {
	p := testPolicy()
	req := p.Requirement(true, d("1000"), 3)
	if !req.Native.Equal(d("3115")) || !req.Asset.IsZero() {
		t.Fatalf("native requirement = %+v", req)
	}
	req = p.Requirement(false, d("1000"), 3)
	if !req.Asset.Equal(d("3000")) || !req.Native.Equal(d("75")) {
		t.Fatalf("token requirement = %+v", req)
	}
}
