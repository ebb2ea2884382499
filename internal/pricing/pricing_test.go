package pricing_test

import (
	"errors"
	"testing"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/pricing"

	"github.com/shopspring/decimal"
)

func TestCost_Tiers(t *testing.T) {
	tests := []struct {
		credits int64
		want    string
	}{
		{1, "0"},
		{5000, "0"},
		{5001, "0.0018"},
		{10000, "9"},
		{505000, "900"},
		{505001, "900.0009"},
		{1505000, "1800"},
	}

	for _, tt := range tests {
		got, err := pricing.Cost(tt.credits)
		if err != nil {
			t.Fatalf("Cost(%d): unexpected error %v", tt.credits, err)
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Cost(%d) = %s, want %s", tt.credits, got, tt.want)
		}
	}
}

func TestCost_ContinuousAtBoundary(t *testing.T) {
	atCeiling, _ := pricing.Cost(pricing.StandardCeiling)
	viaStandard := decimal.NewFromInt(pricing.StandardCeiling - pricing.FreeCredits).Mul(decimal.RequireFromString("0.0018"))

	if !atCeiling.Equal(viaStandard) {
		t.Errorf("expected %s from both tiers, got %s", viaStandard, atCeiling)
	}
}

func TestCost_Monotonic(t *testing.T) {
	prev := decimal.Zero
	for c := int64(1); c <= 1_000_000; c += 997 {
		got, err := pricing.Cost(c)
		if err != nil {
			t.Fatalf("Cost(%d): %v", c, err)
		}
		if got.LessThan(prev) {
			t.Fatalf("Cost(%d) = %s decreased from %s", c, got, prev)
		}
		prev = got
	}
}

func TestCost_RejectsNonPositive(t *testing.T) {
	for _, c := range []int64{0, -1, -5000} {
		_, err := pricing.Cost(c)
		var invalid *domain.ErrInvalidAmount
		if !errors.As(err, &invalid) {
			t.Errorf("Cost(%d): expected ErrInvalidAmount, got %v", c, err)
		}
	}
}

func TestChargeAmount(t *testing.T) {
	cents, err := pricing.ChargeAmount(10000, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cents != 900 {
		t.Errorf("expected 900 cents, got %d", cents)
	}

	// Free tier is floored at the minimum charge.
	cents, _ = pricing.ChargeAmount(5000, 50)
	if cents != 50 {
		t.Errorf("expected minimum charge 50, got %d", cents)
	}
}

func TestMinorUnits_Rounds(t *testing.T) {
	if got := pricing.MinorUnits(decimal.RequireFromString("0.0018")); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := pricing.MinorUnits(decimal.RequireFromString("900.0009")); got != 90000 {
		t.Errorf("expected 90000, got %d", got)
	}
	if got := pricing.MinorUnits(decimal.RequireFromString("1.005")); got != 101 {
		t.Errorf("expected 101, got %d", got)
	}
}
