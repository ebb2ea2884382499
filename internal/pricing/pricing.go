// Package pricing maps a credit quantity to its price in USD using the
// tiered schedule:
//
//	credits <= 5000            -> free
//	5000 < credits <= 505000   -> (credits - 5000) * 0.0018
//	credits > 505000           -> (credits - 505000) * 0.0009 + 900
package pricing

import (
	"strconv"

	"github.com/boddenberg/credit-ledger-go/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	FreeCredits     int64 = 5000
	StandardCeiling int64 = 505000
)

var (
	standardRate = decimal.RequireFromString("0.0018")
	volumeRate   = decimal.RequireFromString("0.0009")
	volumeBase   = decimal.NewFromInt(900)
	hundred      = decimal.NewFromInt(100)
)

// Cost returns the price of credits. Non-positive quantities are rejected.
func Cost(credits int64) (decimal.Decimal, error) {
	if credits <= 0 {
		return decimal.Zero, &domain.ErrInvalidAmount{Field: "credits", Value: strconv.FormatInt(credits, 10)}
	}

	switch {
	case credits <= FreeCredits:
		return decimal.Zero, nil
	case credits <= StandardCeiling:
		return decimal.NewFromInt(credits - FreeCredits).Mul(standardRate), nil
	default:
		return decimal.NewFromInt(credits - StandardCeiling).Mul(volumeRate).Add(volumeBase), nil
	}
}

// MinorUnits converts a USD amount to cents, rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts cents back to a USD amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// ChargeAmount returns the amount in cents billed for credits, floored at
// the provider's minimum charge.
func ChargeAmount(credits, minimumMinorUnits int64) (int64, error) {
	cost, err := Cost(credits)
	if err != nil {
		return 0, err
	}
	cents := MinorUnits(cost)
	if cents < minimumMinorUnits {
		cents = minimumMinorUnits
	}
	return cents, nil
}
