package settlement

import (
	"errors"
	"math/big"
)

// PointValueBaseUnits is the settlement-token value of a single point:
// $0.01 expressed in USDC base units (6 decimals).
const PointValueBaseUnits = 10_000

var (
	// ErrInvalidAmount is returned when a plan is requested for a nil or
	// negative price.
	ErrInvalidAmount = errors.New("settlement: amount must be non-negative")
	// ErrInvalidPoints is returned for a negative points balance.
	ErrInvalidPoints = errors.New("settlement: points balance must be non-negative")
)

// Plan decides how a booking's price is covered: how much must move
// on-chain and how many points offset the remainder. All currency fields are
// USDC base units.
type Plan struct {
	OriginalAmount *big.Int
	USDCToPay      *big.Int
	PointsToUse    int64
	PointsValue    *big.Int
	CanAfford      bool
}

// PlanPayment computes the points usage plan for a booking attempt. The
// function is pure: it inspects balances, moves nothing, and is called before
// any money moves.
//
// Points only ever offset a shortfall between the price and the customer's
// on-chain balance. When the balance already covers the price the points
// balance is left untouched, and the number of points applied is floored so
// their value never exceeds the shortfall.
func PlanPayment(originalAmount, usdcBalance *big.Int, pointsBalance int64, usePoints bool) (*Plan, error) {
	if originalAmount == nil || originalAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if pointsBalance < 0 {
		return nil, ErrInvalidPoints
	}
	balance := big.NewInt(0)
	if usdcBalance != nil {
		if usdcBalance.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		balance = new(big.Int).Set(usdcBalance)
	}
	price := new(big.Int).Set(originalAmount)

	plan := &Plan{
		OriginalAmount: price,
		USDCToPay:      new(big.Int).Set(price),
		PointsValue:    big.NewInt(0),
	}
	shortfall := new(big.Int).Sub(price, balance)
	if !usePoints || pointsBalance == 0 || shortfall.Sign() <= 0 {
		plan.CanAfford = balance.Cmp(price) >= 0
		return plan, nil
	}

	pointValue := big.NewInt(PointValueBaseUnits)
	maxPointsValue := new(big.Int).Mul(big.NewInt(pointsBalance), pointValue)
	valueToUse := maxPointsValue
	if shortfall.Cmp(maxPointsValue) < 0 {
		valueToUse = shortfall
	}
	pointsToUse := new(big.Int).Div(valueToUse, pointValue)

	plan.PointsToUse = pointsToUse.Int64()
	plan.PointsValue = new(big.Int).Mul(pointsToUse, pointValue)
	plan.USDCToPay = new(big.Int).Sub(price, plan.PointsValue)
	plan.CanAfford = balance.Cmp(plan.USDCToPay) >= 0
	return plan, nil
}
