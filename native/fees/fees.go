package fees

import (
	"errors"
	"fmt"
	"math/big"
)

// Basis-point denominator used for all fee math.
const BpsDenominator = 10_000

var (
	// ErrInvalidAmount is returned when a fee computation receives a nil or
	// negative amount.
	ErrInvalidAmount = errors.New("fees: amount must be non-negative")
	// ErrInvalidRates is returned when the configured rates exceed 100%.
	ErrInvalidRates = errors.New("fees: fee rates exceed 10000 basis points")
)

// Schedule captures the marketplace fee configuration. Without an inviter the
// platform keeps PlatformFeeBps of the booking price; with an inviter the
// platform share is split between SplitPlatformFeeBps and SplitInviterFeeBps.
type Schedule struct {
	PlatformFeeBps      uint32
	SplitPlatformFeeBps uint32
	SplitInviterFeeBps  uint32
}

// DefaultSchedule returns the production rates: 10% platform without an
// inviter, 5% platform + 5% inviter with one.
func DefaultSchedule() Schedule {
	return Schedule{
		PlatformFeeBps:      1000,
		SplitPlatformFeeBps: 500,
		SplitInviterFeeBps:  500,
	}
}

// Validate checks the schedule rates stay within the basis-point range.
func (s Schedule) Validate() error {
	if s.PlatformFeeBps > BpsDenominator {
		return fmt.Errorf("%w: platform %d", ErrInvalidRates, s.PlatformFeeBps)
	}
	if uint64(s.SplitPlatformFeeBps)+uint64(s.SplitInviterFeeBps) > BpsDenominator {
		return fmt.Errorf("%w: split %d+%d", ErrInvalidRates, s.SplitPlatformFeeBps, s.SplitInviterFeeBps)
	}
	return nil
}

// RatesFor resolves the platform and inviter rates for a booking based on
// whether the customer was referred.
func (s Schedule) RatesFor(hasInviter bool) (platformBps, inviterBps uint32) {
	if hasInviter {
		return s.SplitPlatformFeeBps, s.SplitInviterFeeBps
	}
	return s.PlatformFeeBps, 0
}

// Breakdown is the exact three-way split of a booking's original amount.
// ProviderAmount + InviterAmount + PlatformAmount always equals the input.
type Breakdown struct {
	OriginalAmount *big.Int
	ProviderAmount *big.Int
	InviterAmount  *big.Int
	PlatformAmount *big.Int
	PlatformFeeBps uint32
	InviterFeeBps  uint32
}

// Split computes the provider, inviter, and platform shares of originalAmount
// in integer base units. The provider and inviter shares are derived from the
// configured rates; the platform share is the residual so the three parts sum
// to the original amount exactly regardless of integer truncation.
func Split(originalAmount *big.Int, platformBps, inviterBps uint32) (*Breakdown, error) {
	if originalAmount == nil || originalAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if uint64(platformBps)+uint64(inviterBps) > BpsDenominator {
		return nil, fmt.Errorf("%w: %d+%d", ErrInvalidRates, platformBps, inviterBps)
	}
	total := new(big.Int).Set(originalAmount)
	providerBps := int64(BpsDenominator) - int64(platformBps) - int64(inviterBps)

	provider := new(big.Int).Mul(total, big.NewInt(providerBps))
	provider.Div(provider, big.NewInt(BpsDenominator))

	inviter := new(big.Int).Mul(total, big.NewInt(int64(inviterBps)))
	inviter.Div(inviter, big.NewInt(BpsDenominator))

	platform := new(big.Int).Sub(total, provider)
	platform.Sub(platform, inviter)

	return &Breakdown{
		OriginalAmount: total,
		ProviderAmount: provider,
		InviterAmount:  inviter,
		PlatformAmount: platform,
		PlatformFeeBps: platformBps,
		InviterFeeBps:  inviterBps,
	}, nil
}

// SplitFor is Split with rates resolved from the schedule.
func (s Schedule) SplitFor(originalAmount *big.Int, hasInviter bool) (*Breakdown, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	platformBps, inviterBps := s.RatesFor(hasInviter)
	return Split(originalAmount, platformBps, inviterBps)
}
