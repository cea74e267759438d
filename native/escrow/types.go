package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// BookingStatus represents the lifecycle states enforced by the settlement
// distributor.
type BookingStatus uint8

const (
	BookingCreated BookingStatus = iota
	BookingPaid
	BookingCompleted
	BookingCancelled
	BookingRefunded
)

// Valid reports whether the status value is within the supported range.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingCreated, BookingPaid, BookingCompleted, BookingCancelled, BookingRefunded:
		return true
	default:
		return false
	}
}

func (s BookingStatus) String() string {
	switch s {
	case BookingCreated:
		return "created"
	case BookingPaid:
		return "paid"
	case BookingCompleted:
		return "completed"
	case BookingCancelled:
		return "cancelled"
	case BookingRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Booking captures the settlement state of one booking held by the
// distributor. Amount is what actually arrived on-chain; OriginalAmount is
// the full service price the provider and inviter shares are derived from.
// OriginalAmount >= Amount always: a points subsidy only ever reduces the
// on-chain flow, never the entitlement base.
type Booking struct {
	ID             [32]byte
	Customer       [20]byte
	Provider       [20]byte
	Inviter        [20]byte
	Token          string
	Amount         *big.Int
	OriginalAmount *big.Int
	PlatformFeeBps uint32
	InviterFeeBps  uint32
	Nonce          [32]byte
	Expiry         int64
	CreatedAt      int64
	PaidAt         int64
	CompletedAt    int64
	Status         BookingStatus
}

// HasInviter reports whether a non-zero inviter address is attached.
func (b *Booking) HasInviter() bool {
	return b != nil && b.Inviter != [20]byte{}
}

// Clone returns a deep copy of the booking so callers can safely mutate the
// copy without affecting the stored instance.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Amount != nil {
		clone.Amount = new(big.Int).Set(b.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if b.OriginalAmount != nil {
		clone.OriginalAmount = new(big.Int).Set(b.OriginalAmount)
	} else {
		clone.OriginalAmount = big.NewInt(0)
	}
	return &clone
}

// Account holds the settlement-token balance the distributor moves funds
// between.
type Account struct {
	BalanceUSDC *big.Int
}

// NormalizeToken ensures the provided token symbol matches the supported
// settlement token and returns the canonical uppercase form.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case "USDC":
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported settlement token: %s", symbol)
	}
}
