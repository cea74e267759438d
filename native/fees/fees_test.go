package fees

import (
	"errors"
	"math/big"
	"testing"
)

func TestSplitNoInviter(t *testing.T) {
	schedule := DefaultSchedule()
	// $20.00 in USDC base units (6 decimals).
	original := big.NewInt(20_000_000)
	breakdown, err := schedule.SplitFor(original, false)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if breakdown.ProviderAmount.Cmp(big.NewInt(18_000_000)) != 0 {
		t.Fatalf("provider share: %s", breakdown.ProviderAmount)
	}
	if breakdown.InviterAmount.Sign() != 0 {
		t.Fatalf("inviter share without inviter: %s", breakdown.InviterAmount)
	}
	if breakdown.PlatformAmount.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("platform share: %s", breakdown.PlatformAmount)
	}
}

func TestSplitWithInviter(t *testing.T) {
	schedule := DefaultSchedule()
	original := big.NewInt(20_000_000)
	breakdown, err := schedule.SplitFor(original, true)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if breakdown.ProviderAmount.Cmp(big.NewInt(18_000_000)) != 0 {
		t.Fatalf("provider share: %s", breakdown.ProviderAmount)
	}
	if breakdown.InviterAmount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("inviter share: %s", breakdown.InviterAmount)
	}
	if breakdown.PlatformAmount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("platform share: %s", breakdown.PlatformAmount)
	}
}

func TestSplitConservesExactly(t *testing.T) {
	// Awkward amounts where independent percentage math would drift.
	amounts := []int64{1, 3, 7, 99, 101, 12_345_677, 19_999_999, 33_333_333}
	for _, raw := range amounts {
		for _, hasInviter := range []bool{false, true} {
			breakdown, err := DefaultSchedule().SplitFor(big.NewInt(raw), hasInviter)
			if err != nil {
				t.Fatalf("split %d: %v", raw, err)
			}
			sum := new(big.Int).Add(breakdown.ProviderAmount, breakdown.InviterAmount)
			sum.Add(sum, breakdown.PlatformAmount)
			if sum.Cmp(big.NewInt(raw)) != 0 {
				t.Fatalf("sum invariant broken for %d (inviter=%v): %s", raw, hasInviter, sum)
			}
		}
	}
}

func TestProviderShareInvariantToInviter(t *testing.T) {
	original := big.NewInt(45_678_901)
	without, err := DefaultSchedule().SplitFor(original, false)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	with, err := DefaultSchedule().SplitFor(original, true)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if without.ProviderAmount.Cmp(with.ProviderAmount) != 0 {
		t.Fatalf("provider share depends on referral: %s vs %s", without.ProviderAmount, with.ProviderAmount)
	}
}

func TestSplitRejectsInvalidInput(t *testing.T) {
	if _, err := Split(nil, 1000, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
	if _, err := Split(big.NewInt(-1), 1000, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if _, err := Split(big.NewInt(100), 6000, 5000); !errors.Is(err, ErrInvalidRates) {
		t.Fatalf("expected ErrInvalidRates, got %v", err)
	}
}

func TestParseSchedule(t *testing.T) {
	schedule, err := ParseSchedule([]byte("platform_fee_bps = 800\nsplit_platform_fee_bps = 400\nsplit_inviter_fee_bps = 400\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if schedule.PlatformFeeBps != 800 || schedule.SplitPlatformFeeBps != 400 || schedule.SplitInviterFeeBps != 400 {
		t.Fatalf("unexpected schedule: %+v", schedule)
	}

	defaults, err := ParseSchedule(nil)
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if defaults != DefaultSchedule() {
		t.Fatalf("empty document should yield defaults: %+v", defaults)
	}

	if _, err := ParseSchedule([]byte("split_platform_fee_bps = 9000\nsplit_inviter_fee_bps = 9000\n")); !errors.Is(err, ErrInvalidRates) {
		t.Fatalf("expected ErrInvalidRates, got %v", err)
	}
}
