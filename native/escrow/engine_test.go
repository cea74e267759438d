package escrow

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	bookcrypto "bookpay/crypto"
	"bookpay/native/settlement"
)

type memState struct {
	bookings map[[32]byte]*Booking
	nonces   map[[32]byte]bool
	accounts map[string]*Account
	vault    [20]byte
}

func newMemState() *memState {
	var vault [20]byte
	vault[19] = 0xee
	return &memState{
		bookings: make(map[[32]byte]*Booking),
		nonces:   make(map[[32]byte]bool),
		accounts: make(map[string]*Account),
		vault:    vault,
	}
}

func (m *memState) BookingPut(b *Booking) error {
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *memState) BookingGet(id [32]byte) (*Booking, bool) {
	b, ok := m.bookings[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

func (m *memState) NonceConsumed(nonce [32]byte) (bool, error) { return m.nonces[nonce], nil }

func (m *memState) ConsumeNonce(nonce [32]byte) error {
	m.nonces[nonce] = true
	return nil
}

func (m *memState) VaultAddress(string) ([20]byte, error) { return m.vault, nil }

func (m *memState) GetAccount(addr []byte) (*Account, error) {
	acc, ok := m.accounts[hex.EncodeToString(addr)]
	if !ok {
		return &Account{BalanceUSDC: big.NewInt(0)}, nil
	}
	return &Account{BalanceUSDC: new(big.Int).Set(acc.BalanceUSDC)}, nil
}

func (m *memState) PutAccount(addr []byte, account *Account) error {
	m.accounts[hex.EncodeToString(addr)] = &Account{BalanceUSDC: new(big.Int).Set(account.BalanceUSDC)}
	return nil
}

func (m *memState) balanceOf(addr [20]byte) *big.Int {
	acc, ok := m.accounts[hex.EncodeToString(addr[:])]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.BalanceUSDC)
}

func (m *memState) fund(addr [20]byte, amount int64) {
	m.accounts[hex.EncodeToString(addr[:])] = &Account{BalanceUSDC: big.NewInt(amount)}
}

type fixture struct {
	engine   *Engine
	state    *memState
	signer   *settlement.Signer
	backend  [20]byte
	platform [20]byte
	customer [20]byte
	provider [20]byte
	inviter  [20]byte
	now      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := bookcrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := settlement.NewSigner(key, settlement.DefaultAuthorizationTTL)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	f := &fixture{state: newMemState(), signer: signer, now: 1_700_000_000}
	signer.SetNowFunc(func() time.Time { return time.Unix(f.now, 0) })
	f.backend, _ = signer.Address()
	f.platform[0] = 0xaa
	f.customer[0] = 0x01
	f.provider[0] = 0x02
	f.inviter[0] = 0x03

	f.engine = NewEngine()
	f.engine.SetState(f.state)
	f.engine.SetTrustedSigner(f.backend)
	f.engine.SetPlatformWallet(f.platform)
	f.engine.SetNowFunc(func() int64 { return f.now })
	return f
}

func (f *fixture) authorize(t *testing.T, bookingID byte, amount, original int64, platformBps, inviterBps uint32, withInviter bool) *settlement.SignedAuthorization {
	t.Helper()
	var id [32]byte
	id[0] = bookingID
	auth := settlement.Authorization{
		BookingID:      id,
		Customer:       f.customer,
		Provider:       f.provider,
		Amount:         big.NewInt(amount),
		OriginalAmount: big.NewInt(original),
		PlatformFeeBps: platformBps,
		InviterFeeBps:  inviterBps,
	}
	if withInviter {
		auth.Inviter = f.inviter
	}
	signed, err := f.signer.Authorize(auth)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return signed
}

func TestSettlementLifecycleWithPointsSubsidy(t *testing.T) {
	f := newFixture(t)
	// $20 booking, $19.80 received on-chain (20 points covered the rest),
	// no inviter: provider still gets $18.00, platform absorbs the subsidy.
	signed := f.authorize(t, 1, 19_800_000, 20_000_000, 1000, 0, false)
	f.state.fund(f.customer, 19_800_000)

	booking, err := f.engine.Create(signed.Authorization, signed.Signature, "usdc")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if booking.Status != BookingCreated {
		t.Fatalf("status after create: %s", booking.Status)
	}
	if err := f.engine.Pay(booking.ID, f.customer); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if got := f.state.balanceOf(f.customer); got.Sign() != 0 {
		t.Fatalf("customer balance after pay: %s", got)
	}

	dist, err := f.engine.Complete(booking.ID, f.backend)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if dist.ProviderAmount.Cmp(big.NewInt(18_000_000)) != 0 {
		t.Fatalf("provider amount: %s", dist.ProviderAmount)
	}
	if dist.InviterAmount.Sign() != 0 {
		t.Fatalf("inviter amount: %s", dist.InviterAmount)
	}
	if dist.PlatformAmount.Cmp(big.NewInt(1_800_000)) != 0 {
		t.Fatalf("platform amount: %s", dist.PlatformAmount)
	}
	if got := f.state.balanceOf(f.provider); got.Cmp(big.NewInt(18_000_000)) != 0 {
		t.Fatalf("provider balance: %s", got)
	}
	if got := f.state.balanceOf(f.platform); got.Cmp(big.NewInt(1_800_000)) != 0 {
		t.Fatalf("platform balance: %s", got)
	}
	if got := f.state.balanceOf(f.state.vault); got.Sign() != 0 {
		t.Fatalf("vault not drained: %s", got)
	}
}

func TestProviderPayoutInvariantToPointsUsage(t *testing.T) {
	run := func(t *testing.T, bookingID byte, amount int64) *Distribution {
		f := newFixture(t)
		signed := f.authorize(t, bookingID, amount, 20_000_000, 500, 500, true)
		f.state.fund(f.customer, amount)
		booking, err := f.engine.Create(signed.Authorization, signed.Signature, "USDC")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := f.engine.Pay(booking.ID, f.customer); err != nil {
			t.Fatalf("pay: %v", err)
		}
		dist, err := f.engine.Complete(booking.ID, f.customer)
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		return dist
	}

	full := run(t, 1, 20_000_000)
	subsidised := run(t, 2, 19_200_000)
	if full.ProviderAmount.Cmp(subsidised.ProviderAmount) != 0 {
		t.Fatalf("provider payout differs with points usage: %s vs %s", full.ProviderAmount, subsidised.ProviderAmount)
	}
	if full.InviterAmount.Cmp(subsidised.InviterAmount) != 0 {
		t.Fatalf("inviter payout differs with points usage: %s vs %s", full.InviterAmount, subsidised.InviterAmount)
	}
	// $20 with inviter, fully paid: provider $18, inviter $1, platform $1.
	if full.ProviderAmount.Cmp(big.NewInt(18_000_000)) != 0 || full.InviterAmount.Cmp(big.NewInt(1_000_000)) != 0 || full.PlatformAmount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected full distribution: %+v", full)
	}
	// Subsidised: platform absorbs the $0.80 points cost.
	if subsidised.PlatformAmount.Cmp(big.NewInt(200_000)) != 0 {
		t.Fatalf("platform residual: %s", subsidised.PlatformAmount)
	}
}

func TestNonceReplayRejected(t *testing.T) {
	f := newFixture(t)
	signed := f.authorize(t, 1, 20_000_000, 20_000_000, 1000, 0, false)

	if _, err := f.engine.Create(signed.Authorization, signed.Signature, "USDC"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Identical resubmission is idempotent.
	if _, err := f.engine.Create(signed.Authorization, signed.Signature, "USDC"); err != nil {
		t.Fatalf("idempotent create: %v", err)
	}

	// Same nonce bound to a different booking id must be rejected. Re-sign
	// with a fixed nonce to simulate the replay.
	f.signer.SetNonceFunc(func() ([32]byte, error) { return signed.Authorization.Nonce, nil })
	replay := f.authorize(t, 2, 20_000_000, 20_000_000, 1000, 0, false)
	if _, err := f.engine.Create(replay.Authorization, replay.Signature, "USDC"); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected ErrNonceReplayed, got %v", err)
	}
}

func TestExpiredAuthorizationRejected(t *testing.T) {
	f := newFixture(t)
	signed := f.authorize(t, 1, 20_000_000, 20_000_000, 1000, 0, false)

	f.now += 301
	if _, err := f.engine.Create(signed.Authorization, signed.Signature, "USDC"); !errors.Is(err, ErrAuthorizationExpired) {
		t.Fatalf("expected ErrAuthorizationExpired at create, got %v", err)
	}

	// Created in time but consumed late: Pay re-checks expiry.
	f.now -= 301
	fresh := f.authorize(t, 2, 20_000_000, 20_000_000, 1000, 0, false)
	booking, err := f.engine.Create(fresh.Authorization, fresh.Signature, "USDC")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.state.fund(f.customer, 20_000_000)
	f.now += 301
	if err := f.engine.Pay(booking.ID, f.customer); !errors.Is(err, ErrAuthorizationExpired) {
		t.Fatalf("expected ErrAuthorizationExpired at pay, got %v", err)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	f := newFixture(t)
	rogueKey, err := bookcrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rogue, err := settlement.NewSigner(rogueKey, settlement.DefaultAuthorizationTTL)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	rogue.SetNowFunc(func() time.Time { return time.Unix(f.now, 0) })

	var id [32]byte
	id[0] = 9
	signed, err := rogue.Authorize(settlement.Authorization{
		BookingID:      id,
		Customer:       f.customer,
		Provider:       f.provider,
		Amount:         big.NewInt(20_000_000),
		OriginalAmount: big.NewInt(20_000_000),
		PlatformFeeBps: 1000,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := f.engine.Create(signed.Authorization, signed.Signature, "USDC"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestUnderfundedAuthorizationRejected(t *testing.T) {
	f := newFixture(t)
	// $17.50 deposited cannot cover the $18 provider share of a $20 booking.
	signed := f.authorize(t, 1, 17_500_000, 20_000_000, 1000, 0, false)
	if _, err := f.engine.Create(signed.Authorization, signed.Signature, "USDC"); !errors.Is(err, ErrUnderfunded) {
		t.Fatalf("expected ErrUnderfunded, got %v", err)
	}
}

func TestDoubleCompletionIsNoOp(t *testing.T) {
	f := newFixture(t)
	signed := f.authorize(t, 1, 20_000_000, 20_000_000, 1000, 0, false)
	f.state.fund(f.customer, 20_000_000)
	booking, err := f.engine.Create(signed.Authorization, signed.Signature, "USDC")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.Pay(booking.ID, f.customer); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := f.engine.Complete(booking.ID, f.backend); err != nil {
		t.Fatalf("complete: %v", err)
	}
	providerBalance := f.state.balanceOf(f.provider)

	dist, err := f.engine.Complete(booking.ID, f.backend)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if dist != nil {
		t.Fatalf("second completion must be a no-op")
	}
	if got := f.state.balanceOf(f.provider); got.Cmp(providerBalance) != 0 {
		t.Fatalf("double payout detected: %s vs %s", got, providerBalance)
	}
}

func TestRefundReturnsFullAmount(t *testing.T) {
	f := newFixture(t)
	signed := f.authorize(t, 1, 19_800_000, 20_000_000, 1000, 0, false)
	f.state.fund(f.customer, 19_800_000)
	booking, err := f.engine.Create(signed.Authorization, signed.Signature, "USDC")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.Pay(booking.ID, f.customer); err != nil {
		t.Fatalf("pay: %v", err)
	}

	if err := f.engine.Refund(booking.ID, f.customer); !errors.Is(err, ErrUnauthorizedCaller) {
		t.Fatalf("customer must not self-refund, got %v", err)
	}
	if err := f.engine.Refund(booking.ID, f.backend); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := f.state.balanceOf(f.customer); got.Cmp(big.NewInt(19_800_000)) != 0 {
		t.Fatalf("customer balance after refund: %s", got)
	}
	// Idempotent repeat.
	if err := f.engine.Refund(booking.ID, f.backend); err != nil {
		t.Fatalf("repeat refund: %v", err)
	}
}

func TestCancelUnpaidBooking(t *testing.T) {
	f := newFixture(t)
	signed := f.authorize(t, 1, 20_000_000, 20_000_000, 1000, 0, false)
	booking, err := f.engine.Create(signed.Authorization, signed.Signature, "USDC")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.Cancel(booking.ID, f.customer); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.engine.Pay(booking.ID, f.customer); err == nil {
		t.Fatalf("paying a cancelled booking must fail")
	}
}
