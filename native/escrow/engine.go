package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"bookpay/core/events"
	"bookpay/native/fees"
	"bookpay/native/settlement"
)

var (
	errNilState        = errors.New("escrow engine: state not configured")
	errNilPlatform     = errors.New("escrow engine: platform wallet not configured")
	errNilSigner       = errors.New("escrow engine: trusted signer not configured")
	ErrBookingNotFound = errors.New("escrow engine: booking not found")
	// ErrInvalidSignature is returned when an authorization does not recover
	// to the trusted signer key.
	ErrInvalidSignature = errors.New("escrow engine: invalid authorization signature")
	// ErrAuthorizationExpired is returned when an authorization is consumed
	// past its expiry.
	ErrAuthorizationExpired = errors.New("escrow engine: authorization expired")
	// ErrNonceReplayed is returned when an authorization nonce was already
	// consumed.
	ErrNonceReplayed = errors.New("escrow engine: authorization nonce already used")
	// ErrUnderfunded is returned when the deposited amount cannot cover the
	// provider and inviter obligations derived from the original amount.
	ErrUnderfunded = errors.New("escrow engine: amount below provider and inviter obligations")
	// ErrUnauthorizedCaller is returned when a transition is attempted by a
	// party that may not trigger it.
	ErrUnauthorizedCaller = errors.New("escrow engine: unauthorized caller")
)

type engineState interface {
	BookingPut(*Booking) error
	BookingGet(id [32]byte) (*Booking, bool)
	NonceConsumed(nonce [32]byte) (bool, error)
	ConsumeNonce(nonce [32]byte) error
	VaultAddress(token string) ([20]byte, error)
	GetAccount(addr []byte) (*Account, error)
	PutAccount(addr []byte, account *Account) error
}

// Engine enforces the booking settlement state machine and the three-way
// fee distribution. It mirrors what the on-chain distributor contract
// enforces so off-chain bookkeeping and chain state can never disagree.
type Engine struct {
	state          engineState
	emitter        events.Emitter
	signerAddr     [20]byte
	platformWallet [20]byte
	nowFn          func() int64
}

// NewEngine creates a distributor engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTrustedSigner configures the key address whose authorizations the
// distributor accepts.
func (e *Engine) SetTrustedSigner(addr [20]byte) { e.signerAddr = addr }

// SetPlatformWallet configures the address receiving the platform residual.
func (e *Engine) SetPlatformWallet(addr [20]byte) { e.platformWallet = addr }

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{BalanceUSDC: big.NewInt(0)}
	}
	if acc.BalanceUSDC == nil {
		acc.BalanceUSDC = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadBooking(id [32]byte) (*Booking, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	booking, ok := e.state.BookingGet(id)
	if !ok {
		return nil, ErrBookingNotFound
	}
	return booking, nil
}

func (e *Engine) storeBooking(b *Booking) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.BookingPut(b)
}

func (e *Engine) transferToken(from, to [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	if _, err := NormalizeToken(token); err != nil {
		return err
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.BalanceUSDC.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	fromAcc.BalanceUSDC = new(big.Int).Sub(fromAcc.BalanceUSDC, amt)
	toAcc.BalanceUSDC = new(big.Int).Add(toAcc.BalanceUSDC, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		return err
	}
	return nil
}

// obligations derives the provider and inviter shares from the booking's
// original amount. The distributor never trusts the deposited amount for
// percentage math.
func (e *Engine) obligations(b *Booking) (*fees.Breakdown, error) {
	return fees.Split(b.OriginalAmount, b.PlatformFeeBps, b.InviterFeeBps)
}

// Create validates a signed settlement authorization and registers the
// booking. The nonce is consumed here: a second create with the same nonce
// fails even if the first booking never gets paid. The operation is
// idempotent for the exact same authorization.
func (e *Engine) Create(auth settlement.Authorization, signature []byte, token string) (*Booking, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.signerAddr == ([20]byte{}) {
		return nil, errNilSigner
	}
	normalizedToken, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	amount := cloneBigInt(auth.Amount)
	original := cloneBigInt(auth.OriginalAmount)
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	if original.Cmp(amount) < 0 {
		return nil, settlement.ErrAmountExceedsOriginal
	}
	ok, err := settlement.VerifySignature(auth, signature, e.signerAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return nil, ErrInvalidSignature
	}
	now := e.now()
	if now > auth.Expiry {
		return nil, ErrAuthorizationExpired
	}

	if existing, found := e.state.BookingGet(auth.BookingID); found {
		// Idempotent behaviour: the identical authorization may be
		// re-submitted; anything else is a replay attempt.
		if existing.Nonce == auth.Nonce && existing.Customer == auth.Customer && existing.Amount.Cmp(amount) == 0 {
			return existing.Clone(), nil
		}
		return nil, ErrNonceReplayed
	}
	used, err := e.state.NonceConsumed(auth.Nonce)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrNonceReplayed
	}

	breakdown, err := fees.Split(original, auth.PlatformFeeBps, auth.InviterFeeBps)
	if err != nil {
		return nil, err
	}
	obligated := new(big.Int).Add(breakdown.ProviderAmount, breakdown.InviterAmount)
	if amount.Cmp(obligated) < 0 {
		return nil, ErrUnderfunded
	}

	if err := e.state.ConsumeNonce(auth.Nonce); err != nil {
		return nil, err
	}
	booking := &Booking{
		ID:             auth.BookingID,
		Customer:       auth.Customer,
		Provider:       auth.Provider,
		Inviter:        auth.Inviter,
		Token:          normalizedToken,
		Amount:         amount,
		OriginalAmount: original,
		PlatformFeeBps: auth.PlatformFeeBps,
		InviterFeeBps:  auth.InviterFeeBps,
		Nonce:          auth.Nonce,
		Expiry:         auth.Expiry,
		CreatedAt:      now,
		Status:         BookingCreated,
	}
	if err := e.storeBooking(booking); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(booking))
	return booking.Clone(), nil
}

// Pay moves the authorized amount from the customer to the settlement vault
// and marks the booking as paid. The expiry is re-checked at consumption
// time. The operation is idempotent.
func (e *Engine) Pay(id [32]byte, from [20]byte) error {
	booking, err := e.loadBooking(id)
	if err != nil {
		return err
	}
	if booking.Status == BookingPaid {
		return nil
	}
	if booking.Status != BookingCreated {
		return fmt.Errorf("escrow: cannot pay in status %s", booking.Status)
	}
	if booking.Customer != from {
		return fmt.Errorf("%w: payment must come from the customer", ErrUnauthorizedCaller)
	}
	if e.now() > booking.Expiry {
		return ErrAuthorizationExpired
	}
	vault, err := e.state.VaultAddress(booking.Token)
	if err != nil {
		return err
	}
	if err := e.transferToken(booking.Customer, vault, booking.Token, booking.Amount); err != nil {
		return err
	}
	booking.Status = BookingPaid
	booking.PaidAt = e.now()
	if err := e.storeBooking(booking); err != nil {
		return err
	}
	e.emit(NewPaidEvent(booking))
	return nil
}

// Complete distributes the escrowed funds. The provider's and inviter's
// shares are recomputed from OriginalAmount, so they are identical whether or
// not a points subsidy reduced the on-chain amount; the platform receives the
// residual and absorbs the points cost. Only the customer or the trusted
// signer (backend) may trigger completion. The operation is idempotent: a
// second completion is a no-op, never a double payout.
func (e *Engine) Complete(id [32]byte, caller [20]byte) (*Distribution, error) {
	booking, err := e.loadBooking(id)
	if err != nil {
		return nil, err
	}
	if booking.Status == BookingCompleted {
		return nil, nil
	}
	if booking.Status != BookingPaid {
		return nil, fmt.Errorf("escrow: cannot complete in status %s", booking.Status)
	}
	if caller != booking.Customer && caller != e.signerAddr {
		return nil, ErrUnauthorizedCaller
	}
	if e.platformWallet == ([20]byte{}) {
		return nil, errNilPlatform
	}
	vault, err := e.state.VaultAddress(booking.Token)
	if err != nil {
		return nil, err
	}
	breakdown, err := e.obligations(booking)
	if err != nil {
		return nil, err
	}
	provider := breakdown.ProviderAmount
	inviter := breakdown.InviterAmount
	if !booking.HasInviter() {
		// No inviter wallet to pay; the share folds into the residual.
		inviter = big.NewInt(0)
	}
	platform := new(big.Int).Sub(booking.Amount, provider)
	platform.Sub(platform, inviter)
	if platform.Sign() < 0 {
		return nil, ErrUnderfunded
	}

	// Provider payout is mandatory: a failure aborts the whole completion.
	if err := e.transferToken(vault, booking.Provider, booking.Token, provider); err != nil {
		return nil, fmt.Errorf("escrow: provider payout failed: %w", err)
	}
	if inviter.Sign() > 0 {
		if err := e.transferToken(vault, booking.Inviter, booking.Token, inviter); err != nil {
			return nil, fmt.Errorf("escrow: inviter payout failed: %w", err)
		}
	}
	if platform.Sign() > 0 {
		if err := e.transferToken(vault, e.platformWallet, booking.Token, platform); err != nil {
			return nil, fmt.Errorf("escrow: platform payout failed: %w", err)
		}
	}

	booking.Status = BookingCompleted
	booking.CompletedAt = e.now()
	if err := e.storeBooking(booking); err != nil {
		return nil, err
	}
	dist := &Distribution{
		BookingID:      booking.ID,
		ProviderAmount: cloneBigInt(provider),
		InviterAmount:  cloneBigInt(inviter),
		PlatformAmount: cloneBigInt(platform),
	}
	e.emit(NewCompletedEvent(booking, dist))
	return dist, nil
}

// Cancel voids an unpaid booking. Either the customer or the trusted signer
// may cancel. The operation is idempotent.
func (e *Engine) Cancel(id [32]byte, caller [20]byte) error {
	booking, err := e.loadBooking(id)
	if err != nil {
		return err
	}
	if booking.Status == BookingCancelled {
		return nil
	}
	if booking.Status != BookingCreated {
		return fmt.Errorf("escrow: cannot cancel in status %s", booking.Status)
	}
	if caller != booking.Customer && caller != e.signerAddr {
		return ErrUnauthorizedCaller
	}
	booking.Status = BookingCancelled
	if err := e.storeBooking(booking); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(booking))
	return nil
}

// Refund returns the full escrowed amount to the customer from a paid
// booking. Only the trusted signer (backend dispute resolution) may refund.
// The operation is idempotent.
func (e *Engine) Refund(id [32]byte, caller [20]byte) error {
	booking, err := e.loadBooking(id)
	if err != nil {
		return err
	}
	if booking.Status == BookingRefunded {
		return nil
	}
	if booking.Status != BookingPaid {
		return fmt.Errorf("escrow: cannot refund in status %s", booking.Status)
	}
	if caller != e.signerAddr {
		return ErrUnauthorizedCaller
	}
	vault, err := e.state.VaultAddress(booking.Token)
	if err != nil {
		return err
	}
	if err := e.transferToken(vault, booking.Customer, booking.Token, booking.Amount); err != nil {
		return err
	}
	booking.Status = BookingRefunded
	if err := e.storeBooking(booking); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(booking))
	return nil
}

// Distribution reports the three payout legs of a completed booking.
type Distribution struct {
	BookingID      [32]byte
	ProviderAmount *big.Int
	InviterAmount  *big.Int
	PlatformAmount *big.Int
}
