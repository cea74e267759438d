package settlement

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	bookcrypto "bookpay/crypto"
)

// authorizationDomain separates settlement authorizations from any other
// payload signed by the same key. Bumping the suffix invalidates all
// outstanding signatures.
const authorizationDomain = "BOOKPAY_SETTLEMENT_V1"

// DefaultAuthorizationTTL bounds how long a signed authorization stays
// consumable. Expired authorizations are dead; a retry requests a new one.
const DefaultAuthorizationTTL = 5 * time.Minute

var (
	// ErrSignerUnavailable indicates the signing key is missing or unusable.
	// This is a fatal configuration error, never a business failure.
	ErrSignerUnavailable = errors.New("settlement: signer unavailable")
	// ErrAmountExceedsOriginal is returned when the on-chain amount is larger
	// than the original price. Points only ever reduce what flows on-chain.
	ErrAmountExceedsOriginal = errors.New("settlement: amount exceeds original amount")
)

// Authorization binds the full settlement plan for one booking-payment
// attempt. Both the actual on-chain amount and the original price are
// embedded so the escrow distributor can verify Amount <= OriginalAmount and
// recompute the provider and inviter shares from OriginalAmount without
// trusting client input.
type Authorization struct {
	BookingID      [32]byte
	Customer       [20]byte
	Provider       [20]byte
	Inviter        [20]byte
	Amount         *big.Int
	OriginalAmount *big.Int
	PlatformFeeBps uint32
	InviterFeeBps  uint32
	Nonce          [32]byte
	Expiry         int64
}

// HasInviter reports whether a non-zero inviter address is bound.
func (a Authorization) HasInviter() bool {
	return a.Inviter != [20]byte{}
}

// Hash produces the canonical digest the signer commits to. Fields are
// serialised in a fixed order under the domain tag so no two distinct
// authorizations share a digest.
func (a Authorization) Hash() ([]byte, error) {
	if a.Amount == nil || a.OriginalAmount == nil {
		return nil, ErrInvalidAmount
	}
	if a.Amount.Sign() < 0 || a.OriginalAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if a.OriginalAmount.Cmp(a.Amount) < 0 {
		return nil, ErrAmountExceedsOriginal
	}
	payload := fmt.Sprintf("%s|booking=%s|customer=%s|provider=%s|inviter=%s|amount=%s|original=%s|platformBps=%d|inviterBps=%d|nonce=%s|exp=%d",
		authorizationDomain,
		hex.EncodeToString(a.BookingID[:]),
		hex.EncodeToString(a.Customer[:]),
		hex.EncodeToString(a.Provider[:]),
		hex.EncodeToString(a.Inviter[:]),
		a.Amount.String(),
		a.OriginalAmount.String(),
		a.PlatformFeeBps,
		a.InviterFeeBps,
		hex.EncodeToString(a.Nonce[:]),
		a.Expiry,
	)
	return ethcrypto.Keccak256([]byte(payload)), nil
}

// SignedAuthorization couples an authorization with its signature.
type SignedAuthorization struct {
	Authorization Authorization
	Signature     []byte
}

// Signer issues time-boxed, single-use settlement authorizations with a
// server-held secp256k1 key.
type Signer struct {
	key     *bookcrypto.PrivateKey
	ttl     time.Duration
	nowFn   func() time.Time
	nonceFn func() ([32]byte, error)
}

// NewSigner constructs a signer from the supplied key. A non-positive ttl
// falls back to DefaultAuthorizationTTL.
func NewSigner(key *bookcrypto.PrivateKey, ttl time.Duration) (*Signer, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, ErrSignerUnavailable
	}
	if ttl <= 0 {
		ttl = DefaultAuthorizationTTL
	}
	return &Signer{
		key:     key,
		ttl:     ttl,
		nowFn:   time.Now,
		nonceFn: randomNonce,
	}, nil
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (s *Signer) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// SetNonceFunc overrides nonce generation. Primarily intended for tests.
func (s *Signer) SetNonceFunc(fn func() ([32]byte, error)) {
	if fn == nil {
		s.nonceFn = randomNonce
		return
	}
	s.nonceFn = fn
}

// Address returns the raw 20-byte address of the signing key. The escrow
// distributor trusts signatures recovering to this address.
func (s *Signer) Address() ([20]byte, error) {
	if s == nil || s.key == nil {
		return [20]byte{}, ErrSignerUnavailable
	}
	return s.key.PubKey().RawAddress(), nil
}

// Authorize stamps a fresh nonce and expiry onto the supplied authorization
// skeleton and signs it. Business validation beyond Amount <= OriginalAmount
// is the planner's job and is not repeated here.
func (s *Signer) Authorize(auth Authorization) (*SignedAuthorization, error) {
	if s == nil || s.key == nil || s.key.PrivateKey == nil {
		return nil, ErrSignerUnavailable
	}
	nonce, err := s.nonceFn()
	if err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrSignerUnavailable, err)
	}
	auth.Nonce = nonce
	auth.Expiry = s.nowFn().Add(s.ttl).Unix()

	digest, err := auth.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest, s.key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	return &SignedAuthorization{Authorization: auth, Signature: sig}, nil
}

// RecoverSigner returns the raw address that produced the signature over the
// authorization digest.
func RecoverSigner(auth Authorization, sig []byte) ([20]byte, error) {
	digest, err := auth.Hash()
	if err != nil {
		return [20]byte{}, err
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return [20]byte{}, fmt.Errorf("settlement: recover signer: %w", err)
	}
	var addr [20]byte
	copy(addr[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	return addr, nil
}

// VerifySignature reports whether sig over auth recovers to expected.
func VerifySignature(auth Authorization, sig []byte, expected [20]byte) (bool, error) {
	recovered, err := RecoverSigner(auth, sig)
	if err != nil {
		return false, err
	}
	return bytes.Equal(recovered[:], expected[:]), nil
}

func randomNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return [32]byte{}, err
	}
	return nonce, nil
}
