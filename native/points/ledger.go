package points

import (
	"fmt"
	"time"

	"bookpay/core/events"
)

// LedgerState describes the minimal persistence functionality the points
// engine needs from the surrounding storage implementation. All methods are
// expected to operate on a single transactional view: the gateway wraps each
// Credit/Debit call in one database transaction so the balance update and the
// audit row land together or not at all.
type LedgerState interface {
	// PointsAccount loads the account for the user. The boolean reports
	// whether a row exists; reads never create one.
	PointsAccount(userID string) (*Account, bool, error)
	// PutPointsAccount persists the mutated account, creating the row on
	// first write.
	PutPointsAccount(userID string, acct *Account) error
	// AppendPointsTransaction appends one immutable audit record.
	AppendPointsTransaction(userID string, tx *Transaction) error
	// PointsTransactionByReference returns a previously applied mutation for
	// the reference, if any. Used to make credits and debits idempotent per
	// (referenceType, referenceID).
	PointsTransactionByReference(userID string, ref Reference) (*Transaction, bool, error)
}

// Result summarises the outcome of a ledger mutation.
type Result struct {
	Account *Account
	Tx      *Transaction
	// Applied is false when the mutation was suppressed because the same
	// reference had already been processed.
	Applied bool
}

// Engine applies auditable balance mutations against a LedgerState.
type Engine struct {
	state   LedgerState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a points engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state LedgerState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Balance returns the account for the user, or zero-valued defaults when no
// row exists yet. Reads never create an account.
func (e *Engine) Balance(userID string) (*Account, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	acct, ok, err := e.state.PointsAccount(userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Account{}, nil
	}
	return acct.Clone(), nil
}

// Credit increases the user's balance by amount points, incrementing
// LifetimeEarned and appending one audit record. Credits never fail on
// business grounds. A reference that was already credited is a no-op and the
// stored outcome is returned with Applied=false.
func (e *Engine) Credit(userID string, amount int64, typ TransactionType, ref Reference, description string) (*Result, error) {
	if !typ.Valid() || !typ.IsCredit() {
		return nil, fmt.Errorf("%w: %s is not a credit", ErrInvalidType, typ)
	}
	return e.apply(userID, amount, typ, ref, description)
}

// Debit decreases the user's balance by amount points, incrementing
// LifetimeSpent. A debit exceeding the current balance fails with
// ErrInsufficientPoints and writes nothing.
func (e *Engine) Debit(userID string, amount int64, typ TransactionType, ref Reference, description string) (*Result, error) {
	if !typ.Valid() || typ.IsCredit() {
		return nil, fmt.Errorf("%w: %s is not a debit", ErrInvalidType, typ)
	}
	return e.apply(userID, amount, typ, ref, description)
}

func (e *Engine) apply(userID string, amount int64, typ TransactionType, ref Reference, description string) (*Result, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if userID == "" {
		return nil, fmt.Errorf("points: user id required")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !ref.IsZero() {
		prior, seen, err := e.state.PointsTransactionByReference(userID, ref)
		if err != nil {
			return nil, err
		}
		if seen {
			acct, _, err := e.state.PointsAccount(userID)
			if err != nil {
				return nil, err
			}
			return &Result{Account: acct.Clone(), Tx: prior, Applied: false}, nil
		}
	}
	acct, _, err := e.state.PointsAccount(userID)
	if err != nil {
		return nil, err
	}
	acct = acct.Clone()
	if typ.IsCredit() {
		acct.Balance += amount
		acct.LifetimeEarned += amount
	} else {
		if amount > acct.Balance {
			return nil, ErrInsufficientPoints
		}
		acct.Balance -= amount
		acct.LifetimeSpent += amount
	}
	tx := &Transaction{
		Type:          typ,
		Amount:        amount,
		BalanceAfter:  acct.Balance,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		Description:   description,
		CreatedAt:     e.now(),
	}
	if err := e.state.PutPointsAccount(userID, acct); err != nil {
		return nil, err
	}
	if err := e.state.AppendPointsTransaction(userID, tx); err != nil {
		return nil, err
	}
	if typ.IsCredit() {
		e.emit(Credited{UserID: userID, Type: typ, Amount: amount, Balance: acct.Balance, Reference: ref})
	} else {
		e.emit(Debited{UserID: userID, Type: typ, Amount: amount, Balance: acct.Balance, Reference: ref})
	}
	return &Result{Account: acct, Tx: tx, Applied: true}, nil
}

// Replay folds the supplied transaction log into a fresh account. It is the
// reconciliation check for the derived balance column: the result must match
// the stored account exactly.
func Replay(log []Transaction) (*Account, error) {
	acct := &Account{}
	for i := range log {
		tx := log[i]
		if tx.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		if tx.Type.IsCredit() {
			acct.Balance += tx.Amount
			acct.LifetimeEarned += tx.Amount
		} else {
			if tx.Amount > acct.Balance {
				return nil, fmt.Errorf("%w: replay underflow at entry %d", ErrInsufficientPoints, i)
			}
			acct.Balance -= tx.Amount
			acct.LifetimeSpent += tx.Amount
		}
		if tx.BalanceAfter != acct.Balance {
			return nil, fmt.Errorf("points: replay divergence at entry %d: snapshot %d, computed %d", i, tx.BalanceAfter, acct.Balance)
		}
	}
	return acct, nil
}
