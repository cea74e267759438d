package points

import (
	"errors"
	"testing"
)

type memState struct {
	accounts map[string]*Account
	logs     map[string][]Transaction
}

func newMemState() *memState {
	return &memState{accounts: make(map[string]*Account), logs: make(map[string][]Transaction)}
}

func (m *memState) PointsAccount(userID string) (*Account, bool, error) {
	acct, ok := m.accounts[userID]
	if !ok {
		return &Account{}, false, nil
	}
	return acct.Clone(), true, nil
}

func (m *memState) PutPointsAccount(userID string, acct *Account) error {
	m.accounts[userID] = acct.Clone()
	return nil
}

func (m *memState) AppendPointsTransaction(userID string, tx *Transaction) error {
	m.logs[userID] = append(m.logs[userID], *tx)
	return nil
}

func (m *memState) PointsTransactionByReference(userID string, ref Reference) (*Transaction, bool, error) {
	for i := range m.logs[userID] {
		tx := m.logs[userID][i]
		if tx.ReferenceType == ref.Type && tx.ReferenceID == ref.ID {
			return &tx, true, nil
		}
	}
	return nil, false, nil
}

func newTestEngine(state LedgerState) *Engine {
	eng := NewEngine()
	eng.SetState(state)
	eng.SetNowFunc(func() int64 { return 1700000000 })
	return eng
}

func TestCreditCreatesAccountLazily(t *testing.T) {
	state := newMemState()
	eng := newTestEngine(state)

	acct, err := eng.Balance("alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if acct.Balance != 0 || acct.LifetimeEarned != 0 || acct.LifetimeSpent != 0 {
		t.Fatalf("expected zero-valued defaults, got %+v", acct)
	}
	if _, ok := state.accounts["alice"]; ok {
		t.Fatalf("read must not create an account row")
	}

	res, err := eng.Credit("alice", 150, TxFundingCredit, Reference{Type: "funding", ID: "fund-1"}, "card funding fee rebate")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !res.Applied {
		t.Fatalf("expected credit to apply")
	}
	if res.Account.Balance != 150 || res.Account.LifetimeEarned != 150 {
		t.Fatalf("unexpected account after credit: %+v", res.Account)
	}
	if res.Tx.BalanceAfter != 150 {
		t.Fatalf("audit snapshot mismatch: %d", res.Tx.BalanceAfter)
	}
}

func TestDebitInsufficientLeavesStateUntouched(t *testing.T) {
	state := newMemState()
	eng := newTestEngine(state)
	if _, err := eng.Credit("bob", 20, TxFundingCredit, Reference{Type: "funding", ID: "f1"}, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := eng.Debit("bob", 25, TxBookingDebit, Reference{Type: "booking", ID: "b1"}, "")
	if !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	acct, _ := eng.Balance("bob")
	if acct.Balance != 20 {
		t.Fatalf("balance changed on failed debit: %d", acct.Balance)
	}
	if len(state.logs["bob"]) != 1 {
		t.Fatalf("audit row written for failed debit")
	}
}

func TestReferenceIdempotency(t *testing.T) {
	eng := newTestEngine(newMemState())
	ref := Reference{Type: "funding", ID: "tx-abc"}
	if _, err := eng.Credit("carol", 100, TxFundingCredit, ref, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	res, err := eng.Credit("carol", 100, TxFundingCredit, ref, "")
	if err != nil {
		t.Fatalf("duplicate credit: %v", err)
	}
	if res.Applied {
		t.Fatalf("duplicate reference must not re-apply")
	}
	acct, _ := eng.Balance("carol")
	if acct.Balance != 100 {
		t.Fatalf("duplicate credit mutated balance: %d", acct.Balance)
	}
}

func TestLedgerConservation(t *testing.T) {
	state := newMemState()
	eng := newTestEngine(state)

	steps := []struct {
		credit bool
		amount int64
		typ    TransactionType
		ref    Reference
	}{
		{true, 150, TxFundingCredit, Reference{Type: "funding", ID: "f1"}},
		{false, 20, TxBookingDebit, Reference{Type: "booking", ID: "b1"}},
		{true, 50, TxAdminCredit, Reference{Type: "admin", ID: "a1"}},
		{false, 100, TxBookingDebit, Reference{Type: "booking", ID: "b2"}},
		{true, 20, TxRefundCredit, Reference{Type: "booking", ID: "b1-refund"}},
	}
	for i, step := range steps {
		var err error
		if step.credit {
			_, err = eng.Credit("dave", step.amount, step.typ, step.ref, "")
		} else {
			_, err = eng.Debit("dave", step.amount, step.typ, step.ref, "")
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		acct, _ := eng.Balance("dave")
		if acct.Balance != acct.LifetimeEarned-acct.LifetimeSpent {
			t.Fatalf("step %d: conservation violated: %+v", i, acct)
		}
		if acct.Balance < 0 {
			t.Fatalf("step %d: negative balance", i)
		}
	}

	replayed, err := Replay(state.logs["dave"])
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	acct, _ := eng.Balance("dave")
	if *replayed != *acct {
		t.Fatalf("replay mismatch: log %+v, stored %+v", replayed, acct)
	}
}

func TestReplayDetectsDivergence(t *testing.T) {
	log := []Transaction{
		{Type: TxFundingCredit, Amount: 100, BalanceAfter: 100},
		{Type: TxBookingDebit, Amount: 40, BalanceAfter: 61},
	}
	if _, err := Replay(log); err == nil {
		t.Fatalf("expected divergence error")
	}
}

func TestTypeDirectionEnforced(t *testing.T) {
	eng := newTestEngine(newMemState())
	if _, err := eng.Credit("erin", 10, TxBookingDebit, Reference{}, ""); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType for debit type on credit, got %v", err)
	}
	if _, err := eng.Debit("erin", 10, TxFundingCredit, Reference{}, ""); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType for credit type on debit, got %v", err)
	}
	if _, err := eng.Credit("erin", 0, TxAdminCredit, Reference{}, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
