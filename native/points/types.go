package points

// TransactionType enumerates the ledger mutation kinds recorded in the
// audit trail.
type TransactionType string

const (
	TxFundingCredit TransactionType = "funding_credit"
	TxBookingDebit  TransactionType = "booking_debit"
	TxRefundCredit  TransactionType = "refund_credit"
	TxAdminCredit   TransactionType = "admin_credit"
	TxAdminDebit    TransactionType = "admin_debit"
	TxExpiryDebit   TransactionType = "expiry_debit"
)

// Valid reports whether the transaction type is one of the supported values.
func (t TransactionType) Valid() bool {
	switch t {
	case TxFundingCredit, TxBookingDebit, TxRefundCredit, TxAdminCredit, TxAdminDebit, TxExpiryDebit:
		return true
	default:
		return false
	}
}

// IsCredit reports whether the type increases the balance.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TxFundingCredit, TxRefundCredit, TxAdminCredit:
		return true
	default:
		return false
	}
}

// Account tracks a user's redeemable points balance. One point is worth
// $0.01 of settlement currency. Balance must always equal
// LifetimeEarned - LifetimeSpent and never go negative.
type Account struct {
	Balance        int64
	LifetimeEarned int64
	LifetimeSpent  int64
}

// Clone returns a copy of the account so callers can mutate freely.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{}
	}
	clone := *a
	return &clone
}

// Reference links a ledger mutation to the record that caused it
// (a funding event, a booking, an admin action).
type Reference struct {
	Type string
	ID   string
}

// IsZero reports whether no reference was supplied.
func (r Reference) IsZero() bool { return r.Type == "" && r.ID == "" }

// Transaction is the immutable audit record of one ledger mutation.
type Transaction struct {
	Type          TransactionType
	Amount        int64
	BalanceAfter  int64
	ReferenceType string
	ReferenceID   string
	Description   string
	CreatedAt     int64
}
