package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bookpay/native/points"
)

// Booking status values carried by the gateway's own records. The on-chain
// escrow has its own machine; these track what the gateway has observed.
const (
	bookingStatusPendingPayment = "pending_payment"
	bookingStatusPaid           = "paid"
	bookingStatusRefunded       = "refunded"
)

// Reconciliation task status values.
const (
	reconStatusPending  = "pending"
	reconStatusResolved = "resolved"
	reconStatusFailed   = "failed"
)

// UserPoints is the materialised balance row. It always mirrors the fold of
// the user's point_transactions log.
type UserPoints struct {
	UserID         string `gorm:"primaryKey;size:64"`
	Balance        int64
	LifetimeEarned int64
	LifetimeSpent  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (UserPoints) TableName() string { return "user_points" }

// PointTransaction is one immutable ledger audit row.
type PointTransaction struct {
	ID            string `gorm:"primaryKey;size:36"`
	UserID        string `gorm:"size:64;index"`
	Type          string `gorm:"size:32"`
	Amount        int64
	BalanceAfter  int64
	ReferenceType string `gorm:"size:32;index:idx_point_tx_reference"`
	ReferenceID   string `gorm:"size:128;index:idx_point_tx_reference"`
	Description   string `gorm:"size:255"`
	CreatedAt     time.Time
}

func (PointTransaction) TableName() string { return "point_transactions" }

// FundingRecord captures one completed wallet funding, keyed for idempotency
// by the on-ramp transaction hash.
type FundingRecord struct {
	ID              string `gorm:"primaryKey;size:36"`
	UserID          string `gorm:"size:64;index"`
	RequestedAmount int64
	ReceivedAmount  int64
	FeeAmount       int64
	PointsCredited  int64
	Provider        string `gorm:"size:32"`
	TransactionHash string `gorm:"size:80;uniqueIndex"`
	Status          string `gorm:"size:16"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (FundingRecord) TableName() string { return "funding_records" }

// BookingRecord is the gateway-side snapshot of one authorized booking
// payment: the plan that was signed and, later, the on-chain confirmation.
type BookingRecord struct {
	ID              string `gorm:"primaryKey;size:66"`
	ServiceID       string `gorm:"size:64"`
	CustomerID      string `gorm:"size:64;index"`
	CustomerAddress string `gorm:"size:90"`
	ProviderAddress string `gorm:"size:90"`
	InviterAddress  string `gorm:"size:90"`
	OriginalAmount  int64
	USDCPaid        int64
	PointsUsed      int64
	PointsValue     int64
	PlatformFeeBps  uint32
	InviterFeeBps   uint32
	Nonce           string `gorm:"size:66;uniqueIndex"`
	Expiry          int64
	Status          string `gorm:"size:24;index"`
	ChainBookingID  string `gorm:"size:66"`
	ChainTxHash     string `gorm:"size:80"`
	RefundTxHash    string `gorm:"size:80"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (BookingRecord) TableName() string { return "bookings" }

// ReconTask queues a points debit that failed after an irrevocable on-chain
// settlement. The reconciler retries it until the ledger accepts it.
type ReconTask struct {
	ID          string `gorm:"primaryKey;size:36"`
	BookingID   string `gorm:"size:66;index"`
	UserID      string `gorm:"size:64"`
	Points      int64
	Attempts    int
	LastError   string `gorm:"size:255"`
	Status      string `gorm:"size:16;index"`
	NextAttempt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ReconTask) TableName() string { return "recon_tasks" }

var (
	// ErrBookingNotFound is returned for lookups of unknown booking IDs.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrBookingNotRefundable is returned when refunding a booking that was
	// never confirmed paid.
	ErrBookingNotRefundable = errors.New("booking not refundable")
)

// Store wraps the relational database behind the gateway. Every points
// mutation runs the ledger engine inside one database transaction so the
// balance row and the audit row commit together.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewStore wraps an open gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// AutoMigrate creates or upgrades the gateway's tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&UserPoints{},
		&PointTransaction{},
		&FundingRecord{},
		&BookingRecord{},
		&ReconTask{},
	)
}

// ledgerState adapts one gorm transaction to the points engine's state
// interface. Reads take a row lock on dialects that support it so concurrent
// mutations of the same account serialise instead of losing updates.
type ledgerState struct {
	tx *gorm.DB
}

func (l *ledgerState) PointsAccount(userID string) (*points.Account, bool, error) {
	query := l.tx
	if query.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row UserPoints
	err := query.First(&row, "user_id = ?", userID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("load points account: %w", err)
	}
	return &points.Account{
		Balance:        row.Balance,
		LifetimeEarned: row.LifetimeEarned,
		LifetimeSpent:  row.LifetimeSpent,
	}, true, nil
}

func (l *ledgerState) PutPointsAccount(userID string, acct *points.Account) error {
	row := UserPoints{
		UserID:         userID,
		Balance:        acct.Balance,
		LifetimeEarned: acct.LifetimeEarned,
		LifetimeSpent:  acct.LifetimeSpent,
	}
	err := l.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "lifetime_earned", "lifetime_spent", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store points account: %w", err)
	}
	return nil
}

func (l *ledgerState) AppendPointsTransaction(userID string, tx *points.Transaction) error {
	row := PointTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfter,
		ReferenceType: tx.ReferenceType,
		ReferenceID:   tx.ReferenceID,
		Description:   tx.Description,
		CreatedAt:     time.Unix(tx.CreatedAt, 0).UTC(),
	}
	if err := l.tx.Create(&row).Error; err != nil {
		return fmt.Errorf("append points transaction: %w", err)
	}
	return nil
}

func (l *ledgerState) PointsTransactionByReference(userID string, ref points.Reference) (*points.Transaction, bool, error) {
	if ref.IsZero() {
		return nil, false, nil
	}
	var row PointTransaction
	err := l.tx.First(&row, "user_id = ? AND reference_type = ? AND reference_id = ?", userID, ref.Type, ref.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("load points transaction: %w", err)
	}
	return &points.Transaction{
		Type:          points.TransactionType(row.Type),
		Amount:        row.Amount,
		BalanceAfter:  row.BalanceAfter,
		ReferenceType: row.ReferenceType,
		ReferenceID:   row.ReferenceID,
		Description:   row.Description,
		CreatedAt:     row.CreatedAt.Unix(),
	}, true, nil
}

// CreditPoints applies a ledger credit inside one database transaction.
func (s *Store) CreditPoints(ctx context.Context, userID string, amount int64, typ points.TransactionType, ref points.Reference, description string) (*points.Result, error) {
	var result *points.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		engine := points.NewEngine()
		engine.SetState(&ledgerState{tx: tx})
		res, err := engine.Credit(userID, amount, typ, ref, description)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DebitPoints applies a ledger debit inside one database transaction.
func (s *Store) DebitPoints(ctx context.Context, userID string, amount int64, typ points.TransactionType, ref points.Reference, description string) (*points.Result, error) {
	var result *points.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		engine := points.NewEngine()
		engine.SetState(&ledgerState{tx: tx})
		res, err := engine.Debit(userID, amount, typ, ref, description)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PointsBalance reads the user's account. Unknown users report zero balances
// and no row is created.
func (s *Store) PointsBalance(ctx context.Context, userID string) (*points.Account, error) {
	engine := points.NewEngine()
	engine.SetState(&ledgerState{tx: s.db.WithContext(ctx)})
	return engine.Balance(userID)
}

// CompleteFunding records a funding completion and credits the earned points
// in one transaction. A transaction hash that was already processed returns
// the stored record with created=false and leaves the ledger untouched.
func (s *Store) CompleteFunding(ctx context.Context, record FundingRecord) (*FundingRecord, bool, error) {
	created := false
	stored := FundingRecord{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing FundingRecord
		err := tx.First(&existing, "transaction_hash = ?", record.TransactionHash).Error
		switch {
		case err == nil:
			stored = existing
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load funding record: %w", err)
		}

		record.ID = uuid.NewString()
		record.Status = "completed"
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("store funding record: %w", err)
		}
		if record.PointsCredited > 0 {
			engine := points.NewEngine()
			engine.SetState(&ledgerState{tx: tx})
			ref := points.Reference{Type: "funding", ID: record.TransactionHash}
			description := fmt.Sprintf("funding fee reward (%s)", record.Provider)
			if _, err := engine.Credit(record.UserID, record.PointsCredited, points.TxFundingCredit, ref, description); err != nil {
				return err
			}
		}
		stored = record
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

// CreateBooking persists the signed plan snapshot for a new booking payment.
func (s *Store) CreateBooking(ctx context.Context, record *BookingRecord) error {
	record.Status = bookingStatusPendingPayment
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("store booking: %w", err)
	}
	return nil
}

// GetBooking loads one booking snapshot.
func (s *Store) GetBooking(ctx context.Context, id string) (*BookingRecord, error) {
	var row BookingRecord
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrBookingNotFound
	case err != nil:
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return &row, nil
}

// MarkBookingPaid records the on-chain confirmation. The transition is
// idempotent: a booking already marked paid is returned unchanged with
// changed=false.
func (s *Store) MarkBookingPaid(ctx context.Context, id, chainBookingID, txHash string) (*BookingRecord, bool, error) {
	changed := false
	var stored BookingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row BookingRecord
		err := tx.First(&row, "id = ?", id).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return ErrBookingNotFound
		case err != nil:
			return fmt.Errorf("load booking: %w", err)
		}
		// Paid and refunded are both terminal for confirmation purposes.
		if row.Status != bookingStatusPendingPayment {
			stored = row
			return nil
		}
		row.Status = bookingStatusPaid
		row.ChainBookingID = chainBookingID
		row.ChainTxHash = txHash
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		stored = row
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, changed, nil
}

// MarkBookingRefunded records an on-chain refund and returns the points
// spent on the booking, all in one transaction. The refund credit lands at
// most once: it only happens when the booking debit actually reached the
// ledger, and it carries its own reference so replays are no-ops. A debit
// still waiting in the recon queue is cancelled instead of credited back.
func (s *Store) MarkBookingRefunded(ctx context.Context, id, txHash string) (*BookingRecord, bool, int64, error) {
	changed := false
	restored := int64(0)
	var stored BookingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row BookingRecord
		err := tx.First(&row, "id = ?", id).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return ErrBookingNotFound
		case err != nil:
			return fmt.Errorf("load booking: %w", err)
		}
		if row.Status == bookingStatusRefunded {
			stored = row
			return nil
		}
		if row.Status != bookingStatusPaid {
			return fmt.Errorf("%w: status %s", ErrBookingNotRefundable, row.Status)
		}
		row.Status = bookingStatusRefunded
		row.RefundTxHash = txHash
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		if row.PointsUsed > 0 {
			// A debit parked in the recon queue never reached the ledger;
			// cancelling it is the refund.
			err := tx.Model(&ReconTask{}).
				Where("booking_id = ? AND status = ?", row.ID, reconStatusPending).
				Update("status", reconStatusResolved).Error
			if err != nil {
				return fmt.Errorf("cancel queued debit: %w", err)
			}
			state := &ledgerState{tx: tx}
			_, debited, err := state.PointsTransactionByReference(row.CustomerID, points.Reference{Type: "booking", ID: row.ID})
			if err != nil {
				return err
			}
			if debited {
				engine := points.NewEngine()
				engine.SetState(state)
				ref := points.Reference{Type: "refund", ID: row.ID}
				result, err := engine.Credit(row.CustomerID, row.PointsUsed, points.TxRefundCredit, ref, "booking refund")
				if err != nil {
					return err
				}
				if result.Applied {
					restored = row.PointsUsed
				}
			}
		}
		stored = row
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, 0, err
	}
	return &stored, changed, restored, nil
}

// PointsDebitRecorded reports whether the booking's points debit reached the
// ledger.
func (s *Store) PointsDebitRecorded(ctx context.Context, userID, bookingID string) (bool, error) {
	state := &ledgerState{tx: s.db.WithContext(ctx)}
	_, found, err := state.PointsTransactionByReference(userID, points.Reference{Type: "booking", ID: bookingID})
	return found, err
}

// EnqueueDebitRetry queues a failed post-settlement points debit for the
// reconciler. The settlement itself already happened on-chain, so the debit
// must eventually land rather than fail the confirmation.
func (s *Store) EnqueueDebitRetry(ctx context.Context, bookingID, userID string, pts int64, cause error) error {
	task := ReconTask{
		ID:          uuid.NewString(),
		BookingID:   bookingID,
		UserID:      userID,
		Points:      pts,
		Status:      reconStatusPending,
		NextAttempt: s.nowFn().UTC(),
	}
	if cause != nil {
		task.LastError = truncate(cause.Error(), 255)
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return fmt.Errorf("enqueue debit retry: %w", err)
	}
	return nil
}

// DueReconTasks returns pending tasks whose retry time has arrived.
func (s *Store) DueReconTasks(ctx context.Context, now time.Time, limit int) ([]ReconTask, error) {
	if limit <= 0 {
		limit = 25
	}
	var tasks []ReconTask
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt <= ?", reconStatusPending, now.UTC()).
		Order("next_attempt").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("load recon tasks: %w", err)
	}
	return tasks, nil
}

// ResolveReconTask marks a task as successfully applied.
func (s *Store) ResolveReconTask(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Model(&ReconTask{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": reconStatusResolved, "last_error": ""}).Error
	if err != nil {
		return fmt.Errorf("resolve recon task: %w", err)
	}
	return nil
}

// DeferReconTask reschedules a failed attempt with linear backoff, or parks
// the task as failed once the attempt budget is spent.
func (s *Store) DeferReconTask(ctx context.Context, task ReconTask, cause error, maxAttempts int) error {
	attempts := task.Attempts + 1
	status := reconStatusPending
	if maxAttempts > 0 && attempts >= maxAttempts {
		status = reconStatusFailed
	}
	backoff := time.Duration(attempts) * time.Minute
	if backoff > time.Hour {
		backoff = time.Hour
	}
	updates := map[string]any{
		"attempts":     attempts,
		"status":       status,
		"next_attempt": s.nowFn().UTC().Add(backoff),
	}
	if cause != nil {
		updates["last_error"] = truncate(cause.Error(), 255)
	}
	err := s.db.WithContext(ctx).Model(&ReconTask{}).Where("id = ?", task.ID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("defer recon task: %w", err)
	}
	return nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
