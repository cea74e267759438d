package points

import (
	"strconv"

	"bookpay/core/events"
)

const (
	EventTypePointsCredited = "points.credited"
	EventTypePointsDebited  = "points.debited"
)

// Credited is emitted after a successful balance increase.
type Credited struct {
	UserID    string
	Type      TransactionType
	Amount    int64
	Balance   int64
	Reference Reference
}

func (Credited) EventType() string { return EventTypePointsCredited }

// Attributes renders the event payload for downstream consumers.
func (e Credited) Attributes() map[string]string {
	return pointsAttributes(e.UserID, e.Type, e.Amount, e.Balance, e.Reference)
}

// Debited is emitted after a successful balance decrease.
type Debited struct {
	UserID    string
	Type      TransactionType
	Amount    int64
	Balance   int64
	Reference Reference
}

func (Debited) EventType() string { return EventTypePointsDebited }

// Attributes renders the event payload for downstream consumers.
func (e Debited) Attributes() map[string]string {
	return pointsAttributes(e.UserID, e.Type, e.Amount, e.Balance, e.Reference)
}

func pointsAttributes(userID string, typ TransactionType, amount, balance int64, ref Reference) map[string]string {
	attrs := map[string]string{
		"user":    userID,
		"type":    string(typ),
		"amount":  strconv.FormatInt(amount, 10),
		"balance": strconv.FormatInt(balance, 10),
	}
	if !ref.IsZero() {
		attrs["referenceType"] = ref.Type
		attrs["referenceId"] = ref.ID
	}
	return attrs
}

var (
	_ events.Event = Credited{}
	_ events.Event = Debited{}
)
