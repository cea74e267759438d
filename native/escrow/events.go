package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"bookpay/core/events"
)

const (
	EventTypeBookingCreated   = "booking.created"
	EventTypeBookingPaid      = "booking.paid"
	EventTypeBookingCompleted = "booking.completed"
	EventTypeBookingCancelled = "booking.cancelled"
	EventTypeBookingRefunded  = "booking.refunded"
)

// BookingEvent is the canonical payload for booking lifecycle transitions.
type BookingEvent struct {
	kind       string
	Booking    *Booking
	Attributes map[string]string
}

func (e BookingEvent) EventType() string { return e.kind }

func newBookingEvent(kind string, b *Booking) BookingEvent {
	attrs := map[string]string{
		"status": b.Status.String(),
		"token":  b.Token,
	}
	attrs["id"] = hex.EncodeToString(b.ID[:])
	attrs["customer"] = hex.EncodeToString(b.Customer[:])
	attrs["provider"] = hex.EncodeToString(b.Provider[:])
	if b.HasInviter() {
		attrs["inviter"] = hex.EncodeToString(b.Inviter[:])
	}
	attrs["amount"] = formatAmount(b.Amount)
	attrs["originalAmount"] = formatAmount(b.OriginalAmount)
	attrs["platformFeeBps"] = strconv.FormatUint(uint64(b.PlatformFeeBps), 10)
	attrs["inviterFeeBps"] = strconv.FormatUint(uint64(b.InviterFeeBps), 10)
	return BookingEvent{kind: kind, Booking: b.Clone(), Attributes: attrs}
}

// NewCreatedEvent returns the canonical event payload for a newly registered
// booking authorization.
func NewCreatedEvent(b *Booking) events.Event { return newBookingEvent(EventTypeBookingCreated, b) }

// NewPaidEvent returns the canonical event payload emitted when the customer
// funds the booking.
func NewPaidEvent(b *Booking) events.Event { return newBookingEvent(EventTypeBookingPaid, b) }

// NewCompletedEvent carries the three payout legs so off-chain reconciliation
// can verify the distribution without recomputing it.
func NewCompletedEvent(b *Booking, dist *Distribution) events.Event {
	evt := newBookingEvent(EventTypeBookingCompleted, b)
	if dist != nil {
		evt.Attributes["providerAmount"] = formatAmount(dist.ProviderAmount)
		evt.Attributes["inviterAmount"] = formatAmount(dist.InviterAmount)
		evt.Attributes["platformAmount"] = formatAmount(dist.PlatformAmount)
	}
	return evt
}

// NewCancelledEvent returns the canonical event payload for a voided unpaid
// booking.
func NewCancelledEvent(b *Booking) events.Event { return newBookingEvent(EventTypeBookingCancelled, b) }

// NewRefundedEvent returns the canonical event payload for a full refund to
// the customer.
func NewRefundedEvent(b *Booking) events.Event { return newBookingEvent(EventTypeBookingRefunded, b) }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
