package points

import "errors"

var (
	// ErrNilState indicates the engine was used before a state backend was
	// configured.
	ErrNilState = errors.New("points: state not configured")
	// ErrInvalidAmount is returned when a mutation amount is not a positive
	// integer number of points.
	ErrInvalidAmount = errors.New("points: amount must be positive")
	// ErrInvalidType is returned when the transaction type is unknown or does
	// not match the direction of the requested mutation.
	ErrInvalidType = errors.New("points: invalid transaction type")
	// ErrInsufficientPoints is the business failure raised when a debit
	// exceeds the current balance. The balance is left untouched.
	ErrInsufficientPoints = errors.New("points: insufficient balance")
)
