package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	authorizationsBucket = []byte("authorizations")

	// ErrAuthorizationUnknown is returned when consuming a nonce the gateway
	// never issued.
	ErrAuthorizationUnknown = errors.New("authorization not found")
	// ErrAuthorizationConsumed is returned when a nonce is consumed twice
	// for different bookings.
	ErrAuthorizationConsumed = errors.New("authorization already consumed")
)

// issuedAuthorization is the durable record of one signed authorization. The
// gateway keeps it so payment confirmations can mark nonces spent and so
// operators can audit what was signed even after a crash.
type issuedAuthorization struct {
	BookingID  string `json:"bookingId"`
	Nonce      string `json:"nonce"`
	IssuedAt   int64  `json:"issuedAt"`
	Expiry     int64  `json:"expiry"`
	ConsumedAt int64  `json:"consumedAt,omitempty"`
}

// AuthorizationStore persists issued settlement authorizations in a bbolt
// database keyed by nonce.
type AuthorizationStore struct {
	db *bolt.DB
}

// NewAuthorizationStore opens (or creates) the bolt database at path.
func NewAuthorizationStore(path string) (*AuthorizationStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("authorization store path required")
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open authorization store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authorizationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init authorization store: %w", err)
	}
	return &AuthorizationStore{db: db}, nil
}

// Close releases the underlying database.
func (s *AuthorizationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutIssued records a freshly signed authorization. Nonces are unique; a
// second insert under the same nonce fails.
func (s *AuthorizationStore) PutIssued(nonce, bookingID string, issuedAt, expiry int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("authorization store not configured")
	}
	record := issuedAuthorization{
		BookingID: bookingID,
		Nonce:     nonce,
		IssuedAt:  issuedAt,
		Expiry:    expiry,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode authorization: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(authorizationsBucket)
		if bucket.Get([]byte(nonce)) != nil {
			return fmt.Errorf("nonce %s already issued", nonce)
		}
		return bucket.Put([]byte(nonce), encoded)
	})
}

// Consume marks the nonce spent for the given booking. Re-consuming for the
// same booking is a no-op so payment confirmations stay idempotent; consuming
// for a different booking fails with ErrAuthorizationConsumed.
func (s *AuthorizationStore) Consume(nonce, bookingID string, now int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("authorization store not configured")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(authorizationsBucket)
		raw := bucket.Get([]byte(nonce))
		if raw == nil {
			return ErrAuthorizationUnknown
		}
		var record issuedAuthorization
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("decode authorization: %w", err)
		}
		if record.ConsumedAt != 0 {
			if record.BookingID == bookingID {
				return nil
			}
			return ErrAuthorizationConsumed
		}
		record.ConsumedAt = now
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode authorization: %w", err)
		}
		return bucket.Put([]byte(nonce), encoded)
	})
}

// PruneExpired deletes unconsumed authorizations whose expiry passed before
// the cutoff. Consumed records are kept for auditability.
func (s *AuthorizationStore) PruneExpired(cutoff int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("authorization store not configured")
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(authorizationsBucket)
		cursor := bucket.Cursor()
		var stale [][]byte
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			var record issuedAuthorization
			if err := json.Unmarshal(value, &record); err != nil {
				continue
			}
			if record.ConsumedAt == 0 && record.Expiry < cutoff {
				stale = append(stale, append([]byte{}, key...))
			}
		}
		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
