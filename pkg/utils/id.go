package utils

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewOrderID returns a random UUID for a new order.
func NewOrderID() string {
	return uuid.NewString()
}

// NewTradeID returns a time-sortable ULID. IDs minted within the same
// millisecond still sort in creation order.
func NewTradeID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsOrderID reports whether s parses as an order ID.
func IsOrderID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
