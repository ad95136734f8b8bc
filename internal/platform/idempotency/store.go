package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTTL is how long a completed response is replayed.
	DefaultTTL = 24 * time.Hour
	// DefaultLockTTL bounds how long an in-flight reservation blocks retries when the request
	// never completes.
	DefaultLockTTL = time.Minute
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request")

// State is the outcome of a reservation attempt.
type State int

const (
	// StateNew means the caller owns the key and should run the request.
	StateNew State = iota
	// StateCompleted means a stored response exists and should be replayed.
	StateCompleted
	// StateInFlight means another request holds the key.
	StateInFlight
)

// Entry is what a store keeps per key.
type Entry struct {
	Fingerprint string              `json:"fingerprint" firestore:"fingerprint"`
	Completed   bool                `json:"completed" firestore:"completed"`
	Status      int                 `json:"status,omitempty" firestore:"status"`
	Header      map[string][]string `json:"header,omitempty" firestore:"header"`
	Body        []byte              `json:"body,omitempty" firestore:"body"`
	ExpiresAt   time.Time           `json:"expiresAt" firestore:"expiresAt"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Reservation carries the stored entry when the key was already taken.
type Reservation struct {
	State State
	Entry Entry
}

// Store persists reservations and completed responses.
type Store interface {
	// Reserve claims key for fingerprint until now+lockTTL, or reports the existing entry.
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, lockTTL time.Duration) (Reservation, error)
	// Complete stores the response for replay until now+ttl.
	Complete(ctx context.Context, key string, entry Entry, now time.Time, ttl time.Duration) error
	// Release drops the key so the request can be retried.
	Release(ctx context.Context, key string) error
}

// resolve compares an existing entry with the incoming fingerprint.
func resolve(existing Entry, fingerprint string) (Reservation, error) {
	if existing.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if existing.Completed {
		return Reservation{State: StateCompleted, Entry: existing}, nil
	}
	return Reservation{State: StateInFlight, Entry: existing}, nil
}

func pendingEntry(fingerprint string, now time.Time, lockTTL time.Duration) Entry {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return Entry{Fingerprint: fingerprint, ExpiresAt: now.UTC().Add(lockTTL)}
}

func completedEntry(entry Entry, now time.Time, ttl time.Duration) Entry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry.Completed = true
	entry.Header = replayableHeader(entry.Header)
	if len(entry.Body) > 0 {
		entry.Body = append([]byte(nil), entry.Body...)
	}
	entry.ExpiresAt = now.UTC().Add(ttl)
	return entry
}

func hashKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// replayableHeader drops hop-by-hop and per-response headers.
func replayableHeader(header map[string][]string) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		switch canonical {
		case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Trailer", "Set-Cookie":
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
