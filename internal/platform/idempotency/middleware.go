package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pvhao2002/Pharmacy/internal/platform/auth"
	"github.com/pvhao2002/Pharmacy/internal/platform/httpx"
)

const (
	defaultHeader   = "Idempotency-Key"
	replayHeader    = "Idempotent-Replayed"
	maxKeyLength    = 255
	releaseDeadline = 5 * time.Second
)

// Option customises the middleware.
type Option func(*Middleware)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) Option {
	return func(m *Middleware) {
		if name = strings.TrimSpace(name); name != "" {
			m.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(m *Middleware) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLockTTL sets how long an unfinished request holds its key.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Middleware) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithRequiredKey rejects requests that carry no key instead of passing them through.
func WithRequiredKey() Option {
	return func(m *Middleware) {
		m.required = true
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Middleware) {
		if now != nil {
			m.now = now
		}
	}
}

// Middleware replays the first response recorded for an (identity, key) pair. Responses with
// a 5xx status are not kept, so a failed attempt can be retried with the same key.
type Middleware struct {
	store    Store
	header   string
	ttl      time.Duration
	lockTTL  time.Duration
	required bool
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Store, opts ...Option) *Middleware {
	m := &Middleware{
		store:   store,
		header:  defaultHeader,
		ttl:     DefaultTTL,
		lockTTL: DefaultLockTTL,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Handler wraps next. A nil store disables the middleware.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	if m == nil || m.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := strings.TrimSpace(r.Header.Get(m.header))
		switch {
		case key == "" && !m.required:
			next.ServeHTTP(w, r)
			return
		case key == "":
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", m.header+" header is required", http.StatusBadRequest))
			return
		case len(key) > maxKeyLength:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", m.header+" is too long", http.StatusBadRequest))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		requester := requesterID(ctx)
		storeKey := hashKey(requester, key)
		fingerprint := hashKey(r.Method, r.URL.Path, r.URL.RawQuery, string(body))

		reservation, err := m.store.Reserve(ctx, storeKey, fingerprint, m.now(), m.lockTTL)
		switch {
		case errors.Is(err, ErrFingerprintMismatch):
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key was used for a different request", http.StatusUnprocessableEntity))
			return
		case err != nil:
			m.logger.Error("idempotency reserve failed", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
			return
		}
		switch reservation.State {
		case StateCompleted:
			replay(w, reservation.Entry)
			return
		case StateInFlight:
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
			return
		}

		rec := &recorder{header: make(http.Header)}
		next.ServeHTTP(rec, r)

		if rec.status() >= http.StatusInternalServerError {
			m.release(ctx, storeKey)
		} else {
			entry := Entry{Fingerprint: fingerprint, Status: rec.status(), Header: rec.header, Body: rec.body.Bytes()}
			if err := m.store.Complete(ctx, storeKey, entry, m.now(), m.ttl); err != nil {
				m.logger.Warn("idempotency complete failed", zap.Error(err), zap.Int("status", rec.status()))
				m.release(ctx, storeKey)
			}
		}
		rec.flush(w)
	})
}

func (m *Middleware) release(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseDeadline)
	defer cancel()
	if err := m.store.Release(ctx, key); err != nil {
		m.logger.Warn("idempotency release failed", zap.Error(err))
	}
}

func requesterID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return "user:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, entry Entry) {
	for name, values := range entry.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeader, "true")
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

// recorder buffers the downstream response so it can be stored before it is sent.
type recorder struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) status() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}

func (r *recorder) flush(w http.ResponseWriter) {
	for name, values := range r.header {
		w.Header()[name] = values
	}
	w.WriteHeader(r.status())
	_, _ = w.Write(r.body.Bytes())
}
