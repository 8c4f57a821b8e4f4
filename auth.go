package mango

import (
	"context"
	"sync"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
)

// sessionState tracks the freshness of the CouchDB cookie session Kivik
// negotiates on our behalf and enforces single-flight re-auth: a 401 triggers
// at most one refresh before the caller's retry, and a concurrent caller that
// loses the race to the mutex never triggers a second one.
type sessionState struct {
	mu         sync.Mutex
	issuedAt   time.Time
	duration   time.Duration
	generation uint64
}

func newSessionState(duration time.Duration) *sessionState {
	return &sessionState{issuedAt: time.Now(), duration: duration}
}

// shouldReauth reports whether the session must be refreshed before use.
// The check only trips once now has genuinely reached the deadline; a
// still-valid session is never refreshed early.
func (s *sessionState) shouldReauth(now time.Time) bool {
	if s.duration <= 0 {
		return false
	}
	deadline := s.issuedAt.Add(s.duration)
	return now.After(deadline) || now.Equal(deadline)
}

// ensureFresh re-dials through redial if the session looks stale or has never
// been refreshed (generation 0), causing Kivik to perform a fresh _session
// POST; otherwise it returns a nil client and the current generation. gen is
// bumped on every
// refresh so callers can detect whether their own refresh attempt was
// superseded by a concurrent one.
func (s *sessionState) ensureFresh(ctx context.Context, redial func(context.Context) (*kivik.Client, error)) (*kivik.Client, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.shouldReauth(time.Now()) && s.generation > 0 {
		return nil, s.generation, nil
	}

	client, err := redial(ctx)
	if err != nil {
		return nil, s.generation, err
	}
	s.issuedAt = time.Now()
	s.generation++
	Logger.WithField("generation", s.generation).Debug("mango: session refreshed")
	return client, s.generation, nil
}

// reauthOnce executes fn, and if fn fails with Unauthorized, calls
// ensureFresh once and retries fn a single time. ensureFresh skips the redial
// when the session is still within its duration after an earlier refresh; if
// the redial itself fails, the original error is returned without a retry. A
// second Unauthorized is surfaced to the caller untouched.
func reauthOnce(ctx context.Context, s *sessionState, redial func(context.Context) (*kivik.Client, error), fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	mangoErr := classify("reauth", err)
	if !mangoErr.IsUnauthorized() {
		return err
	}
	if _, _, rerr := s.ensureFresh(ctx, redial); rerr != nil {
		return err
	}
	return fn()
}
