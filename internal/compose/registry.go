package compose

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/observability"
)

// ErrSessionNotFound is returned when a session id is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

const (
	DefaultSessionIdleTimeout = 30 * time.Minute
	defaultSweepInterval      = time.Minute
)

// Registry owns the live composition sessions. Sessions are created per
// composing flow, expire after sitting idle, and receive portfolio
// invalidations fanned out from chain movement events.
type Registry struct {
	svc         chain.Service
	maxTokens   int
	idleTimeout time.Duration
	log         zerolog.Logger
	metrics     *observability.Metrics

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewRegistry(svc chain.Service, maxTokens int, idleTimeout time.Duration, log zerolog.Logger, metrics *observability.Metrics) *Registry {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultSessionIdleTimeout
	}
	return &Registry{
		svc:         svc,
		maxTokens:   maxTokens,
		idleTimeout: idleTimeout,
		log:         log.With().Str("component", "registry").Logger(),
		metrics:     metrics,
		sessions:    make(map[uuid.UUID]*Session),
	}
}

// Create opens a new session with one empty leg.
func (r *Registry) Create() *Session {
	sess := NewSession(r.svc, r.maxTokens, r.log, r.metrics)

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	active := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsCreated.Inc()
		r.metrics.SessionsActive.Set(float64(active))
	}
	r.log.Info().Str("session_id", sess.ID.String()).Msg("session created")
	return sess
}

func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Close discards a session. Closing an unknown id is not an error:
// expiry and an explicit close can race.
func (r *Registry) Close(id uuid.UUID) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	active := len(r.sessions)
	r.mu.Unlock()

	if ok && r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(active))
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// InvalidatePortfolios marks every side resolved to the given identity as
// stale across all sessions. Returns the number of sides marked.
func (r *Registry) InvalidatePortfolios(did string) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	marked := 0
	for _, sess := range sessions {
		marked += sess.InvalidatePortfolios(did)
	}
	return marked
}

// RefreshStale refetches stale sides on every session. Fetch failures are
// logged and left stale for the next pass.
func (r *Registry) RefreshStale(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.RefreshStale(ctx); err != nil {
			r.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("stale refresh failed")
		}
	}
}

// Run sweeps idle sessions until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTimeout)

	r.mu.Lock()
	expired := make([]uuid.UUID, 0)
	for id, sess := range r.sessions {
		if sess.IdleSince().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if len(expired) > 0 {
		if r.metrics != nil {
			r.metrics.SessionsExpired.Add(float64(len(expired)))
			r.metrics.SessionsActive.Set(float64(active))
		}
		r.log.Info().Int("expired", len(expired)).Int("active", active).Msg("idle sessions expired")
	}
	return len(expired)
}
