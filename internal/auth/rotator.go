package auth

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"ocrgateway/internal/credentials"
	"ocrgateway/internal/utils"
)

// Session is an authenticated lease on one identity: the identity plus the
// bearer token from its most recent checkout.
type Session struct {
	Identity  *credentials.Identity
	Token     string
	CreatedAt time.Time
}

// TokenSource mints bearer tokens for identities.
type TokenSource interface {
	Token(ctx context.Context, id *credentials.Identity) (string, error)
}

// Rotator hands out sessions for pipeline runs. Released sessions are pooled
// up to a bound and reused, with the token re-leased from the token source on
// every checkout; beyond that, each acquisition picks an identity uniformly
// at random so load spreads across every configured account.
type Rotator struct {
	source credentials.Source
	tokens TokenSource
	pool   chan *Session
	logger *utils.Logger

	pick func(n int) int
}

func NewRotator(source credentials.Source, tokens TokenSource, poolSize int, logger *utils.Logger) *Rotator {
	return &Rotator{
		source: source,
		tokens: tokens,
		pool:   make(chan *Session, poolSize),
		logger: logger.Named("rotator"),
		pick:   rand.IntN,
	}
}

// Acquire returns a pooled session when one is available, otherwise
// authenticates a randomly chosen identity. A pooled session may have sat
// idle past its token's lifetime, so its lease runs through the token source
// again before it is handed out; while the previous token is still valid
// that is a cache hit with no network round trip.
func (r *Rotator) Acquire(ctx context.Context) (*Session, error) {
	select {
	case session := <-r.pool:
		token, err := r.tokens.Token(ctx, session.Identity)
		if err != nil {
			return nil, fmt.Errorf("authenticate as %s: %w", session.Identity.ClientEmail, err)
		}
		session.Token = token
		r.logger.Debug("reusing pooled session", "identity", session.Identity.ClientEmail)
		return session, nil
	default:
	}

	identities, err := r.source.List()
	if err != nil {
		return nil, err
	}
	if len(identities) == 0 {
		return nil, credentials.ErrNoCredentials
	}

	id := identities[r.pick(len(identities))]
	token, err := r.tokens.Token(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("authenticate as %s: %w", id.ClientEmail, err)
	}

	r.logger.Debug("created session", "identity", id.ClientEmail)
	return &Session{Identity: id, Token: token, CreatedAt: time.Now()}, nil
}

// Release returns a session to the pool. When the pool is full the session
// is dropped; its token stays valid in the broker cache either way.
func (r *Rotator) Release(session *Session) {
	if session == nil {
		return
	}
	select {
	case r.pool <- session:
	default:
	}
}
