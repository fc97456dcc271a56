package license

import (
	"context"
	"sync"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Session caches one customer's verified tier. Without a client the
// configured static tier is used.
type Session struct {
	client     *Client
	customerID string
	deviceID   string
	static     policy.Tier
	ttl        time.Duration
	now        func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	cached  *Verification
	fetched time.Time
}

// NewSession creates a session. ttl <= 0 caches for the session lifetime.
func NewSession(client *Client, customerID, deviceID string, static policy.Tier, ttl time.Duration) *Session {
	return &Session{
		client:     client,
		customerID: customerID,
		deviceID:   deviceID,
		static:     static,
		ttl:        ttl,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Tier returns the tier to enforce for the next run. Verification errors
// keep the last good answer; with none, the tier is unranked.
func (s *Session) Tier(ctx context.Context) policy.Tier {
	if s.client == nil {
		return s.static
	}
	if v, ok := s.fresh(); ok {
		return v.Effective(s.now())
	}
	v, err := s.Refresh(ctx)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cached != nil {
			log.Warn().Err(err).Msg("license verification failed, using cached tier")
			return s.cached.Effective(s.now())
		}
		log.Warn().Err(err).Msg("license verification failed, read-only tools only")
		return ""
	}
	return v.Effective(s.now())
}

func (s *Session) fresh() (Verification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return Verification{}, false
	}
	if s.ttl > 0 && s.now().Sub(s.fetched) >= s.ttl {
		return Verification{}, false
	}
	return *s.cached, true
}

// Refresh verifies with the server and replaces the cached answer.
// Concurrent callers share one request.
func (s *Session) Refresh(ctx context.Context) (Verification, error) {
	res, err, _ := s.group.Do("verify", func() (any, error) {
		v, err := s.client.Verify(ctx, s.customerID, s.deviceID)
		if err != nil {
			return Verification{}, err
		}
		s.mu.Lock()
		s.cached = &v
		s.fetched = s.now()
		s.mu.Unlock()
		log.Info().Str("tier", string(v.Tier)).Str("status", v.Status).Msg("license verified")
		return v, nil
	})
	if err != nil {
		return Verification{}, err
	}
	return res.(Verification), nil
}

// Cached returns the last successful verification, if any.
func (s *Session) Cached() (Verification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return Verification{}, false
	}
	return *s.cached, true
}
