package broker

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// Session caches the API token for one endpoint. It is safe for
// concurrent use by the worker loop and operator intents.
type Session struct {
	mu         sync.Mutex
	token      string
	endpoint   string
	acquiredAt time.Time
}

// NormalizeBaseURL trims whitespace and trailing slashes and lower-cases
// scheme and host so equivalent endpoints share one cache entry.
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.TrimRight(u.String(), "/")
}

// Token returns the cached token when it belongs to endpoint.
func (s *Session) Token(endpoint string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" || s.endpoint != NormalizeBaseURL(endpoint) {
		return "", false
	}
	return s.token, true
}

// Store replaces the cached token.
func (s *Session) Store(endpoint, token string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.endpoint = NormalizeBaseURL(endpoint)
	s.acquiredAt = at
}

// Invalidate drops the cached token.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.endpoint = ""
	s.acquiredAt = time.Time{}
}

// AcquiredAt returns when the current token was obtained.
func (s *Session) AcquiredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiredAt
}
