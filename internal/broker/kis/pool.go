package kis

import (
	"sync"
	"time"

	"bnfk/internal/config"
)

// Pool holds the ordered credential sessions and the rotation cursor. The
// list is never empty; construction requires at least one credential.
type Pool struct {
	mu       sync.Mutex
	sessions []*Session
	idx      int
}

// NewPool builds one session per credential. An empty credential list is a
// caller bug; config.ResolveCredentials guarantees the settings fallback.
func NewPool(creds []config.Credential, kcfg config.KISConfig) *Pool {
	timeouts := sessionTimeouts{
		connect: secDuration(kcfg.TimeoutConnectSec),
		read:    secDuration(kcfg.TimeoutReadSec),
	}
	hashTTL := secDuration(kcfg.HashkeyCacheTTLSec)
	sessions := make([]*Session, 0, len(creds))
	for _, cred := range creds {
		sessions = append(sessions, newSession(cred, kcfg.BaseURL(), kcfg.TokenCachePath, kcfg.UseHashkey, hashTTL, timeouts))
	}
	return &Pool{sessions: sessions}
}

func secDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// Size reports the number of sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Current returns the session at the rotation cursor.
func (p *Pool) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[p.idx]
}

// Rotate advances the cursor and returns the newly selected session.
func (p *Pool) Rotate() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idx = (p.idx + 1) % len(p.sessions)
	return p.sessions[p.idx]
}

// ResetAll replaces every session's connection handle and rewinds the cursor,
// ruling out poisoned TCP/TLS state after sustained auth failures.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.ResetConn()
	}
	p.idx = 0
}

// ClearTokenCaches wipes every session's token and hashkey state, in memory
// and on disk. A 403 is coarse-grained evidence that any cached token in the
// pool may be stale, so invalidation is pool-wide.
func (p *Pool) ClearTokenCaches() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.clearAuthState()
	}
}
