package webdavsrv

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/webdav"
)

// memLockSystem is the in-memory lock table spec §6.2 describes: token-keyed,
// TTL-swept, one active lock per path. golang.org/x/net/webdav's own
// NewMemLS keeps richer shared/exclusive nesting than the gateway needs; this
// is a deliberately narrower implementation grounded on the same
// Confirm/Create/Refresh/Unlock contract.
type memLockSystem struct {
	mu      sync.Mutex
	byToken map[string]*lockEntry
	byPath  map[string]string
}

type lockEntry struct {
	token     string
	details   webdav.LockDetails
	expiresAt time.Time
}

func newMemLockSystem() *memLockSystem {
	return &memLockSystem{byToken: make(map[string]*lockEntry), byPath: make(map[string]string)}
}

// sweep must be called with mu held.
func (l *memLockSystem) sweep(now time.Time) {
	for tok, e := range l.byToken {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(l.byToken, tok)
			delete(l.byPath, e.details.Root)
		}
	}
}

func conditionMatches(conditions []webdav.Condition, token string) bool {
	for _, c := range conditions {
		if c.Token == token {
			return !c.Not
		}
	}
	return false
}

// Confirm checks name0/name1 against any active lock, accepting the request
// only if it carries a matching token in its If header conditions.
func (l *memLockSystem) Confirm(now time.Time, name0, name1 string, conditions ...webdav.Condition) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	for _, name := range [2]string{name0, name1} {
		if name == "" {
			continue
		}
		if tok, locked := l.byPath[name]; locked && !conditionMatches(conditions, tok) {
			return nil, webdav.ErrLocked
		}
	}
	return func() {}, nil
}

// Create opens a new lock, rejecting if the path is already locked (spec
// §6.2: "createLock rejects if already locked unless the new If header
// presents a matching token" — the matching-token case is handled by the
// caller issuing Confirm/Refresh instead of Create for a re-lock).
func (l *memLockSystem) Create(now time.Time, details webdav.LockDetails) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	if _, locked := l.byPath[details.Root]; locked {
		return "", webdav.ErrLocked
	}
	token := "opaquelocktoken:" + uuid.NewString()
	l.byToken[token] = &lockEntry{token: token, details: details, expiresAt: now.Add(details.Duration)}
	l.byPath[details.Root] = token
	return token, nil
}

// Refresh extends a lock's TTL (spec §6.2 "refresh extends the TTL").
func (l *memLockSystem) Refresh(now time.Time, token string, duration time.Duration) (webdav.LockDetails, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	e, ok := l.byToken[token]
	if !ok {
		return webdav.LockDetails{}, webdav.ErrNoSuchLock
	}
	e.details.Duration = duration
	e.expiresAt = now.Add(duration)
	return e.details, nil
}

// Unlock releases a lock by token.
func (l *memLockSystem) Unlock(now time.Time, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	e, ok := l.byToken[token]
	if !ok {
		return webdav.ErrNoSuchLock
	}
	delete(l.byToken, token)
	delete(l.byPath, e.details.Root)
	return nil
}
