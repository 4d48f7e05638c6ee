// Package session implements the process-wide session pool: reusable
// authenticated connections per network backend, idle eviction, and
// per-device concurrency caps. Idle sessions are kept in a plain map
// rather than github.com/patrickmn/go-cache (used elsewhere in this
// package for CredentialCache), because eviction here needs to proceed
// one entry per reaper wake with a yield between evictions, to avoid
// hitting server connection limits — go-cache's janitor instead sweeps
// everything expired in one pass.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session is anything the pool can keep idle and hand back out. The
// caller's healthy flag passed to Return decides whether a session goes
// back to the pool; an unhealthy session is closed instead.
type Session interface {
	Close() error
}

// Dialer constructs a brand-new Session for a pool key. It always runs
// outside the pool lock.
type Dialer func(ctx context.Context) (Session, error)

// IdleWindow is the default idle window: a session unused for longer than
// this is no longer offered for reuse.
const IdleWindow = 20 * time.Second

// entry wraps a Session with its last-successful-use time, which Take and
// the reaper compare against their idle windows.
type entry struct {
	session  Session
	lastUsed time.Time
}

// Pool is a process-wide, equality-key-addressed pool of idle sessions for
// one network backend kind. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	idle     map[string][]*entry
	dial     Dialer
	log      logrus.FieldLogger
	closed   bool
	shutdown sync.WaitGroup // blocks process shutdown until 0 sessions remain
}

// NewPool builds a Pool that dials new sessions with dial.
func NewPool(dial Dialer, log logrus.FieldLogger) *Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool{
		idle: make(map[string][]*entry),
		dial: dial,
		log:  log,
	}
}

// Take returns a healthy idle session for key, or dials a new one if none
// is idle: a healthy idle session is taken under the pool lock, or the
// lock is released and a new one constructed outside it.
func (p *Pool) Take(ctx context.Context, key string) (Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	bucket := p.idle[key]
	for len(bucket) > 0 {
		e := bucket[len(bucket)-1]
		bucket = bucket[:len(bucket)-1]
		p.idle[key] = bucket
		if time.Since(e.lastUsed) > IdleWindow {
			go func(s Session) {
				_ = s.Close()
				p.shutdown.Done()
			}(e.session)
			continue
		}
		p.mu.Unlock()
		return e.session, nil
	}
	p.mu.Unlock()

	p.shutdown.Add(1)
	s, err := p.dial(ctx)
	if err != nil {
		p.shutdown.Done()
		return nil, err
	}
	return s, nil
}

// Return hands a session back to the pool. If healthy is false the session
// is closed instead of being reused.
func (p *Pool) Return(key string, s Session, healthy bool) {
	if !healthy {
		_ = s.Close()
		p.shutdown.Done()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.mu.Unlock()
		_ = s.Close()
		p.shutdown.Done()
		p.mu.Lock()
		return
	}
	p.idle[key] = append(p.idle[key], &entry{session: s, lastUsed: time.Now()})
}

// Drop discards a session outright without returning it to the pool (used
// when a caller knows the session failed mid-operation).
func (p *Pool) Drop(s Session) {
	_ = s.Close()
	p.shutdown.Done()
}

// ErrPoolClosed is returned by Take once Shutdown has begun.
var ErrPoolClosed = poolClosedError{}

type poolClosedError struct{}

func (poolClosedError) Error() string { return "session: pool is shutting down" }

// Shutdown refuses new sessions and blocks until every outstanding session
// (idle or checked out) has been closed: a process-wide session counter
// blocks shutdown until no sessions remain, and refuses new sessions
// during init/teardown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	for key, bucket := range p.idle {
		for _, e := range bucket {
			_ = e.session.Close()
			p.shutdown.Done()
		}
		delete(p.idle, key)
	}
	p.mu.Unlock()
	p.shutdown.Wait()
}

// evictOne scans for a single idle session older than window and closes
// it, per reaper requirements. It returns true if it evicted something.
func (p *Pool) evictOne(window time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for key, bucket := range p.idle {
		for i, e := range bucket {
			if e.lastUsed.Before(cutoff) {
				p.idle[key] = append(bucket[:i:i], bucket[i+1:]...)
				p.log.WithField("key", key).Debug("session: evicting idle session")
				go func(s Session) {
					_ = s.Close()
					p.shutdown.Done()
				}(e.session)
				return true
			}
		}
	}
	return false
}
