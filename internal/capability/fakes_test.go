package capability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeSession is a scripted Session.
type fakeSession struct {
	caps []Capability

	failInvokes atomic.Int32 // Remaining invocations that fail
	failAll     bool
	toolError   bool
	block       bool // Invoke waits for ctx or Close
	pingErr     error

	invokes atomic.Int32
	closes  atomic.Int32
	closed  atomic.Bool

	mu      sync.Mutex
	closing chan struct{}
}

func (s *fakeSession) closedChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing == nil {
		s.closing = make(chan struct{})
	}
	return s.closing
}

func (s *fakeSession) ListCapabilities(ctx context.Context) ([]Capability, error) {
	return s.caps, nil
}

func (s *fakeSession) Invoke(ctx context.Context, capability string, args map[string]any) (*Result, error) {
	s.invokes.Add(1)
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if s.block {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closedChan():
			return nil, ErrSessionClosed
		}
	}
	if s.failAll {
		return nil, errors.New("connection reset by peer")
	}
	if s.failInvokes.Load() > 0 {
		s.failInvokes.Add(-1)
		return nil, errors.New("connection reset by peer")
	}
	if s.toolError {
		return &Result{Content: []string{"bad input"}, IsError: true}, nil
	}
	return &Result{Content: []string{"ok:" + capability}}, nil
}

func (s *fakeSession) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.pingErr
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	if !s.closed.Swap(true) {
		close(s.closedChan())
	}
	return nil
}

// fakeLauncher counts launches and hands out sessions built by newSession.
type fakeLauncher struct {
	delay      time.Duration
	newSession func(n int) *fakeSession

	mu       sync.Mutex
	err      error
	sessions []*fakeSession
	launches atomic.Int32
}

func (l *fakeLauncher) Launch(ctx context.Context, def ProviderDefinition) (Session, error) {
	n := int(l.launches.Add(1))
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	var s *fakeSession
	if l.newSession != nil {
		s = l.newSession(n)
	} else {
		s = &fakeSession{}
	}
	l.sessions = append(l.sessions, s)
	return s, nil
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *fakeLauncher) sessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *fakeLauncher) session(i int) *fakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[i]
}
