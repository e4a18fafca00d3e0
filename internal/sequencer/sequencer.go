// Package sequencer runs work for the same key one step at a time, in arrival order,
// while work for different keys proceeds in parallel.
package sequencer

import (
	"context"
	"sync"
)

type lane struct {
	// holding a token in slot means owning the lane; blocked senders queue FIFO
	slot chan struct{}
	refs int
}

type Sequencer struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func New() *Sequencer {
	return &Sequencer{lanes: make(map[string]*lane)}
}

// Do runs fn once every earlier Do for the same key has returned. If ctx ends while
// waiting, fn is not run and the context error is returned.
func (s *Sequencer) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := s.acquire(key)
	defer s.release(key, l)

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.slot }()

	return fn(ctx)
}

func (s *Sequencer) acquire(key string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{slot: make(chan struct{}, 1)}
		s.lanes[key] = l
	}
	l.refs++
	return l
}

func (s *Sequencer) release(key string, l *lane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.lanes, key)
	}
}

// Active returns the number of keys with running or waiting work.
func (s *Sequencer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}
