package broker

import (
	"context"
	"sync"
)

const defaultMemoryBuffer = 256

// Memory is an in-process broker for single-process use and tests. Each
// subscription has its own buffered queue drained by one goroutine, so
// envelopes on a subject are handled in publish order.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	buffer int
	closed bool
}

type memorySub struct {
	broker  *Memory
	subject string
	ch      chan Envelope
	done    chan struct{}
	once    sync.Once
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &Memory{subs: make(map[string][]*memorySub), buffer: buffer}
}

// Publish enqueues env for every subscriber of subject. It blocks while a
// subscriber queue is full and gives up when ctx is done.
func (m *Memory) Publish(ctx context.Context, subject string, env Envelope) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memorySub(nil), m.subs[subject]...)
	m.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(subject string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		broker:  m,
		subject: subject,
		ch:      make(chan Envelope, m.buffer),
		done:    make(chan struct{}),
	}
	m.subs[subject] = append(m.subs[subject], s)
	go s.run(h)
	return s, nil
}

func (s *memorySub) run(h Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()
	for {
		select {
		case <-s.done:
			return
		case env := <-s.ch:
			h(ctx, env)
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	subs := s.broker.subs[s.subject]
	for i, other := range subs {
		if other == s {
			s.broker.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	s.stop()
	return nil
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, s := range subs {
			s.stop()
		}
	}
	m.subs = nil
	return nil
}
