package upstream

import "sync"

// eventBus fans state changes out to subscribers. Each subscriber gets its
// own unbounded queue drained by a pump goroutine, so a slow consumer never
// blocks a state transition and per-upstream ordering is preserved.
type eventBus struct {
	mu     sync.Mutex
	subs   map[*busSub]struct{}
	closed bool
}

type busSub struct {
	mu    sync.Mutex
	queue []StateChange
	wake  chan struct{}
	out   chan StateChange
	done  chan struct{}

	closeOnce sync.Once
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[*busSub]struct{})}
}

func (b *eventBus) subscribe() (<-chan StateChange, func()) {
	sub := &busSub{
		wake: make(chan struct{}, 1),
		out:  make(chan StateChange),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

func (b *eventBus) publish(change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.enqueue(change)
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*busSub]struct{})
	b.closed = true
	b.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

func (s *busSub) enqueue(change StateChange) {
	s.mu.Lock()
	s.queue = append(s.queue, change)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *busSub) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *busSub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var (
			change StateChange
			have   bool
		)
		if len(s.queue) > 0 {
			change = s.queue[0]
			s.queue = s.queue[1:]
			have = true
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.done:
				return
			case <-s.wake:
			}
			continue
		}
		select {
		case <-s.done:
			return
		case s.out <- change:
		}
	}
}
