package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/clock"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/observability"
)

// Store is a durable backing for committed entries. The chain remains the
// integrity authority; stores only persist what the chain sealed.
type Store interface {
	Append(ctx context.Context, e Entry) error
}

// Sink accepts audit events and commits them to the hash chain off the
// caller's path. The security decision that produced an event is finalized
// before Emit returns; the chain write happens on the sink's writer
// goroutine so callers never wait on log IO.
type Sink struct {
	chain *Chain
	store Store
	clk   clock.Clock

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	drained bool

	subMu sync.Mutex
	subs  map[*Subscription]struct{}

	metrics *observability.Provider
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewSink creates a running sink. store may be nil for a purely in-memory
// log.
func NewSink(clk clock.Clock, store Store) *Sink {
	s := &Sink{
		chain:  NewChain(),
		store:  store,
		clk:    clk,
		subs:   make(map[*Subscription]struct{}),
		logger: slog.Default().With("component", "audit"),
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.writer()
	return s
}

// SetMetrics attaches the chain-growth instrument. Call before the first
// Emit; the writer reads it under the sink mutex.
func (s *Sink) SetMetrics(m *observability.Provider) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Emit queues an event for commit. The event's ID and timestamp are
// assigned here; the queue is unbounded so emission never blocks the
// security path and never drops.
func (s *Sink) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clk.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, ev)
	s.cond.Signal()
}

func (s *Sink) writer() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.drained = true
			s.cond.Broadcast()
			s.cond.Wait()
		}
		if len(s.pending) == 0 && s.closed {
			s.drained = true
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		s.drained = false
		m := s.metrics
		s.mu.Unlock()

		for _, ev := range batch {
			entry, err := s.chain.Append(ev)
			if err != nil {
				s.logger.Error("audit append failed", "err", err, "kind", string(ev.Kind))
				continue
			}
			m.RecordAuditEntry(context.Background(), string(ev.Kind))
			if s.store != nil {
				if err := s.store.Append(context.Background(), entry); err != nil {
					s.logger.Error("audit store write failed", "err", err, "sequence", entry.Sequence)
				}
			}
			s.fanout(entry)
		}
	}
}

// Flush blocks until every event emitted before the call is committed.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.drained || len(s.pending) > 0 {
		s.cond.Wait()
	}
}

// Close stops the writer after draining and closes all subscriptions.
func (s *Sink) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()

	s.subMu.Lock()
	for sub := range s.subs {
		sub.close()
	}
	s.subs = make(map[*Subscription]struct{})
	s.subMu.Unlock()
}

// Chain exposes the committed log for verification and bounded replay.
func (s *Sink) Chain() *Chain { return s.chain }

// Subscribe starts a live stream of entries committed from this moment on.
// Authorization is the caller's responsibility; the core gates this behind
// a capability check before handing the subscription to a capsule.
func (s *Sink) Subscribe() *Subscription {
	sub := newSubscription()
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

// Unsubscribe detaches and closes the stream.
func (s *Sink) Unsubscribe(sub *Subscription) {
	s.subMu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	s.subMu.Unlock()
	if ok {
		sub.close()
	}
}

func (s *Sink) fanout(e Entry) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		sub.push(e)
	}
}

// Subscription is a live, append-only stream of committed entries. It is
// not restartable from an arbitrary past point; bounded-history replay is a
// separate, separately-authorized operation on the chain.
type Subscription struct {
	mu      sync.Mutex
	cond    *sync.Cond
	backlog []Entry
	closed  bool
	out     chan Entry
	done    chan struct{}
	once    sync.Once
}

func newSubscription() *Subscription {
	sub := &Subscription{out: make(chan Entry), done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.pump()
	return sub
}

// Events returns the stream channel. The channel closes when the
// subscription is closed.
func (sub *Subscription) Events() <-chan Entry { return sub.out }

func (sub *Subscription) push(e Entry) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.backlog = append(sub.backlog, e)
	sub.cond.Signal()
}

func (sub *Subscription) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		for len(sub.backlog) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if len(sub.backlog) == 0 && sub.closed {
			sub.mu.Unlock()
			return
		}
		batch := sub.backlog
		sub.backlog = nil
		sub.mu.Unlock()

		for _, e := range batch {
			select {
			case sub.out <- e:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *Subscription) close() {
	sub.once.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		sub.cond.Broadcast()
		sub.mu.Unlock()
		close(sub.done)
	})
}

// helper for tests that need a deadline on stream reads
func (sub *Subscription) Next(timeout time.Duration) (Entry, bool) {
	select {
	case e, ok := <-sub.out:
		return e, ok
	case <-time.After(timeout):
		return Entry{}, false
	}
}
