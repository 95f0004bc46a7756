package router

import (
	"context"
	"sort"
	"sync"

	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/fault"
	"github.com/CMSR-Foundation/CMSR-Kernel/pkg/object"
)

// Ordering selects the dequeue rule for an endpoint.
type Ordering int

const (
	// OrderArrival dequeues in global arrival order, which preserves
	// strict FIFO within every (producer, consumer) pair.
	OrderArrival Ordering = iota
	// OrderRoundRobin rotates deterministically across producers in
	// sorted producer-ID order, bounding any single producer's worst-case
	// wait.
	OrderRoundRobin
)

// DropPolicy governs what happens when a send meets a full queue. When
// enabled, a strictly lower-priority queued message may be evicted to make
// room; the eviction is always audited.
type DropPolicy struct {
	Enabled bool
}

// Config fixes an endpoint's behavior at creation time.
type Config struct {
	// Capacity is the hard queue bound. The queue length never exceeds
	// it. Zero takes DefaultCapacity.
	Capacity int
	// MaxPayload bounds accepted message payloads. Zero takes
	// DefaultMaxPayload.
	MaxPayload uint32
	// Ordering selects the dequeue rule.
	Ordering Ordering
	// Blocking parks senders on a full queue and receivers on an empty
	// one instead of returning WouldBlock.
	Blocking bool
	// Drop is the backpressure eviction policy.
	Drop DropPolicy
	// AuditBackpressure opts WouldBlock results into the audit log.
	// Off by default to avoid flooding under normal backpressure.
	AuditBackpressure bool
}

// DefaultCapacity applies when a Config leaves Capacity zero.
const DefaultCapacity = 64

func (c Config) normalized() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	return c
}

// queued is one message at rest, tagged with its producer and a global
// arrival sequence.
type queued struct {
	producer object.CapsuleID
	msg      Message
	seq      uint64
}

// Endpoint is a bounded message queue attached to a registry object. All
// state is guarded by mu; there is no global router lock.
type Endpoint struct {
	owner object.CapsuleID
	cfg   Config

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	closed   bool
	count    int
	seq      uint64
	queues   map[object.CapsuleID][]queued
	rrNext   object.CapsuleID // round-robin resume position, "" for start
}

// NewEndpoint creates an endpoint owned by the given capsule.
func NewEndpoint(owner object.CapsuleID, cfg Config) *Endpoint {
	e := &Endpoint{
		owner:  owner,
		cfg:    cfg.normalized(),
		queues: make(map[object.CapsuleID][]queued),
	}
	e.notFull = sync.NewCond(&e.mu)
	e.notEmpty = sync.NewCond(&e.mu)
	return e
}

// Owner reports the owning capsule.
func (e *Endpoint) Owner() object.CapsuleID { return e.owner }

// Len reports the current queue length.
func (e *Endpoint) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

var errTornDown = fault.New(fault.CodeUnauthorized, "endpoint torn down")

// enqueue admits a message, applying the capacity bound and drop policy.
// The returned drop, when non-nil, is the evicted message the caller must
// audit. block selects parking over WouldBlock on a full queue; a parked
// sender wakes with WouldBlock when ctx is canceled.
func (e *Endpoint) enqueue(ctx context.Context, producer object.CapsuleID, msg Message, block bool) (drop *queued, err error) {
	if uint32(len(msg.Payload)) > e.cfg.MaxPayload {
		// Oversized input is a caller mistake, never a kernel fault.
		return nil, fault.New(fault.CodeBadMessage, "payload %d exceeds endpoint maximum %d", len(msg.Payload), e.cfg.MaxPayload)
	}
	msg = msg.clone()

	if block {
		stop := context.AfterFunc(ctx, e.Kick)
		defer stop()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed {
			return nil, errTornDown
		}
		if e.count < e.cfg.Capacity {
			break
		}
		if e.cfg.Drop.Enabled {
			if victim := e.evictLowerPriority(msg.Priority()); victim != nil {
				drop = victim
				break
			}
		}
		if !block {
			return nil, fault.New(fault.CodeWouldBlock, "endpoint queue at capacity %d", e.cfg.Capacity)
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, fault.New(fault.CodeWouldBlock, "parked send canceled: %v", cerr)
		}
		e.notFull.Wait()
	}

	e.seq++
	e.queues[producer] = append(e.queues[producer], queued{producer: producer, msg: msg, seq: e.seq})
	e.count++
	e.notEmpty.Signal()
	return drop, nil
}

// evictLowerPriority removes the queued message with the lowest priority
// if it is strictly lower than the incoming one. Ties keep the resident
// message. Caller holds mu.
func (e *Endpoint) evictLowerPriority(incoming uint32) *queued {
	var (
		victimKey object.CapsuleID
		victimIdx = -1
		victim    queued
	)
	for key, q := range e.queues {
		for i, item := range q {
			if victimIdx == -1 || item.msg.Priority() < victim.msg.Priority() ||
				(item.msg.Priority() == victim.msg.Priority() && item.seq < victim.seq) {
				victimKey, victimIdx, victim = key, i, item
			}
		}
	}
	if victimIdx == -1 || victim.msg.Priority() >= incoming {
		return nil
	}
	q := e.queues[victimKey]
	e.queues[victimKey] = append(q[:victimIdx], q[victimIdx+1:]...)
	e.count--
	return &victim
}

// dequeue removes the next message per the endpoint's ordering rule.
// block selects parking over WouldBlock on an empty queue; a parked
// receiver wakes with WouldBlock when ctx is canceled.
func (e *Endpoint) dequeue(ctx context.Context, block bool) (queued, error) {
	if block {
		stop := context.AfterFunc(ctx, e.Kick)
		defer stop()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed {
			return queued{}, errTornDown
		}
		if e.count > 0 {
			break
		}
		if !block {
			return queued{}, fault.New(fault.CodeWouldBlock, "endpoint queue empty")
		}
		if cerr := ctx.Err(); cerr != nil {
			return queued{}, fault.New(fault.CodeWouldBlock, "parked recv canceled: %v", cerr)
		}
		e.notEmpty.Wait()
	}

	var key object.CapsuleID
	switch e.cfg.Ordering {
	case OrderRoundRobin:
		key = e.nextRoundRobin()
	default:
		key = e.oldestArrival()
	}
	q := e.queues[key]
	item := q[0]
	if len(q) == 1 {
		delete(e.queues, key)
	} else {
		e.queues[key] = q[1:]
	}
	e.count--
	e.notFull.Signal()
	return item, nil
}

// oldestArrival finds the producer whose head message arrived first.
// Caller holds mu and has checked count > 0.
func (e *Endpoint) oldestArrival() object.CapsuleID {
	var (
		best    object.CapsuleID
		bestSeq uint64
		found   bool
	)
	for key, q := range e.queues {
		if !found || q[0].seq < bestSeq {
			best, bestSeq, found = key, q[0].seq, true
		}
	}
	return best
}

// nextRoundRobin picks the first non-empty producer strictly after the
// last one served, wrapping in sorted producer-ID order. Sorting makes the
// rotation independent of map iteration order. Caller holds mu and has
// checked count > 0.
func (e *Endpoint) nextRoundRobin() object.CapsuleID {
	keys := make([]string, 0, len(e.queues))
	for key := range e.queues {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k > string(e.rrNext) {
			e.rrNext = object.CapsuleID(k)
			return e.rrNext
		}
	}
	// Wrap to the smallest.
	e.rrNext = object.CapsuleID(keys[0])
	return e.rrNext
}

// Close tears the endpoint down. Every parked sender and receiver wakes
// with an explicit error; subsequent operations fail permanently.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.queues = nil
	e.count = 0
	e.notFull.Broadcast()
	e.notEmpty.Broadcast()
}

// Kick wakes all parked callers so they re-examine queue state. The
// scheduler's context-switch notification lands here.
func (e *Endpoint) Kick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notFull.Broadcast()
	e.notEmpty.Broadcast()
}
