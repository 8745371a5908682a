// Package registry owns every live ConversationState and serializes access to
// each one. A thread is entered through a Lease: leases on the same thread
// are granted strictly in reservation order, so two replies delivered by
// consecutive poll cycles never interleave their mutations while different
// threads proceed concurrently.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/logging"
)

// DefaultInactivityTimeout evicts conversations nobody touched for a week.
const DefaultInactivityTimeout = 7 * 24 * time.Hour

// Options configures a Registry.
type Options struct {
	// InactivityTimeout bounds how long a suspended conversation is kept.
	// Zero disables the sweep.
	InactivityTimeout time.Duration
	Logger            logging.Logger
}

// Registry is a process-local conversation store. It is safe for concurrent
// use; the map is the only state shared between workers.
type Registry struct {
	mu      sync.Mutex
	entries map[core.ThreadID]*entry
	aliases map[string]core.ThreadID
	opts    Options
}

type entry struct {
	state        *core.ConversationState
	tail         <-chan struct{} // closed when the most recent lease is released
	reservations int
	aliases      []string
}

// New constructs an empty Registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		InactivityTimeout: DefaultInactivityTimeout,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Registry{
		entries: make(map[core.ThreadID]*entry),
		aliases: make(map[string]core.ThreadID),
		opts:    opts,
	}
}

// Resolve maps an inbound message to the thread it belongs to. Besides the
// header derived root it honours aliases registered for sent replies, so a
// client that only sets In-Reply-To still lands on the right conversation.
func (r *Registry) Resolve(msg core.InboundMessage) core.ThreadID {
	derived := msg.ThreadID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[derived]; ok {
		return derived
	}
	if t, ok := r.aliases[string(derived)]; ok {
		return t
	}

	ancestors := msg.Ancestors()
	for i := len(ancestors) - 1; i >= 0; i-- {
		id := ancestors[i]
		if _, ok := r.entries[core.ThreadID(id)]; ok {
			return core.ThreadID(id)
		}
		if t, ok := r.aliases[id]; ok {
			return t
		}
	}

	return derived
}

// Alias registers messageID (typically of a sent reply) as belonging to thread.
func (r *Registry) Alias(messageID string, thread core.ThreadID) {
	messageID = core.NormalizeMessageID(messageID)
	if messageID == "" || core.ThreadID(messageID) == thread {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.aliases[messageID] = thread
	if e, ok := r.entries[thread]; ok {
		e.aliases = append(e.aliases, messageID)
	}
}

// Reserve queues a lease on thread behind every lease reserved before it.
// It never blocks; call Wait before touching the state and Release when done.
func (r *Registry) Reserve(thread core.ThreadID) *Lease {
	done := make(chan struct{})

	r.mu.Lock()
	e, ok := r.entries[thread]
	if !ok {
		e = &entry{}
		r.entries[thread] = e
	}
	prev := e.tail
	e.tail = done
	e.reservations++
	r.mu.Unlock()

	return &Lease{reg: r, thread: thread, prev: prev, done: done}
}

// Snapshot returns a copy of the thread's state, if any.
func (r *Registry) Snapshot(thread core.ThreadID) (*core.ConversationState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[thread]
	if !ok || e.state == nil {
		return nil, false
	}
	return e.state.Clone(), true
}

// Len returns the number of tracked conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.state != nil {
			n++
		}
	}
	return n
}

// PendingDelivery lists threads whose outbox holds undelivered replies.
func (r *Registry) PendingDelivery() []core.ThreadID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.ThreadID
	for t, e := range r.entries {
		if e.state != nil && len(e.state.Outbox) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Sweep evicts idle conversations whose last update is older than the
// inactivity timeout. Conversations with outstanding leases are skipped.
func (r *Registry) Sweep(now time.Time) []core.ThreadID {
	if r.opts.InactivityTimeout <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []core.ThreadID
	for t, e := range r.entries {
		if e.reservations > 0 || e.state == nil {
			continue
		}
		if now.Sub(e.state.UpdatedAt) < r.opts.InactivityTimeout {
			continue
		}
		r.opts.Logger.Info("registry.evict",
			"thread_id", t, "phase", e.state.Phase, "idle", now.Sub(e.state.UpdatedAt))
		r.evictLocked(t, e)
		evicted = append(evicted, t)
	}
	return evicted
}

// retireIfDoneLocked drops the entry once no lease is queued and the conversation
// either never started or reached a terminal phase with nothing left to send.
// Caller must hold the lock.
func (r *Registry) retireIfDoneLocked(t core.ThreadID, e *entry) {
	if e.reservations > 0 {
		return
	}
	switch {
	case e.state == nil:
		r.evictLocked(t, e)
	case e.state.Phase.IsTerminal() && len(e.state.Outbox) == 0:
		r.opts.Logger.Debug("registry.retire", "thread_id", t, "phase", e.state.Phase)
		r.evictLocked(t, e)
	}
}

func (r *Registry) evictLocked(t core.ThreadID, e *entry) {
	for _, a := range e.aliases {
		if r.aliases[a] == t {
			delete(r.aliases, a)
		}
	}
	delete(r.entries, t)
}

// Lease grants exclusive access to one thread's ConversationState.
type Lease struct {
	reg    *Registry
	thread core.ThreadID
	prev   <-chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	acquired bool
	released bool
}

// Thread returns the leased thread id.
func (l *Lease) Thread() core.ThreadID { return l.thread }

// Wait blocks until every earlier lease on the thread has been released.
// If ctx ends first the lease is not acquired; Release must still be called.
func (l *Lease) Wait(ctx context.Context) error {
	if l.prev != nil {
		select {
		case <-l.prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	l.acquired = true
	l.mu.Unlock()

	return nil
}

// State returns a working copy of the committed state (nil for a new
// thread). Only valid between a successful Wait and Release.
func (l *Lease) State() *core.ConversationState {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()

	if e, ok := l.reg.entries[l.thread]; ok {
		return e.state.Clone()
	}
	return nil
}

// Commit stores a copy of s as the thread's state. Readers outside the lease
// only ever observe committed copies.
func (l *Lease) Commit(s *core.ConversationState) {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()

	e, ok := l.reg.entries[l.thread]
	if !ok {
		e = &entry{}
		l.reg.entries[l.thread] = e
	}
	e.state = s.Clone()
}

// Release hands the thread to the next queued lease. Releasing a lease whose
// Wait was abandoned keeps the chain intact: the hand-off happens once the
// predecessor is done. Release is idempotent.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	acquired := l.acquired
	l.mu.Unlock()

	if !acquired && l.prev != nil {
		go func() {
			<-l.prev
			l.finish()
		}()
		return
	}
	l.finish()
}

func (l *Lease) finish() {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()

	close(l.done)
	if e, ok := l.reg.entries[l.thread]; ok {
		e.reservations--
		if e.tail == l.done {
			e.tail = nil
		}
		l.reg.retireIfDoneLocked(l.thread, e)
	}
}
