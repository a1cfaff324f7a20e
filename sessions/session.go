package sessions

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProtocolState is the per-session handshake state.
type ProtocolState int32

const (
	// StateConnected is the state right after the SSE stream opened.
	StateConnected ProtocolState = iota
	// StateInitialized is entered once initialize has been handled.
	StateInitialized
)

func (s ProtocolState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// Session is a live SSE session. It is safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time
	policy    OverflowPolicy

	state   atomic.Int32
	dropped atomic.Int64

	// sendMu serializes producers so the drop-then-send pair of the
	// drop-oldest policy cannot interleave with another producer. It also
	// guards reserved: len(queue)+reserved never exceeds cap(queue) under
	// the reject policy.
	sendMu   sync.Mutex
	queue    chan []byte
	reserved int

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, size int, policy OverflowPolicy) *Session {
	return &Session{
		id:        id,
		createdAt: time.Now(),
		policy:    policy,
		queue:     make(chan []byte, size),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) State() ProtocolState {
	return ProtocolState(s.state.Load())
}

// MarkInitialized moves the session to StateInitialized. It reports whether
// this call performed the transition; repeated calls are no-ops.
func (s *Session) MarkInitialized() bool {
	return s.state.CompareAndSwap(int32(StateConnected), int32(StateInitialized))
}

// Enqueue appends an outbound message to the session queue without blocking.
// Slots held by outstanding reservations count as occupied.
func (s *Session) Enqueue(msg []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed() {
		return ErrSessionClosed
	}
	if s.policy != OverflowDropOldest {
		if len(s.queue)+s.reserved >= cap(s.queue) {
			return ErrQueueFull
		}
		s.queue <- msg
		return nil
	}
	return s.sendDropOldest(msg)
}

// Reserve claims a queue slot for a response that has not been produced yet,
// so work with side effects only starts once its answer is sure to fit.
// Under the reject policy it fails with ErrQueueFull when every slot is
// taken. Under drop-oldest it always succeeds on an open session.
func (s *Session) Reserve() (*Reservation, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed() {
		return nil, ErrSessionClosed
	}
	if s.policy == OverflowDropOldest {
		return &Reservation{s: s}, nil
	}
	if len(s.queue)+s.reserved >= cap(s.queue) {
		return nil, ErrQueueFull
	}
	s.reserved++
	return &Reservation{s: s, held: true}, nil
}

// Reservation is a queue slot claimed by Reserve. Exactly one of Send or
// Release takes effect; later calls are no-ops.
type Reservation struct {
	s    *Session
	held bool
	used bool
}

// Send delivers msg into the reserved slot. It fails only with
// ErrSessionClosed.
func (r *Reservation) Send(msg []byte) error {
	s := r.s
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if r.used {
		return nil
	}
	r.release()
	if s.closed() {
		return ErrSessionClosed
	}
	if s.policy == OverflowDropOldest {
		return s.sendDropOldest(msg)
	}
	// The slot was held, so the channel has room.
	s.queue <- msg
	return nil
}

// Release gives the slot back without sending.
func (r *Reservation) Release() {
	r.s.sendMu.Lock()
	defer r.s.sendMu.Unlock()
	r.release()
}

func (r *Reservation) release() {
	if r.used {
		return
	}
	r.used = true
	if r.held {
		r.s.reserved--
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// sendDropOldest is called with sendMu held.
func (s *Session) sendDropOldest(msg []byte) error {
	select {
	case s.queue <- msg:
		return nil
	default:
	}

	// The consumer may drain concurrently, so the receive is non-blocking
	// and the send is retried until it lands.
	for {
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.queue <- msg:
			return nil
		default:
		}
	}
}

// Messages is the receive side of the queue. Only the stream handler that
// opened the session reads from it.
func (s *Session) Messages() <-chan []byte {
	return s.queue
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many messages the drop-oldest policy discarded.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// Pending returns the number of queued, undelivered messages.
func (s *Session) Pending() int {
	return len(s.queue)
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
