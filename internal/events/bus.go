package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	TypeToken         Type = "token"
	TypeThinkingStart Type = "thinking_start"
	TypeThinkingEnd   Type = "thinking_end"
	TypeToolStatus    Type = "tool_status"
	TypeError         Type = "error"
	TypeClose         Type = "close"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already open")
	ErrRunClosed   = errors.New("run closed")
)

type Event struct {
	ID      int64           `json:"id"`
	RunID   string          `json:"runId"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"timestamp"`
}

// ClosePayload is carried by the terminal close event of a run.
type ClosePayload struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// Observer receives bus activity counts. Nil-safe defaults are used when no
// observer is configured.
type Observer interface {
	EventPublished(t Type)
	SubscriberAdded()
	SubscriberRemoved(lagged bool)
}

type nopObserver struct{}

func (nopObserver) EventPublished(Type)   {}
func (nopObserver) SubscriberAdded()      {}
func (nopObserver) SubscriberRemoved(bool) {}

type Options struct {
	// BufferSize bounds the replay buffer of each run by count.
	BufferSize int
	// MaxAge additionally drops events older than this from replay. Zero
	// disables the age bound. The newest event is always kept.
	MaxAge time.Duration
	// Retention is how long a closed run stays subscribable.
	Retention time.Duration
	// SubscriberBuffer is the channel capacity per subscriber. A subscriber
	// that falls this far behind is disconnected.
	SubscriberBuffer int
	Observer         Observer
}

// Bus is an in-memory per-run event log with bounded replay.
//
// Each run has its own ring buffer, id sequence and subscriber set, all
// guarded by the run's mutex. Publish appends and hands the event to every
// subscriber channel while holding that mutex, and Subscribe snapshots the
// replay and registers the subscriber under the same mutex, so no event is
// both replayed and delivered live and none falls between the two.
type Bus struct {
	opts Options
	now  func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	id string

	mu     sync.Mutex
	nextID int64
	ring   []Event
	start  int
	size   int

	subs      map[int]*subscriber
	nextSubID int
	closed    bool
}

type subscriber struct {
	ch     chan Event
	lagged atomic.Bool
}

// Subscription is a replay snapshot plus a live channel.
//
// C is closed when the run closes (after the close event), when the
// subscriber lags behind, or on Cancel. Runs that were already closed at
// subscribe time get an already closed C with the close event in Replay.
type Subscription struct {
	Replay    []Event
	C         <-chan Event
	Truncated bool
	Closed    bool

	sub    *subscriber
	cancel func()
}

// Cancel deregisters the subscriber. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Lagged reports whether C was closed because the subscriber fell behind.
func (s *Subscription) Lagged() bool {
	return s.sub != nil && s.sub.lagged.Load()
}

func NewBus(opts Options) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.Retention <= 0 {
		opts.Retention = 60 * time.Second
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 256
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Bus{
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
		runs: make(map[string]*run),
	}
}

// Open creates the event log for runID.
func (b *Bus) Open(runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.runs[runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	b.runs[runID] = &run{
		id:   runID,
		ring: make([]Event, b.opts.BufferSize),
		subs: make(map[int]*subscriber),
	}
	return nil
}

// Publish appends an event to the run and delivers it to every current
// subscriber before returning.
func (b *Bus) Publish(runID string, t Type, payload any) (Event, error) {
	if t == TypeClose {
		return Event{}, fmt.Errorf("close events are published by Close")
	}
	r, err := b.get(runID)
	if err != nil {
		return Event{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Event{}, fmt.Errorf("%w: %s", ErrRunClosed, runID)
	}
	return b.appendLocked(r, t, payload), nil
}

// Close publishes the terminal close event, ends every live subscription and
// schedules the run's buffer for removal after the retention window.
func (b *Bus) Close(runID string, payload ClosePayload) (Event, error) {
	r, err := b.get(runID)
	if err != nil {
		return Event{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s", ErrRunClosed, runID)
	}
	ev := b.appendLocked(r, TypeClose, payload)
	r.closed = true
	for id, s := range r.subs {
		delete(r.subs, id)
		close(s.ch)
		b.opts.Observer.SubscriberRemoved(false)
	}
	r.mu.Unlock()

	time.AfterFunc(b.opts.Retention, func() { b.forget(r) })
	return ev, nil
}

// Subscribe returns the buffered events with id > afterID and, for an open
// run, a channel of the events that follow. If events after afterID were
// already evicted, replay starts at the oldest retained event and Truncated
// is set.
func (b *Bus) Subscribe(runID string, afterID int64) (*Subscription, error) {
	r, err := b.get(runID)
	if err != nil {
		return nil, err
	}
	if afterID < 0 {
		afterID = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b.expireLocked(r)

	sub := &Subscription{Replay: make([]Event, 0, r.size)}
	oldest := r.nextID + 1
	for i := 0; i < r.size; i++ {
		ev := r.ring[(r.start+i)%len(r.ring)]
		if i == 0 {
			oldest = ev.ID
		}
		if ev.ID > afterID {
			sub.Replay = append(sub.Replay, ev)
		}
	}
	sub.Truncated = afterID < r.nextID && oldest > afterID+1

	if r.closed {
		ch := make(chan Event)
		close(ch)
		sub.C = ch
		sub.Closed = true
		return sub, nil
	}

	s := &subscriber{ch: make(chan Event, b.opts.SubscriberBuffer)}
	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = s
	b.opts.Observer.SubscriberAdded()

	sub.C = s.ch
	sub.sub = s
	sub.cancel = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.subs[id]; ok && cur == s {
			delete(r.subs, id)
			close(s.ch)
			b.opts.Observer.SubscriberRemoved(false)
		}
	}
	return sub, nil
}

// LastID returns the id of the newest event published on the run.
func (b *Bus) LastID(runID string) (int64, error) {
	r, err := b.get(runID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID, nil
}

// Runs returns the number of runs currently held, open or retained.
func (b *Bus) Runs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

func (b *Bus) get(runID string) (*run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

func (b *Bus) forget(r *run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.runs[r.id]; ok && cur == r {
		delete(b.runs, r.id)
	}
}

func (b *Bus) appendLocked(r *run, t Type, data any) Event {
	payload := []byte("{}")
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			payload = raw
		}
	}

	r.nextID++
	ev := Event{
		ID:      r.nextID,
		RunID:   r.id,
		Type:    t,
		Payload: payload,
		At:      b.now(),
	}
	b.expireLocked(r)
	pushLocked(r, ev)
	b.opts.Observer.EventPublished(t)

	for id, s := range r.subs {
		select {
		case s.ch <- ev:
		default:
			// A full channel means the reader is too far behind to keep
			// an unbroken sequence. Cut it loose; it reconnects with its
			// last id.
			s.lagged.Store(true)
			delete(r.subs, id)
			close(s.ch)
			b.opts.Observer.SubscriberRemoved(true)
		}
	}
	return ev
}

// expireLocked drops events older than MaxAge, keeping the newest one.
func (b *Bus) expireLocked(r *run) {
	if b.opts.MaxAge <= 0 {
		return
	}
	cutoff := b.now().Add(-b.opts.MaxAge)
	for r.size > 1 && r.ring[r.start].At.Before(cutoff) {
		r.ring[r.start] = Event{}
		r.start = (r.start + 1) % len(r.ring)
		r.size--
	}
}

func pushLocked(r *run, ev Event) {
	capacity := len(r.ring)
	if capacity == 0 {
		return
	}

	if r.size < capacity {
		idx := (r.start + r.size) % capacity
		r.ring[idx] = ev
		r.size++
		return
	}

	// Overwrite oldest.
	r.ring[r.start] = ev
	r.start = (r.start + 1) % capacity
}
