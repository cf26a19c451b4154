package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"keyvoxdesk/internal/protocol"
)

const inputBuffer = 256

var ErrStoreStopped = errors.New("session store stopped")

// Listener receives a snapshot after every applied input.
type Listener func(Model)

// Metrics counts applied events by type.
type Metrics interface {
	IncEventsApplied(eventType string)
}

// Store owns the Model. Inputs are applied in FIFO order on the goroutine
// running Run; readers only ever see deep copies.
type Store struct {
	logger  *zap.Logger
	metrics Metrics
	inputs  chan Input
	stopped chan struct{}
	once    sync.Once

	mu    sync.RWMutex
	model Model

	subsMu  sync.Mutex
	subs    []subscription
	nextSub int
}

type subscription struct {
	id int
	fn Listener
}

type barrier struct{ done chan struct{} }

func (barrier) input() {}

type StoreOption func(*Store)

func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = metrics
	}
}

func NewStore(historyLimit int, opts ...StoreOption) *Store {
	s := &Store{
		logger:  zap.NewNop(),
		inputs:  make(chan Input, inputBuffer),
		stopped: make(chan struct{}),
		model:   NewModel(historyLimit),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run applies inputs until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	defer s.once.Do(func() { close(s.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.inputs:
			s.apply(in)
		}
	}
}

// Dispatch enqueues an input. It only blocks when the queue is full.
func (s *Store) Dispatch(in Input) {
	if in == nil {
		return
	}
	select {
	case s.inputs <- in:
	case <-s.stopped:
	}
}

// DispatchEvent enqueues a server event. It matches client.EventHandler.
func (s *Store) DispatchEvent(event protocol.Event) {
	s.Dispatch(EventReceived{Event: event})
}

// Sync waits until every input dispatched before the call has been applied.
func (s *Store) Sync(ctx context.Context) error {
	b := barrier{done: make(chan struct{})}
	select {
	case s.inputs <- b:
	case <-s.stopped:
		return ErrStoreStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-b.done:
		return nil
	case <-s.stopped:
		return ErrStoreStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a deep copy of the current model.
func (s *Store) Snapshot() Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model.Clone()
}

// Subscribe registers fn and returns a function that removes it. Listeners
// run on the store goroutine in subscription order and must not call Sync.
func (s *Store) Subscribe(fn Listener) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		s.subs = slices.DeleteFunc(s.subs, func(sub subscription) bool { return sub.id == id })
		s.subsMu.Unlock()
	}
}

func (s *Store) apply(in Input) {
	if b, ok := in.(barrier); ok {
		close(b.done)
		return
	}

	if ev, ok := in.(EventReceived); ok {
		if unknown, isUnknown := ev.Event.(*protocol.UnknownEvent); isUnknown {
			s.logger.Debug("ignoring unknown event", zap.String("type", unknown.EventType()))
			return
		}
		if ev.Event == nil {
			return
		}
		if s.metrics != nil {
			s.metrics.IncEventsApplied(ev.Event.EventType())
		}
	}

	s.mu.Lock()
	s.model = Reduce(s.model, in)
	snapshot := s.model.Clone()
	s.mu.Unlock()

	s.subsMu.Lock()
	listeners := make([]Listener, 0, len(s.subs))
	for _, sub := range s.subs {
		listeners = append(listeners, sub.fn)
	}
	s.subsMu.Unlock()

	for _, fn := range listeners {
		fn(snapshot.Clone())
	}
}
