package orderstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"storefront/internal/domain"
	"storefront/internal/events"
)

var (
	ErrLoadFailed         = errors.New("order snapshot load failed")
	ErrSubscriptionClosed = errors.New("event subscription closed")
	ErrNotStarted         = errors.New("session not started")
	ErrAlreadyStarted     = errors.New("session already started or stopped")
)

// Loader отдаёт полный список заказов из Resource API
type Loader interface {
	ListOrders(ctx context.Context) ([]domain.Order, error)
}

type Option func(*Session)

// OnChange registers fn to run after the initial load, after every event that
// changed the store and after every reload. fn must not block.
func OnChange(fn func()) Option {
	return func(s *Session) { s.onChange = fn }
}

type reloadReq struct {
	ctx  context.Context
	resp chan error
}

// Session owns one Store and the subscription feeding it. Events are applied
// one at a time, in arrival order, on a single goroutine.
type Session struct {
	store    *Store
	loader   Loader
	events   events.Subscriber
	log      *slog.Logger
	onChange func()

	mu       sync.Mutex
	starting bool
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	reloads  chan reloadReq
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

func NewSession(loader Loader, sub events.Subscriber, log *slog.Logger, opts ...Option) *Session {
	s := &Session{
		store:   New(log),
		loader:  loader,
		events:  sub,
		log:     log.With("component", "orderstore.session"),
		reloads: make(chan reloadReq),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Store() *Store { return s.store }

// Start subscribes, loads the snapshot and starts the event loop. Subscribing
// comes first so nothing committed during the load is missed; events that
// overlap the snapshot are absorbed by idempotent applies.
//
// ctx bounds the subscribe and the load. The loop runs until Stop or until
// the channel drops the subscription. On failure the store stays empty and
// nothing is left open. The lock is not held across the network calls; a Stop
// that lands during the load makes Start release everything and fail.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.starting || s.started || s.stopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.starting = true
	s.mu.Unlock()

	sub, err := s.events.Subscribe(ctx)
	if err != nil {
		s.endStarting()
		return fmt.Errorf("%w: subscribe: %w", ErrLoadFailed, err)
	}
	snapshot, err := s.loader.ListOrders(ctx)
	if err != nil {
		s.release(sub)
		s.endStarting()
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	s.mu.Lock()
	s.starting = false
	if s.stopped {
		s.mu.Unlock()
		s.release(sub)
		return ErrAlreadyStarted
	}
	s.store.Initialize(snapshot)
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	s.log.Info("order store loaded", "orders", s.store.Len())
	s.notify()
	go s.run(loopCtx, sub)
	return nil
}

func (s *Session) endStarting() {
	s.mu.Lock()
	s.starting = false
	s.mu.Unlock()
}

func (s *Session) release(sub events.Subscription) {
	if err := sub.Close(); err != nil {
		s.log.Warn("close subscription", "error", err)
	}
}

func (s *Session) run(ctx context.Context, sub events.Subscription) {
	defer close(s.done)
	defer s.release(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				s.log.Warn("event subscription dropped, reload required")
				s.setErr(ErrSubscriptionClosed)
				return
			}
			if s.store.Apply(ev) {
				s.notify()
			}
		case req := <-s.reloads:
			req.resp <- s.reload(req.ctx)
		}
	}
}

func (s *Session) reload(ctx context.Context) error {
	snapshot, err := s.loader.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	s.store.Initialize(snapshot)
	s.notify()
	return nil
}

// Reload replaces the store with a fresh snapshot. It runs on the event loop,
// between events. A failed reload leaves the contents as they were.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	req := reloadReq{ctx: ctx, resp: make(chan error, 1)}
	select {
	case s.reloads <- req:
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the loop and releases the subscription. Safe to call more than
// once and before Start.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-s.done
	})
}

// Done is closed when the event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is ErrSubscriptionClosed when the loop ended because the channel went
// away, nil after Stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
