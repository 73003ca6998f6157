package orderstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/domain"
	"storefront/internal/events"
)

type fakeLoader struct {
	mu     sync.Mutex
	orders []domain.Order
	err    error
	calls  int
}

func (l *fakeLoader) ListOrders(context.Context) ([]domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return append([]domain.Order(nil), l.orders...), nil
}

func (l *fakeLoader) set(orders []domain.Order, err error) {
	l.mu.Lock()
	l.orders, l.err = orders, err
	l.mu.Unlock()
}

// changes counts hook calls and lets a test wait for the n-th one
type changes struct {
	n  atomic.Int32
	ch chan struct{}
}

func newChanges() *changes { return &changes{ch: make(chan struct{}, 64)} }

func (c *changes) hook() {
	c.n.Add(1)
	c.ch <- struct{}{}
}

func (c *changes) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for store change")
	}
}

func TestSession_LoadsThenAppliesEvents(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub(discardLogger())
	loader := &fakeLoader{orders: []domain.Order{mkOrder("A", domain.OrderStatusPending, 1)}}
	ch := newChanges()
	s := NewSession(loader, hub, discardLogger(), OnChange(ch.hook))

	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	ch.wait(t)
	assert.Equal(t, 1, hub.Len(), "subscribed while running")
	assert.Equal(t, 1, s.Store().Len())

	require.NoError(t, hub.Publish(ctx, events.Created(mkOrder("B", domain.OrderStatusPending, 2))))
	ch.wait(t)
	require.NoError(t, hub.Publish(ctx, events.Updated(mkOrder("A", domain.OrderStatusDone, 1))))
	ch.wait(t)
	require.NoError(t, hub.Publish(ctx, events.Deleted("B")))
	ch.wait(t)

	got := s.Store().Query(Query{})
	require.Len(t, got, 1)
	assert.Equal(t, domain.OrderStatusDone, got[0].Status)
}

func TestSession_DuplicateEventsDoNotNotify(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub(discardLogger())
	ch := newChanges()
	s := NewSession(&fakeLoader{}, hub, discardLogger(), OnChange(ch.hook))
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	ch.wait(t)

	c := mkOrder("C", domain.OrderStatusPending, 1)
	require.NoError(t, hub.Publish(ctx, events.Created(c)))
	require.NoError(t, hub.Publish(ctx, events.Created(c)))
	require.NoError(t, hub.Publish(ctx, events.Deleted("C")))
	ch.wait(t)
	ch.wait(t)

	assert.Equal(t, 0, s.Store().Len())
	assert.Equal(t, int32(3), ch.n.Load(), "load, create, delete")
}

func TestSession_LoadFailureReleasesSubscription(t *testing.T) {
	hub := events.NewHub(discardLogger())
	boom := errors.New("connection refused")
	s := NewSession(&fakeLoader{err: boom}, hub, discardLogger())

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, 0, s.Store().Len())

	assert.ErrorIs(t, s.Reload(context.Background()), ErrNotStarted)
	s.Stop()
}

func TestSession_StopReleasesAndIsIdempotent(t *testing.T) {
	hub := events.NewHub(discardLogger())
	s := NewSession(&fakeLoader{}, hub, discardLogger())
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	s.Stop()
	s.Stop()
	<-s.Done()
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, hub.Len())
}

// blockingLoader holds ListOrders until release is closed.
type blockingLoader struct {
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLoader) ListOrders(context.Context) ([]domain.Order, error) {
	close(l.entered)
	<-l.release
	return []domain.Order{mkOrder("A", domain.OrderStatusPending, 1)}, nil
}

func TestSession_StopDuringLoad(t *testing.T) {
	hub := events.NewHub(discardLogger())
	loader := &blockingLoader{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSession(loader, hub, discardLogger())

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-loader.entered

	// neither call may wait for the load
	stopped := make(chan struct{})
	go func() {
		assert.NoError(t, s.Err())
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Err/Stop blocked behind the snapshot load")
	}
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	close(loader.release)
	require.ErrorIs(t, <-started, ErrAlreadyStarted)
	assert.Equal(t, 0, hub.Len(), "subscription released")
	assert.Equal(t, 0, s.Store().Len())
	assert.ErrorIs(t, s.Reload(context.Background()), ErrNotStarted)
}

func TestSession_StopBeforeStart(t *testing.T) {
	s := NewSession(&fakeLoader{}, events.NewHub(discardLogger()), discardLogger())
	s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestSession_Reload(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub(discardLogger())
	loader := &fakeLoader{orders: []domain.Order{mkOrder("A", domain.OrderStatusPending, 1)}}
	s := NewSession(loader, hub, discardLogger())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	loader.set([]domain.Order{mkOrder("B", domain.OrderStatusDone, 2)}, nil)
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, []string{"B"}, ids(s.Store().Query(Query{})))

	loader.set(nil, errors.New("timeout"))
	assert.ErrorIs(t, s.Reload(ctx), ErrLoadFailed)
	assert.Equal(t, []string{"B"}, ids(s.Store().Query(Query{})), "failed reload keeps contents")
}

func TestSession_DroppedSubscriptionEndsLoop(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub(discardLogger()).WithBuffer(1)
	block := make(chan struct{})
	s := NewSession(&fakeLoader{}, hub, discardLogger(), OnChange(func() { <-block }))

	started := make(chan error, 1)
	go func() { started <- s.Start(ctx) }()
	// the initial notify blocks in Start, so the loop is not draining yet
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(ctx, events.Deleted("x")))
	}
	close(block)
	require.NoError(t, <-started)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not end")
	}
	assert.ErrorIs(t, s.Err(), ErrSubscriptionClosed)
	assert.ErrorIs(t, s.Reload(ctx), ErrSubscriptionClosed)
	s.Stop()
}
