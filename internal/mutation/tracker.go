// Package mutation tracks admin requests against the Resource API while they
// are in flight. Each tracked operation is in-flight, succeeded or failed; a
// second request for the same target is refused while the first is in flight.
//
// The tracker never touches an order store. Results become visible only
// through the events the Resource API emits.
package mutation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	InFlight  State = "in-flight"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

type Kind string

const (
	KindStatusChange Kind = "status-change"
	KindDelete       Kind = "delete"
)

var (
	ErrInFlight = errors.New("mutation already in flight")
	ErrStale    = errors.New("mutation superseded or unknown")
)

// Operation снимок одной операции. Err заполнен только в состоянии Failed.
type Operation struct {
	ID         string
	Key        string
	Kind       Kind
	State      State
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

type Tracker struct {
	mu    sync.Mutex
	byKey map[string]*Operation
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{byKey: make(map[string]*Operation), now: time.Now}
}

// Begin starts tracking a mutation of key, usually "<kind>:<order id>" or the
// order id itself. Finished operations for the same key are replaced.
func (t *Tracker) Begin(key string, kind Kind) (Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byKey[key]; ok && cur.State == InFlight {
		return *cur, ErrInFlight
	}
	op := &Operation{
		ID:        uuid.NewString(),
		Key:       key,
		Kind:      kind,
		State:     InFlight,
		StartedAt: t.now(),
	}
	t.byKey[key] = op
	return *op, nil
}

func (t *Tracker) Succeed(op Operation) error {
	return t.finish(op, Succeeded, nil)
}

func (t *Tracker) Fail(op Operation, err error) error {
	return t.finish(op, Failed, err)
}

func (t *Tracker) finish(op Operation, state State, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byKey[op.Key]
	if !ok || cur.ID != op.ID || cur.State != InFlight {
		return ErrStale
	}
	cur.State = state
	cur.Err = err
	cur.FinishedAt = t.now()
	return nil
}

// Do runs fn as a tracked operation. fn's error is returned unchanged; a
// refused double submit returns ErrInFlight without calling fn.
func (t *Tracker) Do(ctx context.Context, key string, kind Kind, fn func(ctx context.Context) error) (Operation, error) {
	op, err := t.Begin(key, kind)
	if err != nil {
		return op, err
	}
	if err := fn(ctx); err != nil {
		_ = t.Fail(op, err)
		op, _ = t.Get(key)
		return op, err
	}
	_ = t.Succeed(op)
	op, _ = t.Get(key)
	return op, nil
}

func (t *Tracker) Get(key string) (Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.byKey[key]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// Pending returns the in-flight operations, oldest first.
func (t *Tracker) Pending() []Operation {
	t.mu.Lock()
	out := make([]Operation, 0, len(t.byKey))
	for _, op := range t.byKey {
		if op.State == InFlight {
			out = append(out, *op)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Forget drops a finished operation, e.g. once its error message was shown.
// In-flight operations are kept.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if op, ok := t.byKey[key]; ok && op.State != InFlight {
		delete(t.byKey, key)
	}
}
