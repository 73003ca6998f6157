// Package orderstore keeps a per-view, in-memory copy of the orders
// collection: one snapshot from the Resource API, then incremental events.
//
// Every apply is idempotent, so redelivered events are harmless. An update for
// an unknown order is inserted as if it were created. Queries always
// recompute from the current contents; nothing derived is cached.
package orderstore

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"storefront/internal/domain"
	"storefront/internal/events"
)

type entry struct {
	order domain.Order
	// arrival position; larger is more recent
	seq uint64
}

// Store is owned by one session. The mutex only guards readers on other
// goroutines (HTTP handlers, renderers) against the session's event loop.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*entry
	seq  uint64
	log  *slog.Logger
}

func New(log *slog.Logger) *Store {
	return &Store{byID: make(map[string]*entry), log: log.With("component", "orderstore")}
}

// Initialize replaces the whole contents with snapshot. The snapshot is taken
// to be newest first, the first element gets the most recent arrival position.
func (s *Store) Initialize(snapshot []domain.Order) {
	byID := make(map[string]*entry, len(snapshot))
	var seq uint64
	for i := len(snapshot) - 1; i >= 0; i-- {
		o := snapshot[i]
		if o.ID == "" {
			s.log.Warn("dropping snapshot order without identity", "customer", o.CustomerName)
			continue
		}
		seq++
		if e, ok := byID[o.ID]; ok {
			e.order = o.Clone()
			continue
		}
		byID[o.ID] = &entry{order: o.Clone(), seq: seq}
	}

	s.mu.Lock()
	s.byID = byID
	// keep counting upward so arrivals after a reload sort above the snapshot
	if seq > s.seq {
		s.seq = seq
	}
	s.mu.Unlock()
}

// ApplyCreated inserts o at the most recent position. A duplicate delivery
// leaves the existing entry untouched and reports false.
func (s *Store) ApplyCreated(o domain.Order) bool {
	if o.ID == "" {
		s.log.Warn("dropping created event without identity")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[o.ID]; ok {
		return false
	}
	s.insert(o)
	return true
}

// ApplyUpdated replaces the entry in place. An unknown identity is inserted.
func (s *Store) ApplyUpdated(o domain.Order) bool {
	if o.ID == "" {
		s.log.Warn("dropping updated event without identity")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[o.ID]; ok {
		e.order = o.Clone()
		return true
	}
	s.insert(o)
	return true
}

// ApplyDeleted removes the entry; absent identities are a no-op.
func (s *Store) ApplyDeleted(id string) bool {
	if id == "" {
		s.log.Warn("dropping deleted event without identity")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	return true
}

// Apply routes one event envelope. Malformed envelopes are logged and dropped.
// The result reports whether the contents changed.
func (s *Store) Apply(ev events.Event) bool {
	if err := ev.Validate(); err != nil {
		s.log.Warn("dropping malformed event", "error", err)
		return false
	}
	switch ev.Kind {
	case events.OrderCreated:
		return s.ApplyCreated(*ev.Order)
	case events.OrderUpdated:
		return s.ApplyUpdated(*ev.Order)
	case events.OrderDeleted:
		return s.ApplyDeleted(ev.Identity())
	}
	return false
}

// caller holds mu
func (s *Store) insert(o domain.Order) {
	s.seq++
	s.byID[o.ID] = &entry{order: o.Clone(), seq: s.seq}
}

func (s *Store) Get(id string) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return domain.Order{}, false
	}
	return e.order.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// SortKey порядок выдачи Query
type SortKey int

const (
	// CreatedDesc newest first, the order a full reload returns.
	CreatedDesc SortKey = iota
	CreatedAsc
	// Arrival most recently inserted first; updates keep their position.
	Arrival
)

// Predicate selects orders; nil matches everything.
type Predicate func(domain.Order) bool

type Query struct {
	Match Predicate
	Sort  SortKey
	// Limit caps the result; zero means no limit.
	Limit int
}

// Query returns copies of the matching orders. It never mutates the store.
// Predicates run outside the lock, so they may do lookups of their own.
func (s *Store) Query(q Query) []domain.Order {
	s.mu.RLock()
	all := make([]entry, 0, len(s.byID))
	for _, e := range s.byID {
		all = append(all, entry{order: e.order.Clone(), seq: e.seq})
	}
	s.mu.RUnlock()

	matched := all[:0]
	for _, e := range all {
		if q.Match == nil || q.Match(e.order) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, less(matched, q.Sort))
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]domain.Order, len(matched))
	for i, e := range matched {
		out[i] = e.order
	}
	return out
}

// ties on creation time break by id, the same way the repositories list
func less(es []entry, key SortKey) func(i, j int) bool {
	switch key {
	case CreatedAsc:
		return func(i, j int) bool {
			a, b := es[i].order, es[j].order
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		}
	case Arrival:
		return func(i, j int) bool { return es[i].seq > es[j].seq }
	default:
		return func(i, j int) bool {
			a, b := es[i].order, es[j].order
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID > b.ID
		}
	}
}

func ByStatus(statuses ...domain.OrderStatus) Predicate {
	set := make(map[domain.OrderStatus]struct{}, len(statuses))
	for _, st := range statuses {
		set[st] = struct{}{}
	}
	return func(o domain.Order) bool {
		if len(set) == 0 {
			return true
		}
		_, ok := set[o.Status]
		return ok
	}
}

func ByID(id string) Predicate {
	return func(o domain.Order) bool { return o.ID == id }
}

// Search matches an order id prefix, customer name, contact or product title,
// case-insensitive. titleOf may be nil when product titles are not available.
func Search(term string, titleOf func(productID string) string) Predicate {
	term = strings.ToLower(strings.TrimSpace(term))
	return func(o domain.Order) bool {
		if term == "" {
			return true
		}
		if strings.HasPrefix(strings.ToLower(o.ID), term) ||
			strings.Contains(strings.ToLower(o.CustomerName), term) ||
			strings.Contains(strings.ToLower(o.CustomerContact), term) {
			return true
		}
		return titleOf != nil && strings.Contains(strings.ToLower(titleOf(o.ProductID)), term)
	}
}

// All combines predicates with logical AND. Nil predicates are skipped.
func All(preds ...Predicate) Predicate {
	return func(o domain.Order) bool {
		for _, p := range preds {
			if p != nil && !p(o) {
				return false
			}
		}
		return true
	}
}
