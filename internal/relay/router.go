package relay

import (
	"sync"

	"github.com/Jaobie-BN/labnet-test/pkg/protocol"
)

// Subscriber receives device output. Deliver must not block; it reports
// false when the message could not be queued.
type Subscriber interface {
	ID() string
	Deliver(msg protocol.Outbound) bool
}

// Router fans a device's events out to the sessions attached to it. Each
// device has its own subscriber set and lock; the router-wide lock only
// guards the index of sets.
type Router struct {
	mu      sync.RWMutex
	devices map[string]*subscriberSet
}

type subscriberSet struct {
	mu   sync.Mutex
	subs map[string]Subscriber
}

func NewRouter() *Router {
	return &Router{devices: make(map[string]*subscriberSet)}
}

func (r *Router) set(deviceID string, create bool) *subscriberSet {
	r.mu.RLock()
	set, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if ok || !create {
		return set
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok = r.devices[deviceID]; !ok {
		set = &subscriberSet{subs: make(map[string]Subscriber)}
		r.devices[deviceID] = set
	}
	return set
}

func (r *Router) Register(deviceID string, sub Subscriber) {
	set := r.set(deviceID, true)
	set.mu.Lock()
	set.subs[sub.ID()] = sub
	set.mu.Unlock()
}

func (r *Router) Unregister(deviceID string, sub Subscriber) {
	set := r.set(deviceID, false)
	if set == nil {
		return
	}
	set.mu.Lock()
	if set.subs[sub.ID()] == sub {
		delete(set.subs, sub.ID())
	}
	set.mu.Unlock()
}

// Broadcast delivers msg to every subscriber of deviceID and returns how
// many accepted it. Subscribers that cannot take it are skipped.
func (r *Router) Broadcast(deviceID string, msg protocol.Outbound) int {
	set := r.set(deviceID, false)
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	delivered := 0
	for _, sub := range set.subs {
		if sub.Deliver(msg) {
			delivered++
		}
	}
	return delivered
}

func (r *Router) Subscribers(deviceID string) []Subscriber {
	set := r.set(deviceID, false)
	if set == nil {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	subs := make([]Subscriber, 0, len(set.subs))
	for _, sub := range set.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (r *Router) Count(deviceID string) int {
	set := r.set(deviceID, false)
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}
