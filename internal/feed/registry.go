package feed

import (
	"encoding/json"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// Callback receives the decoded change payload of a subscription
type Callback func(payload json.RawMessage)

// Subscription is one registered change-feed subscription
type Subscription struct {
	Key      types.SubscriptionKey
	Callback Callback
}

// Registry holds subscriptions by composite id and remembers registration
// order so resubscribes are deterministic. Not safe for concurrent use.
type Registry struct {
	order []string
	subs  map[string]*Subscription
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Add stores sub. Re-adding an existing id replaces its callback and keeps
// its original position.
func (r *Registry) Add(sub *Subscription) (replaced bool) {
	id := sub.Key.ID()
	if _, ok := r.subs[id]; ok {
		r.subs[id] = sub
		return true
	}
	r.subs[id] = sub
	r.order = append(r.order, id)
	return false
}

// Remove deletes the subscription with id
func (r *Registry) Remove(id string) bool {
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get looks up a subscription by composite id
func (r *Registry) Get(id string) (*Subscription, bool) {
	sub, ok := r.subs[id]
	return sub, ok
}

// All returns subscriptions in registration order
func (r *Registry) All() []*Subscription {
	out := make([]*Subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id])
	}
	return out
}

// IDs returns composite ids in registration order
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of subscriptions
func (r *Registry) Len() int {
	return len(r.order)
}

// Clear removes every subscription
func (r *Registry) Clear() {
	r.order = nil
	r.subs = make(map[string]*Subscription)
}
