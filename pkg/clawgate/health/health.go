// Package health tracks component readiness and serves the liveness,
// readiness and metrics endpoints.
package health

import (
	"sort"
	"sync"
	"time"
)

// Component is the readiness state of one registered component.
type Component struct {
	Name   string    `json:"name"`
	Ready  bool      `json:"ready"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since"`
}

// Reporter holds the readiness of named components. The zero value is not
// usable; call NewReporter.
type Reporter struct {
	mu         sync.RWMutex
	components map[string]*Component
	startedAt  time.Time
	now        func() time.Time
}

// NewReporter creates an empty Reporter. It is live from this point on.
func NewReporter() *Reporter {
	return &Reporter{
		components: make(map[string]*Component),
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Register adds a component in the not-ready state. Registering an existing
// name is a no-op.
func (r *Reporter) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[name]; ok {
		return
	}
	r.components[name] = &Component{Name: name, Reason: "starting", Since: r.now()}
}

// MarkReady flags name as initialized and accepting work. Unknown names
// are registered.
func (r *Reporter) MarkReady(name string) {
	r.set(name, true, "")
}

// MarkNotReady flags name as unavailable with a reason.
func (r *Reporter) MarkNotReady(name, reason string) {
	r.set(name, false, reason)
}

func (r *Reporter) set(name string, ready bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[name]
	if !ok {
		c = &Component{Name: name}
		r.components[name] = c
	}
	if c.Ready != ready || !ok {
		c.Since = r.now()
	}
	c.Ready, c.Reason = ready, reason
}

// Live reports whether the process is up.
func (r *Reporter) Live() bool { return r != nil }

// Ready reports whether every registered component is ready. A Reporter
// with no components is ready.
func (r *Reporter) Ready() bool {
	return len(r.Pending()) == 0
}

// Pending returns the components that are not ready, sorted by name.
func (r *Reporter) Pending() []Component {
	var out []Component
	for _, c := range r.Components() {
		if !c.Ready {
			out = append(out, c)
		}
	}
	return out
}

// Components returns a snapshot of every component, sorted by name.
func (r *Reporter) Components() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Uptime returns the time since the Reporter was created.
func (r *Reporter) Uptime() time.Duration {
	return r.now().Sub(r.startedAt)
}
