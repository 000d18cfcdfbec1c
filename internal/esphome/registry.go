package esphome

import "sort"

// Registry maps device names to their live supervisor. It holds at most one
// supervisor per name.
//
// Thread Safety: not safe for concurrent use. The manager's worker
// goroutine is its only user.
type Registry struct {
	byName map[string]*Supervisor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Supervisor)}
}

// Get returns the supervisor for name, or nil.
func (r *Registry) Get(name string) *Supervisor {
	return r.byName[name]
}

// Put stores s under its device name and returns the supervisor it
// replaced, if any. The caller must stop the replaced one.
func (r *Registry) Put(s *Supervisor) *Supervisor {
	prev := r.byName[s.Name()]
	r.byName[s.Name()] = s
	return prev
}

// Delete removes and returns the supervisor for name.
func (r *Registry) Delete(name string) *Supervisor {
	s := r.byName[name]
	delete(r.byName, name)
	return s
}

// IsCurrent reports whether s is the registered supervisor for its name.
func (r *Registry) IsCurrent(s *Supervisor) bool {
	return s != nil && r.byName[s.Name()] == s
}

// Names returns registered device names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered supervisors.
func (r *Registry) Len() int {
	return len(r.byName)
}

// Each calls fn for every supervisor in name order.
func (r *Registry) Each(fn func(*Supervisor)) {
	for _, n := range r.Names() {
		fn(r.byName[n])
	}
}
