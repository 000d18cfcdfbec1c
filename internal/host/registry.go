package host

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/link"
)

// MethodFunc implements a host method. It runs on its own goroutine.
type MethodFunc func(args map[string]any, source string)

// Change describes one property write.
type Change struct {
	Object   string `json:"object"`
	Property string `json:"property"`
	Value    any    `json:"value"`
	Source   string `json:"source"`
}

// LinkListener is told about changes to properties its source has linked.
type LinkListener func(object, property string, value any)

// Logger is the logging interface used by the registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type object struct {
	properties map[string]any
	methods    map[string]MethodFunc
}

// Registry is an in-memory host object model. It implements link.Host.
//
// Writes notify observers (every change) and link listeners (changes to a
// property the listener's source linked, unless that source made the
// write).
//
// Thread Safety: all methods are safe for concurrent use. Callbacks run
// without the registry lock held.
type Registry struct {
	logger Logger

	mu        sync.RWMutex
	objects   map[string]*object
	links     map[string]map[string]struct{} // ref -> sources
	listeners map[string]LinkListener
	observers []func(Change)
}

var _ link.Host = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{
		logger:    logger,
		objects:   make(map[string]*object),
		links:     make(map[string]map[string]struct{}),
		listeners: make(map[string]LinkListener),
	}
}

// Define adds or replaces an object. Properties start at their given
// values.
func (r *Registry) Define(name string, properties map[string]any, methods map[string]MethodFunc) error {
	if name == "" || !validMember(name) {
		return fmt.Errorf("%w: object name %q", ErrInvalidDefinition, name)
	}
	obj := &object{
		properties: make(map[string]any, len(properties)),
		methods:    make(map[string]MethodFunc, len(methods)),
	}
	for k, v := range properties {
		if !validMember(k) {
			return fmt.Errorf("%w: %s property %q", ErrInvalidDefinition, name, k)
		}
		obj.properties[k] = v
	}
	for k, fn := range methods {
		if !validMember(k) || fn == nil {
			return fmt.Errorf("%w: %s method %q", ErrInvalidDefinition, name, k)
		}
		if _, clash := obj.properties[k]; clash {
			return fmt.Errorf("%w: %s.%s is both property and method", ErrInvalidDefinition, name, k)
		}
		obj.methods[k] = fn
	}

	r.mu.Lock()
	r.objects[name] = obj
	r.mu.Unlock()
	return nil
}

// Remove deletes an object. Links to it stay registered and resolve again
// if the object is redefined.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.objects, name)
	r.mu.Unlock()
}

// validMember rejects names that would break references or MQTT topics.
func validMember(s string) bool {
	for _, c := range s {
		switch c {
		case '.', '/', '+', '#', ' ':
			return false
		}
	}
	return s != ""
}

// ResolveReference looks ref up against the current objects.
func (r *Registry) ResolveReference(ref string) link.Resolution {
	objName, member, ok := device.SplitReference(ref)
	if !ok {
		return link.Resolution{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj := r.objects[objName]
	if obj == nil {
		return link.Resolution{}
	}
	if _, ok := obj.properties[member]; ok {
		return link.Resolution{Kind: link.Property, Object: objName, Member: member}
	}
	if _, ok := obj.methods[member]; ok {
		return link.Resolution{Kind: link.Method, Object: objName, Member: member}
	}
	return link.Resolution{}
}

// GetProperty returns a property's current value.
func (r *Registry) GetProperty(objName, property string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj := r.objects[objName]
	if obj == nil {
		return nil, false
	}
	v, ok := obj.properties[property]
	return v, ok
}

// UpdateProperty writes a property on behalf of source. Writing the current
// value again notifies nobody.
func (r *Registry) UpdateProperty(objName, property string, value any, source string) error {
	r.mu.Lock()
	obj := r.objects[objName]
	if obj == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownObject, objName)
	}
	old, ok := obj.properties[property]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, objName, property)
	}
	if reflect.DeepEqual(old, value) {
		r.mu.Unlock()
		return nil
	}
	obj.properties[property] = value

	ref := device.JoinReference(objName, property)
	var targets []LinkListener
	for src := range r.links[ref] {
		if src == source {
			continue
		}
		if l := r.listeners[src]; l != nil {
			targets = append(targets, l)
		}
	}
	observers := slices.Clone(r.observers)
	r.mu.Unlock()

	change := Change{Object: objName, Property: property, Value: value, Source: source}
	for _, fn := range observers {
		fn(change)
	}
	for _, l := range targets {
		l(objName, property, value)
	}
	return nil
}

// CallMethodAsync schedules a method call and returns immediately.
func (r *Registry) CallMethodAsync(objName, method string, args map[string]any, source string) {
	r.mu.RLock()
	var fn MethodFunc
	if obj := r.objects[objName]; obj != nil {
		fn = obj.methods[method]
	}
	r.mu.RUnlock()
	if fn == nil {
		r.logger.Warn("method not found", "object", objName, "method", method, "source", source)
		return
	}

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("host method panicked", "object", objName, "method", method, "panic", fmt.Sprint(p))
			}
		}()
		fn(args, source)
	}()
}

// SetLink records that source wants changes to object.property.
func (r *Registry) SetLink(objName, property, source string) {
	ref := device.JoinReference(objName, property)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.links[ref] == nil {
		r.links[ref] = make(map[string]struct{})
	}
	r.links[ref][source] = struct{}{}
}

// RemoveLink drops source's interest in object.property.
func (r *Registry) RemoveLink(objName, property, source string) {
	ref := device.JoinReference(objName, property)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links[ref], source)
	if len(r.links[ref]) == 0 {
		delete(r.links, ref)
	}
}

// Linked reports whether source has linked object.property.
func (r *Registry) Linked(objName, property, source string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.links[device.JoinReference(objName, property)][source]
	return ok
}

// SetLinkListener installs the listener for source, replacing any previous
// one. A nil listener removes it.
func (r *Registry) SetLinkListener(source string, l LinkListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l == nil {
		delete(r.listeners, source)
		return
	}
	r.listeners[source] = l
}

// Observe registers fn for every property change.
func (r *Registry) Observe(fn func(Change)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// ObjectView is a snapshot of one object.
type ObjectView struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
	Methods    []string       `json:"methods"`
}

// Snapshot returns every object sorted by name.
func (r *Registry) Snapshot() []ObjectView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ObjectView, 0, len(r.objects))
	for name, obj := range r.objects {
		v := ObjectView{
			Name:       name,
			Properties: make(map[string]any, len(obj.properties)),
			Methods:    make([]string, 0, len(obj.methods)),
		}
		for k, val := range obj.properties {
			v.Properties[k] = val
		}
		for k := range obj.methods {
			v.Methods = append(v.Methods, k)
		}
		sort.Strings(v.Methods)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
