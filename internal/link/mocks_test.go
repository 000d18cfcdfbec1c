package link

import (
	"context"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
)

// mockStore is an in-memory Store keyed by entity ID.
type mockStore struct {
	mu       sync.Mutex
	entities map[int64]*device.Entity
}

func newMockStore(entities ...*device.Entity) *mockStore {
	s := &mockStore{entities: make(map[int64]*device.Entity)}
	for _, e := range entities {
		if e.Links == nil {
			e.Links = device.Links{}
		}
		s.entities[e.ID] = e
	}
	return s
}

func (s *mockStore) GetEntityByKey(_ context.Context, deviceID int64, key uint32) (*device.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e.DeviceID == deviceID && e.Key == key && e.Type != device.EntityTypeExternal {
			cp := *e
			cp.Links = e.Links.Clone()
			return &cp, nil
		}
	}
	return nil, device.ErrEntityNotFound
}

func (s *mockStore) ReplaceEntityState(_ context.Context, id int64, state device.State) (device.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, device.ErrEntityNotFound
	}
	old := e.State
	e.State = state.Clone()
	return old, nil
}

func (s *mockStore) UpdateEntityLinks(_ context.Context, id int64, links device.Links) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return device.ErrEntityNotFound
	}
	e.Links = links.Clone()
	return nil
}

func (s *mockStore) ListEntitiesLinkedTo(_ context.Context, ref string) ([]device.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []device.Entity
	for _, e := range s.entities {
		if !e.Enabled {
			continue
		}
		if len(e.Links.SubFieldsFor(ref)) > 0 {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *mockStore) CountEntitiesLinkedTo(_ context.Context, ref string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entities {
		if len(e.Links.SubFieldsFor(ref)) > 0 {
			n++
		}
	}
	return n, nil
}

type hostCall struct {
	kind   string
	object string
	member string
	value  any
	args   map[string]any
	source string
}

// mockHost holds objects with properties and methods and records calls.
type mockHost struct {
	mu         sync.Mutex
	properties map[string]map[string]any
	methods    map[string]map[string]bool
	calls      []hostCall
	links      map[string]bool
}

func newMockHost() *mockHost {
	return &mockHost{
		properties: make(map[string]map[string]any),
		methods:    make(map[string]map[string]bool),
		links:      make(map[string]bool),
	}
}

func (h *mockHost) addProperty(object, property string, value any) {
	if h.properties[object] == nil {
		h.properties[object] = make(map[string]any)
	}
	h.properties[object][property] = value
}

func (h *mockHost) addMethod(object, method string) {
	if h.methods[object] == nil {
		h.methods[object] = make(map[string]bool)
	}
	h.methods[object][method] = true
}

func (h *mockHost) ResolveReference(ref string) Resolution {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := strings.LastIndex(ref, ".")
	if i <= 0 {
		return Resolution{}
	}
	obj, member := ref[:i], ref[i+1:]
	if _, ok := h.properties[obj][member]; ok {
		return Resolution{Kind: Property, Object: obj, Member: member}
	}
	if h.methods[obj][member] {
		return Resolution{Kind: Method, Object: obj, Member: member}
	}
	return Resolution{}
}

func (h *mockHost) GetProperty(object, property string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.properties[object][property]
	return v, ok
}

func (h *mockHost) UpdateProperty(object, property string, value any, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.properties[object][property] = value
	h.calls = append(h.calls, hostCall{kind: "update", object: object, member: property, value: value, source: source})
	return nil
}

func (h *mockHost) CallMethodAsync(object, method string, args map[string]any, source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hostCall{kind: "call", object: object, member: method, args: args, source: source})
}

func (h *mockHost) SetLink(object, property, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.links[object+"."+property] = true
}

func (h *mockHost) RemoveLink(object, property, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links, object+"."+property)
	h.calls = append(h.calls, hostCall{kind: "remove", object: object, member: property})
}

func (h *mockHost) getCalls() []hostCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostCall(nil), h.calls...)
}

func (h *mockHost) linked(ref string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[ref]
}

type notification struct {
	channel string
	payload any
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *mockNotifier) Broadcast(channel string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{channel, payload})
}

type mockTelemetry struct {
	mu     sync.Mutex
	writes []map[string]float64
}

func (m *mockTelemetry) WriteEntityState(_ string, _ *device.Entity, fields map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, fields)
}

type command struct {
	kind  string
	key   uint32
	value any
	attr  string
}

// mockCommander records outbound commands.
type mockCommander struct {
	mu       sync.Mutex
	commands []command
}

func (c *mockCommander) record(cmd command) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	return true
}

func (c *mockCommander) SetSwitch(key uint32, on bool) bool {
	return c.record(command{kind: "switch", key: key, value: on})
}

func (c *mockCommander) SetNumber(key uint32, v float64) bool {
	return c.record(command{kind: "number", key: key, value: v})
}

func (c *mockCommander) SetText(key uint32, v string) bool {
	return c.record(command{kind: "text", key: key, value: v})
}

func (c *mockCommander) SetLight(key uint32, cmd device.LightCommand) bool {
	return c.record(command{kind: "light", key: key, value: cmd})
}

func (c *mockCommander) SetCover(key uint32, cmd device.CoverCommand) bool {
	return c.record(command{kind: "cover", key: key, value: cmd})
}

func (c *mockCommander) SendExternalState(entityID, attribute, value string) bool {
	return c.record(command{kind: "external:" + entityID, attr: attribute, value: value})
}

func (c *mockCommander) last() command {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.commands) == 0 {
		return command{}
	}
	return c.commands[len(c.commands)-1]
}
