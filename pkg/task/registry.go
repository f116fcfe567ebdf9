package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
)

// Envelope is the serialized form of a task.
type Envelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

// Factory returns a new zero task, normally a pointer to a struct.
type Factory func() Task

type Option func(*entry)

// Strict rejects serialized state carrying fields the task does not declare.
func Strict() Option {
	return func(e *entry) {
		e.strict = true
	}
}

type entry struct {
	name    string
	version int
	factory Factory
	strict  bool
}

type Registry struct {
	mu     sync.RWMutex
	byName map[string]entry
	byType map[reflect.Type]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]entry),
		byType: make(map[reflect.Type]string),
	}
}

func (r *Registry) Register(name string, version int, factory Factory, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("task type name is required")
	}
	if version < 1 {
		return fmt.Errorf("task type %s: version must be positive", name)
	}
	e := entry{name: name, version: version, factory: factory}
	for _, opt := range opts {
		opt(&e)
	}
	typ := reflect.TypeOf(factory())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("task type already registered: %s", name)
	}
	if other, exists := r.byType[typ]; exists {
		return fmt.Errorf("task type %s: %v already registered as %s", name, typ, other)
	}
	r.byName[name] = e
	r.byType[typ] = name
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byName))
}

// TypeOf returns the registered name of t.
func (r *Registry) TypeOf(t Task) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[reflect.TypeOf(t)]
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnknownType, t)
	}
	return name, nil
}

func (r *Registry) Encode(t Task) ([]byte, error) {
	name, err := r.TypeOf(t)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	e := r.byName[name]
	r.mu.RUnlock()

	state, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return json.Marshal(Envelope{Type: name, Version: e.version, State: state})
}

func (r *Registry) Decode(data []byte) (Task, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode task envelope: %w", err)
	}

	r.mu.RLock()
	e, ok := r.byName[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Version > e.version {
		return nil, fmt.Errorf("%w: %s version %d, supported up to %d", ErrIncompatibleVersion, env.Type, env.Version, e.version)
	}

	t := e.factory()
	if len(env.State) > 0 && !bytes.Equal(env.State, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(env.State))
		if e.strict {
			dec.DisallowUnknownFields()
		}
		if err := dec.Decode(t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	if v, ok := t.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
		}
	}
	return t, nil
}

// TypeName reads the type out of an encoded envelope without decoding state.
func TypeName(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode task envelope: %w", err)
	}
	return env.Type, nil
}
