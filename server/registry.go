package server

import (
	"fmt"
	"slices"
	"sync"

	"github.com/European-XFEL/Karabo-sub009/device"
	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/schema"
)

// Class describes a device class a server can instantiate.
type Class struct {
	ClassID     string
	Version     string
	Description string
	// Schema adds the class elements. The base device elements are already
	// present in s.
	Schema func(s *schema.Schema)
	// FSM builds a fresh state machine for each instance. Optional.
	FSM   func() (*device.FSM, error)
	Hooks device.Hooks
	// Setup registers commands and extra slots on a new instance before it
	// goes on the broker. Optional.
	Setup func(d *device.Device) error
}

type registration struct {
	class Class
	// classSchema holds only the class elements, full the effective schema.
	classSchema *schema.Schema
	full        *schema.Schema
}

// Registry holds the admitted device classes. It is safe for concurrent
// use; classes may be registered while servers are running and are picked
// up by their next plugin scan.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*registration)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is the process wide registry that Register adds to.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds c to the default registry.
func Register(c Class) error { return defaultRegistry.Register(c) }

// Register admits c. A class is admitted only if its complete schema
// builds without errors.
func (r *Registry) Register(c Class) error {
	if c.ClassID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "class id validation")
	}
	classSchema := schema.New(c.ClassID)
	if c.Schema != nil {
		c.Schema(classSchema)
	}
	full := device.BaseSchema(c.ClassID)
	full.Merge(classSchema)
	if err := full.Err(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("class %s: %w", c.ClassID, err), "Registry", "Register", "build schema")
	}
	if c.FSM != nil {
		if _, err := c.FSM(); err != nil {
			return errors.WrapInvalid(fmt.Errorf("class %s: %w", c.ClassID, err), "Registry", "Register", "build state machine")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[c.ClassID]; exists {
		return errors.WrapInvalid(fmt.Errorf("class %q is already registered", c.ClassID), "Registry", "Register", "duplicate class check")
	}
	r.classes[c.ClassID] = &registration{class: c, classSchema: classSchema, full: full}
	return nil
}

// Classes lists the registered class ids in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.classes))
	for id := range r.classes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Schema returns the effective schema of classID, base elements included.
func (r *Registry) Schema(classID string) (*schema.Schema, error) {
	reg, err := r.lookup(classID)
	if err != nil {
		return nil, err
	}
	return reg.full.Clone(), nil
}

func (r *Registry) lookup(classID string) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.classes[classID]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown device class %q", classID), "Registry", "lookup", "class lookup")
	}
	return reg, nil
}
