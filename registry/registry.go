// Package registry implements the device registry: an ordered name-to-device
// map whose registration order is, by definition, the tick order. It only
// stores devices; the topology wiring a config.Topology describes
// (constructing each device by role, installing the log sink, resetting it,
// then applying its declared address mappings and pin connections) is done
// by hardware.NewBoard, which populates a Registry as its first step.
package registry

import (
	"fmt"

	"github.com/oakfield-labs/pcbus/devbus"
)

// Registry holds devices in registration order.
type Registry struct {
	order   []string
	devices map[string]devbus.Device
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{devices: map[string]devbus.Device{}}
}

// Register adds dev under its own Name() at the end of the tick order.
// Registering the same name twice is a configuration bug and fails loudly.
func (r *Registry) Register(dev devbus.Device) error {
	name := dev.Name()
	if _, exists := r.devices[name]; exists {
		return devbus.New(devbus.ConfigError, name, fmt.Errorf("device %q already registered", name))
	}
	r.devices[name] = dev
	r.order = append(r.order, name)
	return nil
}

// Get looks up a device by name.
func (r *Registry) Get(name string) (devbus.Device, bool) {
	d, ok := r.devices[name]
	return d, ok
}

// MustGet looks up a device by name, panicking if absent. Intended for
// topology-wiring code that just validated the name exists.
func (r *Registry) MustGet(name string) devbus.Device {
	d, ok := r.devices[name]
	if !ok {
		panic(fmt.Sprintf("registry: device %q not registered", name))
	}
	return d
}

// Order returns device names in registration (tick) order.
func (r *Registry) Order() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Each calls fn for every device in registration order, stopping and
// returning the first error fn produces.
func (r *Registry) Each(fn func(name string, dev devbus.Device) error) error {
	for _, name := range r.order {
		if err := fn(name, r.devices[name]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of registered devices.
func (r *Registry) Len() int { return len(r.order) }

// ResetAll calls Reset on every device in registration order. Per spec.md,
// reset happens exactly once immediately after construction, and again on a
// hard reset/restart.
func (r *Registry) ResetAll() {
	for _, name := range r.order {
		r.devices[name].Reset()
	}
}
