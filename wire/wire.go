// Package wire implements the multi-endpoint electrical signal fabric: a
// named, one-bit wire whose level changes are propagated to every connected
// endpoint via edge-triggered callbacks. SetState sets the level directly;
// DriveEndpoint derives it from the endpoints' driven values (see
// effective), so the wire stays away from its idle level while any driver
// still asserts the non-idle one.
//
// Wire.SetState is the only method that ever writes w.state or propagates a
// transition; the equality guard inside it is load-bearing, since it is what
// stops a device's own change callback from re-triggering itself when the
// callback toggles another pin on the same wire. Everything else (endpoint
// drive tracking, open-collector wired-AND) only decides what value to feed
// into SetState - it never mutates state directly.
package wire

import "github.com/oakfield-labs/pcbus/devbus"

// State is the wire's one-bit logical level.
type State bool

// Logical levels.
const (
	Low  State = false
	High State = true
)

// PinKind distinguishes how an endpoint is allowed to drive the wire.
type PinKind int

// Defined pin kinds.
const (
	Input PinKind = iota
	PushPull
	OpenCollector
)

// Pin is the well-known record a device exposes for a named attachment
// point. State mirrors the wire's last propagated value, so device code
// reading its own pin sees the current level without going back through the
// wire; OnChange is the device-supplied state_change_cb.
type Pin struct {
	Name  string
	Kind  PinKind
	State State

	OnChange func(State)

	// driven is the last value this endpoint actively asserted. Input pins
	// never assert; the field is unused for them.
	driven State
}

// PinHost is implemented by any devbus.Device that exposes named pins for
// wire attachment.
type PinHost interface {
	devbus.Device
	Pin(name string) (*Pin, bool)
}

type endpoint struct {
	device string
	pin    *Pin
}

// Wire is a named signal with an ordered list of endpoints.
type Wire struct {
	name      string
	idle      State
	state     State
	onChange  func(State)
	endpoints []endpoint
}

// NewWire creates a wire at its configured idle (power-on) level. The idle
// level is not assumed to default to low or high: callers state it
// explicitly, per the target chipset's datasheet (spec.md's open question
// about inconsistent NMI/INT defaults across revisions).
func NewWire(name string, idle State, onChange func(State)) *Wire {
	return &Wire{name: name, idle: idle, state: idle, onChange: onChange}
}

// Name returns the wire's identifier.
func (w *Wire) Name() string { return w.name }

// State returns the wire's current logical level.
func (w *Wire) State() State { return w.state }

// Connect attaches the named pin exposed by host. Endpoints are propagated
// to in the order they were connected.
func (w *Wire) Connect(host PinHost, pinName string) error {
	pin, ok := host.Pin(pinName)
	if !ok {
		return devbus.New(devbus.UnknownPin, host.Name(), nil)
	}
	pin.driven = w.idle
	pin.State = w.state
	w.endpoints = append(w.endpoints, endpoint{device: host.Name(), pin: pin})
	return nil
}

// SetState drives the wire to v directly, as a caller representing a single
// authoritative source would (a test probe, or a device with no registered
// pin). It is idempotent: setting the current value fires zero callbacks.
func (w *Wire) SetState(v State) {
	if v == w.state {
		return
	}
	w.state = v
	w.propagate()
}

// DriveEndpoint lets the named device assert a new value from its connected
// pin, honoring that pin's kind, and recomputes the wire's effective level.
// This is the path a device's own Tick should use instead of calling
// SetState directly whenever open-collector semantics matter.
func (w *Wire) DriveEndpoint(deviceName string, v State) {
	for i := range w.endpoints {
		ep := &w.endpoints[i]
		if ep.device != deviceName || ep.pin.Kind == Input {
			continue
		}
		ep.pin.driven = v
		w.SetState(w.effective())
		return
	}
}

// effective re-derives the wire's level from every endpoint's currently
// driven value.
//
// The level is the wire's idle level unless some connected, non-Input
// endpoint is currently asserting the opposite of idle - the wired-AND
// behaviour a real open-collector bus exhibits (any driver pulling the line
// away from its pulled-up idle wins), generalized to push-pull endpoints
// too since a one-bit signal has only one possible non-idle value to
// assert. Simultaneous assertions are therefore never ambiguous.
func (w *Wire) effective() State {
	for _, ep := range w.endpoints {
		if ep.pin.Kind == Input {
			continue
		}
		if ep.pin.driven != w.idle {
			return ep.pin.driven
		}
	}
	return w.idle
}

// propagate writes the new state into every endpoint's cached pin state and
// invokes its change callback, in connection order, then invokes the wire's
// own on_change hook. Callbacks complete synchronously before returning.
func (w *Wire) propagate() {
	for _, ep := range w.endpoints {
		if ep.pin.State == w.state {
			continue
		}
		ep.pin.State = w.state
		if ep.pin.OnChange != nil {
			ep.pin.OnChange(w.state)
		}
	}
	if w.onChange != nil {
		w.onChange(w.state)
	}
}
