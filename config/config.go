// Package config loads the declarative machine topology: the ordered list
// of devices (with their role, backing module, and default address ranges)
// and the wire fabric connecting their pins, per spec.md section 4.6 and
// the "Configuration loader" row of its system overview table.
//
// The document format is TOML (github.com/BurntSushi/toml), as spec.md's
// own config.toml naming implies; no repo in the retrieval pack happens to
// load a topology this way, so this is the one new third-party dependency
// the expansion introduces - see DESIGN.md.
//
// Order matters: TOML arrays of tables preserve declaration order, which is
// why devices, wires and wire endpoints are modeled as []DeviceSpec,
// []WireSpec and []WireEndpointSpec rather than maps. Registration order becomes tick order once the
// registry is populated from Topology.Devices.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/oakfield-labs/pcbus/devbus"
)

// AddressRange mirrors devbus.AddressRange in TOML-friendly form: a
// two-element [lo, hi] array.
type AddressRange [2]uint32

// DeviceSpec is one [[device]] table.
type DeviceSpec struct {
	Name   string      `toml:"name"`
	Type   devbus.Role `toml:"type"`
	Module string      `toml:"module"`
	// Space names the address_space device that AddressRanges are mapped
	// into. Required whenever AddressRanges is non-empty.
	Space         string         `toml:"space"`
	AddressRanges []AddressRange `toml:"address_ranges"`
	// IOSpace and MemSpace name the address_space devices a processor
	// connects to as space 0 (I/O) and space 1 (memory), per spec.md's
	// connect_address_space(space_index: 0|1, ...). Only meaningful when
	// Type is RoleProcessor; default to "io" and "mem" when left blank,
	// matching the convention every sample topology in this repo uses.
	IOSpace  string `toml:"io_space"`
	MemSpace string `toml:"mem_space"`
	// Tests is parsed and preserved but never interpreted here - it is
	// build-tooling metadata, out of this module's scope per spec.md.
	Tests []string `toml:"tests"`
}

// WireEndpointSpec names one pin a wire attaches to.
type WireEndpointSpec struct {
	Device string `toml:"device"`
	Pin    string `toml:"pin"`
}

// WireSpec is one [[wire]] table.
type WireSpec struct {
	Name      string             `toml:"name"`
	Idle      string             `toml:"idle"` // "high" or "low"
	Endpoints []WireEndpointSpec `toml:"endpoints"`
}

// Topology is the whole parsed document.
type Topology struct {
	Devices []DeviceSpec `toml:"device"`
	Wires   []WireSpec   `toml:"wire"`

	// SaveStateAt and LogLevelAt mirror the pre-run schedule of spec.md
	// section 6: save_state_at(tick) and set_log_level_at(device, tick,
	// level), expressed declaratively so a topology file can pin them down
	// without a second configuration mechanism.
	SaveStateAt *uint32          `toml:"save_state_at"`
	LogLevelAt  []LogLevelAtSpec `toml:"log_level_at"`
}

// LogLevelAtSpec is one deferred log-level change.
type LogLevelAtSpec struct {
	Device string `toml:"device"`
	Tick   uint32 `toml:"tick"`
	Level  uint8  `toml:"level"`
}

// Load reads and validates a topology document from path.
func Load(path string) (*Topology, error) {
	var top Topology
	if _, err := toml.DecodeFile(path, &top); err != nil {
		return nil, devbus.New(devbus.ConfigError, "", fmt.Errorf("decode %s: %w", path, err))
	}
	if err := top.Validate(); err != nil {
		return nil, err
	}
	return &top, nil
}

// Validate checks structural invariants the loader itself, rather than the
// registry, is responsible for catching: every device has a name and a
// known role, and every wire endpoint names a device actually declared in
// this document.
func (t *Topology) Validate() error {
	seen := make(map[string]bool, len(t.Devices))
	for _, d := range t.Devices {
		if d.Name == "" {
			return devbus.New(devbus.ConfigError, "", fmt.Errorf("device entry missing name"))
		}
		switch d.Type {
		case devbus.RoleDevice, devbus.RoleAddressSpace, devbus.RoleProcessor:
		default:
			return devbus.New(devbus.UnknownRole, d.Name, fmt.Errorf("unknown type %q", d.Type))
		}
		for _, rng := range d.AddressRanges {
			if rng[0] > rng[1] {
				return devbus.New(devbus.BadRange, d.Name, fmt.Errorf("range [0x%x,0x%x]", rng[0], rng[1]))
			}
		}
		seen[d.Name] = true
	}
	for _, w := range t.Wires {
		if w.Name == "" {
			return devbus.New(devbus.ConfigError, "", fmt.Errorf("wire entry missing name"))
		}
		if w.Idle != "high" && w.Idle != "low" && w.Idle != "" {
			return devbus.New(devbus.ConfigError, w.Name, fmt.Errorf("idle must be \"high\" or \"low\", got %q", w.Idle))
		}
		for _, ep := range w.Endpoints {
			if !seen[ep.Device] {
				return devbus.New(devbus.ConfigError, w.Name, fmt.Errorf("endpoint references unknown device %q", ep.Device))
			}
		}
	}
	return nil
}
