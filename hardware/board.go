// Package hardware ties a configured registry, address decoders, wires,
// scheduler and snapshot manager together into one running machine.
//
// Board plays the role the teacher's hardware.VCS struct plays: the single
// container every subsystem hangs off, built once by a NewBoard-style
// constructor and then driven by a Run loop that checks an external
// continue condition only between whole ticks, never mid-tick - the same
// shape as VCS.Run's continueCheck callback in hardware/run.go.
package hardware

import (
	"fmt"

	"github.com/oakfield-labs/pcbus/addrspace"
	"github.com/oakfield-labs/pcbus/config"
	"github.com/oakfield-labs/pcbus/devbus"
	"github.com/oakfield-labs/pcbus/logsink"
	"github.com/oakfield-labs/pcbus/registry"
	"github.com/oakfield-labs/pcbus/scheduler"
	"github.com/oakfield-labs/pcbus/snapshot"
	"github.com/oakfield-labs/pcbus/wire"
)

// State mirrors the teacher's emulation.State: the handful of values a
// continue-check callback can return to control the Run loop.
type State int

// Defined states.
const (
	Running State = iota
	Paused
	Ending
)

// Builder constructs a devbus.Device for a device spec's Module string.
// The topology config names devices by a module identifier rather than a
// Go type, so the caller supplies a registry of builders - this keeps
// hardware free of any compiled-in knowledge of what devices exist.
type Builder func(spec config.DeviceSpec) (devbus.Device, error)

// Board is the fully wired machine: every device registered and
// topologically connected, ready to tick.
type Board struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Snapshot  *snapshot.Manager
	LogSink   *logsink.Sink

	spaces map[string]*addrspace.Decoder
	wires  map[string]*wire.Wire
}

// NewBoard builds a Board from a validated topology: it constructs every
// device via builders (keyed by DeviceSpec.Module), registers each one,
// resets them all, then wires address mappings and pin connections -
// mirroring the construct-then-wire sequence of the teacher's NewVCS.
func NewBoard(top *config.Topology, builders map[string]Builder, dataDir string) (*Board, error) {
	if err := top.Validate(); err != nil {
		return nil, err
	}

	b := &Board{
		Registry: registry.New(),
		LogSink:  logsink.New(dataDir),
		spaces:   map[string]*addrspace.Decoder{},
		wires:    map[string]*wire.Wire{},
	}

	for _, spec := range top.Devices {
		build, ok := builders[spec.Module]
		if !ok {
			return nil, devbus.New(devbus.DeviceLoadError, spec.Name, fmt.Errorf("no builder registered for module %q", spec.Module))
		}
		dev, err := build(spec)
		if err != nil {
			return nil, devbus.New(devbus.DeviceLoadError, spec.Name, err)
		}
		dev.SetLogSink(b.LogSink.Append)
		if err := b.Registry.Register(dev); err != nil {
			return nil, err
		}
		if spec.Type == devbus.RoleAddressSpace {
			decoder, ok := dev.(*addrspace.Decoder)
			if !ok {
				return nil, devbus.New(devbus.UnknownRole, spec.Name, fmt.Errorf("module %q declared as address_space but is not an *addrspace.Decoder", spec.Module))
			}
			b.spaces[spec.Name] = decoder
		}
	}

	b.Registry.ResetAll()

	for _, spec := range top.Devices {
		dev := b.Registry.MustGet(spec.Name)
		periph, isPeriph := dev.(devbus.Peripheral)

		ranges := make([]devbus.AddressRange, 0, len(spec.AddressRanges))
		for _, rng := range spec.AddressRanges {
			ranges = append(ranges, devbus.AddressRange{Lo: rng[0], Hi: rng[1]})
		}
		if len(ranges) == 0 && isPeriph {
			// The topology left address_ranges unspecified: fall back to
			// the device's own declared default range, per spec.md §4.4
			// ("declares its default [addr_start, addr_end] range read by
			// the registry"), matching original_source/system.py mapping
			// each device by its own addr_start/addr_end before any
			// topology-specific mirrored range is added on top.
			ranges = periph.AddressRanges()
		}
		if len(ranges) == 0 {
			continue
		}
		if !isPeriph {
			return nil, devbus.New(devbus.UnknownRole, spec.Name, fmt.Errorf("module %q declares address_ranges but does not implement devbus.Peripheral", spec.Module))
		}
		if spec.Space == "" {
			return nil, devbus.New(devbus.ConfigError, spec.Name, fmt.Errorf("device declares address_ranges but no owning space"))
		}
		space, ok := b.spaces[spec.Space]
		if !ok {
			return nil, devbus.New(devbus.ConfigError, spec.Name, fmt.Errorf("unknown address space %q", spec.Space))
		}
		for _, rng := range ranges {
			if _, err := space.MapDevice(rng.Lo, rng.Hi, spec.Name, periph.DataWrite, periph.DataRead); err != nil {
				return nil, err
			}
		}
		if coder, ok := dev.(devbus.CodeReader); ok {
			space.SetCodeRead(spec.Name, coder.CodeRead)
		}
	}

	for _, spec := range top.Devices {
		if spec.Type != devbus.RoleProcessor {
			continue
		}
		dev := b.Registry.MustGet(spec.Name)
		cpu, ok := dev.(devbus.Processor)
		if !ok {
			return nil, devbus.New(devbus.UnknownRole, spec.Name, fmt.Errorf("module %q declared as processor but does not implement devbus.Processor", spec.Module))
		}
		ioName := spec.IOSpace
		if ioName == "" {
			ioName = "io"
		}
		memName := spec.MemSpace
		if memName == "" {
			memName = "mem"
		}
		if io, ok := b.spaces[ioName]; ok {
			if err := cpu.ConnectAddressSpace(0, io.DataWrite, io.DataRead); err != nil {
				return nil, devbus.New(devbus.DeviceLoadError, spec.Name, err)
			}
		}
		if mem, ok := b.spaces[memName]; ok {
			if err := cpu.ConnectAddressSpace(1, mem.DataWrite, mem.DataRead); err != nil {
				return nil, devbus.New(devbus.DeviceLoadError, spec.Name, err)
			}
			cpu.SetCodeReadFunc(mem.CodeRead)
		}
	}

	for _, wspec := range top.Wires {
		idle := wire.Low
		if wspec.Idle == "high" {
			idle = wire.High
		}
		w := wire.NewWire(wspec.Name, idle, nil)
		for _, ep := range wspec.Endpoints {
			dev, ok := b.Registry.Get(ep.Device)
			if !ok {
				return nil, devbus.New(devbus.ConfigError, ep.Device, fmt.Errorf("wire %q references unknown device", wspec.Name))
			}
			host, ok := dev.(wire.PinHost)
			if !ok {
				return nil, devbus.New(devbus.ConfigError, ep.Device, fmt.Errorf("device does not expose pins for wire %q", wspec.Name))
			}
			if err := w.Connect(host, ep.Pin); err != nil {
				return nil, err
			}
		}
		b.wires[wspec.Name] = w
	}

	b.Snapshot = snapshot.New(b.Registry, dataDir)
	b.Scheduler = scheduler.New(b.Registry, b.Snapshot)

	if top.SaveStateAt != nil {
		b.Scheduler.Schedule(scheduler.SaveStateAt(*top.SaveStateAt))
	}
	for _, lvl := range top.LogLevelAt {
		b.Scheduler.Schedule(scheduler.SetLogLevelAt(lvl.Device, lvl.Tick, lvl.Level))
	}

	return b, nil
}

// Wire looks up a named wire, for tests and diagnostics that need to drive
// or observe the bus directly.
func (b *Board) Wire(name string) (*wire.Wire, bool) {
	w, ok := b.wires[name]
	return w, ok
}

// AddressSpace looks up a named address decoder.
func (b *Board) AddressSpace(name string) (*addrspace.Decoder, bool) {
	s, ok := b.spaces[name]
	return s, ok
}

// End cleans up the board's resources. Call it once the run loop returns,
// successfully or otherwise - mirrors VCS.End flushing the television and
// peripheral ports before the process exits.
func (b *Board) End() {
	b.LogSink.Close()
}

// Run ticks the board until continueCheck reports Ending, or a fault
// occurs. continueCheck may be nil, in which case the board runs forever
// until a fault. It is called after every single tick_all, never in the
// middle of one, per spec.md §5 ("the run loop checks a stop flag after
// each tick_all") - unlike the teacher's own VCS.Run, which throttles its
// continueCheck because it operates at CPU-instruction granularity, a
// system tick here is already the coarse, full-device-round unit spec.md
// defines, so batching the check would defer an operator cancel or fault
// shutdown by however many ticks were skipped. original_source/system.py's
// main loop checks stop_main_thread after every call to tick_devices() for
// the same reason.
func (b *Board) Run(continueCheck func() (State, error)) error {
	if continueCheck == nil {
		continueCheck = func() (State, error) { return Running, nil }
	}

	state := Running
	for state != Ending {
		result, err := b.Scheduler.TickAll()
		if result == scheduler.Fault {
			return err
		}

		state, err = continueCheck()
		if err != nil {
			return err
		}
	}

	return nil
}
