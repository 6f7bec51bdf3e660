// Command pcbus is the run-loop driver for the device bus orchestrator: it
// loads a topology document, builds the machine, and ticks it until a fault
// or an operator interrupt.
//
// Only the address-space decoder is a builtin module, since it is the one
// device role this repository actually implements - every chip emulation
// (CPU, interrupt controller, timer, video, ...) is explicitly out of
// scope (spec.md section 1) and is expected to arrive as a Go plugin
// exporting a "Build" symbol of type hardware.Builder, keyed by the
// topology's module path. This mirrors the teacher's own flag-driven
// gopher2600.go entrypoint (flag.Parse, os.Exit on fatal error) without
// its TODO-marked mode switch, which this module has no use for.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"plugin"
	"syscall"

	"github.com/oakfield-labs/pcbus/addrspace"
	"github.com/oakfield-labs/pcbus/config"
	"github.com/oakfield-labs/pcbus/devbus"
	"github.com/oakfield-labs/pcbus/hardware"
)

func main() {
	configPath := flag.String("config", "config.toml", "machine topology document")
	dataDir := flag.String("data", "data", "snapshot and log directory")
	cont := flag.Bool("continue", false, "restore the last snapshot before running")
	flag.Parse()

	os.Exit(run(*configPath, *dataDir, *cont))
}

func run(configPath, dataDir string, cont bool) int {
	top, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("* %s\n", err)
		return 10
	}

	builders, err := resolveBuilders(top)
	if err != nil {
		fmt.Printf("* %s\n", err)
		return 10
	}

	board, err := hardware.NewBoard(top, builders, dataDir)
	if err != nil {
		fmt.Printf("* %s\n", err)
		return 10
	}
	defer board.End()

	if cont {
		if err := board.Snapshot.RestoreAll(); err != nil {
			fmt.Printf("* %s\n", err)
			return 10
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	ending := false

	err = board.Run(func() (hardware.State, error) {
		select {
		case <-stop:
			ending = true
		default:
		}
		if ending {
			return hardware.Ending, nil
		}
		return hardware.Running, nil
	})

	// A TickException (a device panic) must never snapshot, per spec.md §7 -
	// the snapshot would likely capture a half-corrupted device. Every other
	// outcome (an operator interrupt, a TickFault, or any other error from
	// Run) takes a final bundle here; for a TickFault this is a second bundle
	// after the one the scheduler already took.
	var derr *devbus.Error
	if !(err != nil && errors.As(err, &derr) && derr.Kind == devbus.TickException) {
		if _, bundleErr := board.Snapshot.Bundle(); bundleErr != nil {
			fmt.Printf("* final snapshot failed: %s\n", bundleErr)
		}
	}

	if err != nil {
		fmt.Printf("* %s\n", err)
		return 1
	}
	return 0
}

// resolveBuilders maps every module named in the topology to a
// hardware.Builder: "builtin:addrspace" constructs this repository's own
// decoder, anything else is expected to be a plugin path exporting a
// "Build" symbol of that same type.
func resolveBuilders(top *config.Topology) (map[string]hardware.Builder, error) {
	out := map[string]hardware.Builder{
		"builtin:addrspace": func(spec config.DeviceSpec) (devbus.Device, error) {
			return addrspace.NewDecoder(spec.Name), nil
		},
	}

	for _, spec := range top.Devices {
		if _, ok := out[spec.Module]; ok {
			continue
		}
		build, err := loadPluginBuilder(spec.Module)
		if err != nil {
			return nil, devbus.New(devbus.DeviceLoadError, spec.Name, err)
		}
		out[spec.Module] = build
	}
	return out, nil
}

func loadPluginBuilder(path string) (hardware.Builder, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup("Build")
	if err != nil {
		return nil, fmt.Errorf("plugin %s: missing Build symbol: %w", path, err)
	}
	build, ok := sym.(hardware.Builder)
	if !ok {
		return nil, fmt.Errorf("plugin %s: Build has the wrong signature", path)
	}
	return build, nil
}
