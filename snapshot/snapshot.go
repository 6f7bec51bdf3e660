// Package snapshot implements whole-machine state capture and restore:
// one binary blob per device under data/, and an optional zip bundle of
// all of them stamped with the time it was taken.
//
// This repurposes the teacher's rewind.State/plumb vocabulary from
// rewind/rewind.go - there, a State snapshot feeds a circular rewind
// history so playback can jump backward in time; here there is no
// history, just a one-shot save/restore of the whole machine, driven by
// devbus.Device's own Save/Restore contract instead of the teacher's
// per-subsystem plumbing interfaces.
package snapshot

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oakfield-labs/pcbus/devbus"
	"github.com/oakfield-labs/pcbus/registry"
)

// bundleTimeFormat matches spec.md's state_MM-DD-YYYY_HH-MM-SS.zip naming.
const bundleTimeFormat = "01-02-2006_15-04-05"

// Manager saves and restores every device in a registry under dir (by
// convention, "data/").
type Manager struct {
	reg *registry.Registry
	dir string

	// Timestamp is injectable so bundle names are deterministic in tests;
	// defaults to time.Now.
	Timestamp func() time.Time
}

// New creates a Manager persisting under dir.
func New(reg *registry.Registry, dir string) *Manager {
	return &Manager{reg: reg, dir: dir, Timestamp: time.Now}
}

func (m *Manager) blobPath(device string) string {
	return filepath.Join(m.dir, device+".bin")
}

// SaveAll writes every device's Save() blob to data/<device>.bin, in
// registration order. A device returning an empty blob is still written,
// so RestoreAll can tell "no state yet" apart from "device did not exist
// at save time" when a topology changes between runs.
func (m *Manager) SaveAll() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return devbus.New(devbus.SnapshotIOError, "", fmt.Errorf("mkdir %s: %w", m.dir, err))
	}
	return m.reg.Each(func(name string, dev devbus.Device) error {
		blob, err := dev.Save()
		if err != nil {
			return devbus.New(devbus.SnapshotIOError, name, fmt.Errorf("save: %w", err))
		}
		if err := os.WriteFile(m.blobPath(name), blob, 0o644); err != nil {
			return devbus.New(devbus.SnapshotIOError, name, fmt.Errorf("write blob: %w", err))
		}
		return nil
	})
}

// RestoreAll reads data/<device>.bin for every registered device and calls
// Restore with its contents, in registration order. A device with no blob
// on disk is left at whatever state Reset gave it - restoring from a
// partial snapshot directory is not an error.
func (m *Manager) RestoreAll() error {
	return m.reg.Each(func(name string, dev devbus.Device) error {
		blob, err := os.ReadFile(m.blobPath(name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return devbus.New(devbus.SnapshotIOError, name, fmt.Errorf("read blob: %w", err))
		}
		if err := dev.Restore(blob); err != nil {
			return devbus.New(devbus.SnapshotIOError, name, fmt.Errorf("restore: %w", err))
		}
		return nil
	})
}

// Bundle saves every device, then zips the resulting data/*.bin files into
// data/state_<timestamp>.zip, returning the bundle's path.
func (m *Manager) Bundle() (string, error) {
	if err := m.SaveAll(); err != nil {
		return "", err
	}

	bundleName := "state_" + m.Timestamp().Format(bundleTimeFormat) + ".zip"
	bundlePath := filepath.Join(m.dir, bundleName)

	f, err := os.Create(bundlePath)
	if err != nil {
		return "", devbus.New(devbus.SnapshotIOError, "", fmt.Errorf("create bundle: %w", err))
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	err = m.reg.Each(func(name string, _ devbus.Device) error {
		return addFileToZip(zw, m.blobPath(name), name+".bin")
	})
	if err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", devbus.New(devbus.SnapshotIOError, "", fmt.Errorf("close bundle: %w", err))
	}

	return bundlePath, nil
}

func addFileToZip(zw *zip.Writer, srcPath, archiveName string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return devbus.New(devbus.SnapshotIOError, archiveName, fmt.Errorf("read blob for bundle: %w", err))
	}
	w, err := zw.Create(archiveName)
	if err != nil {
		return devbus.New(devbus.SnapshotIOError, archiveName, fmt.Errorf("create zip entry: %w", err))
	}
	if _, err := w.Write(data); err != nil {
		return devbus.New(devbus.SnapshotIOError, archiveName, fmt.Errorf("write zip entry: %w", err))
	}
	return nil
}
