package snapshot_test

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oakfield-labs/pcbus/devbus"
	"github.com/oakfield-labs/pcbus/registry"
	"github.com/oakfield-labs/pcbus/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blobDevice struct {
	name  string
	state []byte
}

func (d *blobDevice) Name() string             { return d.name }
func (d *blobDevice) SetLogSink(devbus.LogSink) {}
func (d *blobDevice) SetLogLevel(uint8)         {}
func (d *blobDevice) Reset()                    { d.state = nil }
func (d *blobDevice) Tick(uint32) error         { return nil }
func (d *blobDevice) Save() ([]byte, error)     { return append([]byte(nil), d.state...), nil }
func (d *blobDevice) Restore(b []byte) error {
	d.state = append([]byte(nil), b...)
	return nil
}

func TestSaveAllThenRestoreAllRoundTripsState(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	cpu := &blobDevice{name: "cpu", state: []byte{1, 2, 3}}
	pic := &blobDevice{name: "pic", state: []byte{9}}
	require.NoError(t, reg.Register(cpu))
	require.NoError(t, reg.Register(pic))

	mgr := snapshot.New(reg, dir)
	require.NoError(t, mgr.SaveAll())

	assert.FileExists(t, filepath.Join(dir, "cpu.bin"))
	assert.FileExists(t, filepath.Join(dir, "pic.bin"))

	cpu.Reset()
	pic.Reset()
	require.NoError(t, mgr.RestoreAll())

	assert.Equal(t, []byte{1, 2, 3}, cpu.state)
	assert.Equal(t, []byte{9}, pic.state)
}

func TestRestoreAllToleratesMissingBlobs(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	require.NoError(t, reg.Register(&blobDevice{name: "new-device"}))

	mgr := snapshot.New(reg, dir)
	assert.NoError(t, mgr.RestoreAll())
}

func TestBundleProducesNamedZipContainingEveryBlob(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	require.NoError(t, reg.Register(&blobDevice{name: "cpu", state: []byte("cpu-state")}))
	require.NoError(t, reg.Register(&blobDevice{name: "mem", state: []byte("mem-state")}))

	mgr := snapshot.New(reg, dir)
	mgr.Timestamp = func() time.Time {
		return time.Date(2026, time.July, 31, 12, 0, 0, 0, time.UTC)
	}

	path, err := mgr.Bundle()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state_07-31-2026_12-00-00.zip"), path)

	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.True(t, names["cpu.bin"])
	assert.True(t, names["mem.bin"])
}

func TestSaveAllSurfacesDeviceSaveErrorsAsSnapshotIOError(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	require.NoError(t, reg.Register(&failingSaveDevice{name: "broken"}))

	mgr := snapshot.New(reg, dir)
	err := mgr.SaveAll()
	require.Error(t, err)
	var derr *devbus.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, devbus.SnapshotIOError, derr.Kind)
}

type failingSaveDevice struct{ name string }

func (d *failingSaveDevice) Name() string             { return d.name }
func (d *failingSaveDevice) SetLogSink(devbus.LogSink) {}
func (d *failingSaveDevice) SetLogLevel(uint8)         {}
func (d *failingSaveDevice) Reset()                    {}
func (d *failingSaveDevice) Tick(uint32) error          { return nil }
func (d *failingSaveDevice) Save() ([]byte, error) {
	return nil, os.ErrPermission
}
func (d *failingSaveDevice) Restore([]byte) error { return nil }
