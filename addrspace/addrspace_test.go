package addrspace_test

import (
	"testing"

	"github.com/oakfield-labs/pcbus/addrspace"
	"github.com/oakfield-labs/pcbus/devbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registerFakePort maps a single readable/writable byte at [lo, hi] owned
// by owner, returning the backing value for assertions.
func registerFakePort(t *testing.T, d *addrspace.Decoder, lo, hi uint32, owner string) *uint32 {
	t.Helper()
	val := new(uint32)
	_, err := d.MapDevice(lo, hi, owner,
		func(addr uint32, v uint32, width int) { *val = v },
		func(addr uint32, width int) uint32 { return *val },
	)
	require.NoError(t, err)
	return val
}

func TestMapAndDispatch(t *testing.T) {
	d := addrspace.NewDecoder("io")
	registerFakePort(t, d, 0x20, 0x21, "pic")

	d.DataWrite(0x20, 0x13, 1)
	assert.EqualValues(t, 0x13, d.DataRead(0x20, 1))
	assert.EqualValues(t, 0xFFFF, d.DataRead(0x22, 1))
}

func TestOverlapRejected(t *testing.T) {
	d := addrspace.NewDecoder("io")
	registerFakePort(t, d, 0x00, 0x0F, "a")

	_, err := d.MapDevice(0x08, 0x10, "b", nil, nil)
	require.Error(t, err)
	var derr *devbus.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, devbus.RangeOverlap, derr.Kind)

	// first mapping still functional
	d.DataWrite(0x00, 7, 1)
	assert.EqualValues(t, 7, d.DataRead(0x00, 1))
}

func TestMirroredRangeFromSameOwnerIsAccepted(t *testing.T) {
	d := addrspace.NewDecoder("io")
	val0 := registerFakePort(t, d, 0x00, 0x0F, "intc")

	// intc.id1 mirrors a partially overlapping range - same owner, must be
	// accepted per the wildcard-mirroring open question.
	_, err := d.MapDevice(0x08, 0x17, "intc",
		func(addr uint32, v uint32, width int) { *val0 = v },
		func(addr uint32, width int) uint32 { return *val0 },
	)
	require.NoError(t, err)
}

func TestBadRangeRejected(t *testing.T) {
	d := addrspace.NewDecoder("io")
	_, err := d.MapDevice(0x10, 0x00, "x", nil, nil)
	require.Error(t, err)
	var derr *devbus.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, devbus.BadRange, derr.Kind)
}

func TestUnmappedMissIsIdempotentNoOp(t *testing.T) {
	d := addrspace.NewDecoder("mem")
	// no panics, no mutation possible to observe other than the read value
	d.DataWrite(0x1234, 0xAB, 1)
	assert.EqualValues(t, 0xFFFF, d.DataRead(0x1234, 1))
}

func TestCodeReadFallsBackToDataRead(t *testing.T) {
	d := addrspace.NewDecoder("mem")
	registerFakePort(t, d, 0x00, 0xFF, "rom")
	d.DataWrite(0x10, 0x42, 1)
	assert.EqualValues(t, 0x42, d.CodeRead(0x10, 1))
}

func TestCodeReadUsesDedicatedHandlerWhenSet(t *testing.T) {
	d := addrspace.NewDecoder("mem")
	registerFakePort(t, d, 0x00, 0xFF, "rom")
	d.SetCodeRead("rom", func(addr uint32, width int) uint32 { return 0x99 })
	assert.EqualValues(t, 0x99, d.CodeRead(0x10, 1))
}

func TestSaveRestoreRoundTripsMappingTable(t *testing.T) {
	d := addrspace.NewDecoder("io")
	registerFakePort(t, d, 0x20, 0x21, "pic")
	registerFakePort(t, d, 0x40, 0x43, "timer")

	blob, err := d.Save()
	require.NoError(t, err)

	d2 := addrspace.NewDecoder("io")
	registerFakePort(t, d2, 0x20, 0x21, "pic")
	registerFakePort(t, d2, 0x40, 0x43, "timer")
	require.NoError(t, d2.Restore(blob))

	// a third mapping must still conflict appropriately after restore.
	_, err = d2.MapDevice(0x20, 0x20, "other", nil, nil)
	require.Error(t, err)
}
