package config_test

import (
	"testing"

	"github.com/oakfield-labs/pcbus/config"
	"github.com/oakfield-labs/pcbus/devbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTopologyPreservesOrderAndFields(t *testing.T) {
	top, err := config.Load("testdata/topology.toml")
	require.NoError(t, err)

	require.Len(t, top.Devices, 5)
	names := make([]string, len(top.Devices))
	for i, d := range top.Devices {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"cpu", "io", "mem", "pic", "pit"}, names)

	assert.Equal(t, devbus.RoleProcessor, top.Devices[0].Type)
	assert.Equal(t, []config.AddressRange{{0x20, 0x21}}, top.Devices[3].AddressRanges)

	require.Len(t, top.Wires, 1)
	assert.Equal(t, "nmi", top.Wires[0].Name)
	assert.Equal(t, "low", top.Wires[0].Idle)
	assert.Len(t, top.Wires[0].Endpoints, 2)

	require.NotNil(t, top.SaveStateAt)
	assert.EqualValues(t, 100, *top.SaveStateAt)
	require.Len(t, top.LogLevelAt, 1)
	assert.Equal(t, "pit", top.LogLevelAt[0].Device)
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	top := &config.Topology{
		Devices: []config.DeviceSpec{{Name: "x", Type: "not-a-role"}},
	}
	err := top.Validate()
	require.Error(t, err)
	var derr *devbus.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, devbus.UnknownRole, derr.Kind)
}

func TestValidateRejectsWireEndpointForUnknownDevice(t *testing.T) {
	top := &config.Topology{
		Devices: []config.DeviceSpec{{Name: "cpu", Type: devbus.RoleProcessor}},
		Wires: []config.WireSpec{{
			Name:      "nmi",
			Endpoints: []config.WireEndpointSpec{{Device: "ghost", Pin: "nmi"}},
		}},
	}
	err := top.Validate()
	require.Error(t, err)
}

func TestValidateRejectsBadRange(t *testing.T) {
	top := &config.Topology{
		Devices: []config.DeviceSpec{{
			Name:          "pic",
			Type:          devbus.RoleDevice,
			AddressRanges: []config.AddressRange{{0x10, 0x00}},
		}},
	}
	err := top.Validate()
	require.Error(t, err)
	var derr *devbus.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, devbus.BadRange, derr.Kind)
}
