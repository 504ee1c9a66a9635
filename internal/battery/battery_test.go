package battery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestRead(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: DefaultAddr, W: []byte{regVoltageHigh}, R: []byte{0x0f}},
			{Addr: DefaultAddr, W: []byte{regVoltageLow}, R: []byte{0xa0}},
			{Addr: DefaultAddr, W: []byte{regPercent}, R: []byte{87}},
		},
	}
	g := New(&i2c.Dev{Bus: bus, Addr: DefaultAddr}, 0)

	s, err := g.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Status{Percent: 87, VoltageMv: 4000}, s)

	// Served from cache: the playback has no more operations.
	s, err = g.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 87, s.Percent)
	require.NoError(t, bus.Close())
}

func TestReadClampsPercent(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: DefaultAddr, W: []byte{regVoltageHigh}, R: []byte{0x10}},
			{Addr: DefaultAddr, W: []byte{regVoltageLow}, R: []byte{0x68}},
			{Addr: DefaultAddr, W: []byte{regPercent}, R: []byte{140}},
		},
	}
	s, err := New(&i2c.Dev{Bus: bus, Addr: DefaultAddr}, 0).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, s.Percent)
	assert.Equal(t, 4200, s.VoltageMv)
}

func TestReadError(t *testing.T) {
	bus := &i2ctest.Playback{DontPanic: true}
	_, err := New(&i2c.Dev{Bus: bus, Addr: DefaultAddr}, 0).Read(context.Background())
	assert.ErrorContains(t, err, "battery: read register 0x22")
}
