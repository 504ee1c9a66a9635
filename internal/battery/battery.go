// Package battery reads a PiSugar style battery controller over I2C.
package battery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

// DefaultAddr is the 7-bit address of the PiSugar 3 gauge.
const DefaultAddr = 0x57

// Registers of the gauge.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// Status is the battery level.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts.
	VoltageMv int `json:"voltage_mv"`
}

// Gauge reads Status from the controller. Reads are cached for TTL.
type Gauge struct {
	dev conn.Conn
	ttl time.Duration

	mu     sync.Mutex
	cached Status
	at     time.Time
}

// DefaultTTL is how long a reading is reused. Battery status does not need
// sub-second precision.
const DefaultTTL = 30 * time.Second

// New returns a gauge talking over c, usually an *i2c.Dev.
func New(c conn.Conn, ttl time.Duration) *Gauge {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gauge{dev: c, ttl: ttl}
}

// Open opens the gauge at addr on the named I2C bus ("" for the first one).
// The periph.io host must already be initialized. Close the returned
// closer to release the bus.
func Open(bus string, addr uint16) (*Gauge, func() error, error) {
	if addr == 0 {
		addr = DefaultAddr
	}
	b, err := i2creg.Open(bus)
	if err != nil {
		return nil, nil, fmt.Errorf("battery: open i2c bus: %w", err)
	}
	return New(&i2c.Dev{Bus: b, Addr: addr}, 0), b.Close, nil
}

// Read returns the battery level, from cache when fresh.
func (g *Gauge) Read(ctx context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.at.IsZero() && time.Since(g.at) < g.ttl {
		return g.cached, nil
	}
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	high, err := g.readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := g.readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := g.readReg(regPercent)
	if err != nil {
		return Status{}, err
	}

	g.cached = Status{
		Percent:   int(min(pct, 100)),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}
	g.at = time.Now()
	return g.cached, nil
}

func (g *Gauge) readReg(reg byte) (byte, error) {
	buf := []byte{0}
	if err := g.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, fmt.Errorf("battery: read register %#02x: %w", reg, err)
	}
	return buf[0], nil
}
