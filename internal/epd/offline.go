package epd

import (
	"time"

	"periph.io/x/conn/v3/gpio"
)

type discardBus struct{}

func (discardBus) Tx(w, r []byte) error { return nil }

type nopLine struct{}

func (nopLine) Out(gpio.Level) error { return nil }

type idle struct{}

func (idle) Read() gpio.Level { return gpio.High }
func (idle) WaitForEdge(time.Duration) bool { return true }

// NewOffline returns a driver for m whose bus discards every write and whose
// controllers are always idle. It runs the full protocol and state machine
// without hardware or delays.
func NewOffline(m *Model) (*Driver, error) {
	var l Lines
	for range m.Quadrants {
		l.CS = append(l.CS, nopLine{})
		l.Busy = append(l.Busy, idle{})
	}
	for g := 0; g < m.Groups; g++ {
		l.DC = append(l.DC, nopLine{})
		l.Reset = append(l.Reset, nopLine{})
	}
	return New(discardBus{}, l, m, &Opts{Sleep: func(time.Duration) {}})
}
