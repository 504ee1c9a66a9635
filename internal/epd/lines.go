package epd

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"

	"epdframe/internal/convert"
)

// Bus is the shared serial bus. spi.Conn satisfies it.
type Bus interface {
	Tx(w, r []byte) error
}

// OutputLine is a digital output such as a chip select. gpio.PinOut
// satisfies it.
type OutputLine interface {
	Out(l gpio.Level) error
}

// BusyLine is a controller's busy output: Low while the controller is
// working, High once it is idle. gpio.PinIn satisfies it.
type BusyLine interface {
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// Lines is the wiring of a display. CS and Busy are indexed like
// Model.Quadrants, DC and Reset like the quadrant groups.
type Lines struct {
	CS    []OutputLine
	Busy  []BusyLine
	DC    []OutputLine
	Reset []OutputLine
}

func (l *Lines) check(m *Model) error {
	if len(l.CS) != len(m.Quadrants) || len(l.Busy) != len(m.Quadrants) {
		return fmt.Errorf("epd: %s needs %d chip select and busy lines, got %d and %d",
			m.Name, len(m.Quadrants), len(l.CS), len(l.Busy))
	}
	if len(l.DC) != m.Groups || len(l.Reset) != m.Groups {
		return fmt.Errorf("epd: %s needs %d dc and reset lines, got %d and %d",
			m.Name, m.Groups, len(l.DC), len(l.Reset))
	}
	return nil
}

// ErrState reports an operation that is not allowed in the driver's current
// state, such as Display before Init.
var ErrState = errors.New("epd: invalid state")

// ErrMalformed reports framebuffer planes of the wrong size.
var ErrMalformed = convert.ErrMalformed

// BusError is a failed bus or line transaction.
type BusError struct {
	Op  string
	Err error
}

func (e *BusError) Error() string {
	return "epd: " + e.Op + ": " + e.Err.Error()
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// PolledLine adapts an input that cannot wait for edges. WaitForEdge sleeps
// for the timeout and reports no edge, so callers fall back to polling Read.
func PolledLine(in interface{ Read() gpio.Level }) BusyLine {
	return polledLine{in}
}

type polledLine struct {
	in interface{ Read() gpio.Level }
}

func (p polledLine) Read() gpio.Level { return p.in.Read() }

func (p polledLine) WaitForEdge(timeout time.Duration) bool {
	time.Sleep(timeout)
	return false
}
