package epd

import (
	"fmt"
	"math/bits"
	"time"
)

// maxQuadrants is the number of controllers a Select can address.
const maxQuadrants = 8

// Select is a set of controllers, bit i standing for Model.Quadrants[i].
type Select uint8

// All addresses every controller of the model.
const All Select = 1<<maxQuadrants - 1

// Has reports whether quadrant i is selected.
func (s Select) Has(i int) bool {
	return s&(1<<i) != 0
}

// Len returns the number of selected controllers.
func (s Select) Len() int {
	return bits.OnesCount8(uint8(s))
}

// Op is the kind of a script step.
type Op uint8

const (
	// OpCommand sends Cmd, then Data if any, to Target.
	OpCommand Op = iota
	// OpDelay pauses for Delay.
	OpDelay
	// OpWaitIdle blocks until every busy line of Target reports idle.
	OpWaitIdle
	// OpResolution sends each controller the size of its own quadrant.
	OpResolution
)

func (o Op) String() string {
	switch o {
	case OpCommand:
		return "command"
	case OpDelay:
		return "delay"
	case OpWaitIdle:
		return "wait-idle"
	case OpResolution:
		return "resolution"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Step is one record of a command script.
type Step struct {
	Op     Op
	Target Select
	Cmd    byte
	Data   []byte
	Delay  time.Duration
}

// Script is an ordered list of steps run by the Driver.
type Script []Step

// Command returns a step writing cmd and data to target.
func Command(target Select, cmd byte, data ...byte) Step {
	return Step{Op: OpCommand, Target: target, Cmd: cmd, Data: data}
}

// Delay returns a step pausing for d.
func Delay(d time.Duration) Step {
	return Step{Op: OpDelay, Delay: d}
}

// Wait returns a step waiting for the busy lines of target.
func Wait(target Select) Step {
	return Step{Op: OpWaitIdle, Target: target}
}

// Resolution returns a step programming the resolution register of every
// controller with its quadrant size.
func Resolution() Step {
	return Step{Op: OpResolution, Target: All, Cmd: cmdResolution}
}

// resolutionData encodes a quadrant size for the resolution register:
// source (width) then gate (height), big endian.
func resolutionData(q Quadrant) []byte {
	return []byte{byte(q.Width >> 8), byte(q.Width), byte(q.Height >> 8), byte(q.Height)}
}

// Waveform tables of the 12.48" panel. 0x25 reuses lutWW.
var lutVCOM = [60]byte{
	0x00, 0x10, 0x10, 0x01, 0x08, 0x01,
	0x00, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x00, 0x08, 0x01, 0x08, 0x01, 0x06,
	0x00, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x00, 0x05, 0x01, 0x1E, 0x0F, 0x06,
	0x00, 0x05, 0x01, 0x1E, 0x0F, 0x01,
	0x00, 0x04, 0x05, 0x08, 0x08, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

var lutWW = [60]byte{
	0x91, 0x10, 0x10, 0x01, 0x08, 0x01,
	0x04, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x84, 0x08, 0x01, 0x08, 0x01, 0x06,
	0x80, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x00, 0x05, 0x01, 0x1E, 0x0F, 0x06,
	0x00, 0x05, 0x01, 0x1E, 0x0F, 0x01,
	0x08, 0x04, 0x05, 0x08, 0x08, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

var lutBW = [60]byte{
	0xA8, 0x10, 0x10, 0x01, 0x08, 0x01,
	0x84, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x84, 0x08, 0x01, 0x08, 0x01, 0x06,
	0x86, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x8C, 0x05, 0x01, 0x1E, 0x0F, 0x06,
	0x8C, 0x05, 0x01, 0x1E, 0x0F, 0x01,
	0xF0, 0x04, 0x05, 0x08, 0x08, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

var lutWB = [60]byte{
	0x91, 0x10, 0x10, 0x01, 0x08, 0x01,
	0x04, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x84, 0x08, 0x01, 0x08, 0x01, 0x06,
	0x80, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x00, 0x05, 0x01, 0x1E, 0x0F, 0x06,
	0x00, 0x05, 0x01, 0x1E, 0x0F, 0x01,
	0x08, 0x04, 0x05, 0x08, 0x08, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

var lutBB = [60]byte{
	0x92, 0x10, 0x10, 0x01, 0x08, 0x01,
	0x80, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x84, 0x08, 0x01, 0x08, 0x01, 0x06,
	0x04, 0x06, 0x01, 0x06, 0x01, 0x05,
	0x00, 0x05, 0x01, 0x1E, 0x0F, 0x06,
	0x00, 0x05, 0x01, 0x1E, 0x0F, 0x01,
	0x01, 0x04, 0x05, 0x08, 0x08, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}
