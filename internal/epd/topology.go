// Package epd drives Waveshare tri-color e-paper panels built from one or
// more controllers over a shared SPI bus.
//
// Each controller owns one rectangle (a Quadrant) of the display, its own
// chip select and its own busy line. Data/command and reset lines may be
// shared by several controllers; the Driver is the only place that drives
// them.
package epd

import (
	"fmt"
	"image"
	"time"
)

// Quadrant is the rectangle of the display served by one controller.
//
// The chip select and busy line of a quadrant are found at the same index in
// Lines as the quadrant in Model.Quadrants. Group indexes the data/command and
// reset lines the quadrant shares with its neighbours.
type Quadrant struct {
	Name   string
	X, Y   int
	Width  int
	Height int
	Group  int
}

// Rect returns the quadrant in display coordinates.
func (q Quadrant) Rect() image.Rectangle {
	return image.Rect(q.X, q.Y, q.X+q.Width, q.Y+q.Height)
}

// ResetTiming is the reset pulse: high for Before, low for Low, then high
// for After.
type ResetTiming struct {
	Before time.Duration
	Low    time.Duration
	After  time.Duration
}

// Model describes one physical display: its geometry and the command
// scripts that bring it through a display cycle.
type Model struct {
	Name      string
	Width     int
	Height    int
	Quadrants []Quadrant
	Groups    int
	Reset     ResetTiming

	// Init runs after the reset pulse.
	Init Script
	// PowerOn runs after the framebuffer has been written.
	PowerOn Script
	// Refresh starts the refresh and waits until every controller is idle.
	Refresh Script
	// AfterRefresh runs once the refresh completed.
	AfterRefresh Script
	// Sleep powers the controllers down.
	Sleep Script
}

// Bounds returns the display rectangle.
func (m *Model) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// Stride returns the number of bytes per row of a full-frame plane.
func (m *Model) Stride() int {
	return (m.Width + 7) / 8
}

// PlaneSize returns the length of one full-frame plane.
func (m *Model) PlaneSize() int {
	return m.Stride() * m.Height
}

// Validate checks that the quadrants tile the display exactly, do not
// overlap and start and end on byte boundaries.
func (m *Model) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("epd: %s: invalid size %dx%d", m.Name, m.Width, m.Height)
	}
	if len(m.Quadrants) == 0 || len(m.Quadrants) > maxQuadrants {
		return fmt.Errorf("epd: %s: %d quadrants, want 1 to %d", m.Name, len(m.Quadrants), maxQuadrants)
	}

	area := 0
	for i, q := range m.Quadrants {
		r := q.Rect()
		if r.Empty() || !r.In(m.Bounds()) {
			return fmt.Errorf("epd: %s: quadrant %s %v outside display %v", m.Name, q.Name, r, m.Bounds())
		}
		if q.X%8 != 0 || q.Width%8 != 0 {
			return fmt.Errorf("epd: %s: quadrant %s is not byte aligned", m.Name, q.Name)
		}
		if q.Group < 0 || q.Group >= m.Groups {
			return fmt.Errorf("epd: %s: quadrant %s uses line group %d of %d", m.Name, q.Name, q.Group, m.Groups)
		}
		for _, o := range m.Quadrants[:i] {
			if r.Overlaps(o.Rect()) {
				return fmt.Errorf("epd: %s: quadrants %s and %s overlap", m.Name, q.Name, o.Name)
			}
		}
		area += q.Width * q.Height
	}
	if area != m.Width*m.Height {
		return fmt.Errorf("epd: %s: quadrants cover %d of %d pixels", m.Name, area, m.Width*m.Height)
	}
	return nil
}

// all selects every quadrant of m.
func (m *Model) all() Select {
	return Select(1)<<len(m.Quadrants) - 1
}

// Quadrant indexes of EPD12in48B, in raster order.
const (
	S2 Select = 1 << iota // top left
	M2                    // top right
	M1                    // bottom left
	S1                    // bottom right
)

// Line groups of EPD12in48B.
const (
	groupM2S2 = iota
	groupM1S1
)

// Controller registers shared by the supported panels.
const (
	cmdPanelSetting = 0x00
	cmdPowerSetting = 0x01
	cmdPowerOff     = 0x02
	cmdPowerOn      = 0x04
	cmdBoosterStart = 0x06
	cmdDeepSleep    = 0x07
	cmdWriteWhite   = 0x10
	cmdRefresh      = 0x12
	cmdWriteRed     = 0x13
	cmdDualSPI      = 0x15
	cmdLUTVCOM      = 0x20
	cmdLUTWW        = 0x21
	cmdLUTBW        = 0x22
	cmdLUTWB        = 0x23
	cmdLUTBB        = 0x24
	cmdLUTBB2       = 0x25
	cmdPLL          = 0x30
	cmdVCOMInterval = 0x50
	cmdTCON         = 0x60
	cmdResolution   = 0x61
	cmdGetStatus    = 0x71
	cmdVCOMDC       = 0x82
	cmdCascade      = 0xE0
	cmdPowerSaving  = 0xE3
	deepSleepCheck  = 0xA5
)

const quadrantWidthLeft = 648

// EPD12in48B is the Waveshare 12.48" black/white/red panel: four controllers
// of unequal width. M1 and S1 share data/command and reset lines, as do M2
// and S2.
var EPD12in48B = Model{
	Name:   "12in48b",
	Width:  1304,
	Height: 984,
	Quadrants: []Quadrant{
		{Name: "S2", X: 0, Y: 0, Width: quadrantWidthLeft, Height: 492, Group: groupM2S2},
		{Name: "M2", X: quadrantWidthLeft, Y: 0, Width: 656, Height: 492, Group: groupM2S2},
		{Name: "M1", X: 0, Y: 492, Width: quadrantWidthLeft, Height: 492, Group: groupM1S1},
		{Name: "S1", X: quadrantWidthLeft, Y: 492, Width: 656, Height: 492, Group: groupM1S1},
	},
	Groups: 2,
	Reset:  ResetTiming{Before: 200 * time.Millisecond, Low: 10 * time.Millisecond, After: 200 * time.Millisecond},

	Init: Script{
		// KW-3f KWR-2F BWROTP-0f BWOTP-1f
		Command(M1|S1, cmdPanelSetting, 0x2f),
		Command(M2|S2, cmdPanelSetting, 0x23),
		// VGH=20V VGL=-20V VDH=15V VDL=-15V
		Command(M1|M2, cmdPowerSetting, 0x07, 0x17, 0x3F, 0x3F, 0x0d),
		Command(M1|M2, cmdBoosterStart, 0x17, 0x17, 0x39, 0x17),
		Resolution(),
		Command(All, cmdDualSPI, 0x20),
		Command(All, cmdPLL, 0x08),
		Command(All, cmdVCOMInterval, 0x31, 0x07),
		Command(All, cmdTCON, 0x22),
		Command(M1|M2, cmdCascade, 0x01),
		Command(All, cmdPowerSaving, 0x00),
		Command(M1|M2, cmdVCOMDC, 0x1c),
		Command(All, cmdLUTVCOM, lutVCOM[:]...),
		Command(All, cmdLUTWW, lutWW[:]...),
		Command(All, cmdLUTBW, lutBW[:]...),
		Command(All, cmdLUTWB, lutWB[:]...),
		Command(All, cmdLUTBB, lutBB[:]...),
		Command(All, cmdLUTBB2, lutWW[:]...),
	},
	PowerOn: Script{
		Command(M1|M2, cmdPowerOn),
		Delay(300 * time.Millisecond),
	},
	Refresh: Script{
		Command(All, cmdRefresh),
		Command(All, cmdGetStatus),
		Wait(All),
	},
	AfterRefresh: Script{
		Delay(200 * time.Millisecond),
	},
	Sleep: Script{
		Command(All, cmdPowerOff),
		Delay(300 * time.Millisecond),
		Command(All, cmdDeepSleep, deepSleepCheck),
		Delay(300 * time.Millisecond),
	},
}

// EPD2in7B is the Waveshare 2.7" black/white/red HAT: a single controller.
var EPD2in7B = Model{
	Name:   "2in7b",
	Width:  176,
	Height: 264,
	Quadrants: []Quadrant{
		{Name: "main", Width: 176, Height: 264},
	},
	Groups: 1,
	Reset:  ResetTiming{Before: 200 * time.Millisecond, Low: 5 * time.Millisecond, After: 200 * time.Millisecond},

	Init: Script{
		Wait(All),
		Command(All, 0x4D, 0xAA),
		Command(All, 0x87, 0x28),
		Command(All, 0x84, 0x00),
		Command(All, 0x83, 0x05),
		Command(All, 0xA8, 0xDF),
		Command(All, 0xA9, 0x05),
		Command(All, 0xB1, 0xE8),
		Command(All, 0xAB, 0xA1),
		Command(All, 0xB9, 0x10),
		Command(All, 0x88, 0x80),
		Command(All, 0x90, 0x02),
		Command(All, 0x86, 0x15),
		Command(All, 0x91, 0x8D),
		Command(All, cmdVCOMInterval, 0x57),
		Command(All, 0xAA, 0x0F),
		Command(All, cmdPanelSetting, 0x8F),
	},
	PowerOn: Script{
		Command(All, cmdPowerOn),
		Wait(All),
		Delay(10 * time.Millisecond),
	},
	Refresh: Script{
		Command(All, cmdRefresh),
		Wait(All),
		Delay(10 * time.Millisecond),
	},
	AfterRefresh: Script{
		Command(All, cmdPowerOff),
		Wait(All),
		Delay(20 * time.Millisecond),
	},
	Sleep: Script{
		Command(All, cmdDeepSleep, deepSleepCheck),
	},
}

// Models lists the supported displays by name.
var Models = map[string]*Model{
	EPD12in48B.Name: &EPD12in48B,
	EPD2in7B.Name:   &EPD2in7B,
}

// Lookup returns the model called name.
func Lookup(name string) (*Model, error) {
	m, ok := Models[name]
	if !ok {
		return nil, fmt.Errorf("epd: unknown model %q", name)
	}
	return m, nil
}
