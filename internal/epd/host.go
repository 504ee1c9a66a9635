package epd

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// HostConfig names the SPI port and GPIO lines of a display on a periph.io
// host. Pin lists follow the order of Lines.
type HostConfig struct {
	// Port is the spireg port name; empty selects the first port.
	Port  string
	MaxHz int64

	CS    []string
	DC    []string
	Reset []string
	Busy  []string
}

// DefaultPins returns the Waveshare HAT wiring of m as BCM GPIO names.
func DefaultPins(m *Model) HostConfig {
	switch m.Name {
	case EPD2in7B.Name:
		return HostConfig{
			MaxHz: 4_000_000,
			CS:    []string{"GPIO8"},
			DC:    []string{"GPIO25"},
			Reset: []string{"GPIO17"},
			Busy:  []string{"GPIO24"},
		}
	default:
		// Quadrant order S2, M2, M1, S1; groups M2S2, M1S1.
		return HostConfig{
			MaxHz: 2_000_000,
			CS:    []string{"GPIO18", "GPIO17", "GPIO8", "GPIO7"},
			DC:    []string{"GPIO22", "GPIO13"},
			Reset: []string{"GPIO23", "GPIO6"},
			Busy:  []string{"GPIO24", "GPIO27", "GPIO5", "GPIO19"},
		}
	}
}

// Host is a Driver opened on real hardware.
type Host struct {
	*Driver
	port spi.PortCloser
}

// Close releases the SPI port.
func (h *Host) Close() error {
	return h.port.Close()
}

// OpenHost initializes periph.io, opens the SPI port and the GPIO lines named
// by cfg and returns a driver for m. Busy lines are configured for rising
// edges when the host supports it and polled otherwise.
func OpenHost(m *Model, cfg HostConfig, opts *Opts) (*Host, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port: %w", err)
	}
	hz := cfg.MaxHz
	if hz <= 0 {
		hz = 2_000_000
	}
	c, err := port.Connect(physic.Frequency(hz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	lines, err := openLines(cfg)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	d, err := New(c, lines, m, opts)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return &Host{Driver: d, port: port}, nil
}

func openLines(cfg HostConfig) (Lines, error) {
	var l Lines
	var errs []error
	out := func(names []string, initial gpio.Level) []OutputLine {
		var pins []OutputLine
		for _, name := range names {
			p := gpioreg.ByName(name)
			if p == nil {
				errs = append(errs, fmt.Errorf("epd: gpio %s not found", name))
				continue
			}
			if err := p.Out(initial); err != nil {
				errs = append(errs, fmt.Errorf("epd: gpio %s Out failed: %w", name, err))
				continue
			}
			pins = append(pins, p)
		}
		return pins
	}
	l.CS = out(cfg.CS, gpio.High)
	l.DC = out(cfg.DC, gpio.Low)
	l.Reset = out(cfg.Reset, gpio.High)

	for _, name := range cfg.Busy {
		p := gpioreg.ByName(name)
		if p == nil {
			errs = append(errs, fmt.Errorf("epd: gpio %s not found", name))
			continue
		}
		if err := p.In(gpio.PullUp, gpio.RisingEdge); err == nil {
			l.Busy = append(l.Busy, p)
			continue
		}
		if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
			errs = append(errs, fmt.Errorf("epd: gpio %s In failed: %w", name, err))
			continue
		}
		l.Busy = append(l.Busy, PolledLine(p))
	}
	return l, errors.Join(errs...)
}
