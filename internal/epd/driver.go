package epd

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"

	"epdframe/internal/convert"
	"epdframe/internal/log"
)

// State is the position of the driver in a display cycle.
type State uint32

const (
	StateOff State = iota
	StateReset
	StateConfigured
	StateFramebufferLoaded
	StatePowerOn
	StateRefreshing
	StateIdle
	StateSleeping
	StateFault
)

var stateNames = [...]string{
	StateOff:               "off",
	StateReset:             "reset",
	StateConfigured:        "configured",
	StateFramebufferLoaded: "framebuffer-loaded",
	StatePowerOn:           "power-on",
	StateRefreshing:        "refreshing",
	StateIdle:              "idle",
	StateSleeping:          "sleeping",
	StateFault:             "fault",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// DefaultMaxTxSize is the transfer size used when the bus does not report
// one.
const DefaultMaxTxSize = 4096

// Opts tunes a Driver.
type Opts struct {
	// Poll bounds each busy line edge wait. Zero means DefaultPoll.
	Poll time.Duration
	// MaxTxSize caps the bytes of one bus transfer. Zero uses the limit
	// reported by the bus, or DefaultMaxTxSize.
	MaxTxSize int
	// Sleep implements script delays. Nil means time.Sleep.
	Sleep func(time.Duration)
}

// Driver runs display cycles on one Model.
//
// Operations are serialized. Bus transactions hold the bus for exactly one
// command or data write; busy waits never hold it.
type Driver struct {
	model *Model
	bus   Bus
	lines Lines
	poll  time.Duration
	maxTx int
	sleep func(time.Duration)

	op    sync.Mutex
	mu    sync.Mutex
	state atomic.Uint32
}

// New returns a driver for m wired to bus and lines. The panel is not touched
// until Init.
func New(bus Bus, lines Lines, m *Model, opts *Opts) (*Driver, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := lines.check(m); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Opts{}
	}

	d := &Driver{
		model: m,
		bus:   bus,
		lines: lines,
		poll:  opts.Poll,
		maxTx: opts.MaxTxSize,
		sleep: opts.Sleep,
	}
	if d.poll <= 0 {
		d.poll = DefaultPoll
	}
	if d.maxTx <= 0 {
		d.maxTx = DefaultMaxTxSize
		if l, ok := bus.(conn.Limits); ok && l.MaxTxSize() > 0 {
			d.maxTx = l.MaxTxSize()
		}
	}
	if d.sleep == nil {
		d.sleep = time.Sleep
	}
	return d, nil
}

func (d *Driver) String() string {
	return fmt.Sprintf("epd.Driver{%s, %dx%d, %s}", d.model.Name, d.model.Width, d.model.Height, d.State())
}

// Model returns the display model.
func (d *Driver) Model() *Model {
	return d.model
}

// State returns the current state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setState(s State) {
	if old := State(d.state.Swap(uint32(s))); old != s {
		log.Debug("epd: state", "model", d.model.Name, "from", old, "to", s)
	}
}

// fail moves the driver to StateFault. Only Init leaves it.
func (d *Driver) fail(op string, err error) error {
	d.setState(StateFault)
	log.Error("epd: "+op+" failed", err, "model", d.model.Name)
	return err
}

// Init resets every controller and runs the model's init script, including
// the waveform upload. It is allowed in any state.
func (d *Driver) Init(ctx context.Context) error {
	d.op.Lock()
	defer d.op.Unlock()

	if err := d.reset(); err != nil {
		return d.fail("init", err)
	}
	d.setState(StateReset)
	if err := d.run(ctx, d.model.Init); err != nil {
		return d.fail("init", err)
	}
	d.setState(StateConfigured)
	return nil
}

// Display writes full-frame white and red planes, Stride() bytes per row,
// and refreshes the panel. It returns once every controller is idle again.
//
// The planes use the packing of package convert: a 0 bit asserts black in
// white and red in red.
func (d *Driver) Display(ctx context.Context, white, red []byte) error {
	d.op.Lock()
	defer d.op.Unlock()
	return d.display(ctx, white, red)
}

// DisplayPlanes is Display for packed planes.
func (d *Driver) DisplayPlanes(ctx context.Context, p convert.Planes) error {
	if p.Width() != d.model.Width || p.Height() != d.model.Height {
		return fmt.Errorf("epd: planes are %dx%d, display is %dx%d: %w",
			p.Width(), p.Height(), d.model.Width, d.model.Height, ErrMalformed)
	}
	return d.Display(ctx, p.White.Pix, p.Red.Pix)
}

// Clear displays a blank white frame.
func (d *Driver) Clear(ctx context.Context) error {
	d.op.Lock()
	defer d.op.Unlock()

	blank := bytes.Repeat([]byte{0xff}, d.model.PlaneSize())
	return d.display(ctx, blank, blank)
}

// Sleep powers the controllers down. Only Init is allowed afterwards.
func (d *Driver) Sleep(ctx context.Context) error {
	d.op.Lock()
	defer d.op.Unlock()

	if s := d.State(); s != StateConfigured && s != StateIdle {
		return fmt.Errorf("epd: sleep in state %s: %w", s, ErrState)
	}
	if err := d.run(ctx, d.model.Sleep); err != nil {
		return d.fail("sleep", err)
	}
	d.setState(StateSleeping)
	return nil
}

func (d *Driver) display(ctx context.Context, white, red []byte) error {
	if s := d.State(); s != StateConfigured && s != StateIdle {
		return fmt.Errorf("epd: display in state %s: %w", s, ErrState)
	}
	if n := d.model.PlaneSize(); len(white) != n || len(red) != n {
		return fmt.Errorf("epd: planes have %d and %d bytes, want %d: %w", len(white), len(red), n, ErrMalformed)
	}

	for i, q := range d.model.Quadrants {
		sel := Select(1) << i
		if err := d.command(sel, cmdWriteWhite, d.crop(white, q, false)); err != nil {
			return d.fail("display", err)
		}
		// The red register takes 1 for red.
		if err := d.command(sel, cmdWriteRed, d.crop(red, q, true)); err != nil {
			return d.fail("display", err)
		}
	}
	d.setState(StateFramebufferLoaded)

	if err := d.run(ctx, d.model.PowerOn); err != nil {
		return d.fail("power on", err)
	}
	d.setState(StatePowerOn)

	d.setState(StateRefreshing)
	start := time.Now()
	if err := d.run(ctx, d.model.Refresh); err != nil {
		return d.fail("refresh", err)
	}
	if err := d.run(ctx, d.model.AfterRefresh); err != nil {
		return d.fail("refresh", err)
	}
	d.setState(StateIdle)
	log.Info("epd: refreshed", "model", d.model.Name, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// crop copies the rows of q out of a full-frame plane, optionally inverted.
func (d *Driver) crop(plane []byte, q Quadrant, invert bool) []byte {
	stride := d.model.Stride()
	w := q.Width / 8
	out := make([]byte, 0, w*q.Height)
	for y := q.Y; y < q.Y+q.Height; y++ {
		off := y*stride + q.X/8
		out = append(out, plane[off:off+w]...)
	}
	if invert {
		for i := range out {
			out[i] = ^out[i]
		}
	}
	return out
}

// reset drives every chip select high, then pulses the shared reset lines
// together.
func (d *Driver) reset() error {
	for _, cs := range d.lines.CS {
		if err := cs.Out(gpio.High); err != nil {
			return &BusError{Op: "cs", Err: err}
		}
	}
	t := d.model.Reset
	for _, step := range []struct {
		level gpio.Level
		wait  time.Duration
	}{
		{gpio.High, t.Before},
		{gpio.Low, t.Low},
		{gpio.High, t.After},
	} {
		for _, rst := range d.lines.Reset {
			if err := rst.Out(step.level); err != nil {
				return &BusError{Op: "reset", Err: err}
			}
		}
		d.sleep(step.wait)
	}
	return nil
}

func (d *Driver) run(ctx context.Context, s Script) error {
	for _, step := range s {
		switch step.Op {
		case OpCommand:
			if err := d.command(step.Target, step.Cmd, step.Data); err != nil {
				return err
			}
		case OpDelay:
			d.sleep(step.Delay)
		case OpWaitIdle:
			if err := WaitIdle(ctx, d.busy(step.Target), d.poll); err != nil {
				return err
			}
		case OpResolution:
			for i, q := range d.model.Quadrants {
				if !step.Target.Has(i) {
					continue
				}
				if err := d.command(Select(1)<<i, step.Cmd, resolutionData(q)); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("epd: unknown script op %v", step.Op)
		}
	}
	return nil
}

func (d *Driver) busy(sel Select) []BusyLine {
	var out []BusyLine
	for i, l := range d.lines.Busy {
		if sel.Has(i) {
			out = append(out, l)
		}
	}
	return out
}

// command sends cmd and then data, each in its own transaction.
func (d *Driver) command(sel Select, cmd byte, data []byte) error {
	if err := d.tx(sel, gpio.Low, []byte{cmd}); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return d.tx(sel, gpio.High, data)
}

// tx performs one transaction: set the data/command line of every involved
// group, assert every selected chip select, write p and release the chip
// selects. p is split into transfers of at most maxTx bytes while the chip
// selects stay asserted.
func (d *Driver) tx(sel Select, dc gpio.Level, p []byte) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sel &= d.model.all()
	if sel == 0 {
		return fmt.Errorf("epd: transaction selects no controller")
	}
	var groups uint
	for i, q := range d.model.Quadrants {
		if !sel.Has(i) || groups&(1<<q.Group) != 0 {
			continue
		}
		groups |= 1 << q.Group
		if err := d.lines.DC[q.Group].Out(dc); err != nil {
			return &BusError{Op: "dc", Err: err}
		}
	}

	var asserted Select
	defer func() {
		for i, cs := range d.lines.CS {
			if !asserted.Has(i) {
				continue
			}
			if e := cs.Out(gpio.High); e != nil && err == nil {
				err = &BusError{Op: "cs", Err: e}
			}
		}
	}()
	for i, cs := range d.lines.CS {
		if !sel.Has(i) {
			continue
		}
		if err := cs.Out(gpio.Low); err != nil {
			return &BusError{Op: "cs", Err: err}
		}
		asserted |= Select(1) << i
	}

	for len(p) > 0 {
		n := min(len(p), d.maxTx)
		if err := d.bus.Tx(p[:n], nil); err != nil {
			return &BusError{Op: "tx", Err: err}
		}
		p = p[n:]
	}
	return nil
}
