// Package frame runs whole display cycles on a panel: fit a picture, reduce
// it to black/white/red, wake the panel, show the frame and put the panel
// back to sleep.
package frame

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"epdframe/internal/bwr"
	"epdframe/internal/convert"
	"epdframe/internal/epd"
	"epdframe/internal/log"
)

// Panel is the driver surface a Frame needs. *epd.Driver and *epd.Host
// implement it.
type Panel interface {
	Init(ctx context.Context) error
	Clear(ctx context.Context) error
	DisplayPlanes(ctx context.Context, p convert.Planes) error
	Sleep(ctx context.Context) error
	State() epd.State
	Model() *epd.Model
}

var _ Panel = (*epd.Driver)(nil)

// DefaultRecoverTimeout bounds the clear and sleep run after a failed cycle.
const DefaultRecoverTimeout = 2 * time.Minute

// Snapshot describes the last frame shown.
type Snapshot struct {
	Planes     convert.Planes
	Thresholds bwr.Thresholds
	// Quantized is false for frames that arrived already packed.
	Quantized bool
	Source    string
	At        time.Time
	Took      time.Duration
}

// Recorder is told about every frame shown successfully.
type Recorder interface {
	Record(s Snapshot) error
}

// Opts tunes a Frame.
type Opts struct {
	Dither bool
	Fit    FitMode
	// Recorder, if set, receives each shown frame. Its errors are logged.
	Recorder Recorder
	// RecoverTimeout bounds the recovery after a failure. Zero means
	// DefaultRecoverTimeout.
	RecoverTimeout time.Duration
	// DrawTimeout bounds a Draw call, which has no context of its own.
	// Zero means no bound.
	DrawTimeout time.Duration
}

// Frame serializes display cycles on one panel.
type Frame struct {
	panel Panel
	opts  Opts

	mu sync.Mutex // held for a whole cycle

	lastMu sync.RWMutex
	last   *Snapshot
}

// New returns a Frame for p.
func New(p Panel, opts Opts) *Frame {
	if opts.RecoverTimeout <= 0 {
		opts.RecoverTimeout = DefaultRecoverTimeout
	}
	if opts.Fit == "" {
		opts.Fit = FitContain
	}
	return &Frame{panel: p, opts: opts}
}

// Model returns the panel model.
func (f *Frame) Model() *epd.Model {
	return f.panel.Model()
}

// State returns the panel state.
func (f *Frame) State() epd.State {
	return f.panel.State()
}

// Last returns the last frame shown, if any.
func (f *Frame) Last() (Snapshot, bool) {
	f.lastMu.RLock()
	defer f.lastMu.RUnlock()
	if f.last == nil {
		return Snapshot{}, false
	}
	return *f.last, true
}

// Render fits img to the panel and reduces it to packed planes without
// touching the panel.
func (f *Frame) Render(img image.Image) (convert.Planes, bwr.Thresholds, error) {
	m := f.panel.Model()
	fitted := Fit(img, m.Width, m.Height, f.opts.Fit)
	return convert.PackImage(fitted, m.Width, m.Height, f.opts.Dither)
}

// Show renders img and displays it.
func (f *Frame) Show(ctx context.Context, img image.Image, source string) error {
	p, t, err := f.Render(img)
	if err != nil {
		return err
	}
	return f.cycle(ctx, Snapshot{Planes: p, Thresholds: t, Quantized: true, Source: source})
}

// ShowPlanes displays already packed planes.
func (f *Frame) ShowPlanes(ctx context.Context, p convert.Planes, source string) error {
	return f.cycle(ctx, Snapshot{Planes: p, Source: source})
}

// QuadrantFunc returns the planes of rectangle r of a frame.
type QuadrantFunc func(ctx context.Context, r image.Rectangle) (convert.Planes, error)

// Assemble fetches every controller rectangle of the panel concurrently and
// pastes them into one full frame.
func (f *Frame) Assemble(ctx context.Context, fetch QuadrantFunc) (convert.Planes, error) {
	m := f.panel.Model()
	parts := make([]convert.Planes, len(m.Quadrants))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range m.Quadrants {
		g.Go(func() error {
			p, err := fetch(gctx, q.Rect())
			if err != nil {
				return fmt.Errorf("frame: quadrant %s: %w", q.Name, err)
			}
			if p.Width() != q.Width || p.Height() != q.Height {
				return fmt.Errorf("frame: quadrant %s is %dx%d, want %dx%d: %w",
					q.Name, p.Width(), p.Height(), q.Width, q.Height, convert.ErrMalformed)
			}
			parts[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return convert.Planes{}, err
	}

	full := convert.NewPlanes(m.Width, m.Height)
	for i, q := range m.Quadrants {
		if err := full.Paste(q.X, q.Y, parts[i]); err != nil {
			return convert.Planes{}, err
		}
	}
	return full, nil
}

// ShowQuadrants assembles a frame with fetch and displays it.
func (f *Frame) ShowQuadrants(ctx context.Context, fetch QuadrantFunc, source string) error {
	p, err := f.Assemble(ctx, fetch)
	if err != nil {
		return err
	}
	return f.ShowPlanes(ctx, p, source)
}

// Clear wakes the panel, blanks it and puts it back to sleep.
func (f *Frame) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.panel.Init(ctx)
	if err == nil {
		err = f.panel.Clear(ctx)
	}
	if err == nil {
		err = f.panel.Sleep(ctx)
	}
	if err != nil {
		return f.recover(ctx, err)
	}
	return nil
}

// Sleep puts an awake panel to sleep. A sleeping or unconfigured panel is
// left alone.
func (f *Frame) Sleep(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.panel.State() {
	case epd.StateConfigured, epd.StateIdle:
		return f.panel.Sleep(ctx)
	}
	return nil
}

func (f *Frame) cycle(ctx context.Context, s Snapshot) error {
	m := f.panel.Model()
	if s.Planes.Width() != m.Width || s.Planes.Height() != m.Height {
		return fmt.Errorf("frame: planes are %dx%d, display is %dx%d: %w",
			s.Planes.Width(), s.Planes.Height(), m.Width, m.Height, convert.ErrMalformed)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	start := time.Now()
	err := f.panel.Init(ctx)
	if err == nil {
		err = f.panel.DisplayPlanes(ctx, s.Planes)
	}
	if err == nil {
		err = f.panel.Sleep(ctx)
	}
	if err != nil {
		if errors.Is(err, convert.ErrMalformed) {
			return err
		}
		return f.recover(ctx, err)
	}

	s.At = time.Now()
	s.Took = s.At.Sub(start)
	f.lastMu.Lock()
	f.last = &s
	f.lastMu.Unlock()
	log.Info("frame: shown", "source", s.Source, "took", s.Took.Round(time.Millisecond))

	if f.opts.Recorder != nil {
		if err := f.opts.Recorder.Record(s); err != nil {
			log.Error("frame: record failed", err, "source", s.Source)
		}
	}
	return nil
}

// recover blanks the panel and puts it to sleep after a failed cycle so it
// is not left powered with a half written frame. The panel is
// re-initialized first when the failure left it in fault. It runs on a
// fresh deadline since ctx may be what expired.
func (f *Frame) recover(ctx context.Context, cause error) error {
	log.Warn("frame: cycle failed, clearing panel", "err", cause, "state", f.panel.State())

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.RecoverTimeout)
	defer cancel()

	errs := []error{cause}
	switch f.panel.State() {
	case epd.StateFault, epd.StateOff, epd.StateSleeping:
		if err := f.panel.Init(rctx); err != nil {
			return errors.Join(append(errs, fmt.Errorf("frame: recovery init: %w", err))...)
		}
	}
	if err := f.panel.Clear(rctx); err != nil {
		errs = append(errs, fmt.Errorf("frame: recovery clear: %w", err))
	}
	if err := f.panel.Sleep(rctx); err != nil {
		errs = append(errs, fmt.Errorf("frame: recovery sleep: %w", err))
	}
	return errors.Join(errs...)
}
