// Package buttons runs actions when GPIO push buttons are pressed.
package buttons

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"epdframe/internal/log"
)

// Defaults for Watch.
const (
	DefaultPoll     = 500 * time.Millisecond
	DefaultDebounce = 300 * time.Millisecond
)

// Pin is the input side of a button. Buttons pull the line low when pressed.
type Pin interface {
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// Action runs when a button is pressed.
type Action func(ctx context.Context) error

// Button binds a pin to an action.
type Button struct {
	Name   string
	Pin    Pin
	Action Action
}

// Opts tunes Watch.
type Opts struct {
	// Poll bounds each edge wait so ctx is observed. Zero means DefaultPoll.
	Poll time.Duration
	// Debounce ignores presses closer together than this. Zero means
	// DefaultDebounce.
	Debounce time.Duration
}

// Watch waits for presses on every button until ctx ends. Actions of one
// button never overlap; a press during a running action is dropped. Action
// errors are logged.
func Watch(ctx context.Context, buttons []Button, opts Opts) error {
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range buttons {
		g.Go(func() error {
			var last time.Time
			for ctx.Err() == nil {
				if !b.Pin.WaitForEdge(opts.Poll) || b.Pin.Read() != gpio.Low {
					continue
				}
				now := time.Now()
				if now.Sub(last) < opts.Debounce {
					continue
				}
				last = now
				log.Info("buttons: pressed", "button", b.Name)
				if err := b.Action(ctx); err != nil && ctx.Err() == nil {
					log.Error("buttons: action failed", err, "button", b.Name)
				}
				last = time.Now()
			}
			return nil
		})
	}
	return g.Wait()
}

// Command returns an Action running argv, with its output logged.
func Command(argv []string) Action {
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return errors.New("buttons: empty command")
		}
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		if s := strings.TrimSpace(string(out)); s != "" {
			log.Debug("buttons: command output", "cmd", argv[0], "output", s)
		}
		if err != nil {
			return fmt.Errorf("buttons: %s: %w", strings.Join(argv, " "), err)
		}
		return nil
	}
}

// Open configures each named GPIO as a pulled-up input with falling edge
// detection and binds it to its command.
func Open(commands map[string][]string, order []string) ([]Button, error) {
	var out []Button
	var errs []error
	for _, name := range order {
		p := gpioreg.ByName(name)
		if p == nil {
			errs = append(errs, fmt.Errorf("buttons: gpio %s not found", name))
			continue
		}
		if err := p.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			errs = append(errs, fmt.Errorf("buttons: gpio %s In failed: %w", name, err))
			continue
		}
		out = append(out, Button{Name: name, Pin: p, Action: Command(commands[name])})
	}
	return out, errors.Join(errs...)
}
