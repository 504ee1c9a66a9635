package epd

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
)

// DefaultPoll bounds each edge wait of the busy barrier.
const DefaultPoll = 100 * time.Millisecond

// WaitIdle blocks until every line reads High. Each line is watched by its
// own goroutine; the call returns once the slowest line is idle.
//
// There is no internal timeout. If ctx ends first the wait is abandoned and
// ctx's error is returned.
func WaitIdle(ctx context.Context, lines []BusyLine, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPoll
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, l := range lines {
		g.Go(func() error {
			for l.Read() != gpio.High {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("epd: busy line %d: %w", i, err)
				}
				l.WaitForEdge(poll)
			}
			return nil
		})
	}
	return g.Wait()
}
