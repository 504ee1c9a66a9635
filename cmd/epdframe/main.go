package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	appLog "epdframe/internal/log"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "epdframe"
	app.Usage = "show photos on a black/white/red e-paper frame"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "Path to config file",
			Value: "/etc/epdframe/config.yaml",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Debug logging; data under ./cache instead of the configured data_dir",
		},
		cli.BoolFlag{
			Name:  "render-only",
			Usage: "Render only; do not touch display hardware",
		},
		cli.StringFlag{
			Name:  "model",
			Usage: "Panel model (12in48b, 2in7b); overrides config",
		},
	}
	ditherFlags := []cli.Flag{
		cli.BoolFlag{Name: "dither", Usage: "Enable dithering"},
		cli.BoolFlag{Name: "no-dither", Usage: "Disable dithering"},
		cli.StringFlag{Name: "fit", Usage: "contain, cover or stretch; overrides config"},
	}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "Refresh on the configured schedule and serve the HTTP API",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config if set)"},
				cli.BoolFlag{Name: "once", Usage: "Run one refresh cycle and exit"},
			},
			Action: cmdRun,
		},
		{
			Name:      "show",
			Usage:     "Show a picture; without a URL a new InspiroBot poster is generated",
			ArgsUsage: "[url]",
			Flags:     ditherFlags,
			Action:    cmdShow,
		},
		{
			Name:      "capture",
			Usage:     "Show a headless Chromium screenshot of a page",
			ArgsUsage: "<url>",
			Flags: append([]cli.Flag{
				cli.StringFlag{Name: "wait", Usage: "CSS selector to wait for before the screenshot"},
			}, ditherFlags...),
			Action: cmdCapture,
		},
		{
			Name:      "quadrant",
			Usage:     "Show a frame assembled from bwr-raw rectangles of a server",
			ArgsUsage: "<base-url>",
			Action:    cmdQuadrant,
		},
		{
			Name:   "redisplay",
			Usage:  "Show the last recorded frame again",
			Action: cmdRedisplay,
		},
		{
			Name:   "clear",
			Usage:  "Blank the panel and put it to sleep",
			Action: cmdClear,
		},
	}
	app.Action = cmdRun

	if err := app.Run(os.Args); err != nil {
		appLog.Error("epdframe failed", err)
		os.Exit(1)
	}
}

// signalContext is canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// withApp opens the application for one command and closes it afterwards.
func withApp(c *cli.Context, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(c)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, a), a.Close())
}

func cmdShow(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app) error {
		if u := c.Args().First(); u != "" {
			return a.showURL(ctx, u)
		}
		return a.showInspiroBot(ctx)
	})
}

func cmdCapture(c *cli.Context) error {
	u := c.Args().First()
	if u == "" {
		cli.ShowCommandHelp(c, "capture")
		return errors.New("no URL provided")
	}
	return withApp(c, func(ctx context.Context, a *app) error {
		return a.showCapture(ctx, u, c.String("wait"))
	})
}

func cmdQuadrant(c *cli.Context) error {
	u := c.Args().First()
	if u == "" {
		cli.ShowCommandHelp(c, "quadrant")
		return errors.New("no base URL provided")
	}
	return withApp(c, func(ctx context.Context, a *app) error {
		return a.showQuadrants(ctx, u)
	})
}

func cmdRedisplay(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app) error {
		return a.redisplay(ctx)
	})
}

func cmdClear(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app) error {
		return a.frame.Clear(ctx)
	})
}

func cmdRun(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app) error {
		if l := c.String("listen"); l != "" {
			a.cfg.Listen = l
		}
		if c.Bool("once") {
			return a.refresh(ctx)
		}
		return a.serve(ctx)
	})
}
