package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"epdframe/internal/battery"
	"epdframe/internal/buttons"
	"epdframe/internal/capture"
	"epdframe/internal/config"
	"epdframe/internal/convert"
	"epdframe/internal/epd"
	"epdframe/internal/frame"
	appLog "epdframe/internal/log"
	"epdframe/internal/source"
	"epdframe/internal/store"
	"epdframe/internal/web"
)

// refreshTimeout bounds one refresh cycle, fetch included.
const refreshTimeout = 5 * time.Minute

// app is the wiring shared by every command.
type app struct {
	cfg     *config.Config
	model   *epd.Model
	frame   *frame.Frame
	fetch   *source.Fetcher
	store   *store.Dir
	battery *battery.Gauge
	release func() error
}

func newApp(c *cli.Context) (*app, error) {
	configPath := c.GlobalString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if m := c.GlobalString("model"); m != "" {
		cfg.Model = m
	}
	if c.GlobalBool("debug") {
		cfg.LogLevel = "debug"
		cfg.DataDir = "./cache"
	}
	if c.Bool("dither") {
		cfg.Dither = true
	}
	if c.Bool("no-dither") {
		cfg.Dither = false
	}
	if f := c.String("fit"); f != "" {
		cfg.Fit = f
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := appLog.ParseLevel(cfg.LogLevel)
	appLog.SetLevel(level)

	model, err := epd.Lookup(cfg.Model)
	if err != nil {
		return nil, err
	}

	renderOnly := c.GlobalBool("render-only")
	appLog.Info("effective config",
		"model", model.Name,
		"source", cfg.Source,
		"dither", cfg.Dither,
		"fit", cfg.Fit,
		"refresh", cfg.RefreshCron,
		"listen", cfg.Listen,
		"data_dir", cfg.DataDir,
		"render_only", renderOnly,
	)

	dir, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	var (
		panel   frame.Panel
		gauge   *battery.Gauge
		release = func() error { return nil }
	)
	if renderOnly {
		d, err := epd.NewOffline(model)
		if err != nil {
			return nil, err
		}
		panel = d
	} else {
		h, err := epd.OpenHost(model, cfg.HostConfig(model), nil)
		if err != nil {
			return nil, err
		}
		panel, release = h, h.Close

		if b := cfg.Battery; b != nil {
			g, closeBus, err := battery.Open(b.Bus, b.Addr)
			if err != nil {
				// 배터리 게이지가 없어도 액자는 동작해야 한다.
				appLog.Error("battery gauge unavailable", err)
			} else {
				gauge = g
				release = func() error { return errors.Join(closeBus(), h.Close()) }
			}
		}
	}

	return &app{
		cfg:   cfg,
		model: model,
		frame: frame.New(panel, frame.Opts{
			Dither:      cfg.Dither,
			Fit:         frame.FitMode(cfg.Fit),
			Recorder:    dir,
			DrawTimeout: refreshTimeout,
		}),
		fetch:   source.NewFetcher(nil, filepath.Join(cfg.DataDir, "fetch-cache")),
		store:   dir,
		battery: gauge,
		release: release,
	}, nil
}

// Close puts an awake panel to sleep and releases the hardware.
func (a *app) Close() error {
	return errors.Join(a.frame.Halt(), a.release())
}

// refresh shows one picture from the configured source.
func (a *app) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	switch a.cfg.Source {
	case config.SourceURL:
		return a.showURL(ctx, a.cfg.ImageURL)
	case config.SourceInspiroBot:
		return a.showInspiroBot(ctx)
	case config.SourceCapture:
		return a.showCapture(ctx, a.cfg.CaptureURL, a.cfg.CaptureWait)
	case config.SourceQuadrant:
		return a.showQuadrants(ctx, a.cfg.QuadrantURL)
	}
	return fmt.Errorf("unknown source %q", a.cfg.Source)
}

func (a *app) showURL(ctx context.Context, u string) error {
	img, err := a.fetch.Image(ctx, u)
	if err != nil {
		return err
	}
	return a.frame.Show(ctx, img, u)
}

func (a *app) showInspiroBot(ctx context.Context) error {
	u, err := a.fetch.InspiroBot(ctx, a.cfg.InspiroBotURL)
	if err != nil {
		return err
	}
	appLog.Info("inspirobot generated", "url", u)
	return a.showURL(ctx, u)
}

func (a *app) showCapture(ctx context.Context, u, wait string) error {
	w, h := a.model.Width, a.model.Height
	img, err := capture.Image(ctx, capture.Options{
		URL:          u,
		Width:        w,
		Height:       h,
		WaitSelector: wait,
		ExecPath:     a.cfg.ChromePath,
	})
	if err != nil {
		return err
	}
	return a.frame.Show(ctx, img, "capture "+u)
}

func (a *app) showQuadrants(ctx context.Context, base string) error {
	fetch := func(ctx context.Context, r image.Rectangle) (convert.Planes, error) {
		return a.fetch.Quadrant(ctx, base, r)
	}
	return a.frame.ShowQuadrants(ctx, fetch, "quadrant "+base)
}

func (a *app) redisplay(ctx context.Context) error {
	p, meta, err := a.store.Load()
	if err != nil {
		return err
	}
	return a.frame.ShowPlanes(ctx, p, meta.Source)
}

// serve runs the scheduler, the HTTP API and the buttons until ctx ends.
func (a *app) serve(ctx context.Context) error {
	sched, err := frame.NewScheduler(a.cfg.RefreshCron)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	sched.Start(ctx, a.refresh)
	defer sched.Stop()

	if a.cfg.Listen != "" {
		opts := web.Options{
			Refresh: a.refresh,
			InspiroBot: func(ctx context.Context) (string, error) {
				return a.fetch.InspiroBot(ctx, a.cfg.InspiroBotURL)
			},
			PreviewPath: a.store.PreviewPath(),
			Next:        func() time.Time { return sched.Next(time.Now()) },
		}
		if a.battery != nil {
			opts.Battery = a.battery
		}
		srv := web.NewServer(a.cfg, a.frame, opts)
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}

	if pins := a.cfg.ButtonPins(); len(pins) > 0 {
		bs, err := buttons.Open(a.cfg.Buttons, pins)
		if err != nil {
			return err
		}
		g.Go(func() error { return buttons.Watch(ctx, bs, buttons.Opts{}) })
	}

	<-ctx.Done()
	err = g.Wait()
	appLog.Info("epdframe exiting")
	return err
}
