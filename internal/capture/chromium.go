// Package capture renders web pages to images with a headless Chromium.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/chromedp/chromedp"
)

// Default capture parameters, sized for the 12.48" panel in landscape.
const (
	DefaultWidth   = 1304
	DefaultHeight  = 984
	DefaultTimeout = 30 * time.Second
	DefaultSettle  = 500 * time.Millisecond
)

// Options defines parameters for a Chromium-based screenshot.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:8080/dashboard".
	URL string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// WaitSelector, when set, is a CSS selector that must be visible before
	// the screenshot is taken, e.g. `[data-ready="true"]`.
	WaitSelector string

	// Settle is an extra delay after load for final paints. Zero means
	// DefaultSettle; negative disables it.
	Settle time.Duration

	// Timeout bounds the entire capture. Zero means DefaultTimeout.
	Timeout time.Duration

	// ExecPath overrides the browser binary. Empty lets chromedp search.
	ExecPath string
}

func (o Options) withDefaults() (Options, error) {
	if o.URL == "" {
		return o, fmt.Errorf("capture: URL is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Settle == 0 {
		o.Settle = DefaultSettle
	}
	return o, nil
}

func (o Options) tasks(buf *[]byte) chromedp.Tasks {
	t := chromedp.Tasks{
		chromedp.EmulateViewport(int64(o.Width), int64(o.Height)),
		chromedp.Navigate(o.URL),
	}
	if o.WaitSelector != "" {
		t = append(t, chromedp.WaitVisible(o.WaitSelector, chromedp.ByQuery))
	}
	if o.Settle > 0 {
		t = append(t, chromedp.Sleep(o.Settle))
	}
	return append(t, chromedp.CaptureScreenshot(buf))
}

// Screenshot launches a headless Chromium via chromedp, loads opts.URL in a
// viewport of the requested size and returns a PNG of the viewport.
//
// The result is a full-color screenshot; reducing it to the panel palette is
// left to the caller.
func Screenshot(parent context.Context, opts Options) ([]byte, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("hide-scrollbars", true),
		chromedp.NoSandbox,
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, allocOpts...)
	defer cancelAlloc()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var buf []byte
	if err := chromedp.Run(ctx, opts.tasks(&buf)); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	return buf, nil
}

// Image is Screenshot decoded.
func Image(ctx context.Context, opts Options) (image.Image, error) {
	buf, err := Screenshot(ctx, opts)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("capture: decode screenshot: %w", err)
	}
	return img, nil
}
