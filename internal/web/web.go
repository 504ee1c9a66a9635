// Package web serves the frame's HTTP API: health, preview, status, manual
// refresh and the last frame as PNG or "bwr-raw" rectangles.
package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"epdframe/internal/battery"
	"epdframe/internal/bwr"
	"epdframe/internal/config"
	"epdframe/internal/convert"
	"epdframe/internal/frame"
	appLog "epdframe/internal/log"
	"epdframe/internal/source"
	"epdframe/internal/store"
)

// Options wires the server to the rest of the application.
type Options struct {
	// Refresh runs one refresh cycle. Nil disables POST /api/refresh.
	Refresh frame.Job
	// InspiroBot generates a poster URL. Nil disables /inspiration.
	InspiroBot func(ctx context.Context) (string, error)
	// PreviewPath is served as /preview.png before any frame was shown in
	// this process.
	PreviewPath string
	// Next reports the next scheduled refresh, if any.
	Next func() time.Time
	// Battery, if set, is reported in /api/status.
	Battery BatteryReader
}

// BatteryReader reads the battery level. *battery.Gauge implements it.
type BatteryReader interface {
	Read(ctx context.Context) (battery.Status, error)
}

// Server provides the HTTP API.
type Server struct {
	cfg   *config.Config
	frame *frame.Frame
	opts  Options
	mux   *http.ServeMux

	refreshing atomic.Bool
	// refreshCtx parents background refreshes; Close cancels it.
	refreshCtx    context.Context
	refreshCancel context.CancelFunc
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, f *frame.Frame, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		frame:         f,
		opts:          opts,
		mux:           http.NewServeMux(),
		refreshCtx:    ctx,
		refreshCancel: cancel,
	}
	s.registerRoutes()
	return s
}

// Close cancels a background refresh started by the API.
func (s *Server) Close() {
	s.refreshCancel()
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epdframe", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx ends, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/frame", s.handleFrame)
	s.mux.HandleFunc("GET /inspiration", s.handleInspiration)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handlePreview serves the last frame in the panel palette. Before any frame
// was shown it falls back to the preview stored on disk.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	last, ok := s.frame.Last()
	if !ok {
		if s.opts.PreviewPath == "" {
			http.NotFound(w, r)
			return
		}
		// http.ServeFile 가 파일 존재/권한 문제에 대해 적절한 상태코드를 반환해 준다.
		http.ServeFile(w, r, s.opts.PreviewPath)
		return
	}
	data, err := store.Preview(last.Planes)
	if err != nil {
		appLog.Error("preview encode failed", err)
		writeError(w, http.StatusInternalServerError, "failed to render preview")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Last-Modified", last.At.UTC().Format(http.TimeFormat))
	_, _ = w.Write(data)
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Model       string          `json:"model"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	State       string          `json:"state"`
	Source      string          `json:"source"`
	Refreshing  bool            `json:"refreshing"`
	NextRefresh *time.Time      `json:"next_refresh,omitempty"`
	Last        *lastFrameInfo  `json:"last,omitempty"`
	Battery     *battery.Status `json:"battery,omitempty"`
}

type lastFrameInfo struct {
	Source     string          `json:"source"`
	At         time.Time       `json:"at"`
	TookMillis int64           `json:"took_ms"`
	Counts     map[string]int  `json:"counts"`
	Thresholds *bwr.Thresholds `json:"thresholds,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m := s.frame.Model()
	resp := statusResponse{
		Model:      m.Name,
		Width:      m.Width,
		Height:     m.Height,
		State:      s.frame.State().String(),
		Source:     s.cfg.Source,
		Refreshing: s.refreshing.Load(),
	}
	if s.opts.Next != nil {
		if next := s.opts.Next(); !next.IsZero() {
			resp.NextRefresh = &next
		}
	}
	if last, ok := s.frame.Last(); ok {
		info := &lastFrameInfo{
			Source:     last.Source,
			At:         last.At,
			TookMillis: last.Took.Milliseconds(),
		}
		if tri, err := convert.Unpack(last.Planes); err == nil {
			c := tri.Count()
			info.Counts = map[string]int{}
			for l, n := range c {
				info.Counts[bwr.Level(l).String()] = n
			}
		}
		if last.Quantized {
			t := last.Thresholds
			info.Thresholds = &t
		}
		resp.Last = info
	}
	if s.opts.Battery != nil {
		// 배터리 읽기 실패는 status 전체를 실패시키지 않는다.
		if b, err := s.opts.Battery.Read(r.Context()); err != nil {
			appLog.Error("battery read failed", err)
		} else {
			resp.Battery = &b
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh starts a refresh in the background. Only one runs at a time.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Refresh == nil {
		writeError(w, http.StatusNotImplemented, "refresh is not configured")
		return
	}
	if !s.refreshing.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "refresh already running")
		return
	}
	go func() {
		defer s.refreshing.Store(false)
		if err := s.opts.Refresh(s.refreshCtx); err != nil {
			appLog.Error("manual refresh failed", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleFrame serves a rectangle of the last frame.
//
// GET /api/frame?x=0&y=0&width=648&height=492&format=bwr-raw
//   - x, y:          top-left corner (기본 0)
//   - width, height: size (기본 전체 화면)
//   - format:        "png" (default) or "bwr-raw"; bwr-raw needs x and
//     width to be multiples of 8
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	last, ok := s.frame.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no frame shown yet")
		return
	}

	q := r.URL.Query()
	fw, fh := last.Planes.Width(), last.Planes.Height()
	x := parseIntDefault(q.Get("x"), 0)
	y := parseIntDefault(q.Get("y"), 0)
	rect := image.Rect(x, y, x+parseIntDefault(q.Get("width"), fw-x), y+parseIntDefault(q.Get("height"), fh-y))

	format := q.Get("format")
	if format == "" {
		format = "png"
	}
	if format == source.FormatRaw && (rect.Min.X%8 != 0 || rect.Dx()%8 != 0) {
		writeError(w, http.StatusBadRequest, "bwr-raw needs x and width to be multiples of 8")
		return
	}

	sub, err := last.Planes.Crop(rect)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch format {
	case source.FormatRaw:
		raw, err := sub.Raw()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
		_, _ = w.Write(raw)
	case "png":
		tri, err := convert.Unpack(sub)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, tri.RGBA()); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encode png")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = buf.WriteTo(w)
	default:
		writeError(w, http.StatusBadRequest, "unknown format "+strconv.Quote(format))
	}
}

// handleInspiration redirects to a freshly generated InspiroBot poster.
func (s *Server) handleInspiration(w http.ResponseWriter, r *http.Request) {
	if s.opts.InspiroBot == nil {
		writeError(w, http.StatusNotImplemented, "inspirobot is not configured")
		return
	}
	u, err := s.opts.InspiroBot(r.Context())
	if err != nil {
		appLog.Error("inspirobot generate failed", err)
		writeError(w, http.StatusBadGateway, "generate failed")
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
