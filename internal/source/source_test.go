package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdframe/internal/convert"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImage(t *testing.T) {
	body := pngBytes(t, 4, 3, color.NRGBA{R: 200, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	img, err := NewFetcher(srv.Client(), "").Image(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())
}

func TestImageRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), "").Image(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "decode image")
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), "").Fetch(context.Background(), srv.URL+"/secret?token=x")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.NotContains(t, err.Error(), "token")
}

func TestFetchCache(t *testing.T) {
	var hits, fail atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() != 0 {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("body-v1"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), t.TempDir())
	ctx := context.Background()

	res, err := f.Fetch(ctx, srv.URL)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, "body-v1", string(res.Body))

	res, err = f.Fetch(ctx, srv.URL)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "body-v1", string(res.Body))
	assert.Equal(t, "image/png", res.ContentType)

	fail.Store(1)
	res, err = f.Fetch(ctx, srv.URL)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(3), hits.Load())
}

func TestQuadrantURL(t *testing.T) {
	u, err := QuadrantURL("http://mate/screenshots/1?dither=1", image.Rect(648, 492, 1304, 984))
	require.NoError(t, err)
	p, err := url.Parse(u)
	require.NoError(t, err)
	q := p.Query()
	assert.Equal(t, "648", q.Get("x"))
	assert.Equal(t, "492", q.Get("y"))
	assert.Equal(t, "656", q.Get("width"))
	assert.Equal(t, "492", q.Get("height"))
	assert.Equal(t, FormatRaw, q.Get("format"))
	assert.Equal(t, "1", q.Get("dither"))
	assert.Equal(t, "/screenshots/1", p.Path)
}

func TestQuadrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var width, height int
		fmt.Sscan(q.Get("width"), &width)
		fmt.Sscan(q.Get("height"), &height)
		if q.Get("x") == "8" {
			// one byte short
			w.Write(make([]byte, convert.RawSize(width, height)-1))
			return
		}
		raw := make([]byte, convert.RawSize(width, height))
		// first pixel red, the rest black
		raw[len(raw)/2] = 0x80
		w.Write(raw)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), "")
	p, err := f.Quadrant(context.Background(), srv.URL, image.Rect(0, 0, 8, 2))
	require.NoError(t, err)
	assert.Equal(t, 8, p.Width())
	assert.True(t, p.Red.Asserted(0, 0))
	assert.False(t, p.White.Asserted(0, 0))
	assert.True(t, p.White.Asserted(1, 0))

	_, err = f.Quadrant(context.Background(), srv.URL, image.Rect(8, 0, 16, 2))
	assert.ErrorIs(t, err, convert.ErrMalformed)
}

func TestInspiroBot(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api":
			assert.Equal(t, "true", r.URL.Query().Get("generate"))
			fmt.Fprintf(w, "%s/a/poster.png\n", srvURL)
		case "/a/poster.png":
			w.Write(pngBytes(t, 2, 2, color.White))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	f := NewFetcher(srv.Client(), t.TempDir())
	u, err := f.InspiroBot(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/a/poster.png", u)

	img, err := f.InspiroBotImage(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
}

func TestInspiroBotRejectsNonURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), "").InspiroBot(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "not an image URL")
}
