// Package source fetches the images shown on the frame: whole pictures,
// pre-quantized quadrant rectangles and InspiroBot posters.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "epdframe/internal/log"
)

// DefaultTimeout bounds one HTTP request.
const DefaultTimeout = 15 * time.Second

// maxBody caps a response body; a full 12.48" RGB PNG is far below it.
const maxBody = 32 << 20

// Result is the outcome of one fetch.
type Result struct {
	URL         string
	Body        []byte
	ContentType string
	// FromCache is true when the body came from the disk cache, either on
	// 304 Not Modified or as a fallback after a failed request.
	FromCache bool
}

// cacheEntry holds HTTP cache metadata for a single URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher performs GETs with optional ETag / Last-Modified caching on disk.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher. An empty cacheDir disables the cache; a
// nil client uses one with DefaultTimeout.
func NewFetcher(client *http.Client, cacheDir string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Fetch GETs u. When caching is enabled, conditional headers are sent and
// a cached body is reused on 304 or when the server cannot be reached.
func (f *Fetcher) Fetch(ctx context.Context, u string) (Result, error) {
	if u == "" {
		return Result{}, errors.New("source: URL is empty")
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(u)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return Result{}, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = os.ReadFile(filepath.Join(cachePath, "body"))
	}
	cached := Result{URL: u, Body: cachedBody, ContentType: meta.ContentType, FromCache: true}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, fmt.Errorf("source: %w", err)
	}
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("source: fetch", "url", redactURL(u))
	resp, err := f.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 && ctx.Err() == nil {
			appLog.Warn("source: fetch failed, using cached body", "url", redactURL(u), "err", err)
			return cached, nil
		}
		return Result{}, fmt.Errorf("source: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
		if err != nil {
			return Result{}, fmt.Errorf("source: read %s: %w", redactURL(u), err)
		}
		if len(body) > maxBody {
			return Result{}, fmt.Errorf("source: %s: body exceeds %d bytes", redactURL(u), maxBody)
		}
		res := Result{URL: u, Body: body, ContentType: resp.Header.Get("Content-Type")}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          u,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				ContentType:  res.ContentType,
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("source: cache save failed", err, "url", redactURL(u))
			}
		}
		return res, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return Result{}, errors.New("source: 304 Not Modified without a cached body")
		}
		appLog.Debug("source: not modified, using cache", "url", redactURL(u))
		return cached, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Warn("source: non-OK status, using cached body", "url", redactURL(u), "status", resp.StatusCode)
			return cached, nil
		}
		return Result{}, &StatusError{URL: redactURL(u), Code: resp.StatusCode}
	}
}

// StatusError is a non-OK HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("source: GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; paths and queries may carry tokens.
func redactURL(u string) string {
	p, err := url.Parse(u)
	if err != nil || p.Host == "" {
		return "...(redacted)"
	}
	return p.Scheme + "://" + p.Host + "/...(redacted)"
}
