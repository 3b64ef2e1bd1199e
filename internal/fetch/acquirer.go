// Package fetch acquires image bytes from two sources: the HuggingFace
// archive and the CDN. CDN downloads prefer the system wget binary and fall
// back to an internal HTTP client with a fixed retry ladder.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"dancap/internal/logging"
	"dancap/internal/store"
)

// retrySchedule is the CDN backoff ladder. Independent from the model
// client's exponential schedule: these delays address CDN throttling.
var retrySchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

const requestTimeout = 60 * time.Second

// Image is an acquired image ready for the model request.
type Image struct {
	Bytes  []byte
	Mime   string
	Ext    string
	Source string // "archive", "wget", or "http"
	URL    string
}

// Options configures an Acquirer.
type Options struct {
	// Archive client; nil disables the archive source.
	Archive *HFPicsClient

	// Try the archive before the CDN when no override URL is given.
	ArchiveFirst bool

	// Use the system wget binary when present.
	UseWget bool
}

// Acquirer fetches image bytes with source preference and retries.
type Acquirer struct {
	archive      *HFPicsClient
	archiveFirst bool
	useWget      bool

	client *http.Client
	log    *logging.Logger

	// sleep is replaced in tests to skip the retry ladder.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewAcquirer builds an image acquirer.
func NewAcquirer(opts Options) *Acquirer {
	useWget := opts.UseWget
	if useWget && !wgetAvailable() {
		logging.FetchWarn("wget not found on PATH, using internal HTTP client")
		useWget = false
	}
	return &Acquirer{
		archive:      opts.Archive,
		archiveFirst: opts.ArchiveFirst,
		useWget:      useWget,
		client:       &http.Client{Timeout: requestTimeout},
		log:          logging.Get(logging.CategoryFetch),
		sleep:        sleepCtx,
	}
}

// Acquire fetches the image for an id. When the archive is preferred and no
// override URL is given, the archive is tried first; otherwise the URL is
// downloaded, preferring wget, falling back to the HTTP retry ladder.
func (a *Acquirer) Acquire(ctx context.Context, id int64, url string) (*Image, error) {
	if a.archiveFirst && a.archive != nil && url == "" {
		img, err := a.fromArchive(ctx, id)
		if err == nil {
			return img, nil
		}
		a.log.Warn("id %d: archive fetch failed, falling back to CDN: %v", id, err)
	}

	if url == "" {
		return nil, fmt.Errorf("no URL available for id %d", id)
	}

	ext := extFromURL(url)
	mime := store.MimeForExt(ext)

	if a.useWget {
		data, err := downloadWithWget(ctx, url)
		if err == nil {
			a.log.Info("id %d: downloaded %d bytes via wget", id, len(data))
			return &Image{Bytes: data, Mime: mime, Ext: ext, Source: "wget", URL: url}, nil
		}
		a.log.Warn("id %d: wget failed, using HTTP client: %v", id, err)
	}

	data, err := a.downloadHTTP(ctx, id, url)
	if err != nil {
		return nil, err
	}
	return &Image{Bytes: data, Mime: mime, Ext: ext, Source: "http", URL: url}, nil
}

func (a *Acquirer) fromArchive(ctx context.Context, id int64) (*Image, error) {
	data, picURL, err := a.archive.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	// Derive the extension from the archive-recorded URL; default to jpeg.
	ext := extFromURL(picURL)
	if ext == "" {
		ext = "jpg"
	}
	return &Image{
		Bytes:  data,
		Mime:   store.MimeForExt(ext),
		Ext:    ext,
		Source: "archive",
		URL:    picURL,
	}, nil
}

// downloadHTTP walks the retry ladder with a fresh randomized identity per
// attempt. Returns on the first 200; otherwise reports the last observed
// failure.
func (a *Acquirer) downloadHTTP(ctx context.Context, id int64, url string) ([]byte, error) {
	var lastErr error

	for attempt, delay := range retrySchedule {
		if attempt > 0 {
			a.log.Debug("id %d: waiting %v before attempt %d/%d", id, retrySchedule[attempt-1], attempt+1, len(retrySchedule))
		}

		data, err := a.tryOnce(ctx, url)
		if err == nil {
			a.log.Info("id %d: downloaded %d bytes (attempt %d)", id, len(data), attempt+1)
			return data, nil
		}
		lastErr = err
		a.log.Warn("id %d: download attempt %d/%d failed: %v", id, attempt+1, len(retrySchedule), err)

		if attempt < len(retrySchedule)-1 {
			if err := a.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", len(retrySchedule), lastErr)
}

func (a *Acquirer) tryOnce(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range RandomHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return data, nil
}

// extFromURL returns the lowercase extension of a URL path, without the dot.
func extFromURL(url string) string {
	ext := path.Ext(url)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SaveImage writes acquired bytes to a local file, creating parent
// directories as needed.
func SaveImage(data []byte, outputPath string) error {
	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create image directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	logging.FetchDebug("image saved to %s", outputPath)
	return nil
}
