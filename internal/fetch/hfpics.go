package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"dancap/internal/logging"
)

const defaultHFBase = "https://huggingface.co"

// Archive buckets group images by id to keep directory listings manageable.
const hfBucketSize = 10000

// candidate extensions tried against the archive, most common first.
var hfExtensions = []string{"jpg", "png", "webp", "jpeg"}

// HFPicsClient fetches images from the HuggingFace-hosted archive.
// Files live under <base>/datasets/<repo>/resolve/main/<id/10000>/<id>.<ext>.
// Downloads are cached on disk when a cache dir is configured.
type HFPicsClient struct {
	repo     string
	cacheDir string
	baseURL  string
	client   *http.Client
	log      *logging.Logger
}

// NewHFPicsClient builds an archive client for the given dataset repo.
// cacheDir may be empty to disable the local cache.
func NewHFPicsClient(repo, cacheDir string) *HFPicsClient {
	return &HFPicsClient{
		repo:     repo,
		cacheDir: cacheDir,
		baseURL:  defaultHFBase,
		client:   &http.Client{Timeout: 60 * time.Second},
		log:      logging.Get(logging.CategoryFetch),
	}
}

func (c *HFPicsClient) resolveURL(id int64, ext string) string {
	return fmt.Sprintf("%s/datasets/%s/resolve/main/%d/%d.%s",
		c.baseURL, c.repo, id/hfBucketSize, id, ext)
}

func (c *HFPicsClient) cachePath(id int64, ext string) string {
	return filepath.Join(c.cacheDir, fmt.Sprintf("%d.%s", id, ext))
}

// Fetch retrieves an image by id, trying the candidate extensions in order.
// Returns the bytes and the archive URL that served them; the caller derives
// the extension from that URL.
func (c *HFPicsClient) Fetch(ctx context.Context, id int64) ([]byte, string, error) {
	if c.cacheDir != "" {
		for _, ext := range hfExtensions {
			path := c.cachePath(id, ext)
			if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
				c.log.Debug("id %d: archive cache hit (%s)", id, path)
				return data, c.resolveURL(id, ext), nil
			}
		}
	}

	var lastErr error
	for _, ext := range hfExtensions {
		url := c.resolveURL(id, ext)
		data, err := c.fetchURL(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}

		if c.cacheDir != "" {
			if err := os.MkdirAll(c.cacheDir, 0755); err == nil {
				if err := os.WriteFile(c.cachePath(id, ext), data, 0644); err != nil {
					c.log.Warn("id %d: failed to cache archive image: %v", id, err)
				}
			}
		}

		c.log.Info("id %d: fetched %d bytes from archive", id, len(data))
		return data, url, nil
	}

	return nil, "", fmt.Errorf("archive has no image for id %d: %w", id, lastErr)
}

func (c *HFPicsClient) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build archive request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archive request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("archive returned status %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive response: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("archive returned empty body for %s", url)
	}
	return data, nil
}
