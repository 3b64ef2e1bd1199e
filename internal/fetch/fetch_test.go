package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAcquirer(t *testing.T, opts Options) (*Acquirer, *int) {
	t.Helper()
	a := NewAcquirer(opts)
	sleeps := 0
	a.sleep = func(_ context.Context, _ time.Duration) error {
		sleeps++
		return nil
	}
	return a, &sleeps
}

func TestAcquireSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("imagedata"))
	}))
	defer srv.Close()

	a, sleeps := newTestAcquirer(t, Options{})
	img, err := a.Acquire(context.Background(), 42, srv.URL+"/ab/cd/abcdef.png")
	require.NoError(t, err)

	assert.Equal(t, []byte("imagedata"), img.Bytes)
	assert.Equal(t, "png", img.Ext)
	assert.Equal(t, "image/png", img.Mime)
	assert.Equal(t, "http", img.Source)
	assert.Zero(t, *sleeps)
}

func TestAcquireRetryThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a, sleeps := newTestAcquirer(t, Options{})
	img, err := a.Acquire(context.Background(), 42, srv.URL+"/x.jpg")
	require.NoError(t, err)

	assert.Equal(t, []byte("ok"), img.Bytes)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, *sleeps)
}

func TestAcquireAllAttemptsFail(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a, sleeps := newTestAcquirer(t, Options{})
	_, err := a.Acquire(context.Background(), 42, srv.URL+"/x.jpg")
	require.Error(t, err)

	assert.Contains(t, err.Error(), "download failed after 5 attempts")
	assert.Equal(t, int32(len(retrySchedule)), atomic.LoadInt32(&calls))
	assert.Equal(t, len(retrySchedule)-1, *sleeps)
}

func TestAcquireNoURL(t *testing.T) {
	a, _ := newTestAcquirer(t, Options{})
	_, err := a.Acquire(context.Background(), 42, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no URL available")
}

func TestAcquireSendsBrowserIdentity(t *testing.T) {
	var ua, referer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		referer = r.Header.Get("Referer")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a, _ := newTestAcquirer(t, Options{})
	_, err := a.Acquire(context.Background(), 42, srv.URL+"/x.jpg")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ua, "Mozilla/5.0 ("))
	assert.Equal(t, "https://danbooru.donmai.us/", referer)
}

func TestRandomHeaders(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := RandomHeaders()
		assert.True(t, strings.HasPrefix(h["User-Agent"], "Mozilla/5.0 ("))
		assert.Contains(t, h["User-Agent"], "Chrome/")
		assert.Equal(t, "?0", h["sec-ch-ua-mobile"])
		assert.Contains(t, h["sec-ch-ua"], "Chromium")
		assert.NotEmpty(t, h["sec-ch-ua-platform"])
	}
}

func TestExtFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://cdn.donmai.us/original/ab/cd/abcdef.jpg", "jpg"},
		{"https://example.com/a/b.PNG", "png"},
		{"https://example.com/noext", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extFromURL(tt.url), tt.url)
	}
}

func TestHFPicsFetch(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Path == "/datasets/picollect/danbooru/resolve/main/0/42.png" {
			w.Write([]byte("pngdata"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	c := NewHFPicsClient("picollect/danbooru", cacheDir)
	c.baseURL = srv.URL

	data, url, err := c.Fetch(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []byte("pngdata"), data)
	assert.True(t, strings.HasSuffix(url, "/0/42.png"))

	// jpg is tried before png.
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))

	t.Run("second fetch served from cache", func(t *testing.T) {
		data, _, err := c.Fetch(context.Background(), 42)
		require.NoError(t, err)
		assert.Equal(t, []byte("pngdata"), data)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	})
}

func TestHFPicsFetchBucketPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == fmt.Sprintf("/datasets/repo/resolve/main/%d/%d.jpg", 8273645/10000, 8273645) {
			w.Write([]byte("x"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHFPicsClient("repo", "")
	c.baseURL = srv.URL

	_, url, err := c.Fetch(context.Background(), 8273645)
	require.NoError(t, err)
	assert.Contains(t, url, "/827/8273645.jpg")
}

func TestHFPicsFetchMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHFPicsClient("repo", "")
	c.baseURL = srv.URL

	_, _, err := c.Fetch(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive has no image for id 42")
}

func TestAcquireArchiveFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/42.jpg") {
			w.Write([]byte("archived"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	archive := NewHFPicsClient("repo", "")
	archive.baseURL = srv.URL

	a, _ := newTestAcquirer(t, Options{Archive: archive, ArchiveFirst: true})
	img, err := a.Acquire(context.Background(), 42, "")
	require.NoError(t, err)

	assert.Equal(t, []byte("archived"), img.Bytes)
	assert.Equal(t, "archive", img.Source)
	assert.Equal(t, "jpg", img.Ext)
}

func TestSaveImage(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "images", "42.jpg")

	require.NoError(t, SaveImage([]byte("data"), out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}
