package fetch

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"dancap/internal/logging"
)

// wgetAvailable reports whether the system wget binary can be used.
func wgetAvailable() bool {
	_, err := exec.LookPath("wget")
	return err == nil
}

// downloadWithWget fetches a URL through the system wget binary, which
// handles CDN quirks (redirect chains, partial transfers) better than a bare
// HTTP client. Returns the downloaded bytes or an error.
func downloadWithWget(ctx context.Context, url string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "dancap-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	headers := RandomHeaders()
	cmd := exec.CommandContext(ctx, "wget",
		"--quiet",
		"--tries=3",
		"--timeout=60",
		"--user-agent="+headers["User-Agent"],
		"--referer="+headers["Referer"],
		"-O", tmpPath,
		url,
	)

	logging.FetchDebug("wget %s", url)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("wget failed: %w (%s)", err, string(out))
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wget output: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("wget produced an empty file for %s", url)
	}
	return data, nil
}
