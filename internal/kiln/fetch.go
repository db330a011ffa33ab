package kiln

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

var gnuOriginalURLs = []string{"https://ftp.gnu.org/gnu", "http://ftp.gnu.org/gnu"}

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	// slow upstream mirrors
	transport.TLSHandshakeTimeout = 30 * time.Second

	// No overall timeout: a source download may take as long as it needs.
	return &http.Client{Transport: transport}
}

// applyGnuMirror rewrites ftp.gnu.org URLs to the configured mirror.
func applyGnuMirror(cfg *Config, originalURL string) string {
	if cfg == nil || cfg.GNUMirror == "" {
		return originalURL
	}
	for _, orig := range gnuOriginalURLs {
		if strings.HasPrefix(originalURL, orig+"/") {
			return cfg.GNUMirror + strings.TrimPrefix(originalURL, orig)
		}
	}
	return originalURL
}

// localSourcePath returns the filesystem path for file:// URLs and plain
// paths, or "" for remote URLs.
func localSourcePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	if u.Scheme == "file" {
		return u.Path
	}
	return ""
}

// sourceFileName is the cache file name for a source URL.
func sourceFileName(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("cannot derive a file name from %q", raw)
	}
	return name, nil
}

// FetchSource makes the recipe's source archive available locally and
// returns its path. Local sources are used in place; remote ones are
// downloaded once into the cache under an exclusive lock.
func FetchSource(ctx context.Context, cfg *Config, r *Recipe) (string, error) {
	if p := localSourcePath(r.Source.URL); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%w: %v", ErrFetch, err)
		}
		return p, nil
	}

	name, err := sourceFileName(r.Source.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	dir := filepath.Join(cfg.SourcesDir(), r.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create source cache %s: %w", dir, err)
	}
	absPath := filepath.Join(dir, name)

	if err := downloadFile(ctx, cfg, r.Source.URL, absPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return absPath, nil
}

// downloadFile fetches rawURL into absPath unless it is already cached.
func downloadFile(ctx context.Context, cfg *Config, rawURL, absPath string) error {
	lockPath := absPath + ".lock"

	// Create/Open a lock file to prevent races between concurrent kiln runs
	lFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Acquire an exclusive lock. This will block if another process is downloading.
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// Now that we have the lock, check if the file exists.
	if _, err := os.Stat(absPath); err == nil {
		debugf("Using cached %s\n", absPath)
		return nil
	}

	partPath := absPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", partPath, err)
	}
	defer os.Remove(partPath) // no-op after rename

	if strings.HasPrefix(rawURL, "s3://") {
		status(colSuccess, "Fetching %s", rawURL)
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			out.Close()
			return err
		}
		if err := client.Download(ctx, rawURL, out); err != nil {
			out.Close()
			return err
		}
	} else {
		finalURL := applyGnuMirror(cfg, rawURL)
		if finalURL != rawURL {
			status(colSuccess, "Using GNU mirror: %s", cfg.GNUMirror)
		}
		status(colSuccess, "Fetching %s", finalURL)
		if err := httpDownload(ctx, finalURL, out); err != nil {
			out.Close()
			return err
		}
	}

	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(partPath, absPath)
}

func httpDownload(ctx context.Context, rawURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := newHttpClient().Do(req)
	if err != nil {
		return fmt.Errorf("http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if showProgress() {
		bar := progressbar.DefaultBytes(resp.ContentLength, "downloading")
		defer bar.Finish()
		body = io.TeeReader(resp.Body, bar)
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("failed to write download: %w", err)
	}
	return nil
}

// showProgress is true when status output goes to an interactive terminal.
func showProgress() bool {
	f, ok := console.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// tryRemoveCachedFile deletes a cached download unless another process
// holds its lock.
func tryRemoveCachedFile(path string) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(path)
		return
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// Someone is downloading or verifying the file; skip cleanup.
		return
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = os.Remove(path)
	_ = os.Remove(lockPath)
}

// verifySource checks the fetched archive. A cached download that fails
// verification is dropped so the next run fetches it again; local sources
// are never removed.
func verifySource(r *Recipe, archive string) error {
	sum, err := ParseChecksum(r.Source.Checksum)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecipe, err)
	}
	if err := sum.VerifyFile(archive); err != nil {
		if localSourcePath(r.Source.URL) == "" {
			tryRemoveCachedFile(archive)
		}
		return err
	}
	debugf("Checksum ok: %s\n", sum)
	return nil
}
