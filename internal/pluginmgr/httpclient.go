package pluginmgr

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/proformatique/provd/internal/resilience"
)

// HTTPCatalogSource fetches the installable catalog from a plugin server
// over HTTP, grounded on the teacher's
// internal/infrastructure/publishing/discovery_manager.go remote-fetch
// shape and on the original provd's plugin_server configure-service
// parameter (spec §4.3/§4.9): GET {BaseURL}/plugins.json returns the
// installable catalog as a JSON array of Record.
type HTTPCatalogSource struct {
	BaseURL string
	Client  *http.Client
}

func (s *HTTPCatalogSource) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// Fetch implements CatalogSource.
func (s *HTTPCatalogSource) Fetch(ctx context.Context) ([]Record, error) {
	url := strings.TrimRight(s.BaseURL, "/") + "/plugins.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var records []Record
	err = resilience.WithRetry(ctx, resilience.DefaultRetryPolicy(), func() error {
		resp, err := s.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("pluginmgr: fetch catalog: unexpected status %d", resp.StatusCode)
		}
		records = nil
		return json.NewDecoder(resp.Body).Decode(&records)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// HTTPInstaller downloads a plugin package (a gzipped tarball named
// {id}.tar.gz under BaseURL) and extracts it under PluginRoot/{id},
// reporting byte progress as it streams (grounded on the original
// provd's download.py, which drives an OperationInProgress from a
// streaming download hook — ported here to Go progress callbacks
// instead of Twisted deferreds).
type HTTPInstaller struct {
	BaseURL    string
	PluginRoot string
	Client     *http.Client
}

func (i *HTTPInstaller) httpClient() *http.Client {
	if i.Client != nil {
		return i.Client
	}
	return http.DefaultClient
}

// Install implements Installer.
func (i *HTTPInstaller) Install(ctx context.Context, id string, progress func(current, end int)) error {
	url := strings.TrimRight(i.BaseURL, "/") + "/" + id + ".tar.gz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	return resilience.WithRetry(ctx, resilience.DefaultRetryPolicy(), func() error {
		resp, err := i.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("pluginmgr: download %q: unexpected status %d", id, resp.StatusCode)
		}
		if progress != nil {
			progress(0, int(resp.ContentLength))
		}
		return extractTarGz(&countingReader{r: resp.Body, progress: progress, end: int(resp.ContentLength)}, filepath.Join(i.PluginRoot, id))
	})
}

// Uninstall implements Installer by removing the plugin's directory.
func (i *HTTPInstaller) Uninstall(ctx context.Context, id string) error {
	return os.RemoveAll(filepath.Join(i.PluginRoot, id))
}

type countingReader struct {
	r        io.Reader
	progress func(current, end int)
	current  int
	end      int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.current += n
	if c.progress != nil && n > 0 {
		c.progress(c.current, c.end)
	}
	return n, err
}

func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("pluginmgr: open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pluginmgr: read tar entry: %w", err)
		}

		target := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("pluginmgr: tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}
