package install

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/net/http/httpproxy"
)

// newHTTPClient returns a client honoring proxyURL, or the HTTP_PROXY,
// HTTPS_PROXY and NO_PROXY environment when proxyURL is empty.
func newHTTPClient(proxyURL string) *http.Client {
	cfg := httpproxy.FromEnvironment()
	if proxyURL != "" {
		cfg.HTTPProxy = proxyURL
		cfg.HTTPSProxy = proxyURL
	}
	proxy := cfg.ProxyFunc()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = func(req *http.Request) (*url.URL, error) { return proxy(req.URL) }
	return &http.Client{Transport: transport}
}

func archiveName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if _, err := archiveKind(name); err != nil {
		return "", err
	}
	return name, nil
}

// download fetches rawURL into dest unless a plausible copy is already there.
// The body must match Content-Length when one is sent and be at least
// minBytes long.
func download(ctx context.Context, client *http.Client, rawURL, dest string, minBytes int64, progress func(string)) error {
	if fi, err := os.Stat(dest); err == nil && fi.Size() >= minBytes {
		progress(fmt.Sprintf("using cached archive %s (%d bytes)", filepath.Base(dest), fi.Size()))
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", rawURL, resp.Status)
	}
	progress(fmt.Sprintf("downloading %s", rawURL))

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return fmt.Errorf("download truncated: got %d of %d bytes", n, resp.ContentLength)
	}
	if n < minBytes {
		return fmt.Errorf("downloaded archive too small: %d bytes, expected at least %d", n, minBytes)
	}
	progress(fmt.Sprintf("downloaded %d bytes", n))
	return os.Rename(tmpName, dest)
}
