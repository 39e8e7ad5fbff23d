// Package acquisition fetches SPL release archives from the DailyMed
// download site: list what is published, diff against the processed ledger,
// download what is new.
package acquisition

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gowthamrao/spl-load/pkg/types"
)

// Archive is one downloadable release archive as advertised on the source
// page. MD5 is the checksum the page publishes next to the link; it may be
// empty when the page omits it.
type Archive struct {
	Name string
	URL  string
	MD5  string
}

// Download is a fetched archive on local disk. SHA256 is the ledger
// checksum, computed over the bytes as they stream in.
type Download struct {
	Archive
	Path   string
	SHA256 string
}

// Client talks to the DailyMed site.
type Client struct {
	http        *http.Client
	sourceURL   string
	downloadDir string
	log         *zap.Logger
}

func NewClient(sourceURL, downloadDir string, log *zap.Logger) *Client {
	return &Client{
		http:        &http.Client{Timeout: 5 * time.Minute},
		sourceURL:   sourceURL,
		downloadDir: downloadDir,
		log:         log,
	}
}

var (
	zipHrefRe = regexp.MustCompile(`href="([^"]+\.zip)"`)
	md5Re     = regexp.MustCompile(`MD5 checksum:\s*([0-9a-fA-F]{32})`)
)

// ListArchives scrapes the download page for zip links and their published
// MD5 checksums. Transient HTTP failures retry with exponential backoff.
func (c *Client) ListArchives(ctx context.Context) ([]Archive, error) {
	var body []byte
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sourceURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	if err := backoff.Retry(fetch, retryPolicy(ctx)); err != nil {
		return nil, &types.AcquisitionError{Archive: c.sourceURL, Err: err}
	}

	text := string(body)
	var archives []Archive
	seen := make(map[string]bool)
	for _, m := range zipHrefRe.FindAllStringSubmatchIndex(text, -1) {
		href := text[m[2]:m[3]]
		name := path.Base(href)
		if seen[name] {
			continue
		}
		seen[name] = true

		a := Archive{Name: name, URL: href}
		// The checksum sits in the same list item, shortly after the link.
		window := text[m[1]:min(len(text), m[1]+600)]
		if cm := md5Re.FindStringSubmatch(window); cm != nil {
			a.MD5 = strings.ToLower(cm[1])
		}
		archives = append(archives, a)
	}

	if len(archives) == 0 {
		c.log.Warn("no archives found on source page, its structure may have changed",
			zap.String("url", c.sourceURL))
	} else {
		c.log.Info("archive list fetched",
			zap.String("url", c.sourceURL), zap.Int("count", len(archives)))
	}
	return archives, nil
}

// SelectNew returns the archives not yet in the processed ledger, sorted by
// name so runs are deterministic.
func SelectNew(available []Archive, processed map[string]string) []Archive {
	var out []Archive
	for _, a := range available {
		if _, done := processed[a.Name]; !done {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fetch downloads one archive into the download directory, verifying the
// published MD5 when present and computing the ledger SHA-256 on the way
// through. Network failures retry; a checksum mismatch does not.
func (c *Client) Fetch(ctx context.Context, a Archive) (*Download, error) {
	if err := os.MkdirAll(c.downloadDir, 0o755); err != nil {
		return nil, &types.AcquisitionError{Archive: a.Name, Err: err}
	}
	dest := filepath.Join(c.downloadDir, a.Name)

	var sha string
	attempt := func() error {
		var err error
		sha, err = c.fetchOnce(ctx, a, dest)
		return err
	}
	if err := backoff.Retry(attempt, retryPolicy(ctx)); err != nil {
		_ = os.Remove(dest)
		return nil, &types.AcquisitionError{Archive: a.Name, Err: err}
	}
	c.log.Info("archive downloaded",
		zap.String("archive", a.Name), zap.String("sha256", sha))
	return &Download{Archive: a, Path: dest, SHA256: sha}, nil
}

func (c *Client) fetchOnce(ctx context.Context, a Archive, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	md5sum := md5.New()
	shasum := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, md5sum, shasum), resp.Body); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", backoff.Permanent(err)
	}

	if a.MD5 != "" {
		got := hex.EncodeToString(md5sum.Sum(nil))
		if got != a.MD5 {
			_ = os.Remove(dest)
			// A corrupted publication will not heal on retry.
			return "", backoff.Permanent(fmt.Errorf(
				"checksum mismatch: want %s, got %s", a.MD5, got))
		}
	}
	return hex.EncodeToString(shasum.Sum(nil)), nil
}

// FetchAll downloads archives concurrently, at most parallel at a time, and
// returns the results in the input order. The first failure cancels the
// rest.
func (c *Client) FetchAll(ctx context.Context, archives []Archive, parallel int) ([]*Download, error) {
	if parallel <= 0 {
		parallel = 4
	}
	downloads := make([]*Download, len(archives))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, a := range archives {
		g.Go(func() error {
			d, err := c.Fetch(gctx, a)
			if err != nil {
				return err
			}
			downloads[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return downloads, nil
}

func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}
