package bashim

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"quotebot/internal/quote"
	"quotebot/pkg/logx"
)

// AssetResult is the outcome of one asset download.
type AssetResult struct {
	QuoteID int64
	URL     string
	Path    string
	// Skipped is true when the file was already on disk.
	Skipped bool
	Err     error
}

func (r AssetResult) OK() bool { return r.Err == nil }

// FetchAssets downloads every asset of q into <dir>/<quote id>/. Failures are
// reported per asset, wrapped with quote.ErrAsset, and never stop the
// remaining downloads.
func (c *Client) FetchAssets(ctx context.Context, q quote.Quote, dir string) []AssetResult {
	if len(q.Assets) == 0 {
		return nil
	}
	out := make([]AssetResult, 0, len(q.Assets))
	for _, a := range q.Assets {
		res := AssetResult{QuoteID: q.ID, URL: a.URL}
		dst, err := assetPath(dir, q.ID, a.URL)
		if err != nil {
			res.Err = assetErr(err)
			out = append(out, res)
			continue
		}
		res.Path = dst
		if _, err := os.Stat(dst); err == nil {
			res.Skipped = true
			out = append(out, res)
			continue
		}
		if err := c.download(ctx, a.URL, dst); err != nil {
			res.Err = assetErr(err)
			c.log.Warn("asset download failed", logx.Int64("quote_id", q.ID), logx.String("url", a.URL), logx.Err(err))
		}
		out = append(out, res)
	}
	return out
}

func (c *Client) download(ctx context.Context, rawURL, dst string) error {
	_, body, err := c.get(ctx, rawURL)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// assetPath maps an asset URL to <dir>/<id>/<basename>, refusing names that
// would escape the directory.
func assetPath(dir string, id int64, rawURL string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("assets dir is not configured")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("bad asset url %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || name == ".." || strings.ContainsAny(name, `\:`) {
		return "", fmt.Errorf("asset url %q has no usable file name", rawURL)
	}
	return filepath.Join(dir, strconv.FormatInt(id, 10), name), nil
}

func assetErr(err error) error {
	return fmt.Errorf("%w: %w", quote.ErrAsset, err)
}

// Paths returns the local paths of results that are on disk.
func Paths(results []AssetResult) []string {
	var out []string
	for _, r := range results {
		if r.Err == nil && r.Path != "" {
			out = append(out, r.Path)
		}
	}
	return out
}
