package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultMaxImageBytes caps a downloaded image when AssetOptions.MaxBytes is unset.
const DefaultMaxImageBytes = 20 << 20

var (
	errEmptyImage    = errors.New("empty body")
	errImageTooLarge = errors.New("image too large")
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true}

var contentTypeExts = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type AssetOptions struct {
	// Dir is where image files are written.
	Dir string
	// URLPrefix is joined with the file name to form the stored path.
	URLPrefix string
	UserAgent string
	Referer   string
	Timeout   time.Duration
	// MaxBytes is the largest image accepted. Zero means DefaultMaxImageBytes.
	MaxBytes int64
}

// AssetStore downloads certificate images and keeps at most one file per
// certificate in Dir.
type AssetStore struct {
	dir      string
	prefix   string
	maxBytes int64
	client   *resty.Client
}

func NewAssetStore(opts AssetOptions) (*AssetStore, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create images dir: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxImageBytes
	}

	client := resty.New()
	client.SetTimeout(opts.Timeout)
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.Referer != "" {
		client.SetHeader("Referer", opts.Referer)
	}

	return &AssetStore{dir: opts.Dir, prefix: opts.URLPrefix, maxBytes: opts.MaxBytes, client: client}, nil
}

// Client exposes the HTTP client so callers can add middleware.
func (a *AssetStore) Client() *resty.Client { return a.client }

// Fetch downloads imageURL and stores it as <cert><ext>, replacing whatever
// was cached for cert before. It returns the stored path, or "" when there
// is no image to fetch.
func (a *AssetStore) Fetch(ctx context.Context, cert, imageURL string) (string, error) {
	if imageURL == "" {
		return "", nil
	}

	// the body is streamed to disk so its size can be capped
	res, err := a.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(imageURL)
	if err != nil {
		return "", Errorf(KindAssetDownload, "asset", cert, "download %s: %w", imageURL, err)
	}
	body := res.RawBody()
	if body == nil {
		return "", Errorf(KindAssetDownload, "asset", cert, "download %s: %w", imageURL, errEmptyImage)
	}
	defer body.Close()

	if !res.IsSuccess() {
		return "", Errorf(KindAssetDownload, "asset", cert, "download %s: HTTP %d", imageURL, res.StatusCode())
	}

	name := cert + imageExt(imageURL, res.Header().Get("Content-Type"))
	n, err := a.write(cert, name, body)
	if err != nil {
		return "", Errorf(KindAssetDownload, "asset", cert, "download %s: %w", imageURL, err)
	}

	slog.DebugContext(ctx, "Image saved", "cert", cert, "file", name, "bytes", n)
	return path.Join(a.prefix, name), nil
}

// write copies at most maxBytes of r into place atomically, then drops files
// left over from an earlier image with a different extension. Nothing is
// replaced when the body is empty or over the limit.
func (a *AssetStore) write(cert, name string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(a.dir, cert+"-*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, io.LimitReader(r, a.maxBytes+1))
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	switch {
	case n == 0:
		return 0, errEmptyImage
	case n > a.maxBytes:
		return n, fmt.Errorf("%w: over %d bytes", errImageTooLarge, a.maxBytes)
	}

	target := filepath.Join(a.dir, name)
	if err := os.Rename(tmpName, target); err != nil {
		return n, err
	}

	stale, err := a.files(cert)
	if err != nil {
		return n, err
	}
	for _, f := range stale {
		if f != target {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				return n, err
			}
		}
	}
	return n, nil
}

// Remove deletes every cached image for cert.
func (a *AssetStore) Remove(cert string) error {
	files, err := a.files(cert)
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// files lists cached images for cert. Certificate numbers are validated to
// letters, digits and dashes, so they are safe inside a glob pattern.
func (a *AssetStore) files(cert string) ([]string, error) {
	return filepath.Glob(filepath.Join(a.dir, cert+".*"))
}

func imageExt(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if imageExts[ext] {
			return ext
		}
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	if ext, ok := contentTypeExts[strings.TrimSpace(strings.ToLower(mediaType))]; ok {
		return ext
	}
	return ".jpg"
}
