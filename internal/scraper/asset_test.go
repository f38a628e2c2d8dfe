package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/cert/1/large/obverse.jpg", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://www.pcgs.com/", r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	})
	mux.HandleFunc("/cert/1/large/obverse.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	})
	mux.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp; charset=binary")
		w.Write([]byte("webp-bytes"))
	})
	mux.HandleFunc("/huge.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	})
	mux.HandleFunc("/empty.jpg", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/missing.jpg", http.NotFound)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAssets(t *testing.T) (*AssetStore, string) {
	dir := t.TempDir()
	a, err := NewAssetStore(AssetOptions{Dir: dir, URLPrefix: "data/images", Referer: "https://www.pcgs.com/"})
	require.NoError(t, err)
	return a, dir
}

func TestAssetStore_FetchWritesFile(t *testing.T) {
	srv := imageServer(t)
	a, dir := newTestAssets(t)

	p, err := a.Fetch(context.Background(), "12345678", srv.URL+"/cert/1/large/obverse.jpg")
	require.NoError(t, err)
	assert.Equal(t, "data/images/12345678.jpg", p)

	data, err := os.ReadFile(filepath.Join(dir, "12345678.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestAssetStore_NoURLIsNotAnError(t *testing.T) {
	a, _ := newTestAssets(t)
	p, err := a.Fetch(context.Background(), "1", "")
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestAssetStore_FailureIsAssetDownloadError(t *testing.T) {
	srv := imageServer(t)
	a, dir := newTestAssets(t)

	_, err := a.Fetch(context.Background(), "1", srv.URL+"/missing.jpg")
	require.Error(t, err)
	assert.Equal(t, KindAssetDownload, KindOf(err))
	assert.False(t, IsRetryable(err))

	_, err = a.Fetch(context.Background(), "1", "http://127.0.0.1:1/unreachable.jpg")
	require.Error(t, err)
	assert.Equal(t, KindAssetDownload, KindOf(err))

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "failed downloads must not leave files behind")
}

func TestAssetStore_RescrapeReplacesImage(t *testing.T) {
	srv := imageServer(t)
	a, dir := newTestAssets(t)
	ctx := context.Background()

	_, err := a.Fetch(ctx, "42", srv.URL+"/cert/1/large/obverse.jpg")
	require.NoError(t, err)
	p, err := a.Fetch(ctx, "42", srv.URL+"/cert/1/large/obverse.png")
	require.NoError(t, err)
	assert.Equal(t, "data/images/42.png", p)

	// another cert with a common prefix is left alone
	_, err = a.Fetch(ctx, "421", srv.URL+"/cert/1/large/obverse.jpg")
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(dir, "42.*"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "42.png")}, files)

	require.NoError(t, a.Remove("42"))
	files, _ = filepath.Glob(filepath.Join(dir, "*"))
	assert.Equal(t, []string{filepath.Join(dir, "421.jpg")}, files)

	assert.NoError(t, a.Remove("42"), "removing nothing is fine")
}

func TestAssetStore_SizeLimit(t *testing.T) {
	srv := imageServer(t)
	dir := t.TempDir()
	a, err := NewAssetStore(AssetOptions{Dir: dir, URLPrefix: "data/images", MaxBytes: 16})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Fetch(ctx, "7", srv.URL+"/cert/1/large/obverse.jpg")
	require.NoError(t, err)

	_, err = a.Fetch(ctx, "7", srv.URL+"/huge.jpg")
	require.Error(t, err)
	assert.Equal(t, KindAssetDownload, KindOf(err))
	assert.ErrorIs(t, err, errImageTooLarge)

	_, err = a.Fetch(ctx, "7", srv.URL+"/empty.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, errEmptyImage)

	// the earlier image is untouched and no temp files are left
	files, _ := filepath.Glob(filepath.Join(dir, "*"))
	assert.Equal(t, []string{filepath.Join(dir, "7.jpg")}, files)
	data, err := os.ReadFile(filepath.Join(dir, "7.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestImageExt(t *testing.T) {
	assert.Equal(t, ".jpg", imageExt("https://x/a/b.JPG", ""))
	assert.Equal(t, ".png", imageExt("https://x/a/b.png?v=2", ""))
	assert.Equal(t, ".webp", imageExt("https://x/image", "image/webp; charset=binary"))
	assert.Equal(t, ".jpg", imageExt("https://x/image.php", "text/html"))
}
