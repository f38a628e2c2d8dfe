package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-certscraper/internal/scraper"
	"go-certscraper/internal/scraper/engine"
	"go-certscraper/pkg/models"
)

type fakeService struct {
	scrape    func(ctx context.Context, cert string) (*engine.Result, error)
	records   map[string]models.CoinRecord
	lastQuery models.ListQuery
	listErr   error
}

func (f *fakeService) Scrape(ctx context.Context, cert string) (*engine.Result, error) {
	return f.scrape(ctx, cert)
}

func (f *fakeService) Get(_ context.Context, cert string) (*models.CoinRecord, error) {
	if err := scraper.ValidateCertNumber(cert); err != nil {
		return nil, err
	}
	rec, ok := f.records[cert]
	if !ok {
		return nil, scraper.Errorf(scraper.KindNotFound, "get", cert, "no stored record")
	}
	return &rec, nil
}

func (f *fakeService) List(_ context.Context, q models.ListQuery) ([]models.CoinRecord, int, error) {
	f.lastQuery = q
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var out []models.CoinRecord
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, len(out), nil
}

func (f *fakeService) Delete(_ context.Context, cert string) (bool, error) {
	_, ok := f.records[cert]
	delete(f.records, cert)
	return ok, nil
}

func str(s string) *string { return &s }

func newTestRouter(t *testing.T, svc Service, opts RouterOptions) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(NewHandler(svc, time.Second), opts)
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestScrapeEndpoint(t *testing.T) {
	svc := &fakeService{scrape: func(ctx context.Context, cert string) (*engine.Result, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline, "scrape requests are bounded")
		return &engine.Result{
			Record:   models.CoinRecord{CertNumber: cert, Grade: str("MS 65")},
			Warnings: []string{"image failed"},
			Attempts: 2,
			Created:  true,
		}, nil
	}}
	r := newTestRouter(t, svc, RouterOptions{})

	w := do(r, http.MethodPost, "/api/scrape", `{"cert_number": " 12345678 "}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["attempts"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "12345678", data["cert_number"])
	assert.Equal(t, "MS 65", data["grade"])
	assert.NotContains(t, data, "mintage", "absent fields are omitted")
	assert.Equal(t, []any{"image failed"}, body["warnings"])
}

func TestScrapeEndpoint_BadRequests(t *testing.T) {
	svc := &fakeService{scrape: func(context.Context, string) (*engine.Result, error) {
		t.Fatal("scrape must not be called")
		return nil, nil
	}}
	r := newTestRouter(t, svc, RouterOptions{})

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/scrape", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/scrape", `{"cert_number": "  "}`).Code)
}

func TestScrapeEndpoint_ErrorMapping(t *testing.T) {
	cases := []struct {
		kind   scraper.Kind
		status int
	}{
		{scraper.KindInvalid, http.StatusBadRequest},
		{scraper.KindNotFound, http.StatusNotFound},
		{scraper.KindBusy, http.StatusConflict},
		{scraper.KindNavigation, http.StatusBadGateway},
		{scraper.KindFetchTimeout, http.StatusBadGateway},
		{scraper.KindBlocked, http.StatusBadGateway},
		{scraper.KindPersistence, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			svc := &fakeService{scrape: func(_ context.Context, cert string) (*engine.Result, error) {
				return nil, scraper.Errorf(tc.kind, "scrape", cert, "boom")
			}}
			r := newTestRouter(t, svc, RouterOptions{})

			w := do(r, http.MethodPost, "/api/scrape", `{"cert_number": "1"}`)
			assert.Equal(t, tc.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.kind.String(), body["error"])
		})
	}

	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("plain")))
}

func TestCoinsEndpoints(t *testing.T) {
	svc := &fakeService{records: map[string]models.CoinRecord{
		"1": {CertNumber: "1", Grade: str("MS 65")},
		"2": {CertNumber: "2", Grade: str("AU 58")},
	}}
	r := newTestRouter(t, svc, RouterOptions{})

	w := do(r, http.MethodGet, "/api/coins?limit=10&offset=-3&grade=MS", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["total"])
	assert.Len(t, body["coins"], 2)
	assert.Equal(t, models.ListQuery{Limit: 10, Offset: 0, Grade: "MS"}, svc.lastQuery)

	w = do(r, http.MethodGet, "/api/coins?limit=abc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.DefaultListLimit, svc.lastQuery.Limit)

	w = do(r, http.MethodGet, "/api/coins/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MS 65", decode(t, w)["grade"])

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/coins/9", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/coins/bad%20cert", "").Code)

	assert.Equal(t, http.StatusOK, do(r, http.MethodDelete, "/api/coins/1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/coins/1", "").Code)
}

func TestCoinsEndpoint_StoreFailure(t *testing.T) {
	svc := &fakeService{listErr: &scraper.Error{Kind: scraper.KindPersistence, Op: "list", Err: errors.New("db down")}}
	r := newTestRouter(t, svc, RouterOptions{})

	w := do(r, http.MethodGet, "/api/coins", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "PersistenceError", decode(t, w)["error"])
}

func TestHealthAndImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "12345678.jpg"), []byte("img"), 0o644))

	ready := errors.New("db unreachable")
	r := newTestRouter(t, &fakeService{}, RouterOptions{
		ImagesDir:       dir,
		ImagesURLPrefix: "data/images",
		Ready:           func(context.Context) error { return ready },
	})

	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/health", "").Code)
	ready = nil
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)

	w := do(r, http.MethodGet, "/data/images/12345678.jpg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "img", w.Body.String())
}
