package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCertNumber(t *testing.T) {
	for _, ok := range []string{"12345678", "1", "AB-1234"} {
		assert.NoError(t, ValidateCertNumber(ok), ok)
	}
	for _, bad := range []string{"", "12 34", "../etc/passwd", "123456789012345678901234567890123", "12345678?x=1"} {
		err := ValidateCertNumber(bad)
		require.Error(t, err, bad)
		assert.Equal(t, KindInvalid, KindOf(err))
	}
}

func TestBrowser_LookupURL(t *testing.T) {
	b := NewBrowser(BrowserOptions{LookupURL: "https://www.pcgs.com/cert/"})
	assert.Equal(t, "https://www.pcgs.com/cert/12345678", b.LookupURL("12345678"))
	assert.Equal(t, "https://www.pcgs.com/cert/a%2Fb", b.LookupURL("a/b"))
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{200, KindUnknown},
		{304, KindUnknown},
		{404, KindNotFound},
		{403, KindBlocked},
		{429, KindBlocked},
		{401, KindBlocked},
		{500, KindNavigation},
		{503, KindNavigation},
		{410, KindNavigation},
	}
	for _, tc := range cases {
		err := classifyStatus("1", "https://x/cert/1", tc.status)
		if tc.kind == KindUnknown {
			assert.NoError(t, err, tc.status)
			continue
		}
		assert.Equal(t, tc.kind, KindOf(err), "status %d", tc.status)
	}
	assert.True(t, IsRetryable(classifyStatus("1", "u", 502)))
	assert.False(t, IsRetryable(classifyStatus("1", "u", 403)))
}

func TestBrowser_NewSessionQueuesOnSlots(t *testing.T) {
	b := NewBrowser(BrowserOptions{MaxPages: 1})
	defer b.Close()

	// Take the only slot so NewSession has to wait.
	require.NoError(t, b.slots.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.NewSession(ctx)
	require.Error(t, err)
	assert.Equal(t, KindFetchTimeout, KindOf(err))
	assert.Nil(t, b.browserCtx, "no browser should be launched while queued")
}

func TestBrowser_ClosedRejectsSessions(t *testing.T) {
	b := NewBrowser(BrowserOptions{MaxPages: 2})
	b.Close()
	b.Close()

	_, err := b.NewSession(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrowserClosed)

	// The failed attempt gave its slot back.
	assert.True(t, b.slots.TryAcquire(2))
}

// chromePath finds a local Chrome for the browser-backed tests.
func chromePath(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome binary available")
	return ""
}

func TestPageSession_OpenAgainstLocalServer(t *testing.T) {
	exe := chromePath(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/cert/12345678", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div id="app"></div><script>
			setTimeout(function () {
				document.getElementById("app").innerHTML = "<table><tr><td>Grade</td><td>MS 65</td></tr></table>";
			}, 100);
		</script></body></html>`)
	})
	mux.HandleFunc("/cert/404", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/cert/500", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewBrowser(BrowserOptions{
		LookupURL:  srv.URL + "/cert/",
		Headless:   true,
		ExecPath:   exe,
		MaxPages:   2,
		NavTimeout: 15 * time.Second,
	})
	defer b.Close()

	ctx := context.Background()

	page, err := b.Fetch(ctx, "12345678")
	require.NoError(t, err)
	assert.Equal(t, 200, page.StatusCode)
	assert.Contains(t, page.HTML, "MS 65")

	raw, err := NewParser().Extract(page)
	require.NoError(t, err)
	assert.Equal(t, "MS 65", raw["grade"])

	_, err = b.Fetch(ctx, "404")
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = b.Fetch(ctx, "500")
	assert.Equal(t, KindNavigation, KindOf(err))

	// Every session released its slot.
	assert.True(t, b.slots.TryAcquire(2))
}

func TestPageSession_NavErrorKinds(t *testing.T) {
	s := &PageSession{browser: NewBrowser(BrowserOptions{NavTimeout: time.Second}), ctx: context.Background()}

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	assert.Equal(t, KindFetchTimeout, KindOf(s.navError(expired, "1", expired.Err())))

	// a tab whose browser went away is a navigation failure, not a slow page
	dead, kill := context.WithCancel(context.Background())
	kill()
	err := s.navError(dead, "1", context.Canceled)
	assert.Equal(t, KindNavigation, KindOf(err))
	assert.Contains(t, err.Error(), "browser tab closed")

	// the caller giving up still reads as a timeout
	callerCtx, callerCancel := context.WithCancel(context.Background())
	callerCancel()
	s.ctx = callerCtx
	assert.Equal(t, KindFetchTimeout, KindOf(s.navError(dead, "1", context.Canceled)))
}

func TestBrowser_RelaunchesAfterBrowserDies(t *testing.T) {
	exe := chromePath(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><table><tr><td>Grade</td><td>MS 65</td></tr></table></body></html>`)
	}))
	defer srv.Close()

	b := NewBrowser(BrowserOptions{
		LookupURL:  srv.URL + "/cert/",
		Headless:   true,
		ExecPath:   exe,
		NavTimeout: 15 * time.Second,
	})
	defer b.Close()

	first, err := b.start()
	require.NoError(t, err)

	// kill the Chrome process out from under the handle
	b.mu.Lock()
	b.allocCancel()
	b.mu.Unlock()
	require.Error(t, first.Err())

	page, err := b.Fetch(context.Background(), "12345678")
	require.NoError(t, err)
	assert.Contains(t, page.HTML, "MS 65")

	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotNil(t, b.browserCtx)
	assert.NoError(t, b.browserCtx.Err())
	assert.NotEqual(t, first, b.browserCtx)
}
