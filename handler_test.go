package tailstream

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tailstream/tailstream/auth"
	"github.com/tailstream/tailstream/blob"
	"github.com/tailstream/tailstream/coalesce"
	"github.com/tailstream/tailstream/edgecache"
	"github.com/tailstream/tailstream/engine"
	"github.com/tailstream/tailstream/registry"
	"github.com/tailstream/tailstream/sequencer"
)

func newTestHandler(t *testing.T, mutate func(*Handler)) *Handler {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	blobs, err := blob.NewFS(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	h := &Handler{
		DataDir:   dir,
		OpenMode:  true,
		logger:    zaptest.NewLogger(t),
		registry:  reg,
		blobs:     blobs,
		cache:     edgecache.New(edgecache.DefaultMaxEntries),
		coalescer: coalesce.New(),
		now:       time.Now,
	}
	if mutate != nil {
		mutate(h)
	}
	if h.OpenMode {
		h.auth = auth.Open{}
	} else {
		h.auth = auth.Tokens{}
	}
	h.host = sequencer.NewHost(dir, blobs, engine.Config{
		MaxAppendBytes:     h.MaxAppendBytes,
		MaxChunkBytes:      h.MaxChunkBytes,
		QuotaBytes:         h.QuotaBytes,
		SegmentMaxMessages: h.SegmentMaxMessages,
		SegmentMaxBytes:    h.SegmentMaxBytes,
	}, h.logger, h)
	t.Cleanup(func() { _ = h.host.Close() })
	return h
}

var passThrough = caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(http.StatusTeapot)
	return nil
})

func do(t *testing.T, h *Handler, method, target string, header http.Header, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, vs := range header {
		r.Header[k] = vs
	}
	w := httptest.NewRecorder()
	require.NoError(t, h.ServeHTTP(w, r, passThrough))
	return w
}

func TestHealthAndPassThrough(t *testing.T) {
	h := newTestHandler(t, nil)

	res := do(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", res.Body.String())
	require.Equal(t, "no-store", res.Header().Get("Cache-Control"))

	res = do(t, h, http.MethodGet, "/something/else", nil, nil)
	require.Equal(t, http.StatusTeapot, res.Code)
}

func TestStreamLifecycleThroughEdge(t *testing.T) {
	h := newTestHandler(t, nil)

	ct := http.Header{"Content-Type": []string{"text/plain"}}
	res := do(t, h, http.MethodPut, "/v1/stream/proj/s1", ct, nil)
	require.Equal(t, http.StatusCreated, res.Code)
	require.Equal(t, "/v1/stream/proj/s1", res.Header().Get("Location"))

	res = do(t, h, http.MethodPost, "/v1/stream/proj/s1", ct, []byte("hello"))
	require.Equal(t, http.StatusNoContent, res.Code)
	next := res.Header().Get("Stream-Next-Offset")
	require.NotEmpty(t, next)

	res = do(t, h, http.MethodGet, "/v1/stream/proj/s1?offset=-1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "hello", res.Body.String())
	require.Equal(t, "true", res.Header().Get("Stream-Up-To-Date"))
	require.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))

	res = do(t, h, http.MethodHead, "/v1/stream/proj/s1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, next, res.Header().Get("Stream-Next-Offset"))
	require.Equal(t, "no-store", res.Header().Get("Cache-Control"))
	require.Equal(t, "BYPASS", res.Header().Get("X-Cache"))

	res = do(t, h, http.MethodDelete, "/v1/stream/proj/s1", nil, nil)
	require.Equal(t, http.StatusNoContent, res.Code)

	res = do(t, h, http.MethodHead, "/v1/stream/proj/s1", nil, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestLegacyPathDefaultsProject(t *testing.T) {
	h := newTestHandler(t, nil)

	ct := http.Header{"Content-Type": []string{"text/plain"}}
	res := do(t, h, http.MethodPut, "/v1/stream/legacy", ct, nil)
	require.Equal(t, http.StatusCreated, res.Code)

	// The same stream is visible under the explicit default project.
	res = do(t, h, http.MethodHead, "/v1/stream/_default/legacy", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestProjectIDValidation(t *testing.T) {
	h := newTestHandler(t, nil)

	res := do(t, h, http.MethodPut, "/v1/stream/bad!id/s1", http.Header{"Content-Type": []string{"text/plain"}}, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestReadCaching(t *testing.T) {
	h := newTestHandler(t, func(h *Handler) { h.MaxChunkBytes = 6 })

	ct := http.Header{"Content-Type": []string{"text/plain"}}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/v1/stream/proj/c1", ct, nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/proj/c1", ct, []byte("one")).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/proj/c1", ct, []byte("two")).Code)

	// A read that reaches the tail must not be cached; its body would
	// go stale on the next append.
	res := do(t, h, http.MethodGet, "/v1/stream/proj/c1?offset=-1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "onetwo", res.Body.String())
	require.Equal(t, "MISS", res.Header().Get("X-Cache"))
	res = do(t, h, http.MethodGet, "/v1/stream/proj/c1?offset=-1", nil, nil)
	require.Equal(t, "MISS", res.Header().Get("X-Cache"))

	// With more data behind the chunk limit the read stops short of
	// the tail and becomes immutable, hence cacheable.
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/proj/c1", ct, []byte("three")).Code)
	res = do(t, h, http.MethodGet, "/v1/stream/proj/c1?offset=-1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "onetwo", res.Body.String())
	require.Equal(t, "MISS", res.Header().Get("X-Cache"))
	etag := res.Header().Get("ETag")
	require.NotEmpty(t, etag)

	res = do(t, h, http.MethodGet, "/v1/stream/proj/c1?offset=-1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "HIT", res.Header().Get("X-Cache"))
	require.Equal(t, "onetwo", res.Body.String())

	// Conditional revalidation against the cached entry.
	res = do(t, h, http.MethodGet, "/v1/stream/proj/c1?offset=-1", http.Header{"If-None-Match": []string{etag}}, nil)
	require.Equal(t, http.StatusNotModified, res.Code)
	require.Equal(t, etag, res.Header().Get("ETag"))
}

func TestReaderKeyGuard(t *testing.T) {
	h := newTestHandler(t, func(h *Handler) { h.MaxChunkBytes = 4 })
	require.NoError(t, h.registry.Put(&registry.Project{ID: "guarded", ReaderKey: "rk123"}))

	ct := http.Header{"Content-Type": []string{"text/plain"}}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/v1/stream/guarded/g1", ct, nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/guarded/g1", ct, []byte("aa")).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/guarded/g1", ct, []byte("bb")).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/guarded/g1", ct, []byte("cc")).Code)

	// Without rk the response would land at the bare guessable URL;
	// it must never be stored.
	res := do(t, h, http.MethodGet, "/v1/stream/guarded/g1?offset=-1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "MISS", res.Header().Get("X-Cache"))
	res = do(t, h, http.MethodGet, "/v1/stream/guarded/g1?offset=-1", nil, nil)
	require.Equal(t, "MISS", res.Header().Get("X-Cache"))

	// With rk the same read is cacheable, keyed under the rk URL.
	res = do(t, h, http.MethodGet, "/v1/stream/guarded/g1?offset=-1&rk=rk123", nil, nil)
	require.Equal(t, "MISS", res.Header().Get("X-Cache"))
	res = do(t, h, http.MethodGet, "/v1/stream/guarded/g1?offset=-1&rk=rk123", nil, nil)
	require.Equal(t, "HIT", res.Header().Get("X-Cache"))
}

func TestReaderKeyIssuedOnCreate(t *testing.T) {
	h := newTestHandler(t, func(h *Handler) { h.OpenMode = false })
	secret := "s3cret"
	require.NoError(t, h.registry.Put(&registry.Project{ID: "locked", SigningSecrets: []string{secret}}))

	writeTok, err := auth.Sign(auth.Claims{Subject: "tester", Scope: auth.ScopeWrite}, secret)
	require.NoError(t, err)
	authed := http.Header{
		"Content-Type":  []string{"text/plain"},
		"Authorization": []string{"Bearer " + writeTok},
	}

	res := do(t, h, http.MethodPut, "/v1/stream/locked/s1", authed, nil)
	require.Equal(t, http.StatusCreated, res.Code)
	key := res.Header().Get("Stream-Reader-Key")
	require.NotEmpty(t, key)

	proj, err := h.registry.Get("locked")
	require.NoError(t, err)
	require.Equal(t, key, proj.ReaderKey)

	// A replay hands back the same key, not a fresh one.
	res = do(t, h, http.MethodPut, "/v1/stream/locked/s1", authed, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, key, res.Header().Get("Stream-Reader-Key"))

	// Public streams need no guarded URLs.
	res = do(t, h, http.MethodPut, "/v1/stream/locked/open?public=true", authed, nil)
	require.Equal(t, http.StatusCreated, res.Code)
	require.Empty(t, res.Header().Get("Stream-Reader-Key"))
}

func TestCORSIntersection(t *testing.T) {
	h := newTestHandler(t, func(h *Handler) {
		h.CORSOrigins = []string{"https://app.example.com", "https://other.example.com"}
	})
	require.NoError(t, h.registry.Put(&registry.Project{
		ID:          "corsy",
		CORSOrigins: []string{"https://app.example.com"},
	}))

	hdr := http.Header{"Origin": []string{"https://app.example.com"}}
	res := do(t, h, http.MethodOptions, "/v1/stream/corsy/s1", hdr, nil)
	require.Equal(t, http.StatusNoContent, res.Code)
	assert.Equal(t, "https://app.example.com", res.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header().Get("Access-Control-Expose-Headers"), "Stream-Next-Offset")

	// Allowed globally but not by the project.
	hdr = http.Header{"Origin": []string{"https://other.example.com"}}
	res = do(t, h, http.MethodOptions, "/v1/stream/corsy/s1", hdr, nil)
	assert.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))

	// No allow-lists at all wildcards the origin.
	open := newTestHandler(t, nil)
	res = do(t, open, http.MethodOptions, "/v1/stream/any/s1", http.Header{"Origin": []string{"https://x.dev"}}, nil)
	assert.Equal(t, "*", res.Header().Get("Access-Control-Allow-Origin"))
}

func TestTokenAuth(t *testing.T) {
	h := newTestHandler(t, func(h *Handler) { h.OpenMode = false })
	secret := "s3cret"
	require.NoError(t, h.registry.Put(&registry.Project{ID: "locked", SigningSecrets: []string{secret}}))

	ct := http.Header{"Content-Type": []string{"text/plain"}}
	res := do(t, h, http.MethodPut, "/v1/stream/locked/s1", ct, nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)
	require.Equal(t, "no-store", res.Header().Get("Cache-Control"))

	writeTok, err := auth.Sign(auth.Claims{Subject: "tester", Scope: auth.ScopeWrite}, secret)
	require.NoError(t, err)
	authed := http.Header{
		"Content-Type":  []string{"text/plain"},
		"Authorization": []string{"Bearer " + writeTok},
	}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/v1/stream/locked/s1", authed, nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/locked/s1", authed, []byte("x")).Code)

	// Read scope cannot mutate but can read.
	readTok, err := auth.Sign(auth.Claims{Subject: "tester", Scope: auth.ScopeRead}, secret)
	require.NoError(t, err)
	res = do(t, h, http.MethodPost, "/v1/stream/locked/s1", http.Header{
		"Content-Type":  []string{"text/plain"},
		"Authorization": []string{"Bearer " + readTok},
	}, []byte("y"))
	require.Equal(t, http.StatusForbidden, res.Code)

	res = do(t, h, http.MethodGet, "/v1/stream/locked/s1?offset=-1",
		http.Header{"Authorization": []string{"Bearer " + readTok}}, nil)
	require.Equal(t, http.StatusOK, res.Code)

	// No token at all fails the read on a private stream.
	res = do(t, h, http.MethodGet, "/v1/stream/locked/s1?offset=-1", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestPublicStreamSkipsReadAuth(t *testing.T) {
	h := newTestHandler(t, func(h *Handler) { h.OpenMode = false })
	secret := "s3cret"
	require.NoError(t, h.registry.Put(&registry.Project{ID: "locked", SigningSecrets: []string{secret}}))

	writeTok, err := auth.Sign(auth.Claims{Subject: "tester", Scope: auth.ScopeWrite}, secret)
	require.NoError(t, err)
	authed := http.Header{
		"Content-Type":  []string{"text/plain"},
		"Authorization": []string{"Bearer " + writeTok},
	}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/v1/stream/locked/pub?public=true", authed, nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/locked/pub", authed, []byte("open")).Code)

	// Anonymous read succeeds because stream metadata marks it public.
	res := do(t, h, http.MethodGet, "/v1/stream/locked/pub?offset=-1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "open", res.Body.String())

	// Mutations still require the write token.
	res = do(t, h, http.MethodPost, "/v1/stream/locked/pub", http.Header{"Content-Type": []string{"text/plain"}}, []byte("z"))
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestCoalescedReads(t *testing.T) {
	h := newTestHandler(t, nil)

	ct := http.Header{"Content-Type": []string{"text/plain"}}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/v1/stream/proj/co", ct, nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/proj/co", ct, []byte("data")).Code)

	var wg sync.WaitGroup
	codes := make(chan int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := httptest.NewRequest(http.MethodGet, "/v1/stream/proj/co?offset=-1", nil)
			w := httptest.NewRecorder()
			_ = h.ServeHTTP(w, r, passThrough)
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		require.Equal(t, http.StatusOK, code)
	}
}

func TestLongPollPreCache(t *testing.T) {
	h := newTestHandler(t, nil)

	ct := http.Header{"Content-Type": []string{"text/plain"}}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/v1/stream/proj/lp", ct, nil).Code)

	pollURL := "/v1/stream/proj/lp?offset=0000000000000000_0000000000000000&live=long-poll"

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		r := httptest.NewRequest(http.MethodGet, pollURL, nil)
		w := httptest.NewRecorder()
		_ = h.ServeHTTP(w, r, passThrough)
		done <- w
	}()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/proj/lp", ct, []byte("wake")).Code)

	select {
	case res := <-done:
		require.Equal(t, http.StatusOK, res.Code)
		require.Equal(t, "wake", res.Body.String())
		require.NotEmpty(t, res.Header().Get("Stream-Cursor"))
	case <-time.After(6 * time.Second):
		t.Fatal("long poll did not wake")
	}

	// The pre-cached copy answers the same URL without a dispatch.
	u, err := url.Parse(pollURL)
	require.NoError(t, err)
	entry, ok := h.cache.Get(cacheKey(u))
	require.True(t, ok)
	require.Equal(t, http.StatusOK, entry.Status)
	require.Equal(t, []byte("wake"), entry.Body)
}

func TestWarmerFillsFollowingOffsets(t *testing.T) {
	h := newTestHandler(t, func(h *Handler) { h.CrossNodeCoalesce = true })

	ct := http.Header{"Content-Type": []string{"text/plain"}}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/v1/stream/proj/warm", ct, nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/proj/warm", ct, []byte("one")).Code)

	res := do(t, h, http.MethodGet,
		"/v1/stream/proj/warm?offset=0000000000000000_0000000000000000&live=long-poll", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "one", res.Body.String())
	next := res.Header().Get("Stream-Next-Offset")
	require.NotEmpty(t, next)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/proj/warm", ct, []byte("two")).Code)

	// The winner's warmer drains the broadcast into the shared cache
	// under the follower's offset.
	u, err := url.Parse("/v1/stream/proj/warm?live=long-poll")
	require.NoError(t, err)
	wantKey := warmKey(u, next)
	require.Eventually(t, func() bool {
		entry, ok := h.cache.Get(wantKey)
		return ok && string(entry.Body) == "two"
	}, 5*time.Second, 10*time.Millisecond)

	follow := do(t, h, http.MethodGet, "/v1/stream/proj/warm?live=long-poll&offset="+next, nil, nil)
	require.Equal(t, http.StatusOK, follow.Code)
	require.Equal(t, "two", follow.Body.String())
	require.Equal(t, "HIT", follow.Header().Get("X-Cache"))
	require.Equal(t, "true", follow.Header().Get("Stream-Up-To-Date"))
}

func TestSSEThroughEdge(t *testing.T) {
	h := newTestHandler(t, nil)

	ct := http.Header{"Content-Type": []string{"text/plain"}}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/v1/stream/proj/sse", ct, nil).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/proj/sse", ct, []byte("first")).Code)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeHTTP(w, r, passThrough)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stream/proj/sse?offset=-1&live=sse")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "data: first\n", line)

	// Drain the record separator and the catch-up control record.
	for i := 0; i < 4; i++ {
		_, err = rd.ReadString('\n')
		require.NoError(t, err)
	}

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/v1/stream/proj/sse", ct, []byte("second")).Code)
	line, err = rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "data: second\n", line)
}

func TestDebugActionsGated(t *testing.T) {
	h := newTestHandler(t, nil)
	hdr := http.Header{headerDebugAction: []string{"ops-count"}}
	res := do(t, h, http.MethodGet, "/v1/stream/proj/dbg", hdr, nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	enabled := newTestHandler(t, func(h *Handler) { h.DebugActions = true })
	ct := http.Header{"Content-Type": []string{"text/plain"}}
	require.Equal(t, http.StatusCreated, do(t, enabled, http.MethodPut, "/v1/stream/proj/dbg2", ct, nil).Code)

	res = do(t, enabled, http.MethodGet, "/v1/stream/proj/dbg2", http.Header{headerDebugAction: []string{"coalescer-stats"}}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "coalescerEntries")

	// Sequencer-side actions only exist under the debug build tag.
	res = do(t, enabled, http.MethodGet, "/v1/stream/proj/dbg2", hdr, nil)
	if sequencer.DebugEnabled {
		require.Equal(t, http.StatusOK, res.Code)
	} else {
		require.Equal(t, http.StatusNotFound, res.Code)
	}
}

func TestCaddyfileConfig(t *testing.T) {
	const config = `tailstream {
		data_dir /tmp/ts
		quota_bytes 1024
		segment_max_messages 5
		cleanup_interval 90s
		cross_node_coalesce
		cors_origins https://a.dev https://b.dev
		open_mode
		s3 {
			bucket segs
			region us-east-1
		}
	}`
	var h Handler
	require.NoError(t, h.UnmarshalCaddyfile(caddyfile.NewTestDispenser(config)))
	assert.Equal(t, "/tmp/ts", h.DataDir)
	assert.Equal(t, int64(1024), h.QuotaBytes)
	assert.Equal(t, int64(5), h.SegmentMaxMessages)
	assert.Equal(t, caddy.Duration(90*time.Second), h.CleanupInterval)
	assert.True(t, h.CrossNodeCoalesce)
	assert.Equal(t, []string{"https://a.dev", "https://b.dev"}, h.CORSOrigins)
	assert.True(t, h.OpenMode)
	require.NotNil(t, h.S3)
	assert.Equal(t, "segs", h.S3.Bucket)
	assert.Equal(t, "us-east-1", h.S3.Region)
	require.NoError(t, h.Validate())

	var bad Handler
	require.Error(t, bad.UnmarshalCaddyfile(caddyfile.NewTestDispenser("tailstream {\n\tbogus x\n}")))
}

func TestValidateLimits(t *testing.T) {
	h := Handler{QuotaBytes: -1}
	require.Error(t, h.Validate())
	h = Handler{S3: &blob.S3Config{Bucket: "b"}}
	require.Error(t, h.Validate())
	h = Handler{S3: &blob.S3Config{Bucket: "b", Region: "r"}}
	require.NoError(t, h.Validate())
}

func TestSplitStreamPath(t *testing.T) {
	cases := []struct {
		path            string
		project, stream string
		ok              bool
	}{
		{"/v1/stream/p/s", "p", "s", true},
		{"/v1/stream/solo", "_default", "solo", true},
		{"/v1/stream/p/a/b", "p", "a/b", true},
		{"/v1/stream/", "", "", false},
		{"/other", "", "", false},
	}
	for _, c := range cases {
		p, s, ok := splitStreamPath(c.path)
		require.Equal(t, c.ok, ok, c.path)
		if ok {
			assert.Equal(t, c.project, p, c.path)
			assert.Equal(t, c.stream, s, c.path)
		}
	}
}
