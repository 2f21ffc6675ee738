package sequencer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tailstream/tailstream/blob"
	"github.com/tailstream/tailstream/engine"
	"github.com/tailstream/tailstream/fanout"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	dir := t.TempDir()
	fs, err := blob.NewFS(dir + "/blobs")
	require.NoError(t, err)
	h := NewHost(dir, fs, engine.Config{}, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func streamReq(method string, header http.Header, query map[string]string, body []byte) *Request {
	if header == nil {
		header = http.Header{}
	}
	if query == nil {
		query = map[string]string{}
	}
	return &Request{Method: method, URL: "/v1/stream/_default/s1", Header: header, Query: query, Body: body}
}

func TestRouteLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	key := "_default/s1"

	put := streamReq(http.MethodPut, http.Header{"Content-Type": []string{"text/plain"}}, nil, nil)
	res, err := h.RouteStreamRequest(ctx, key, put)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.Status)
	require.Equal(t, "0000000000000000_0000000000000000", res.Header.Get("Stream-Next-Offset"))

	// Idempotent replay.
	res, err = h.RouteStreamRequest(ctx, key, put)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)

	post := streamReq(http.MethodPost, http.Header{"Content-Type": []string{"text/plain"}}, nil, []byte("hello"))
	res, err = h.RouteStreamRequest(ctx, key, post)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, res.Status)
	require.Equal(t, "0000000000000000_0000000000000005", res.Header.Get("Stream-Next-Offset"))

	get := streamReq(http.MethodGet, nil, map[string]string{"offset": "-1"}, nil)
	res, err = h.RouteStreamRequest(ctx, key, get)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "hello", string(res.Body))
	require.Equal(t, "true", res.Header.Get("Stream-Up-To-Date"))
	require.Equal(t, `"0000000000000000_0000000000000005"`, res.Header.Get("ETag"))

	head := streamReq(http.MethodHead, nil, nil, nil)
	res, err = h.RouteStreamRequest(ctx, key, head)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "text/plain", res.Header.Get("Content-Type"))

	del := streamReq(http.MethodDelete, nil, nil, nil)
	res, err = h.RouteStreamRequest(ctx, key, del)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, res.Status)

	res, err = h.RouteStreamRequest(ctx, key, get)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.Status)
}

func TestRouteProducerHeaders(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	key := "_default/s1"

	_, err := h.RouteStreamRequest(ctx, key,
		streamReq(http.MethodPut, http.Header{"Content-Type": []string{"text/plain"}}, nil, nil))
	require.NoError(t, err)

	hdr := http.Header{
		"Content-Type":   []string{"text/plain"},
		"Producer-Id":    []string{"p1"},
		"Producer-Epoch": []string{"1"},
		"Producer-Seq":   []string{"0"},
	}
	res, err := h.RouteStreamRequest(ctx, key, streamReq(http.MethodPost, hdr, nil, []byte("a")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "1", res.Header.Get("Producer-Epoch"))
	require.Equal(t, "0", res.Header.Get("Producer-Seq"))
	offset := res.Header.Get("Stream-Next-Offset")

	// Replay acks the original offset.
	res, err = h.RouteStreamRequest(ctx, key, streamReq(http.MethodPost, hdr, nil, []byte("a")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, offset, res.Header.Get("Stream-Next-Offset"))

	bad := hdr.Clone()
	bad.Set("Producer-Seq", "2")
	res, err = h.RouteStreamRequest(ctx, key, streamReq(http.MethodPost, bad, nil, []byte("b")))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, res.Status)
	require.Equal(t, "1", res.Header.Get("Producer-Expected-Seq"))
	require.Equal(t, "2", res.Header.Get("Producer-Received-Seq"))
}

func TestRouteTTLValidation(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	for _, ttl := range []string{"-1", "01", "1.5", "abc"} {
		hdr := http.Header{"Content-Type": []string{"text/plain"}, "Stream-Ttl": []string{ttl}}
		res, err := h.RouteStreamRequest(ctx, "_default/bad", streamReq(http.MethodPut, hdr, nil, nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, res.Status, "ttl %q", ttl)
	}

	hdr := http.Header{
		"Content-Type":      []string{"text/plain"},
		"Stream-Ttl":        []string{"60"},
		"Stream-Expires-At": []string{time.Now().Add(time.Hour).UTC().Format(time.RFC3339)},
	}
	res, err := h.RouteStreamRequest(ctx, "_default/bad", streamReq(http.MethodPut, hdr, nil, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.Status)
}

func TestSweepExpiredStreams(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	res, err := h.RouteStreamRequest(ctx, "_default/gone", &Request{
		Method: http.MethodPut,
		URL:    "/v1/stream/_default/gone",
		Header: http.Header{
			"Content-Type":      []string{"text/plain"},
			"Stream-Expires-At": []string{past},
		},
		Query: map[string]string{},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.Status)

	res, err = h.RouteStreamRequest(ctx, "_default/kept", &Request{
		Method: http.MethodPut,
		URL:    "/v1/stream/_default/kept",
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Query:  map[string]string{},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.Status)

	h.sweepExpired(ctx)

	_, err = os.Stat(h.streamDir("_default/gone"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(h.streamDir("_default/kept"))
	require.NoError(t, err)
}

func TestRouteDebugTiming(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	key := "_default/s1"

	res, err := h.RouteStreamRequest(ctx, key,
		streamReq(http.MethodPut, http.Header{"Content-Type": []string{"text/plain"}}, nil, nil))
	require.NoError(t, err)
	require.Empty(t, res.Header.Get("Server-Timing"))

	hdr := http.Header{"X-Debug-Timing": []string{"true"}}
	res, err = h.RouteStreamRequest(ctx, key, streamReq(http.MethodGet, hdr,
		map[string]string{"offset": "-1"}, nil))
	require.NoError(t, err)
	require.Contains(t, res.Header.Get("Server-Timing"), "sequencer;dur=")
}

func TestSingleWriterOrdering(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	key := "_default/s1"

	_, err := h.RouteStreamRequest(ctx, key,
		streamReq(http.MethodPut, http.Header{"Content-Type": []string{"text/plain"}}, nil, nil))
	require.NoError(t, err)

	const n = 20
	errc := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := []byte(fmt.Sprintf("m%02d;", i))
			_, err := h.RouteStreamRequest(ctx, key,
				streamReq(http.MethodPost, http.Header{"Content-Type": []string{"text/plain"}}, nil, body))
			errc <- err
		}(i)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}

	res, err := h.RouteStreamRequest(ctx, key,
		streamReq(http.MethodGet, nil, map[string]string{"offset": "-1"}, nil))
	require.NoError(t, err)
	// Contiguous range: every append is present exactly once.
	require.Len(t, res.Body, n*4)
	require.Equal(t, fmt.Sprintf("0000000000000000_%016d", n*4), res.Header.Get("Stream-Next-Offset"))
}

func TestLongPollWakeup(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	key := "_default/s1"

	_, err := h.RouteStreamRequest(ctx, key,
		streamReq(http.MethodPut, http.Header{"Content-Type": []string{"text/plain"}}, nil, nil))
	require.NoError(t, err)

	type result struct {
		res *Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.RouteStreamRequest(ctx, key, streamReq(http.MethodGet, nil,
			map[string]string{"offset": "0000000000000000_0000000000000000", "live": "long-poll"}, nil))
		done <- result{res, err}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = h.RouteStreamRequest(ctx, key,
		streamReq(http.MethodPost, http.Header{"Content-Type": []string{"text/plain"}}, nil, []byte("y")))
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, http.StatusOK, r.res.Status)
		require.Equal(t, "y", string(r.res.Body))
		require.Equal(t, "0000000000000000_0000000000000001", r.res.Header.Get("Stream-Next-Offset"))
		require.NotEmpty(t, r.res.Header.Get("Stream-Cursor"))
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll never resolved")
	}
}

func TestLongPollImmediateData(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	key := "_default/s1"

	_, err := h.RouteStreamRequest(ctx, key,
		streamReq(http.MethodPut, http.Header{"Content-Type": []string{"text/plain"}}, nil, []byte("x")))
	require.NoError(t, err)

	res, err := h.RouteStreamRequest(ctx, key, streamReq(http.MethodGet, nil,
		map[string]string{"offset": "-1", "live": "long-poll"}, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "x", string(res.Body))
}

func TestOpenPushCatchUpAndLive(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	key := "_default/s1"

	_, err := h.RouteStreamRequest(ctx, key,
		streamReq(http.MethodPut, http.Header{"Content-Type": []string{"text/plain"}}, nil, []byte("one")))
	require.NoError(t, err)

	session, errRes, err := h.OpenPush(ctx, key, "-1")
	require.NoError(t, err)
	require.Nil(t, errRes)
	defer session.Close()

	require.Len(t, session.Initial, 2)
	require.Equal(t, "data", session.Initial[0].Type)
	require.Equal(t, "one", session.Initial[0].Data)
	ctrl := session.Initial[1]
	require.Equal(t, "control", ctrl.Type)
	require.True(t, ctrl.UpToDate)
	require.Equal(t, "0000000000000000_0000000000000003", ctrl.StreamNextOffset)

	_, err = h.RouteStreamRequest(ctx, key,
		streamReq(http.MethodPost, http.Header{"Content-Type": []string{"text/plain"}}, nil, []byte("two")))
	require.NoError(t, err)

	var frames []fanout.Frame
	for len(frames) < 2 {
		select {
		case f := <-session.Channel.Frames:
			frames = append(frames, f)
		case <-time.After(2 * time.Second):
			t.Fatal("live frame never arrived")
		}
	}
	require.Equal(t, "data", frames[0].Type)
	require.Equal(t, "two", frames[0].Data)
	require.Equal(t, "control", frames[1].Type)
	require.Equal(t, "0000000000000000_0000000000000006", frames[1].StreamNextOffset)
}

func TestOpenPushStreamMissing(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	session, errRes, err := h.OpenPush(ctx, "_default/missing", "-1")
	require.NoError(t, err)
	require.Nil(t, session)
	require.Equal(t, http.StatusNotFound, errRes.Status)
}
