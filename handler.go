package tailstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tailstream/tailstream/auth"
	"github.com/tailstream/tailstream/coalesce"
	"github.com/tailstream/tailstream/edgecache"
	"github.com/tailstream/tailstream/engine"
	"github.com/tailstream/tailstream/fanout"
	"github.com/tailstream/tailstream/registry"
	"github.com/tailstream/tailstream/sequencer"
	"github.com/tailstream/tailstream/ssebridge"
)

const (
	streamPathPrefix = "/v1/stream/"

	headerDebugAction = "X-Debug-Action"
	headerCache       = "X-Cache"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if r.URL.Path == "/health" {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok")
		return nil
	}

	projectID, streamID, ok := splitStreamPath(r.URL.Path)
	if !ok {
		return next.ServeHTTP(w, r)
	}

	reqID := uuid.NewString()
	h.logger.Debug("handling request",
		zap.String("req", reqID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("query", r.URL.RawQuery))

	if !projectIDPattern.MatchString(projectID) || streamID == "" {
		h.writeStatus(w, http.StatusNotFound, "unknown stream")
		return nil
	}

	proj := h.project(projectID)
	origin := h.corsOrigin(r, proj)
	applyCORS(w.Header(), origin)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	doKey := projectID + "/" + streamID

	write := r.Method == http.MethodPut || r.Method == http.MethodPost || r.Method == http.MethodDelete
	if dec := h.authorize(r.Context(), r, proj, doKey, write); !dec.Allowed() {
		h.writeStatus(w, dec.Status, dec.Message)
		return nil
	}

	if action := r.Header.Get(headerDebugAction); action != "" {
		return h.serveDebug(w, r, doKey, action)
	}

	if r.Method == http.MethodGet && r.URL.Query().Get("live") == "sse" {
		return h.serveSSE(w, r, doKey)
	}

	if r.Method == http.MethodGet {
		return h.serveRead(w, r, doKey, proj)
	}

	res, err := h.host.RouteStreamRequest(r.Context(), doKey, h.sequencerRequest(r))
	if err != nil {
		h.writeDispatchError(w, reqID, err)
		return nil
	}
	if r.Method == http.MethodPut && res.Status < http.StatusMultipleChoices {
		if rk := h.ensureReaderKey(proj, r); rk != "" {
			res.Header.Set("Stream-Reader-Key", rk)
		}
	}
	h.writeResponse(w, r, res)
	return nil
}

// ensureReaderKey hands the creator the project's reader key so its
// clients can use cacheable ?rk= read URLs. Guarded projects that do
// not have one yet get a generated key; public streams get none since
// their URLs need no guarding.
func (h *Handler) ensureReaderKey(proj *registry.Project, r *http.Request) string {
	if r.URL.Query().Get("public") == "true" {
		return ""
	}
	if proj.ReaderKey != "" {
		return proj.ReaderKey
	}
	if h.OpenMode || len(proj.SigningSecrets) == 0 {
		return ""
	}
	proj.ReaderKey = uuid.NewString()
	if err := h.registry.Put(proj); err != nil {
		h.logger.Error("storing reader key failed", zap.String("project", proj.ID), zap.Error(err))
		proj.ReaderKey = ""
		return ""
	}
	return proj.ReaderKey
}

// serveRead handles plain and long-poll GETs through the edge cache
// and the coalescer.
func (h *Handler) serveRead(w http.ResponseWriter, r *http.Request, doKey string, proj *registry.Project) error {
	key := cacheKey(r.URL)

	if entry, ok := h.cache.Get(key); ok {
		h.writeEntry(w, r, entry, "HIT")
		return nil
	}

	won := false
	fetch := func() (*edgecache.Entry, bool, error) {
		won = true
		res, err := h.host.RouteStreamRequest(r.Context(), doKey, h.sequencerRequest(r))
		if err != nil {
			return nil, false, err
		}
		entry := entryFromResponse(res)
		cacheable := responseCacheable(r, res) && storable(proj, r)
		if cacheable {
			h.cache.Put(key, entry)
		}
		return entry, cacheable, nil
	}

	var entry *edgecache.Entry
	var err error
	if h.CrossNodeCoalesce {
		entry, err = h.coalescer.DoAcross(r.Context(), key, h.cache, fetch)
	} else {
		entry, err = h.coalescer.Do(key, fetch)
	}
	if err != nil {
		h.writeDispatchError(w, "", err)
		return nil
	}
	if won && h.CrossNodeCoalesce && r.URL.Query().Get("live") == "long-poll" &&
		entry.Status == http.StatusOK && storable(proj, r) {
		h.warmCache(doKey, r.URL, entry.Header.Get("Stream-Next-Offset"))
	}
	h.writeEntry(w, r, entry, "MISS")
	return nil
}

// warmCache keeps feeding a stream's appends into the shared cache
// after a winning long-poll fetch, so pollers reconnecting on any node
// find their next entry warm instead of stampeding the sequencer. One
// warmer runs per stream; each claims the next offset's sentinel while
// it drains.
func (h *Handler) warmCache(doKey string, u *url.URL, next string) {
	if next == "" {
		return
	}
	h.warmMu.Lock()
	if h.warming == nil {
		h.warming = make(map[string]bool)
	}
	if h.warming[doKey] {
		h.warmMu.Unlock()
		return
	}
	h.warming[doKey] = true
	h.warmMu.Unlock()

	go func() {
		defer func() {
			h.warmMu.Lock()
			delete(h.warming, doKey)
			h.warmMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), coalesce.SentinelTTL)
		defer cancel()

		session, res, err := h.host.OpenPush(ctx, doKey, next)
		if err != nil || res != nil {
			return
		}

		prev := next
		h.cache.Put(coalesce.SentinelKey(warmKey(u, prev)),
			&edgecache.Entry{ExpiresAt: time.Now().Add(coalesce.SentinelTTL)})
		defer func() {
			h.cache.Delete(coalesce.SentinelKey(warmKey(u, prev)))
		}()

		var pending fanout.Frame
		havePending := false
		ssebridge.Background(ctx, session, func(f fanout.Frame) {
			switch f.Type {
			case "data":
				pending = f
				havePending = true
			case "control":
				if !havePending {
					// Initial at-tail marker or a bare close; nothing
					// to cache for prev.
					return
				}
				entryKey := warmKey(u, prev)
				h.cache.Put(entryKey, warmEntry(session, pending, f))
				h.cache.Delete(coalesce.SentinelKey(entryKey))
				prev = f.StreamNextOffset
				h.cache.Put(coalesce.SentinelKey(warmKey(u, prev)),
					&edgecache.Entry{ExpiresAt: time.Now().Add(coalesce.SentinelTTL)})
				havePending = false
			}
		})
	}()
}

// warmEntry materializes the long-poll response a reader at the
// pre-append offset would have received.
func warmEntry(session *sequencer.PushSession, data, control fanout.Frame) *edgecache.Entry {
	body := []byte(data.Data)
	if data.Base64 {
		if decoded, err := base64.StdEncoding.DecodeString(data.Data); err == nil {
			body = decoded
		}
	}
	hdr := http.Header{}
	hdr.Set("Stream-Next-Offset", control.StreamNextOffset)
	hdr.Set("ETag", `"`+control.StreamNextOffset+`"`)
	hdr.Set("Stream-Up-To-Date", "true")
	if control.StreamCursor != "" {
		hdr.Set("Stream-Cursor", control.StreamCursor)
	}
	if control.StreamWriteTimestamp != "" {
		hdr.Set("Stream-Write-Timestamp", control.StreamWriteTimestamp)
	}
	if control.StreamClosed {
		hdr.Set("Stream-Closed", "true")
	}
	if session.ContentType != "" {
		hdr.Set("Content-Type", session.ContentType)
	}
	return &edgecache.Entry{
		Status: http.StatusOK,
		Header: hdr,
		Body:   body,
		ETag:   hdr.Get("ETag"),
	}
}

// cacheKey canonicalizes a read URL so reordered query strings share
// one cache entry and the warmer's keys line up with request keys.
func cacheKey(u *url.URL) string {
	return u.Path + "?" + u.Query().Encode()
}

// warmKey is the cache key a reader at the given offset would use.
func warmKey(u *url.URL, off string) string {
	q := u.Query()
	q.Set("offset", off)
	return u.Path + "?" + q.Encode()
}

// serveSSE bridges an internal push session to an event stream. It
// bypasses the RPC path since streaming responses are not buffered.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, doKey string) error {
	session, res, err := h.host.OpenPush(r.Context(), doKey, r.URL.Query().Get("offset"))
	if err != nil {
		h.writeDispatchError(w, "", err)
		return nil
	}
	if res != nil {
		h.writeResponse(w, r, res)
		return nil
	}
	return ssebridge.Serve(r.Context(), w, session)
}

func (h *Handler) serveDebug(w http.ResponseWriter, r *http.Request, doKey, action string) error {
	if !h.DebugActions {
		h.writeStatus(w, http.StatusNotFound, "not found")
		return nil
	}
	if action == "coalescer-stats" {
		stats := map[string]int{
			"coalescerEntries": h.coalescer.Size(),
			"cacheEntries":     h.cache.Len(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		return json.NewEncoder(w).Encode(stats)
	}
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	res, err := h.host.Debug(r.Context(), doKey, action, params)
	if err != nil {
		h.writeDispatchError(w, "", err)
		return nil
	}
	h.writeResponse(w, r, res)
	return nil
}

// authorize runs the project's auth policy. Reads against a public
// stream pass without a token; publicness lives in stream metadata, so
// a failed token check falls back to a metadata lookup.
func (h *Handler) authorize(ctx context.Context, r *http.Request, proj *registry.Project, doKey string, write bool) auth.Decision {
	if write {
		return h.auth.Authorize(r, proj.SigningSecrets, true)
	}
	if proj.Public {
		return auth.Decision{}
	}
	dec := h.auth.Authorize(r, proj.SigningSecrets, false)
	if dec.Allowed() {
		return dec
	}
	if h.streamPublic(ctx, doKey) {
		return auth.Decision{}
	}
	return dec
}

func (h *Handler) streamPublic(ctx context.Context, doKey string) bool {
	res, err := h.host.RouteStreamRequest(ctx, doKey, &sequencer.Request{
		Method: http.MethodHead,
		Header: http.Header{},
	})
	return err == nil && res.Status == http.StatusOK && res.Header.Get("Stream-Public") == "true"
}

// project resolves registry config, falling back to an implicit
// project for ids with no stored entry.
func (h *Handler) project(id string) *registry.Project {
	proj, err := h.registry.Get(id)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			h.logger.Error("project lookup failed", zap.String("project", id), zap.Error(err))
		}
		return &registry.Project{ID: id}
	}
	return proj
}

// PreCacheRead implements engine.PreCacher: before parked long-poll
// waiters are woken, their responses are computed and stored at the
// URLs they will retry, so the reconnect burst lands on cache.
func (h *Handler) PreCacheRead(rawURL string, res *engine.ReadResult) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	projectID, _, ok := splitStreamPath(u.Path)
	if !ok {
		return
	}
	if !storableURL(h.project(projectID), u) {
		return
	}
	h.cache.Put(cacheKey(u), entryFromResponse(sequencer.ReadResponse(res, true)))
}

func (h *Handler) sequencerRequest(r *http.Request) *sequencer.Request {
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	var body []byte
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
		max := h.MaxAppendBytes
		if max == 0 {
			max = engine.DefaultMaxAppendBytes
		}
		body, _ = io.ReadAll(io.LimitReader(r.Body, max+1))
	}
	return &sequencer.Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Query:  query,
		Header: r.Header,
		Body:   body,
	}
}

// responseCacheable applies the edge caching rules: only successful
// plain reads that are not sitting at the tail, or long-poll responses
// whose URL rotates with the cursor.
func responseCacheable(r *http.Request, res *sequencer.Response) bool {
	if res.Status != http.StatusOK {
		return false
	}
	if strings.Contains(res.Header.Get("Cache-Control"), "no-store") {
		return false
	}
	if r.URL.Query().Get("live") == "long-poll" {
		return true
	}
	return res.Header.Get("Stream-Up-To-Date") != "true"
}

// storable enforces the reader-key guard: responses for a guarded
// project are only stored when the request carries the rk parameter,
// keeping the bare guessable URL out of the cache.
func storable(proj *registry.Project, r *http.Request) bool {
	return storableURL(proj, r.URL)
}

func storableURL(proj *registry.Project, u *url.URL) bool {
	return proj.ReaderKey == "" || u.Query().Get("rk") != ""
}

func entryFromResponse(res *sequencer.Response) *edgecache.Entry {
	return &edgecache.Entry{
		Status: res.Status,
		Header: res.Header,
		Body:   res.Body,
		ETag:   res.Header.Get("ETag"),
	}
}

func (h *Handler) writeEntry(w http.ResponseWriter, r *http.Request, entry *edgecache.Entry, verdict string) {
	if entry.ETag != "" && r.Header.Get("If-None-Match") == entry.ETag {
		w.Header().Set("ETag", entry.ETag)
		w.Header().Set(headerCache, verdict)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	copyHeader(w.Header(), entry.Header)
	w.Header().Set(headerCache, verdict)
	h.hardenHeaders(w.Header(), entry.Status)
	w.WriteHeader(entry.Status)
	if len(entry.Body) > 0 {
		_, _ = w.Write(entry.Body)
	}
}

func (h *Handler) writeResponse(w http.ResponseWriter, r *http.Request, res *sequencer.Response) {
	copyHeader(w.Header(), res.Header)
	if res.Status == http.StatusCreated {
		w.Header().Set("Location", r.URL.Path)
	}
	if r.Method == http.MethodHead || r.Method == http.MethodGet {
		w.Header().Set(headerCache, "BYPASS")
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Cache-Control", "no-store")
	}
	h.hardenHeaders(w.Header(), res.Status)
	w.WriteHeader(res.Status)
	if len(res.Body) > 0 && r.Method != http.MethodHead {
		_, _ = w.Write(res.Body)
	}
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if message != "" {
		_, _ = io.WriteString(w, message)
	}
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, reqID string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, sequencer.ErrHostClosed) {
		status = http.StatusServiceUnavailable
	}
	if !errors.Is(err, context.Canceled) {
		h.logger.Error("dispatch failed", zap.String("req", reqID), zap.Error(err))
	}
	h.writeStatus(w, status, "internal error")
}

func (h *Handler) hardenHeaders(hdr http.Header, status int) {
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Cross-Origin-Resource-Policy", "cross-origin")
	if status >= 400 {
		hdr.Set("Cache-Control", "no-store")
	}
}

// corsOrigin resolves the allowed origin from the intersection of the
// global and project allow-lists. Empty means omit CORS headers.
func (h *Handler) corsOrigin(r *http.Request, proj *registry.Project) string {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return ""
	}
	if len(h.CORSOrigins) == 0 && len(proj.CORSOrigins) == 0 {
		return "*"
	}
	if len(h.CORSOrigins) > 0 && !containsOrigin(h.CORSOrigins, origin) {
		return ""
	}
	if len(proj.CORSOrigins) > 0 && !containsOrigin(proj.CORSOrigins, origin) {
		return ""
	}
	return origin
}

func containsOrigin(list []string, origin string) bool {
	for _, o := range list {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

func applyCORS(hdr http.Header, origin string) {
	if origin == "" {
		return
	}
	hdr.Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		hdr.Add("Vary", "Origin")
	}
	hdr.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers",
		"Content-Type, Authorization, If-None-Match, Last-Event-ID, "+
			"Stream-Seq, Stream-Ttl, Stream-Expires-At, "+
			"Producer-Id, Producer-Epoch, Producer-Seq")
	hdr.Set("Access-Control-Expose-Headers",
		"ETag, Location, X-Cache, Server-Timing, "+
			"Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, "+
			"Stream-Write-Timestamp, Stream-Ttl, Stream-Expires-At, Stream-Reader-Key, "+
			"Producer-Epoch, Producer-Seq, Producer-Expected-Seq, Producer-Received-Seq")
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// splitStreamPath parses /v1/stream/{projectId}/{streamId}; the legacy
// single-segment form maps to the default project.
func splitStreamPath(path string) (projectID, streamID string, ok bool) {
	if !strings.HasPrefix(path, streamPathPrefix) {
		return "", "", false
	}
	rest := strings.Trim(path[len(streamPathPrefix):], "/")
	if rest == "" {
		return "", "", false
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx], rest[idx+1:], true
	}
	return registry.DefaultProject, rest, true
}
