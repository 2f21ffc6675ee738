// Package sequencer hosts the single-writer instances. Each stream is
// owned by one goroutine consuming a task channel; the stream engine
// runs as plain non-locking code on that goroutine.
package sequencer

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/tailstream/tailstream/blob"
	"github.com/tailstream/tailstream/engine"
	"github.com/tailstream/tailstream/hotlog"
)

var mon = monkit.Package()

// ErrHostClosed is returned for requests arriving after shutdown.
var ErrHostClosed = errors.New("sequencer host closed")

// Request is the serializable stream request routed to a sequencer
// instance.
type Request struct {
	Method string
	// URL is the request URL as seen by the edge, used as the
	// pre-cache key for long-poll responses.
	URL    string
	Query  map[string]string
	Header http.Header
	Body   []byte
}

// Response is a materialized HTTP response. Bodies are fully buffered;
// streaming reads go through OpenPush instead.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func newResponse(status int) *Response {
	return &Response{Status: status, Header: http.Header{}}
}

// Host routes requests to per-stream single-writer instances.
type Host struct {
	dataDir   string
	blobs     blob.Store
	cfg       engine.Config
	log       *zap.Logger
	preCacher engine.PreCacher

	mu        sync.Mutex
	instances map[string]*instance
	closed    bool

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// NewHost creates the sequencer tier. preCacher may be nil.
func NewHost(dataDir string, blobs blob.Store, cfg engine.Config, log *zap.Logger, preCacher engine.PreCacher) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{
		dataDir:   dataDir,
		blobs:     blobs,
		cfg:       cfg,
		log:       log,
		preCacher: preCacher,
		instances: make(map[string]*instance),
	}
}

// StartCleanup begins periodic sweeps deleting streams whose TTL or
// absolute expiry has passed. An interval of zero disables the sweep.
// Close stops it.
func (h *Host) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		return
	}
	h.cleanupStop = make(chan struct{})
	h.cleanupDone = make(chan struct{})
	go h.cleanupLoop(interval)
}

func (h *Host) cleanupLoop(interval time.Duration) {
	defer close(h.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.cleanupStop:
			return
		case <-ticker.C:
			h.sweepExpired(context.Background())
		}
	}
}

// sweepExpired runs an internal HEAD against every stream directory.
// The engine deletes an expired stream on touch, so a 404 means the
// directory and instance can go.
func (h *Host) sweepExpired(ctx context.Context) {
	entries, err := os.ReadDir(filepath.Join(h.dataDir, "streams"))
	if err != nil {
		if !os.IsNotExist(err) {
			h.log.Error("stream sweep failed", zap.Error(err))
		}
		return
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(ent.Name())
		if err != nil {
			continue
		}
		key := string(raw)
		res, err := h.RouteStreamRequest(ctx, key, &Request{Method: http.MethodHead, Header: http.Header{}})
		if err != nil {
			return
		}
		if res.Status == http.StatusNotFound {
			h.removeInstance(key)
		}
	}
}

// Close stops every instance and closes their hot logs.
func (h *Host) Close() error {
	if h.cleanupStop != nil {
		close(h.cleanupStop)
		<-h.cleanupDone
		h.cleanupStop = nil
	}
	h.mu.Lock()
	h.closed = true
	all := make([]*instance, 0, len(h.instances))
	for _, inst := range h.instances {
		all = append(all, inst)
	}
	h.instances = make(map[string]*instance)
	h.mu.Unlock()

	for _, inst := range all {
		inst.stop()
	}
	return nil
}

// streamDir is deterministic so an instance finds its hot log again
// after a restart.
func (h *Host) streamDir(key string) string {
	return filepath.Join(h.dataDir, "streams", base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func (h *Host) instance(key string) (*instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHostClosed
	}
	if inst, ok := h.instances[key]; ok {
		return inst, nil
	}

	dir := h.streamDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := hotlog.Open(filepath.Join(dir, "hot.db"))
	if err != nil {
		return nil, err
	}
	inst := &instance{
		key:    key,
		db:     db,
		engine: engine.New(key, db, h.blobs, h.cfg, h.log.Named("engine"), h.preCacher),
		tasks:  make(chan task),
		quit:   make(chan struct{}),
	}
	go inst.loop()
	h.instances[key] = inst
	return inst, nil
}

type task struct {
	ctx  context.Context
	run  func(ctx context.Context) *Response
	done chan *Response
}

type instance struct {
	key    string
	db     *hotlog.DB
	engine *engine.Stream
	tasks  chan task
	quit   chan struct{}

	stopOnce sync.Once
}

func (i *instance) loop() {
	for {
		select {
		case t := <-i.tasks:
			// The critical section runs to completion even when the
			// caller gave up; done is buffered so this never blocks.
			t.done <- t.run(t.ctx)
		case <-i.quit:
			return
		}
	}
}

func (i *instance) stop() {
	i.stopOnce.Do(func() {
		close(i.quit)
		_ = i.db.Close()
	})
}

// do runs fn inside the instance's single-writer section. When ctx is
// cancelled before the section starts the request fails; once started,
// the section completes and the response is discarded.
func (i *instance) do(ctx context.Context, fn func(ctx context.Context) *Response) (*Response, error) {
	t := task{ctx: ctx, run: fn, done: make(chan *Response, 1)}
	select {
	case i.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-i.quit:
		return nil, ErrHostClosed
	}
	select {
	case res := <-t.done:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
