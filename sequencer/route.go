package sequencer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tailstream/tailstream/engine"
	"github.com/tailstream/tailstream/fanout"
	"github.com/tailstream/tailstream/offset"
)

// Producer header names on append requests.
const (
	headerProducerID    = "Producer-Id"
	headerProducerEpoch = "Producer-Epoch"
	headerProducerSeq   = "Producer-Seq"
)

// headerDebugTiming opts a request into Server-Timing measurement.
const headerDebugTiming = "X-Debug-Timing"

var ttlPattern = regexp.MustCompile(`^0$|^[1-9][0-9]*$`)

// RouteStreamRequest runs one stream request through the key's
// single-writer section and returns the materialized response.
// Event-stream reads do not come here; see OpenPush. Requests carrying
// X-Debug-Timing get a Server-Timing header with the dispatch cost.
func (h *Host) RouteStreamRequest(ctx context.Context, doKey string, req *Request) (_ *Response, err error) {
	defer mon.Task()(&ctx)(&err)

	timing := req.Header.Get(headerDebugTiming) == "true"
	start := time.Now()
	res, err := h.dispatch(ctx, doKey, req)
	if err != nil || res == nil {
		return res, err
	}
	if timing {
		ms := float64(time.Since(start).Microseconds()) / 1000
		res.Header.Set("Server-Timing", fmt.Sprintf("sequencer;dur=%.1f", ms))
	}
	return res, nil
}

func (h *Host) dispatch(ctx context.Context, doKey string, req *Request) (*Response, error) {
	inst, err := h.instance(doKey)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case http.MethodPut:
		return inst.do(ctx, func(ctx context.Context) *Response { return h.handleCreate(ctx, inst, req) })
	case http.MethodPost:
		return inst.do(ctx, func(ctx context.Context) *Response { return h.handleAppend(ctx, inst, req) })
	case http.MethodGet:
		if req.Query["live"] == "long-poll" {
			return h.handleLongPoll(ctx, inst, req)
		}
		return inst.do(ctx, func(ctx context.Context) *Response { return h.handleRead(ctx, inst, req, false) })
	case http.MethodHead:
		return inst.do(ctx, func(ctx context.Context) *Response { return h.handleHead(ctx, inst) })
	case http.MethodDelete:
		res, err := inst.do(ctx, func(ctx context.Context) *Response { return h.handleDelete(ctx, inst) })
		if err != nil {
			return nil, err
		}
		if res.Status == http.StatusNoContent {
			h.removeInstance(doKey)
		}
		return res, nil
	default:
		return newResponse(http.StatusMethodNotAllowed), nil
	}
}

// errorResponse maps engine failures to HTTP. Unexpected errors are
// logged with enough context to find the stream and component.
func (h *Host) errorResponse(doKey, method string, err error) *Response {
	var se *engine.StatusError
	if errors.As(err, &se) {
		res := newResponse(se.Status)
		for k, vs := range se.Headers {
			res.Header[k] = vs
		}
		res.Body = []byte(se.Message)
		return res
	}
	h.log.Error("stream request failed",
		zap.String("doKey", doKey),
		zap.String("method", method),
		zap.String("component", "sequencer"),
		zap.Error(err))
	res := newResponse(http.StatusInternalServerError)
	res.Body = []byte("internal error")
	return res
}

func (h *Host) handleCreate(ctx context.Context, inst *instance, req *Request) *Response {
	ttlRaw := req.Header.Get("Stream-Ttl")
	expiresRaw := req.Header.Get("Stream-Expires-At")
	if ttlRaw != "" && expiresRaw != "" {
		res := newResponse(http.StatusBadRequest)
		res.Body = []byte("Stream-TTL and Stream-Expires-At are mutually exclusive")
		return res
	}

	create := engine.CreateRequest{
		ContentType: req.Header.Get("Content-Type"),
		Public:      req.Query["public"] == "true",
		Body:        req.Body,
		StreamSeq:   req.Header.Get("Stream-Seq"),
	}
	if ttlRaw != "" {
		if !ttlPattern.MatchString(ttlRaw) {
			res := newResponse(http.StatusBadRequest)
			res.Body = []byte("invalid Stream-TTL")
			return res
		}
		ttl, err := strconv.ParseInt(ttlRaw, 10, 64)
		if err != nil {
			res := newResponse(http.StatusBadRequest)
			res.Body = []byte("invalid Stream-TTL")
			return res
		}
		create.TTLSeconds = &ttl
	}
	if expiresRaw != "" {
		at, err := time.Parse(time.RFC3339, expiresRaw)
		if err != nil {
			res := newResponse(http.StatusBadRequest)
			res.Body = []byte("invalid Stream-Expires-At")
			return res
		}
		unix := at.Unix()
		create.ExpiresAt = &unix
	}

	var perr *Response
	create.Producer, perr = parseProducer(req.Header)
	if perr != nil {
		return perr
	}

	out, err := inst.engine.Create(ctx, create)
	if err != nil {
		return h.errorResponse(inst.key, req.Method, err)
	}

	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	res := newResponse(status)
	res.Header.Set("Stream-Next-Offset", out.NextOffset.String())
	setProducerAck(res.Header, out.Producer)
	return res
}

func (h *Host) handleAppend(ctx context.Context, inst *instance, req *Request) *Response {
	app := engine.AppendRequest{
		Body:        req.Body,
		ContentType: req.Header.Get("Content-Type"),
		Close:       req.Header.Get("Stream-Closed") == "true",
		StreamSeq:   req.Header.Get("Stream-Seq"),
	}
	var perr *Response
	app.Producer, perr = parseProducer(req.Header)
	if perr != nil {
		return perr
	}

	out, err := inst.engine.Append(ctx, app)
	if err != nil {
		return h.errorResponse(inst.key, req.Method, err)
	}

	status := http.StatusNoContent
	if out.Producer != nil {
		status = http.StatusOK
	}
	res := newResponse(status)
	res.Header.Set("Stream-Next-Offset", out.NextOffset.String())
	if out.Closed {
		res.Header.Set("Stream-Closed", "true")
	}
	setProducerAck(res.Header, out.Producer)
	return res
}

func (h *Host) handleRead(ctx context.Context, inst *instance, req *Request, longPoll bool) *Response {
	res, err := inst.engine.Read(ctx, req.Query["offset"], 0)
	if err != nil {
		return h.errorResponse(inst.key, req.Method, err)
	}
	return ReadResponse(res, longPoll)
}

// ReadResponse materializes a read result into protocol headers. The
// edge uses it to build pre-cached long-poll entries in the same shape
// the sequencer would have returned.
func ReadResponse(res *engine.ReadResult, longPoll bool) *Response {
	out := newResponse(http.StatusOK)
	out.Header.Set("Stream-Next-Offset", res.NextOffset.String())
	out.Header.Set("ETag", `"`+res.NextOffset.String()+`"`)
	if res.UpToDate {
		out.Header.Set("Stream-Up-To-Date", "true")
	}
	if res.Closed {
		out.Header.Set("Stream-Closed", "true")
	}
	if res.WriteTimestamp != 0 {
		out.Header.Set("Stream-Write-Timestamp", strconv.FormatInt(res.WriteTimestamp, 10))
	}
	if longPoll {
		out.Header.Set("Stream-Cursor", engine.Cursor(time.Now()))
	}
	if res.JSON {
		out.Header.Set("Content-Type", "application/json")
	} else if res.ContentType != "" {
		out.Header.Set("Content-Type", res.ContentType)
	}
	out.Body = res.Body
	return out
}

// handleLongPoll reads once inside the section; an empty at-tail read
// parks a waiter and the wait happens outside the section.
func (h *Host) handleLongPoll(ctx context.Context, inst *instance, req *Request) (*Response, error) {
	var waiter *fanout.Waiter
	first, err := inst.do(ctx, func(ctx context.Context) *Response {
		res, rerr := inst.engine.Read(ctx, req.Query["offset"], 0)
		if rerr != nil {
			return h.errorResponse(inst.key, req.Method, rerr)
		}
		if res.HasData || res.Closed {
			return ReadResponse(res, true)
		}
		// Registration happens inside the section so no append can
		// slip between the empty read and the enrollment.
		waiter = inst.engine.Queue().Add(req.URL, res.Tail)
		return ReadResponse(res, true)
	})
	if err != nil {
		return nil, err
	}
	if waiter == nil {
		return first, nil
	}

	timer := time.NewTimer(fanout.LongPollTimeout)
	defer timer.Stop()
	select {
	case <-waiter.Woken:
		return inst.do(ctx, func(ctx context.Context) *Response {
			res, rerr := inst.engine.Read(ctx, req.Query["offset"], 0)
			if rerr != nil {
				return h.errorResponse(inst.key, req.Method, rerr)
			}
			return ReadResponse(res, true)
		})
	case <-timer.C:
		inst.engine.Queue().Remove(waiter)
		empty := newResponse(http.StatusNoContent)
		empty.Header = first.Header
		empty.Body = nil
		return empty, nil
	case <-ctx.Done():
		inst.engine.Queue().Remove(waiter)
		return nil, ctx.Err()
	}
}

func (h *Host) handleHead(ctx context.Context, inst *instance) *Response {
	m, err := inst.engine.Head(ctx)
	if err != nil {
		return h.errorResponse(inst.key, http.MethodHead, err)
	}
	res := newResponse(http.StatusOK)
	tok := offset.Token{ReadSeq: m.ReadSeq, Pos: m.TailOffset - m.SegmentStart}
	res.Header.Set("Stream-Next-Offset", tok.String())
	res.Header.Set("Content-Type", m.ContentType)
	if m.Closed {
		res.Header.Set("Stream-Closed", "true")
	}
	if m.Public {
		res.Header.Set("Stream-Public", "true")
	}
	if m.TTLSeconds != nil {
		res.Header.Set("Stream-Ttl", strconv.FormatInt(*m.TTLSeconds, 10))
	}
	if m.ExpiresAt != nil {
		res.Header.Set("Stream-Expires-At", time.Unix(*m.ExpiresAt, 0).UTC().Format(time.RFC3339))
	}
	return res
}

func (h *Host) handleDelete(ctx context.Context, inst *instance) *Response {
	if _, err := inst.engine.Head(ctx); err != nil {
		return h.errorResponse(inst.key, http.MethodDelete, err)
	}
	if err := inst.engine.Delete(ctx); err != nil {
		return h.errorResponse(inst.key, http.MethodDelete, err)
	}
	return newResponse(http.StatusNoContent)
}

// removeInstance stops a deleted stream's goroutine and removes its
// data directory.
func (h *Host) removeInstance(key string) {
	h.mu.Lock()
	inst, ok := h.instances[key]
	delete(h.instances, key)
	h.mu.Unlock()
	if !ok {
		return
	}
	inst.stop()
	if err := os.RemoveAll(h.streamDir(key)); err != nil {
		h.log.Error("stream dir cleanup failed", zap.String("doKey", key), zap.Error(err))
	}
}

func parseProducer(hdr http.Header) (*engine.ProducerHeader, *Response) {
	id := hdr.Get(headerProducerID)
	if id == "" {
		return nil, nil
	}
	epoch, err := strconv.ParseInt(hdr.Get(headerProducerEpoch), 10, 64)
	if err != nil || epoch < 0 {
		res := newResponse(http.StatusBadRequest)
		res.Body = []byte("invalid Producer-Epoch")
		return nil, res
	}
	seq, err := strconv.ParseInt(hdr.Get(headerProducerSeq), 10, 64)
	if err != nil || seq < 0 {
		res := newResponse(http.StatusBadRequest)
		res.Body = []byte("invalid Producer-Seq")
		return nil, res
	}
	return &engine.ProducerHeader{ID: id, Epoch: epoch, Seq: seq}, nil
}

func setProducerAck(hdr http.Header, p *engine.ProducerHeader) {
	if p == nil {
		return
	}
	hdr.Set(headerProducerEpoch, strconv.FormatInt(p.Epoch, 10))
	hdr.Set(headerProducerSeq, strconv.FormatInt(p.Seq, 10))
}
