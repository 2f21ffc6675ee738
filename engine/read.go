package engine

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/tailstream/tailstream/hotlog"
	"github.com/tailstream/tailstream/offset"
	"github.com/tailstream/tailstream/segment"
)

// ReadResult is everything the edge needs to build a read response.
type ReadResult struct {
	Body           []byte
	NextOffset     offset.Token
	UpToDate       bool
	Closed         bool  // closed and the read reached the tail
	WriteTimestamp int64 // unix ms of the newest returned op, 0 when unknown
	HasData        bool
	ContentType    string
	JSON           bool
	Tail           int64 // absolute tail at read time
}

// Read serves a GET from the given wire offset. maxChunk of 0 uses the
// configured default.
func (s *Stream) Read(ctx context.Context, rawOffset string, maxChunk int64) (_ *ReadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	m, err := s.meta(ctx)
	if err != nil {
		return nil, err
	}

	tok, sentinel, err := offset.ParseWire(rawOffset)
	if err != nil {
		return nil, statusErr(http.StatusBadRequest, "invalid offset")
	}

	var abs int64
	switch sentinel {
	case offset.SentinelNow:
		abs = m.TailOffset
	case offset.SentinelStart:
		abs = 0
	default:
		abs, err = s.resolveOffset(ctx, m, tok)
		if err != nil {
			return nil, err
		}
	}

	if maxChunk <= 0 {
		maxChunk = s.cfg.MaxChunkBytes
	}
	return s.readAtChunk(ctx, m, abs, maxChunk)
}

// readAt is the pre-cache entry point; it uses the default chunk size.
func (s *Stream) readAt(ctx context.Context, m *hotlog.Meta, abs int64) (*ReadResult, error) {
	return s.readAtChunk(ctx, m, abs, s.cfg.MaxChunkBytes)
}

func (s *Stream) readAtChunk(ctx context.Context, m *hotlog.Meta, abs, maxChunk int64) (*ReadResult, error) {
	isJSON := IsJSON(m.ContentType)
	res := &ReadResult{ContentType: m.ContentType, JSON: isJSON, Tail: m.TailOffset}

	if abs == m.TailOffset {
		res.NextOffset = offset.Token{ReadSeq: m.ReadSeq, Pos: abs - m.SegmentStart}
		res.UpToDate = true
		res.Closed = m.Closed
		if isJSON {
			res.Body = []byte("[]")
		}
		return res, nil
	}

	// Anything below the hot window lives in a sealed segment; the
	// hot log may hold ops at higher offsets, so this check must come
	// before the scan.
	if abs < m.SegmentStart {
		return s.readCold(ctx, m, abs, maxChunk)
	}

	// Mid-message offsets are only legal on binary streams.
	startAbs := abs
	var prefix []byte
	overlap, err := s.db.SelectOverlap(ctx, abs)
	if err != nil && !errors.Is(err, hotlog.ErrNotFound) {
		return nil, err
	}
	if overlap != nil {
		if isJSON {
			return nil, statusErr(http.StatusBadRequest, "offset splits a message")
		}
		prefix = overlap.Body[abs-overlap.Start:]
		startAbs = overlap.End
	}

	ops, err := s.db.SelectOpsFrom(ctx, startAbs, hotlog.DefaultScanLimit)
	if err != nil {
		return nil, err
	}

	if len(ops) == 0 && prefix == nil {
		// Offset inside the hot window but no op starts there; the
		// stream was truncated or the offset is stale.
		return nil, statusErr(http.StatusBadRequest, "no data at offset")
	}

	var body bytes.Buffer
	nextAbs := abs
	var writeTS int64
	if prefix != nil {
		body.Write(prefix)
		nextAbs = startAbs
		writeTS = overlap.CreatedAt
	}
	if isJSON {
		body.WriteByte('[')
	}
	included := 0
	for i := range ops {
		op := &ops[i]
		// Always include at least one op unless the mid-op prefix
		// already produced data.
		if (included > 0 || prefix != nil) && int64(body.Len())+op.SizeBytes > maxChunk {
			break
		}
		if isJSON && included > 0 {
			body.WriteByte(',')
		}
		body.Write(op.Body)
		nextAbs = op.End
		writeTS = op.CreatedAt
		included++
	}
	if isJSON {
		body.WriteByte(']')
	}

	res.Body = body.Bytes()
	res.HasData = true
	res.WriteTimestamp = writeTS
	res.NextOffset, err = s.encodeOffset(ctx, m, nextAbs)
	if err != nil {
		return nil, err
	}
	res.UpToDate = nextAbs == m.TailOffset
	res.Closed = res.UpToDate && m.Closed
	return res, nil
}

// readCold serves an offset that rotated out of the hot log.
func (s *Stream) readCold(ctx context.Context, m *hotlog.Meta, abs, maxChunk int64) (*ReadResult, error) {
	seg, err := s.db.SegmentCovering(ctx, abs)
	if err != nil {
		if errors.Is(err, hotlog.ErrNotFound) {
			return nil, statusErr(http.StatusBadRequest, "offset predates retained history")
		}
		return nil, err
	}
	raw, err := s.blobs.Get(ctx, seg.Key)
	if err != nil {
		return nil, err
	}
	frames, err := segment.Decode(raw)
	if err != nil {
		return nil, err
	}

	isJSON := IsJSON(seg.ContentType)
	res := &ReadResult{ContentType: m.ContentType, JSON: isJSON, HasData: true, Tail: m.TailOffset}

	var body bytes.Buffer
	nextAbs := abs
	if isJSON {
		// Message-count offsets index frames directly.
		idx := abs - seg.Start
		if idx < 0 || idx >= int64(len(frames)) {
			return nil, statusErr(http.StatusBadRequest, "offset beyond segment end")
		}
		body.WriteByte('[')
		included := 0
		for _, f := range frames[idx:] {
			if included > 0 && int64(body.Len())+int64(len(f)) > maxChunk {
				break
			}
			if included > 0 {
				body.WriteByte(',')
			}
			body.Write(f)
			nextAbs++
			included++
		}
		body.WriteByte(']')
	} else {
		pos := seg.Start
		for _, f := range frames {
			end := pos + int64(len(f))
			if end <= abs {
				pos = end
				continue
			}
			chunk := f
			if pos < abs {
				chunk = f[abs-pos:]
			}
			if body.Len() > 0 && int64(body.Len())+int64(len(chunk)) > maxChunk {
				break
			}
			body.Write(chunk)
			nextAbs = end
			pos = end
		}
		if body.Len() == 0 {
			return nil, statusErr(http.StatusBadRequest, "offset beyond segment end")
		}
	}

	res.Body = body.Bytes()
	res.NextOffset, err = s.encodeOffset(ctx, m, nextAbs)
	if err != nil {
		return nil, err
	}
	res.UpToDate = nextAbs == m.TailOffset
	res.Closed = res.UpToDate && m.Closed
	return res, nil
}
