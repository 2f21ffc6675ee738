package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tailstream/tailstream/fanout"
	"github.com/tailstream/tailstream/hotlog"
	"github.com/tailstream/tailstream/offset"
	"github.com/tailstream/tailstream/producer"
)

// ProducerHeader is the (id, epoch, seq) triple from the append's
// producer headers.
type ProducerHeader struct {
	ID    string
	Epoch int64
	Seq   int64
}

// CreateRequest carries a PUT's parsed inputs. TTLSeconds and
// ExpiresAt are mutually exclusive; the handler validates the headers.
type CreateRequest struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *int64
	Public      bool
	Body        []byte
	StreamSeq   string
	Producer    *ProducerHeader
}

// CreateResult reports a create. Created distinguishes 201 from the
// idempotent-replay 200.
type CreateResult struct {
	Created    bool
	NextOffset offset.Token
	Producer   *ProducerHeader
}

// AppendRequest carries a POST's parsed inputs. Close with an empty
// body is a close-only request.
type AppendRequest struct {
	Body        []byte
	ContentType string
	Close       bool
	StreamSeq   string
	Producer    *ProducerHeader
}

// AppendResult reports a committed (or deduplicated) append.
type AppendResult struct {
	NextOffset offset.Token
	Closed     bool
	Duplicate  bool
	Producer   *ProducerHeader
}

// Create makes the stream, or idempotently replays a matching PUT.
// On first creation a non-empty body is appended under the same rules
// as POST; replays leave the stream untouched.
func (s *Stream) Create(ctx context.Context, req CreateRequest) (_ *CreateResult, err error) {
	defer mon.Task()(&ctx)(&err)

	ct := NormalizeContentType(req.ContentType)
	body := req.Body
	if IsJSON(ct) && emptyJSONArray(body) {
		body = nil
	}

	m, err := s.db.Meta(ctx)
	if err != nil && !errors.Is(err, hotlog.ErrNotFound) {
		return nil, err
	}
	if m != nil {
		if exp := effectiveExpiry(m); exp != 0 && s.now().Unix() > exp {
			if err := s.Delete(ctx); err != nil {
				return nil, err
			}
			m = nil
		}
	}

	if m != nil {
		if err := s.matchExisting(m, ct, req); err != nil {
			return nil, err
		}
		// A matching replay returns the current tail and ignores the
		// body; re-appending it would hand each retry a new offset.
		return &CreateResult{
			Created:    false,
			NextOffset: offset.Token{ReadSeq: m.ReadSeq, Pos: m.TailOffset - m.SegmentStart},
		}, nil
	}

	meta := &hotlog.Meta{
		ProjectID:   projectOf(s.Key),
		StreamID:    streamOf(s.Key),
		ContentType: ct,
		TTLSeconds:  req.TTLSeconds,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   s.now().Unix(),
		Public:      req.Public,
	}
	if err := s.db.Batch(ctx, []hotlog.Stmt{hotlog.InsertMetaStmt(meta)}); err != nil {
		return nil, err
	}
	mon.Counter("stream_create").Inc(1)

	if len(body) == 0 {
		return &CreateResult{Created: true, NextOffset: offset.Zero}, nil
	}
	res, err := s.Append(ctx, AppendRequest{
		Body:        body,
		ContentType: ct,
		StreamSeq:   req.StreamSeq,
		Producer:    req.Producer,
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{Created: true, NextOffset: res.NextOffset, Producer: res.Producer}, nil
}

// matchExisting enforces idempotent-PUT equality on content type,
// closed flag, TTL and effective expiry.
func (s *Stream) matchExisting(m *hotlog.Meta, ct string, req CreateRequest) error {
	if m.ContentType != ct {
		return statusErr(http.StatusConflict, "content type differs from existing stream")
	}
	if m.Closed {
		return statusErr(http.StatusConflict, "stream is closed")
	}
	if !int64PtrEqual(m.TTLSeconds, req.TTLSeconds) {
		return statusErr(http.StatusConflict, "ttl differs from existing stream")
	}
	reqExpiry := int64(0)
	if req.ExpiresAt != nil {
		reqExpiry = *req.ExpiresAt
	} else if req.TTLSeconds != nil {
		reqExpiry = m.CreatedAt + *req.TTLSeconds
	}
	if effectiveExpiry(m) != reqExpiry {
		return statusErr(http.StatusConflict, "expiry differs from existing stream")
	}
	return nil
}

// Append commits a POST: body append, close transition, or both.
func (s *Stream) Append(ctx context.Context, req AppendRequest) (_ *AppendResult, err error) {
	defer mon.Task()(&ctx)(&err)

	m, err := s.meta(ctx)
	if err != nil {
		return nil, err
	}

	if len(req.Body) > 0 {
		if int64(len(req.Body)) > s.cfg.MaxAppendBytes {
			return nil, statusErr(http.StatusRequestEntityTooLarge, "append exceeds maximum size")
		}
		total, err := s.db.TotalBytes(ctx)
		if err != nil {
			return nil, err
		}
		if float64(total) >= float64(s.cfg.QuotaBytes)*quotaThreshold {
			return nil, statusErr(http.StatusInsufficientStorage, "stream storage exhausted")
		}
	}

	// Producer evaluation runs before any content or closed check so
	// idempotent replays succeed even after the stream closes.
	var prodStmts []hotlog.Stmt
	var prodNext *producer.State
	if req.Producer != nil {
		stored, err := s.loadProducer(ctx, req.Producer.ID)
		if err != nil {
			return nil, err
		}
		verdict := producer.Evaluate(stored, req.Producer.ID, req.Producer.Epoch, req.Producer.Seq, s.now())
		switch verdict.Outcome {
		case producer.OutcomeError:
			se := statusErr(verdict.Status, verdict.Message)
			se.Headers = http.Header{}
			for k, v := range verdict.Headers {
				se.Headers.Set(k, v)
			}
			return nil, se
		case producer.OutcomeDuplicate:
			tok, err := s.encodeOffset(ctx, m, verdict.Prior.LastOffset)
			if err != nil {
				return nil, err
			}
			mon.Counter("append_duplicate").Inc(1)
			return &AppendResult{
				NextOffset: tok,
				Closed:     m.Closed,
				Duplicate:  true,
				Producer:   req.Producer,
			}, nil
		case producer.OutcomeOK:
			if verdict.Expired {
				prodStmts = append(prodStmts, hotlog.DeleteProducerStmt(req.Producer.ID))
			}
			prodNext = verdict.Next
		}
	}

	closeOnly := req.Close && len(req.Body) == 0
	if closeOnly {
		return s.close(ctx, m, req.Producer, prodNext, prodStmts)
	}

	if len(req.Body) == 0 {
		return nil, statusErr(http.StatusBadRequest, "empty body")
	}
	if m.Closed {
		se := statusErr(http.StatusConflict, "stream is closed")
		se.Headers = http.Header{"Stream-Closed": []string{"true"}}
		return nil, se
	}
	if NormalizeContentType(req.ContentType) != m.ContentType {
		return nil, statusErr(http.StatusConflict, "content type differs from stream")
	}
	if req.StreamSeq != "" && req.StreamSeq <= m.LastStreamSeq {
		return nil, statusErr(http.StatusConflict, "stream seq regression")
	}

	var messages [][]byte
	if IsJSON(m.ContentType) {
		messages, err = flattenJSON(req.Body)
		if err != nil {
			return nil, err
		}
	} else {
		messages = [][]byte{req.Body}
	}

	nowMS := s.now().UnixMilli()
	tail := m.TailOffset
	var stmts []hotlog.Stmt
	var addedBytes int64
	for _, msg := range messages {
		op := &hotlog.Op{
			Start:     tail,
			SizeBytes: int64(len(msg)),
			Body:      msg,
			CreatedAt: nowMS,
		}
		if IsJSON(m.ContentType) {
			op.End = tail + 1
		} else {
			op.End = tail + op.SizeBytes
		}
		if req.StreamSeq != "" {
			seq := req.StreamSeq
			op.StreamSeq = &seq
		}
		if req.Producer != nil {
			id, ep, sq := req.Producer.ID, req.Producer.Epoch, req.Producer.Seq
			op.ProducerID, op.ProducerEpoch, op.ProducerSeq = &id, &ep, &sq
		}
		stmts = append(stmts, hotlog.InsertOpStmt(op))
		tail = op.End
		addedBytes += op.SizeBytes
	}

	lastSeq := m.LastStreamSeq
	if req.StreamSeq != "" {
		lastSeq = req.StreamSeq
	}
	stmts = append(stmts, hotlog.UpdateAppendMetaStmt(
		tail, m.SegmentMsgs+int64(len(messages)), m.SegmentBytes+addedBytes, lastSeq))

	if prodNext != nil {
		prodNext.LastOffset = tail
		stmts = append(prodStmts, stmts...)
		stmts = append(stmts, hotlog.UpsertProducerStmt(&hotlog.Producer{
			ID: prodNext.ID, Epoch: prodNext.Epoch, LastSeq: prodNext.LastSeq,
			LastOffset: tail, LastUpdated: prodNext.LastUpdated,
		}))
	}

	closing := req.Close
	if closing {
		stmts = append(stmts, closeStmt(req.Producer))
	}

	// No messages (an empty JSON array): commit producer state only.
	if len(messages) == 0 && !closing {
		if prodNext != nil {
			prodNext.LastOffset = m.TailOffset
			all := append(prodStmts, hotlog.UpsertProducerStmt(&hotlog.Producer{
				ID: prodNext.ID, Epoch: prodNext.Epoch, LastSeq: prodNext.LastSeq,
				LastOffset: m.TailOffset, LastUpdated: prodNext.LastUpdated,
			}))
			if err := s.db.Batch(ctx, all); err != nil {
				return nil, err
			}
		}
		tok, err := s.encodeOffset(ctx, m, m.TailOffset)
		if err != nil {
			return nil, err
		}
		return &AppendResult{NextOffset: tok, Producer: req.Producer}, nil
	}

	if err := s.db.Batch(ctx, stmts); err != nil {
		return nil, err
	}
	mon.Counter("append").Inc(1)

	newMeta := *m
	newMeta.TailOffset = tail
	newMeta.SegmentMsgs += int64(len(messages))
	newMeta.SegmentBytes += addedBytes
	newMeta.Closed = newMeta.Closed || closing

	tok := offset.Token{ReadSeq: newMeta.ReadSeq, Pos: tail - newMeta.SegmentStart}
	s.publish(ctx, &newMeta, req.Body, tok, closing)

	if err := s.maybeRotate(ctx, &newMeta, closing); err != nil {
		// Rotation failure does not undo the committed append.
		s.log.Error("segment rotation failed",
			zap.String("stream", s.Key), zap.Error(err))
	}

	return &AppendResult{NextOffset: tok, Closed: newMeta.Closed, Producer: req.Producer}, nil
}

// close handles a close-only request against the loaded meta.
func (s *Stream) close(ctx context.Context, m *hotlog.Meta, hdr *ProducerHeader, prodNext *producer.State, prodStmts []hotlog.Stmt) (*AppendResult, error) {
	tok := offset.Token{ReadSeq: m.ReadSeq, Pos: m.TailOffset - m.SegmentStart}

	if m.Closed {
		// A producer that was not the closer conflicts; replays by the
		// closer were already absorbed by the duplicate path.
		if hdr != nil {
			se := statusErr(http.StatusConflict, "stream is closed")
			se.Headers = http.Header{"Stream-Closed": []string{"true"}}
			return nil, se
		}
		return &AppendResult{NextOffset: tok, Closed: true}, nil
	}

	stmts := append(prodStmts, closeStmt(hdr))
	if prodNext != nil {
		prodNext.LastOffset = m.TailOffset
		stmts = append(stmts, hotlog.UpsertProducerStmt(&hotlog.Producer{
			ID: prodNext.ID, Epoch: prodNext.Epoch, LastSeq: prodNext.LastSeq,
			LastOffset: m.TailOffset, LastUpdated: prodNext.LastUpdated,
		}))
	}
	if err := s.db.Batch(ctx, stmts); err != nil {
		return nil, err
	}
	mon.Counter("stream_close").Inc(1)

	closed := *m
	closed.Closed = true
	s.publish(ctx, &closed, nil, tok, true)

	if err := s.maybeRotate(ctx, &closed, true); err != nil {
		s.log.Error("segment rotation failed",
			zap.String("stream", s.Key), zap.Error(err))
	}

	return &AppendResult{NextOffset: tok, Closed: true, Producer: hdr}, nil
}

func closeStmt(hdr *ProducerHeader) hotlog.Stmt {
	if hdr == nil {
		return hotlog.SetClosedStmt(nil, nil, nil)
	}
	id, ep, sq := hdr.ID, hdr.Epoch, hdr.Seq
	return hotlog.SetClosedStmt(&id, &ep, &sq)
}

func (s *Stream) loadProducer(ctx context.Context, id string) (*producer.State, error) {
	row, err := s.db.Producer(ctx, id)
	if err != nil {
		if errors.Is(err, hotlog.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &producer.State{
		ID: row.ID, Epoch: row.Epoch, LastSeq: row.LastSeq,
		LastOffset: row.LastOffset, LastUpdated: row.LastUpdated,
	}, nil
}

// publish fans a committed append out: pre-cache catch-up responses for
// due long-poll waiters, wake them, then broadcast push frames. The
// order matters; reconnecting waiters must find their entries cached.
func (s *Stream) publish(ctx context.Context, m *hotlog.Meta, body []byte, next offset.Token, closing bool) {
	if s.preCacher != nil {
		for _, w := range s.queue.Snapshot() {
			if w.NotifyOffset >= m.TailOffset && !closing {
				continue
			}
			res, err := s.readAt(ctx, m, w.NotifyOffset)
			if err != nil {
				s.log.Debug("pre-cache read failed",
					zap.String("stream", s.Key), zap.Error(err))
				continue
			}
			s.preCacher.PreCacheRead(w.URL, res)
		}
	}

	if closing && len(body) == 0 {
		s.queue.WakeAll()
		s.channels.Broadcast(s.controlFrame(m, next))
		return
	}
	s.queue.NotifyOffset(m.TailOffset)

	data := fanout.Frame{Type: "data"}
	if IsTextual(m.ContentType) {
		data.Data = string(body)
	} else {
		data.Data = base64.StdEncoding.EncodeToString(body)
		data.Base64 = true
	}
	s.channels.Broadcast(data, s.controlFrame(m, next))
}

func (s *Stream) controlFrame(m *hotlog.Meta, next offset.Token) fanout.Frame {
	f := fanout.Frame{
		Type:             "control",
		StreamNextOffset: next.String(),
		StreamCursor:     Cursor(s.now()),
		StreamClosed:     m.Closed,
	}
	if !m.Closed {
		f.StreamWriteTimestamp = strconv.FormatInt(s.now().UnixMilli(), 10)
	}
	return f
}

// flattenJSON splits a JSON body into messages: a top-level array
// yields one message per element, any other value is one message.
func flattenJSON(body []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, statusErr(http.StatusBadRequest, "empty body")
	}
	if trimmed[0] != '[' {
		if !json.Valid(trimmed) {
			return nil, statusErr(http.StatusBadRequest, "invalid json body")
		}
		return [][]byte{trimmed}, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, statusErr(http.StatusBadRequest, "invalid json body")
	}
	out := make([][]byte, 0, len(elems))
	for _, e := range elems {
		out = append(out, bytes.TrimSpace(e))
	}
	return out, nil
}

func emptyJSONArray(body []byte) bool {
	var elems []json.RawMessage
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return false
	}
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return false
	}
	return len(elems) == 0
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func projectOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return ""
}

func streamOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}
