// Package engine implements the per-stream state machine: create,
// append, close, read and rotation over the hot log and the cold
// segment store. Every mutating entry point assumes it runs inside the
// sequencer's single-writer section.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/tailstream/tailstream/blob"
	"github.com/tailstream/tailstream/fanout"
	"github.com/tailstream/tailstream/hotlog"
	"github.com/tailstream/tailstream/offset"
)

var mon = monkit.Package()

// Defaults for Config fields left zero.
const (
	DefaultMaxAppendBytes     = 8 << 20
	DefaultMaxChunkBytes      = 256 << 10
	DefaultQuotaBytes         = 10 << 30
	DefaultSegmentMaxMessages = 1000
	DefaultSegmentMaxBytes    = 4 << 20
)

// quotaThreshold rejects appends once the hot log reaches this share
// of the quota.
const quotaThreshold = 0.9

// Config bounds a stream's resource usage.
type Config struct {
	MaxAppendBytes     int64
	MaxChunkBytes      int64
	QuotaBytes         int64
	SegmentMaxMessages int64
	SegmentMaxBytes    int64
}

func (c Config) withDefaults() Config {
	if c.MaxAppendBytes == 0 {
		c.MaxAppendBytes = DefaultMaxAppendBytes
	}
	if c.MaxChunkBytes == 0 {
		c.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if c.QuotaBytes == 0 {
		c.QuotaBytes = DefaultQuotaBytes
	}
	if c.SegmentMaxMessages == 0 {
		c.SegmentMaxMessages = DefaultSegmentMaxMessages
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	return c
}

// StatusError is a client-visible failure. Anything else that escapes
// the engine maps to 500.
type StatusError struct {
	Status  int
	Message string
	Headers http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func statusErr(status int, message string) *StatusError {
	return &StatusError{Status: status, Message: message}
}

// PreCacher receives pre-computed long-poll responses before parked
// waiters are woken, so their reconnects hit cache.
type PreCacher interface {
	PreCacheRead(url string, res *ReadResult)
}

// Stream is the engine for one (projectId, streamId). Not safe for
// concurrent use; the sequencer serializes access.
type Stream struct {
	Key string // projectId/streamId

	db        *hotlog.DB
	blobs     blob.Store
	cfg       Config
	log       *zap.Logger
	queue     *fanout.Queue
	channels  *fanout.ChannelSet
	preCacher PreCacher

	rotating bool
	now      func() time.Time
}

// New wires a stream engine over its hot log and blob store. preCacher
// may be nil when no edge cache fronts this sequencer.
func New(key string, db *hotlog.DB, blobs blob.Store, cfg Config, log *zap.Logger, preCacher PreCacher) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		Key:       key,
		db:        db,
		blobs:     blobs,
		cfg:       cfg.withDefaults(),
		log:       log,
		queue:     fanout.NewQueue(0),
		channels:  fanout.NewChannelSet(),
		preCacher: preCacher,
		now:       time.Now,
	}
}

// Queue exposes the long-poll waiter queue to the sequencer host.
func (s *Stream) Queue() *fanout.Queue { return s.queue }

// Channels exposes the push subscriber set to the sequencer host.
func (s *Stream) Channels() *fanout.ChannelSet { return s.channels }

// meta loads the stream row, lazily deleting the stream when its TTL
// or absolute expiry has passed.
func (s *Stream) meta(ctx context.Context) (*hotlog.Meta, error) {
	m, err := s.db.Meta(ctx)
	if err != nil {
		if errors.Is(err, hotlog.ErrNotFound) {
			return nil, statusErr(http.StatusNotFound, "stream not found")
		}
		return nil, err
	}
	if exp := effectiveExpiry(m); exp != 0 && s.now().Unix() > exp {
		s.log.Debug("stream expired, deleting", zap.String("stream", s.Key))
		if err := s.Delete(ctx); err != nil {
			return nil, err
		}
		return nil, statusErr(http.StatusNotFound, "stream not found")
	}
	return m, nil
}

// Head returns the stream's metadata for HEAD requests.
func (s *Stream) Head(ctx context.Context) (*hotlog.Meta, error) {
	return s.meta(ctx)
}

func effectiveExpiry(m *hotlog.Meta) int64 {
	if m.ExpiresAt != nil {
		return *m.ExpiresAt
	}
	if m.TTLSeconds != nil {
		return m.CreatedAt + *m.TTLSeconds
	}
	return 0
}

// encodeOffset turns an absolute position into a wire token, mapping
// historical positions through the segment index.
func (s *Stream) encodeOffset(ctx context.Context, m *hotlog.Meta, abs int64) (offset.Token, error) {
	if abs >= m.SegmentStart {
		return offset.Token{ReadSeq: m.ReadSeq, Pos: abs - m.SegmentStart}, nil
	}
	seg, err := s.db.SegmentCovering(ctx, abs)
	if err != nil {
		if errors.Is(err, hotlog.ErrNotFound) {
			return offset.Token{}, statusErr(http.StatusBadRequest, "offset predates retained history")
		}
		return offset.Token{}, err
	}
	return offset.Token{ReadSeq: seg.ReadSeq, Pos: abs - seg.Start}, nil
}

// resolveOffset maps a wire token to an absolute position.
func (s *Stream) resolveOffset(ctx context.Context, m *hotlog.Meta, tok offset.Token) (int64, error) {
	switch {
	case tok.ReadSeq == m.ReadSeq:
		abs := m.SegmentStart + tok.Pos
		if abs > m.TailOffset {
			return 0, statusErr(http.StatusBadRequest, "offset beyond tail")
		}
		return abs, nil
	case tok.ReadSeq > m.ReadSeq:
		return 0, statusErr(http.StatusBadRequest, "offset beyond tail")
	}
	seg, err := s.db.SegmentAt(ctx, tok.ReadSeq)
	if err != nil {
		if errors.Is(err, hotlog.ErrNotFound) {
			return 0, statusErr(http.StatusBadRequest, "unknown segment in offset")
		}
		return 0, err
	}
	abs := seg.Start + tok.Pos
	if abs > seg.End {
		return 0, statusErr(http.StatusBadRequest, "offset beyond segment end")
	}
	return abs, nil
}

// NormalizeContentType lowercases the media type and strips parameters.
// Empty input defaults to application/octet-stream.
func NormalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return "application/octet-stream"
	}
	return strings.ToLower(ct)
}

// IsJSON reports whether the normalized content type uses
// message-count offsets.
func IsJSON(ct string) bool {
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}

// IsTextual reports whether message bodies are safe to embed in SSE
// frames without base64.
func IsTextual(ct string) bool {
	switch {
	case strings.HasPrefix(ct, "text/"),
		IsJSON(ct),
		ct == "application/xml",
		ct == "application/javascript",
		ct == "application/x-ndjson",
		strings.HasSuffix(ct, "+xml"):
		return true
	}
	return false
}

// cursorEpoch anchors the long-poll cursor buckets.
var cursorEpoch = time.Date(2024, time.October, 9, 0, 0, 0, 0, time.UTC)

// cursorBucket is the idle window after which long-poll URLs rotate.
const cursorBucket = 20 * time.Second

// Cursor returns the current coarse time bucket. It only defends the
// edge cache against stale long-poll entries and is never
// authoritative.
func Cursor(now time.Time) string {
	return strconv.FormatInt(int64(now.Sub(cursorEpoch)/cursorBucket), 10)
}
