package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/tailstream/tailstream/hotlog"
	"github.com/tailstream/tailstream/segment"
)

// maybeRotate seals the current segment window when its counters pass
// the configured thresholds, and always on close.
func (s *Stream) maybeRotate(ctx context.Context, m *hotlog.Meta, force bool) error {
	if !force && m.SegmentMsgs < s.cfg.SegmentMaxMessages && m.SegmentBytes < s.cfg.SegmentMaxBytes {
		return nil
	}
	return s.rotateRetain(ctx, m, false)
}

// Rotate forces a rotation of the current segment window. retainOps
// keeps the rotated ops in the hot log, used by debug tooling.
func (s *Stream) Rotate(ctx context.Context, retainOps bool) (err error) {
	defer mon.Task()(&ctx)(&err)
	m, err := s.meta(ctx)
	if err != nil {
		return err
	}
	return s.rotateRetain(ctx, m, retainOps)
}

func (s *Stream) rotateRetain(ctx context.Context, m *hotlog.Meta, retainOps bool) error {
	if s.rotating {
		return nil
	}
	if m.TailOffset == m.SegmentStart {
		return nil
	}
	s.rotating = true
	defer func() { s.rotating = false }()

	ops, err := s.db.SelectAllOps(ctx)
	if err != nil {
		return err
	}
	// Ops retained by a prior debug rotation are already sealed.
	frames := make([][]byte, 0, len(ops))
	var sizeBytes, count int64
	for i := range ops {
		if ops[i].Start < m.SegmentStart {
			continue
		}
		frames = append(frames, ops[i].Body)
		sizeBytes += ops[i].SizeBytes
		count++
	}

	key := segment.BlobKey(s.Key, m.ReadSeq)
	if err := s.blobs.Put(ctx, key, segment.Encode(frames)); err != nil {
		return err
	}

	seg := &hotlog.Segment{
		ReadSeq:      m.ReadSeq,
		Key:          key,
		Start:        m.SegmentStart,
		End:          m.TailOffset,
		ContentType:  m.ContentType,
		SizeBytes:    sizeBytes,
		MessageCount: count,
		ExpiresAt:    m.ExpiresAt,
	}
	stmts := []hotlog.Stmt{
		hotlog.InsertSegmentStmt(seg),
		hotlog.RotateMetaStmt(m.ReadSeq+1, m.TailOffset),
	}
	if !retainOps {
		stmts = append(stmts, hotlog.DeleteOpsThroughStmt(m.TailOffset))
	}
	if err := s.db.Batch(ctx, stmts); err != nil {
		return err
	}
	mon.Counter("segment_rotate").Inc(1)
	s.log.Debug("segment rotated",
		zap.String("stream", s.Key),
		zap.Int64("read_seq", m.ReadSeq),
		zap.Int64("start", m.SegmentStart),
		zap.Int64("end", m.TailOffset))

	m.ReadSeq++
	m.SegmentStart = m.TailOffset
	m.SegmentMsgs = 0
	m.SegmentBytes = 0
	return nil
}

// Delete wipes the stream: cold segments, hot rows, parked waiters and
// push subscribers.
func (s *Stream) Delete(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	segs, err := s.db.Segments(ctx)
	if err != nil {
		return err
	}
	for i := range segs {
		if err := s.blobs.Delete(ctx, segs[i].Key); err != nil {
			// Orphan blobs are preferable to a stuck delete.
			s.log.Error("segment blob delete failed",
				zap.String("stream", s.Key),
				zap.String("key", segs[i].Key), zap.Error(err))
		}
	}
	if err := s.db.Batch(ctx, hotlog.DeleteAllStmts()); err != nil {
		return err
	}
	mon.Counter("stream_delete").Inc(1)

	s.queue.WakeAll()
	s.channels.CloseAll()
	return nil
}
