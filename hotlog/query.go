package hotlog

import (
	"context"
	"database/sql"
	"errors"
)

// DefaultScanLimit bounds a single forward scan over ops.
const DefaultScanLimit = 200

// Meta reads the stream's meta row. ErrNotFound when the stream was
// never created (or was deleted).
func (d *DB) Meta(ctx context.Context) (*Meta, error) {
	row := d.db.QueryRowContext(ctx, `SELECT project_id, stream_id,
		content_type, closed, tail_offset, read_seq, segment_start,
		segment_msgs, segment_bytes, last_stream_seq, ttl_seconds,
		expires_at, created_at, closed_by_id, closed_by_epoch,
		closed_by_seq, public FROM stream_meta WHERE id = 1`)

	var m Meta
	var closed, public int64
	err := row.Scan(&m.ProjectID, &m.StreamID, &m.ContentType, &closed,
		&m.TailOffset, &m.ReadSeq, &m.SegmentStart, &m.SegmentMsgs,
		&m.SegmentBytes, &m.LastStreamSeq, &m.TTLSeconds, &m.ExpiresAt,
		&m.CreatedAt, &m.ClosedByID, &m.ClosedByEpoch, &m.ClosedBySeq,
		&public)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	m.Closed = closed != 0
	m.Public = public != 0
	return &m, nil
}

const opColumns = `start_offset, end_offset, size_bytes, body, created_at,
	stream_seq, producer_id, producer_epoch, producer_seq`

func scanOp(row interface{ Scan(...any) error }) (*Op, error) {
	var op Op
	err := row.Scan(&op.Start, &op.End, &op.SizeBytes, &op.Body,
		&op.CreatedAt, &op.StreamSeq, &op.ProducerID, &op.ProducerEpoch,
		&op.ProducerSeq)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// SelectOverlap returns the op whose range strictly contains the offset
// (start < offset < end), or ErrNotFound.
func (d *DB) SelectOverlap(ctx context.Context, off int64) (*Op, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM ops
		WHERE start_offset < ? AND end_offset > ?`, off, off)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return op, nil
}

// SelectOpsFrom returns up to limit ops starting at or after the offset,
// in offset order.
func (d *DB) SelectOpsFrom(ctx context.Context, off int64, limit int) ([]Op, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	rows, err := d.db.QueryContext(ctx, `SELECT `+opColumns+` FROM ops
		WHERE start_offset >= ? ORDER BY start_offset LIMIT ?`, off, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var ops []Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		ops = append(ops, *op)
	}
	return ops, Error.Wrap(rows.Err())
}

// SelectAllOps returns every op in the hot log, in offset order.
func (d *DB) SelectAllOps(ctx context.Context) ([]Op, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+opColumns+` FROM ops ORDER BY start_offset`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var ops []Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		ops = append(ops, *op)
	}
	return ops, Error.Wrap(rows.Err())
}

// OpStats aggregates (count, bytes) over ops at or after the offset.
func (d *DB) OpStats(ctx context.Context, off int64) (count, bytes int64, err error) {
	row := d.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM ops WHERE start_offset >= ?`, off)
	if err := row.Scan(&count, &bytes); err != nil {
		return 0, 0, Error.Wrap(err)
	}
	return count, bytes, nil
}

// TotalBytes returns the stored body bytes across the hot log. Drives
// the storage-exhaustion check.
func (d *DB) TotalBytes(ctx context.Context) (int64, error) {
	row := d.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM ops`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, Error.Wrap(err)
	}
	return n, nil
}

// Producer reads one producer row, or ErrNotFound.
func (d *DB) Producer(ctx context.Context, id string) (*Producer, error) {
	row := d.db.QueryRowContext(ctx, `SELECT producer_id, epoch, last_seq,
		last_offset, last_updated FROM producers WHERE producer_id = ?`, id)
	var p Producer
	err := row.Scan(&p.ID, &p.Epoch, &p.LastSeq, &p.LastOffset, &p.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &p, nil
}

const segmentColumns = `read_seq, key, start_offset, end_offset,
	content_type, size_bytes, message_count, expires_at`

func scanSegment(row interface{ Scan(...any) error }) (*Segment, error) {
	var s Segment
	err := row.Scan(&s.ReadSeq, &s.Key, &s.Start, &s.End, &s.ContentType,
		&s.SizeBytes, &s.MessageCount, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Segments lists the segment index in read_seq order.
func (d *DB) Segments(ctx context.Context) ([]Segment, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+segmentColumns+` FROM segments ORDER BY read_seq`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var segs []Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		segs = append(segs, *s)
	}
	return segs, Error.Wrap(rows.Err())
}

// LatestSegment returns the segment with the highest read_seq, or
// ErrNotFound when nothing has rotated yet.
func (d *DB) LatestSegment(ctx context.Context) (*Segment, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments
		ORDER BY read_seq DESC LIMIT 1`)
	s, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return s, nil
}

// SegmentAt returns the segment with the given read_seq, or ErrNotFound.
func (d *DB) SegmentAt(ctx context.Context, readSeq int64) (*Segment, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments
		WHERE read_seq = ?`, readSeq)
	s, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return s, nil
}

// SegmentCovering returns the segment whose range contains the absolute
// offset (start <= off < end), or ErrNotFound.
func (d *DB) SegmentCovering(ctx context.Context, off int64) (*Segment, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments
		WHERE start_offset <= ? AND end_offset > ?`, off, off)
	s, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return s, nil
}

// SegmentStartingAt returns the segment whose range begins exactly at
// the absolute offset, or ErrNotFound.
func (d *DB) SegmentStartingAt(ctx context.Context, off int64) (*Segment, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments
		WHERE start_offset = ?`, off)
	s, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return s, nil
}
