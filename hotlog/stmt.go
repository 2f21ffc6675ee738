package hotlog

// Statement builders. Callers compose these into a single Batch so every
// append commits its op rows, meta update and producer state atomically.

// InsertMetaStmt creates the stream's meta row.
func InsertMetaStmt(m *Meta) Stmt {
	return Stmt{
		SQL: `INSERT INTO stream_meta (
			id, project_id, stream_id, content_type, closed,
			tail_offset, read_seq, segment_start, segment_msgs, segment_bytes,
			last_stream_seq, ttl_seconds, expires_at, created_at,
			closed_by_id, closed_by_epoch, closed_by_seq, public
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			m.ProjectID, m.StreamID, m.ContentType, boolInt(m.Closed),
			m.TailOffset, m.ReadSeq, m.SegmentStart, m.SegmentMsgs, m.SegmentBytes,
			m.LastStreamSeq, m.TTLSeconds, m.ExpiresAt, m.CreatedAt,
			m.ClosedByID, m.ClosedByEpoch, m.ClosedBySeq, boolInt(m.Public),
		},
	}
}

// UpdateAppendMetaStmt advances the tail and segment counters after an
// append; last_stream_seq is written unconditionally (callers pass the
// prior value when the append carried no Stream-Seq).
func UpdateAppendMetaStmt(tail, segmentMsgs, segmentBytes int64, lastStreamSeq string) Stmt {
	return Stmt{
		SQL: `UPDATE stream_meta SET tail_offset = ?, segment_msgs = ?,
			segment_bytes = ?, last_stream_seq = ? WHERE id = 1`,
		Args: []any{tail, segmentMsgs, segmentBytes, lastStreamSeq},
	}
}

// SetClosedStmt marks the stream closed with optional producer attribution.
func SetClosedStmt(byID *string, byEpoch, bySeq *int64) Stmt {
	return Stmt{
		SQL: `UPDATE stream_meta SET closed = 1, closed_by_id = ?,
			closed_by_epoch = ?, closed_by_seq = ? WHERE id = 1`,
		Args: []any{byID, byEpoch, bySeq},
	}
}

// RotateMetaStmt bumps read_seq and resets the segment window after a
// rotation committed its segment row.
func RotateMetaStmt(newReadSeq, segmentStart int64) Stmt {
	return Stmt{
		SQL: `UPDATE stream_meta SET read_seq = ?, segment_start = ?,
			segment_msgs = 0, segment_bytes = 0 WHERE id = 1`,
		Args: []any{newReadSeq, segmentStart},
	}
}

// InsertOpStmt inserts one committed append.
func InsertOpStmt(op *Op) Stmt {
	return Stmt{
		SQL: `INSERT INTO ops (start_offset, end_offset, size_bytes, body,
			created_at, stream_seq, producer_id, producer_epoch, producer_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			op.Start, op.End, op.SizeBytes, op.Body, op.CreatedAt,
			op.StreamSeq, op.ProducerID, op.ProducerEpoch, op.ProducerSeq,
		},
	}
}

// DeleteOpsThroughStmt removes ops fully covered by a rotated segment.
func DeleteOpsThroughStmt(end int64) Stmt {
	return Stmt{
		SQL:  `DELETE FROM ops WHERE end_offset <= ?`,
		Args: []any{end},
	}
}

// UpsertProducerStmt writes a producer's post-append state.
func UpsertProducerStmt(p *Producer) Stmt {
	return Stmt{
		SQL: `INSERT INTO producers (producer_id, epoch, last_seq, last_offset, last_updated)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(producer_id) DO UPDATE SET
				epoch = excluded.epoch, last_seq = excluded.last_seq,
				last_offset = excluded.last_offset, last_updated = excluded.last_updated`,
		Args: []any{p.ID, p.Epoch, p.LastSeq, p.LastOffset, p.LastUpdated},
	}
}

// DeleteProducerStmt drops an expired producer row.
func DeleteProducerStmt(id string) Stmt {
	return Stmt{SQL: `DELETE FROM producers WHERE producer_id = ?`, Args: []any{id}}
}

// TouchProducerStmt resets a producer's inactivity clock. Used by the
// debug entry to simulate aging.
func TouchProducerStmt(id string, lastUpdated int64) Stmt {
	return Stmt{
		SQL:  `UPDATE producers SET last_updated = ? WHERE producer_id = ?`,
		Args: []any{lastUpdated, id},
	}
}

// InsertSegmentStmt records a rotated segment in the index.
func InsertSegmentStmt(s *Segment) Stmt {
	return Stmt{
		SQL: `INSERT INTO segments (read_seq, key, start_offset, end_offset,
			content_type, size_bytes, message_count, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			s.ReadSeq, s.Key, s.Start, s.End,
			s.ContentType, s.SizeBytes, s.MessageCount, s.ExpiresAt,
		},
	}
}

// DeleteSegmentStmt removes one segment index row.
func DeleteSegmentStmt(readSeq int64) Stmt {
	return Stmt{SQL: `DELETE FROM segments WHERE read_seq = ?`, Args: []any{readSeq}}
}

// DeleteAllStmts wipes the stream. Used by delete and lazy expiry.
func DeleteAllStmts() []Stmt {
	return []Stmt{
		{SQL: `DELETE FROM ops`},
		{SQL: `DELETE FROM producers`},
		{SQL: `DELETE FROM segments`},
		{SQL: `DELETE FROM stream_meta`},
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
