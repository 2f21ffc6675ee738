package hotlog

// Meta is the single stream_meta row of a hot log.
type Meta struct {
	ProjectID     string
	StreamID      string
	ContentType   string // normalized: lowercased, parameters stripped
	Closed        bool
	TailOffset    int64
	ReadSeq       int64
	SegmentStart  int64
	SegmentMsgs   int64
	SegmentBytes  int64
	LastStreamSeq string
	TTLSeconds    *int64
	ExpiresAt     *int64 // unix seconds
	CreatedAt     int64  // unix seconds
	ClosedByID    *string
	ClosedByEpoch *int64
	ClosedBySeq   *int64
	Public        bool
}

// Op is one committed append in the hot log.
type Op struct {
	Start         int64
	End           int64
	SizeBytes     int64
	Body          []byte
	CreatedAt     int64 // unix milliseconds
	StreamSeq     *string
	ProducerID    *string
	ProducerEpoch *int64
	ProducerSeq   *int64
}

// Producer is one row of the producer table.
type Producer struct {
	ID          string
	Epoch       int64
	LastSeq     int64
	LastOffset  int64
	LastUpdated int64 // unix seconds
}

// Segment is one row of the cold-segment index.
type Segment struct {
	ReadSeq      int64
	Key          string
	Start        int64
	End          int64
	ContentType  string
	SizeBytes    int64
	MessageCount int64
	ExpiresAt    *int64
}
