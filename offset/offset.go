// Package offset implements the opaque stream position tokens.
//
// A token is "RRRRRRRRRRRRRRRR_BBBBBBBBBBBBBBBB": two 16-digit zero-padded
// decimals joined by an underscore. The first field is the read sequence
// (rotated-segment count), the second a position within that segment.
// Lexicographic order equals numeric order across both fields.
package offset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxSafe bounds both token fields. Tokens are consumed by JavaScript
// clients, so positions never exceed Number.MAX_SAFE_INTEGER.
const MaxSafe = 1<<53 - 1

// ErrInvalid is returned for tokens that fail to parse or fall outside
// the addressable range of a stream.
var ErrInvalid = errors.New("invalid offset")

// Token is a decoded stream position.
type Token struct {
	ReadSeq int64 // rotated-segment count at the position
	Pos     int64 // position within that segment
}

// Zero is the first position of a new stream.
var Zero = Token{}

// Sentinel identifies the special input-only offset values.
type Sentinel int

const (
	SentinelNone  Sentinel = iota
	SentinelStart          // "-1": the stream's first byte
	SentinelNow            // "now": the current tail, no data read
)

// String returns the wire form of the token.
func (t Token) String() string {
	return fmt.Sprintf("%016d_%016d", t.ReadSeq, t.Pos)
}

// Equal reports whether two tokens address the same position.
func (t Token) Equal(other Token) bool {
	return t.ReadSeq == other.ReadSeq && t.Pos == other.Pos
}

// Compare returns -1, 0 or 1 by position order.
func Compare(a, b Token) int {
	if a.ReadSeq != b.ReadSeq {
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	}
	if a.Pos != b.Pos {
		if a.Pos < b.Pos {
			return -1
		}
		return 1
	}
	return 0
}

// Parse decodes a strict token. Sentinels are rejected; use ParseWire for
// request input.
func Parse(s string) (Token, error) {
	if !wellFormed(s) {
		return Token{}, fmt.Errorf("%w: must be 'digits_digits'", ErrInvalid)
	}
	i := strings.IndexByte(s, '_')
	readSeq, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil || readSeq > MaxSafe {
		return Token{}, fmt.Errorf("%w: read_seq out of range", ErrInvalid)
	}
	pos, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || pos > MaxSafe {
		return Token{}, fmt.Errorf("%w: position out of range", ErrInvalid)
	}
	return Token{ReadSeq: readSeq, Pos: pos}, nil
}

// ParseWire decodes request input. An empty or "-1" value means the start
// of the stream; "now" resolves to the tail without reading data. Both are
// accepted on input only and never emitted.
func ParseWire(s string) (Token, Sentinel, error) {
	switch s {
	case "", "-1":
		return Zero, SentinelStart, nil
	case "now":
		return Zero, SentinelNow, nil
	}
	tok, err := Parse(s)
	if err != nil {
		return Token{}, SentinelNone, err
	}
	return tok, SentinelNone, nil
}

// wellFormed checks for exactly one underscore with digits on both sides.
// Strictness here keeps hostile query strings out of the cache key space.
func wellFormed(s string) bool {
	if len(s) < 3 {
		return false
	}
	underscores := 0
	pos := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			underscores++
			pos = i
			if underscores > 1 {
				return false
			}
		} else if c < '0' || c > '9' {
			return false
		}
	}
	return underscores == 1 && pos > 0 && pos < len(s)-1
}
