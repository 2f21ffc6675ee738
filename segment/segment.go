// Package segment implements the cold-segment blob format: a sequence of
// length-prefixed frames with no header or trailer.
//
// Each frame is a 4-byte big-endian length followed by that many body
// bytes. Frames are written in commit order; the byte positions clients
// address count body bytes only, never the framing.
package segment

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/errs"
)

const (
	// LengthPrefixSize is the size of the frame length prefix in bytes.
	LengthPrefixSize = 4

	// MaxFrameSize caps a single frame body. Appends are limited to 8 MiB
	// upstream, so anything larger indicates corruption.
	MaxFrameSize = 8 * 1024 * 1024
)

// Error wraps all failures from this package.
var Error = errs.Class("segment")

// ErrCorrupt is returned when a blob fails to decode as frames.
var ErrCorrupt = Error.New("corrupt segment")

// WriteFrame writes one frame and returns the bytes written including
// the length prefix.
func WriteFrame(w io.Writer, body []byte) (int, error) {
	if len(body) > MaxFrameSize {
		return 0, Error.New("frame body %d bytes exceeds limit", len(body))
	}
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	n, err := w.Write(prefix[:])
	if err != nil {
		return n, Error.Wrap(err)
	}
	n2, err := w.Write(body)
	return n + n2, Error.Wrap(err)
}

// ReadFrame reads one frame body. Returns io.EOF at a clean boundary.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrCorrupt
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, ErrCorrupt
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrCorrupt
	}
	return body, nil
}

// Encode concatenates message bodies into a segment blob.
func Encode(bodies [][]byte) []byte {
	total := 0
	for _, b := range bodies {
		total += LengthPrefixSize + len(b)
	}
	out := make([]byte, 0, total)
	var prefix [LengthPrefixSize]byte
	for _, b := range bodies {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(b)))
		out = append(out, prefix[:]...)
		out = append(out, b...)
	}
	return out
}

// Decode splits a segment blob back into message bodies.
func Decode(data []byte) ([][]byte, error) {
	var bodies [][]byte
	for len(data) > 0 {
		if len(data) < LengthPrefixSize {
			return nil, ErrCorrupt
		}
		length := binary.BigEndian.Uint32(data[:LengthPrefixSize])
		if length > MaxFrameSize || int(length) > len(data)-LengthPrefixSize {
			return nil, ErrCorrupt
		}
		bodies = append(bodies, data[LengthPrefixSize:LengthPrefixSize+int(length)])
		data = data[LengthPrefixSize+int(length):]
	}
	return bodies, nil
}

// BlobKey builds the object-store key for a rotated segment. The stream
// key is base64url-encoded so arbitrary stream ids stay path-safe.
func BlobKey(streamKey string, readSeq int64) string {
	return fmt.Sprintf("segments/%s/%016d",
		base64.RawURLEncoding.EncodeToString([]byte(streamKey)), readSeq)
}
