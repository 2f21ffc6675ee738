package sequencer

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/tailstream/tailstream/engine"
	"github.com/tailstream/tailstream/fanout"
)

// maxCatchUpRounds bounds the initial catch-up scan; each round reads
// one chunk.
const maxCatchUpRounds = 10000

// PushSession is a live subscription to one stream. Initial holds the
// catch-up frames ending in a control frame with upToDate set; Frames
// then delivers live frames until either side closes.
type PushSession struct {
	Initial     []fanout.Frame
	Channel     *fanout.Channel
	ContentType string
	Textual     bool

	engine *engine.Stream
}

// Close releases the subscription.
func (p *PushSession) Close() {
	p.engine.Channels().Release(p.Channel)
}

// OpenPush subscribes to a stream from the given offset. The catch-up
// snapshot and the channel registration run in the same single-writer
// section, so no append can fall between them.
func (h *Host) OpenPush(ctx context.Context, doKey, offsetRaw string) (*PushSession, *Response, error) {
	inst, err := h.instance(doKey)
	if err != nil {
		return nil, nil, err
	}

	var session *PushSession
	res, err := inst.do(ctx, func(ctx context.Context) *Response {
		var frames []fanout.Frame
		cur := offsetRaw
		textual := false
		contentType := ""
		closed := false
		for i := 0; i < maxCatchUpRounds; i++ {
			read, rerr := inst.engine.Read(ctx, cur, 0)
			if rerr != nil {
				return h.errorResponse(inst.key, http.MethodGet, rerr)
			}
			contentType = read.ContentType
			textual = engine.IsTextual(read.ContentType)
			if read.HasData {
				f := fanout.Frame{Type: "data"}
				if textual {
					f.Data = string(read.Body)
				} else {
					f.Data = base64.StdEncoding.EncodeToString(read.Body)
					f.Base64 = true
				}
				frames = append(frames, f)
			}
			cur = read.NextOffset.String()
			if read.UpToDate {
				closed = read.Closed
				break
			}
		}
		frames = append(frames, fanout.Frame{
			Type:             "control",
			StreamNextOffset: cur,
			StreamCursor:     engine.Cursor(time.Now()),
			StreamClosed:     closed,
			UpToDate:         true,
		})

		session = &PushSession{
			Initial:     frames,
			Channel:     inst.engine.Channels().Open(),
			ContentType: contentType,
			Textual:     textual,
			engine:      inst.engine,
		}
		return newResponse(http.StatusOK)
	})
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, res, nil
	}
	return session, nil, nil
}
