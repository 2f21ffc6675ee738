//go:build tailstreamdebug

package sequencer

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/tailstream/tailstream/hotlog"
)

// DebugEnabled reports whether debug actions are compiled in.
const DebugEnabled = true

// Debug runs a test-tooling action inside the stream's single-writer
// section. Only compiled under the tailstreamdebug build tag.
func (h *Host) Debug(ctx context.Context, doKey, action string, params map[string]string) (*Response, error) {
	inst, err := h.instance(doKey)
	if err != nil {
		return nil, err
	}
	return inst.do(ctx, func(ctx context.Context) *Response {
		switch action {
		case "force-rotate":
			if err := inst.engine.Rotate(ctx, params["retainOps"] == "true"); err != nil {
				return h.errorResponse(doKey, "DEBUG", err)
			}
			return newResponse(http.StatusNoContent)

		case "set-producer-age":
			id := params["producerId"]
			age, err := strconv.ParseInt(params["ageSeconds"], 10, 64)
			if id == "" || err != nil {
				res := newResponse(http.StatusBadRequest)
				res.Body = []byte("producerId and ageSeconds required")
				return res
			}
			stmt := hotlog.TouchProducerStmt(id, time.Now().Unix()-age)
			if err := inst.db.Batch(ctx, []hotlog.Stmt{stmt}); err != nil {
				return h.errorResponse(doKey, "DEBUG", err)
			}
			return newResponse(http.StatusNoContent)

		case "ops-count":
			count, _, err := inst.db.OpStats(ctx, 0)
			if err != nil {
				return h.errorResponse(doKey, "DEBUG", err)
			}
			res := newResponse(http.StatusOK)
			res.Header.Set("Content-Type", "text/plain")
			res.Body = []byte(strconv.FormatInt(count, 10))
			return res

		case "truncate-latest-segment":
			if err := h.truncateLatestSegment(ctx, inst); err != nil {
				return h.errorResponse(doKey, "DEBUG", err)
			}
			return newResponse(http.StatusNoContent)

		default:
			res := newResponse(http.StatusBadRequest)
			res.Body = []byte("unknown debug action")
			return res
		}
	})
}

// truncateLatestSegment corrupts the newest cold blob to exercise
// reader error paths.
func (h *Host) truncateLatestSegment(ctx context.Context, inst *instance) error {
	seg, err := inst.db.LatestSegment(ctx)
	if err != nil {
		return err
	}
	raw, err := h.blobs.Get(ctx, seg.Key)
	if err != nil {
		return err
	}
	return h.blobs.Put(ctx, seg.Key, raw[:len(raw)/2])
}
