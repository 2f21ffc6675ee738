//go:build !tailstreamdebug

package sequencer

import (
	"context"
	"net/http"
)

// DebugEnabled reports whether debug actions are compiled in.
const DebugEnabled = false

// Debug is a no-op in production builds.
func (h *Host) Debug(ctx context.Context, doKey, action string, params map[string]string) (*Response, error) {
	return newResponse(http.StatusNotFound), nil
}
