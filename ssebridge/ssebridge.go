// Package ssebridge translates sequencer push frames to
// text/event-stream wire records.
package ssebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tailstream/tailstream/fanout"
	"github.com/tailstream/tailstream/sequencer"
)

// KeepAlive is the idle heartbeat interval.
const KeepAlive = 15 * time.Second

// Serve writes the session to the client until the client disconnects
// or the sequencer closes the channel. It owns the response from the
// first byte on.
func Serve(ctx context.Context, w http.ResponseWriter, session *sequencer.PushSession) error {
	defer session.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	if !session.Textual {
		h.Set("Stream-SSE-Data-Encoding", "base64")
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, f := range session.Initial {
		if err := writeFrame(w, f); err != nil {
			return err
		}
	}
	flush()

	ticker := time.NewTicker(KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-session.Channel.Frames:
			if !ok {
				// Sequencer side closed; the final control frame (if
				// any) was already delivered through the channel.
				return nil
			}
			if err := writeFrame(w, f); err != nil {
				return err
			}
			flush()
			if f.Type == "control" && f.StreamClosed {
				return nil
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// writeFrame emits one SSE record. Data frames become plain data
// records; control frames use a named event with a JSON payload.
func writeFrame(w io.Writer, f fanout.Frame) error {
	if f.Type == "data" {
		return writeData(w, f.Data)
	}
	payload, err := json.Marshal(controlPayload{
		StreamNextOffset:     f.StreamNextOffset,
		StreamCursor:         f.StreamCursor,
		StreamWriteTimestamp: f.StreamWriteTimestamp,
		StreamClosed:         f.StreamClosed,
		UpToDate:             f.UpToDate,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: control\ndata: %s\n\n", payload)
	return err
}

type controlPayload struct {
	StreamNextOffset     string `json:"streamNextOffset,omitempty"`
	StreamCursor         string `json:"streamCursor,omitempty"`
	StreamWriteTimestamp string `json:"streamWriteTimestamp,omitempty"`
	StreamClosed         bool   `json:"streamClosed,omitempty"`
	UpToDate             bool   `json:"upToDate,omitempty"`
}

// writeData splits multi-line payloads into one data: line each, as
// the wire format requires.
func writeData(w io.Writer, data string) error {
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Background drains a session without a downstream client, invoking
// onFrame for each frame. The coalescer's winner uses it to keep the
// edge cache warm for reconnecting long-pollers.
func Background(ctx context.Context, session *sequencer.PushSession, onFrame func(fanout.Frame)) {
	defer session.Close()
	for _, f := range session.Initial {
		onFrame(f)
	}
	for {
		select {
		case f, ok := <-session.Channel.Frames:
			if !ok {
				return
			}
			onFrame(f)
			if f.Type == "control" && f.StreamClosed {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
