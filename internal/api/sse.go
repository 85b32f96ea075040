package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coderelay/coderelay/internal/event"
)

// keepaliveInterval paces SSE comment frames so proxies don't reap the
// connection during quiet turns.
const keepaliveInterval = 15 * time.Second

// stream serves a job's event feed as Server-Sent Events: one data:
// line per event, frames terminated by a blank line. The subscription's
// close reason is forwarded as a final "done" event so clients can tell
// a finished job from an evicted stream.
func (h *jobHandler) stream(w http.ResponseWriter, r *http.Request, jobID string, cursor int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	sub, err := h.orch.SubscribeJob(r.Context(), jobID, cursor)
	if err != nil {
		Error(w, err)
		return
	}
	defer h.orch.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Turns can stay quiet far longer than any server write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	writeEvent := func(ev event.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case ev := <-sub.Events():
			if !writeEvent(ev) {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-sub.Done():
			// Drain whatever the fan-out already queued, then report
			// why the stream ended.
			for {
				select {
				case ev := <-sub.Events():
					if !writeEvent(ev) {
						return
					}
					continue
				default:
				}
				break
			}
			_, _ = fmt.Fprintf(w, "event: done\ndata: {\"reason\":%q}\n\n", sub.Reason())
			flusher.Flush()
			return
		}
	}
}
