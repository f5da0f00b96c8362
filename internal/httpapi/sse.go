package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/correlation"
)

// handleSSE serves POST /sse. Frame order is start, then result or error,
// then end; keep-alive comments may interleave before the terminal frame
// but never after.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	r, req, ok := h.admit(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeFailure(w, api.Failure{
			Code:       api.CodeInternal,
			Detail:     "streaming unsupported by connection",
			HTTPStatus: http.StatusInternalServerError,
		})
		return
	}

	header := w.Header()
	header.Set("Content-Type", contentTypeSSE)
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	cid := correlation.ID(r.Context())
	h.writeSSEEvent(w, flusher, cid, "start", map[string]any{
		"ts": h.clock.Now().UnixMilli(),
	})

	outcome := h.dispatchAsync(r, *req)
	// Heartbeats go through the injected clock; the loop returns at the
	// terminal frame, so no timer outlives the connection.
	heartbeat := h.clock.After(h.heartbeat)

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("transport.sse.disconnect", "cid", cid, "tool", req.Tool)
			return
		case now := <-heartbeat:
			fmt.Fprintf(w, ": keep-alive %d\n\n", now.UnixMilli())
			flusher.Flush()
			heartbeat = h.clock.After(h.heartbeat)
		case res := <-outcome:
			if r.Context().Err() != nil {
				return
			}
			payload, isErr, err := h.terminalPayload(res.env, res.errEnv)
			if err != nil {
				h.logger.Error("transport.sse.encode_failed", "cid", cid, "error", err)
				return
			}
			event := "result"
			if isErr {
				event = "error"
			}
			h.writeSSERaw(w, flusher, cid, event, payload)
			h.writeSSEEvent(w, flusher, cid, "end", map[string]any{})
			return
		}
	}
}

func (h *Handler) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, id, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("transport.sse.encode_failed", "event", event, "error", err)
		return
	}
	h.writeSSERaw(w, flusher, id, event, payload)
}

func (h *Handler) writeSSERaw(w http.ResponseWriter, flusher http.Flusher, id, event string, payload []byte) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
