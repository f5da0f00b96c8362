package httpapi

import (
	"encoding/json"
	"net/http"

	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/correlation"
)

type ndjsonStart struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type ndjsonResult struct {
	Type   string `json:"type"`
	Result any    `json:"result"`
}

type ndjsonError struct {
	Type  string          `json:"type"`
	Error api.ErrorDetail `json:"error"`
}

type ndjsonEnd struct {
	Type string `json:"type"`
}

// handleNDJSON serves POST /mcp: one JSON object per line, flushed per
// line, always start then exactly one terminal object then end.
func (h *Handler) handleNDJSON(w http.ResponseWriter, r *http.Request) {
	r, req, ok := h.admit(w, r)
	if !ok {
		return
	}
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.WriteHeader(http.StatusOK)

	cid := correlation.ID(r.Context())
	h.writeNDJSONLine(w, flusher, ndjsonStart{Type: "start", TS: h.clock.Now().UnixMilli()})

	res := <-h.dispatchAsync(r, *req)
	if r.Context().Err() != nil {
		h.logger.Debug("transport.ndjson.disconnect", "cid", cid, "tool", req.Tool)
		return
	}

	payload, isErr, err := h.terminalPayload(res.env, res.errEnv)
	if err != nil {
		h.logger.Error("transport.ndjson.encode_failed", "cid", cid, "error", err)
		return
	}
	if isErr {
		var errEnv api.ErrorEnvelope
		if err := json.Unmarshal(payload, &errEnv); err == nil {
			h.writeNDJSONLine(w, flusher, ndjsonError{Type: "error", Error: errEnv.Error})
		}
	} else {
		h.writeNDJSONLine(w, flusher, ndjsonResult{Type: "result", Result: res.env.Result})
	}
	h.writeNDJSONLine(w, flusher, ndjsonEnd{Type: "end"})
}

func (h *Handler) writeNDJSONLine(w http.ResponseWriter, flusher http.Flusher, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("transport.ndjson.encode_failed", "error", err)
		return
	}
	_, _ = w.Write(append(payload, '\n'))
	if flusher != nil {
		flusher.Flush()
	}
}
