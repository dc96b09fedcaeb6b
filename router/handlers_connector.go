package router

import (
	"context"
	"net/http"
	"time"
)

// backpressureWait bounds how long a Connector-facing chunk POST blocks for
// queue capacity before the Router responds 503 backpressure, per spec.md
// §4.4 ("the endpoint blocks... until queue capacity frees or a deadline
// triggers").
const backpressureWait = 5 * time.Second

type resultBody struct {
	RequestID   string `json:"request_id"`
	Data        []byte `json:"data,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleResult implements POST /datasets/result (spec.md §4.3, §4.5): the
// Connector's reply to a pattern A or C dispatch.
func (rt *Router) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body resultBody
	if err := readJSON(r.Body, &body, rt.opts.MaxBufferedBytes+(1<<16)); err != nil {
		writeError(w, kindToError(KindProtocolViolation, "malformed result body: "+err.Error()))
		return
	}
	if body.RequestID == "" {
		writeError(w, kindToError(KindProtocolViolation, "request_id is required"))
		return
	}
	pr, ok := rt.broker.Get(body.RequestID)
	if !ok {
		writeError(w, kindToError(KindUnknownRequest, "no such request"))
		return
	}

	var kind Kind
	switch pr.Pattern {
	case PatternC:
		if body.Error != "" {
			kind = rt.broker.DeliverOffloadError(body.RequestID, body.Error)
		} else {
			kind = rt.broker.DeliverOffload(body.RequestID, body.DownloadURL, body.SizeBytes)
		}
	case PatternA:
		if body.Error != "" {
			kind = rt.broker.DeliverBufferedError(body.RequestID, body.Error)
		} else {
			kind = rt.broker.DeliverBuffered(body.RequestID, body.Data)
		}
	default:
		kind = KindProtocolViolation
	}
	if kind != "" {
		writeError(w, kindToError(kind, ""))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ack": true})
}

type streamInitBody struct {
	RequestID string `json:"request_id"`
	TotalSize *int64 `json:"total_size,omitempty"`
	ChunkSize *int64 `json:"chunk_size,omitempty"`
}

// handleStreamInit implements POST /datasets/stream/init (spec.md §4.4).
func (rt *Router) handleStreamInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body streamInitBody
	if err := readJSON(r.Body, &body, 1<<16); err != nil {
		writeError(w, kindToError(KindProtocolViolation, "malformed stream/init body: "+err.Error()))
		return
	}
	if kind := rt.broker.StreamInit(body.RequestID); kind != "" {
		writeError(w, kindToError(kind, ""))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ack": true})
}

type streamChunkBody struct {
	RequestID string `json:"request_id"`
	Seq       int    `json:"seq"`
	Data      []byte `json:"data"`
}

// handleStreamChunk implements POST /datasets/stream/chunk (spec.md §4.4).
// It blocks up to backpressureWait for queue capacity; on timeout it
// responds 503 with Retry-After, and on a disconnected Application reader it
// responds 410 stream_gone.
func (rt *Router) handleStreamChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body streamChunkBody
	if err := readJSON(r.Body, &body, rt.opts.MaxChunkSize+(1<<16)); err != nil {
		writeError(w, kindToError(KindProtocolViolation, "malformed stream/chunk body: "+err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backpressureWait)
	defer cancel()

	kind := rt.broker.StreamChunk(ctx, body.RequestID, body.Seq, body.Data)
	switch kind {
	case "":
		writeJSON(w, http.StatusOK, map[string]bool{"ack": true})
	case KindBackpressure:
		w.Header().Set("Retry-After", "1")
		writeError(w, kindToError(KindBackpressure, "stream queue full, retry"))
	default:
		writeError(w, kindToError(kind, ""))
	}
}

type streamCompleteBody struct {
	RequestID   string `json:"request_id"`
	TotalChunks int    `json:"total_chunks"`
}

// handleStreamComplete implements POST /datasets/stream/complete (spec.md
// §4.4).
func (rt *Router) handleStreamComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body streamCompleteBody
	if err := readJSON(r.Body, &body, 1<<16); err != nil {
		writeError(w, kindToError(KindProtocolViolation, "malformed stream/complete body: "+err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), backpressureWait)
	defer cancel()
	if kind := rt.broker.StreamComplete(ctx, body.RequestID, body.TotalChunks); kind != "" {
		writeError(w, kindToError(kind, ""))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ack": true})
}

type streamErrorBody struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// handleStreamError implements POST /datasets/stream/error (spec.md §4.4).
func (rt *Router) handleStreamError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body streamErrorBody
	if err := readJSON(r.Body, &body, 1<<16); err != nil {
		writeError(w, kindToError(KindProtocolViolation, "malformed stream/error body: "+err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), backpressureWait)
	defer cancel()
	if kind := rt.broker.StreamError(ctx, body.RequestID, body.Message); kind != "" {
		writeError(w, kindToError(kind, ""))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ack": true})
}
