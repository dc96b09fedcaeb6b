package router

import (
	"context"
	"net/http"
	"time"

	json "github.com/segmentio/encoding/json"
)

// Dataset payload bytes travel as the standard base64-in-JSON-string
// encoding that encoding/json (and this drop-in) apply automatically to any
// []byte field or map value — this handles both JSON-document datasets and
// arbitrary binary ones (e.g. the CSV fixtures in spec.md §8's streaming
// scenarios) uniformly, without needing to know the dataset's content type.

// datasetRequest is the common request body for all three Application-facing
// request-* endpoints, per spec.md §6.
type datasetRequest struct {
	MAC       string   `json:"mac"`
	Dataset   string   `json:"dataset"`
	TimeoutS  *float64 `json:"timeout_s,omitempty"`
}

func (rt *Router) deadlineFor(req datasetRequest) time.Time {
	timeout := rt.opts.RequestTimeout
	if req.TimeoutS != nil && *req.TimeoutS > 0 {
		timeout = time.Duration(*req.TimeoutS * float64(time.Second))
	}
	return time.Now().Add(timeout)
}

func (rt *Router) parseDatasetRequest(w http.ResponseWriter, r *http.Request) (datasetRequest, bool) {
	var req datasetRequest
	if err := readJSON(r.Body, &req, 1<<20); err != nil {
		writeError(w, kindToError(KindProtocolViolation, "malformed request body: "+err.Error()))
		return req, false
	}
	req.MAC = normalizeMAC(req.MAC)
	if req.MAC == "" || req.Dataset == "" {
		writeError(w, kindToError(KindProtocolViolation, "mac and dataset are required"))
		return req, false
	}
	return req, true
}

// handleRequestSync implements Pattern A (spec.md §4.3): POST
// /datasets/request-sync.
func (rt *Router) handleRequestSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := rt.parseDatasetRequest(w, r)
	if !ok {
		return
	}

	pr := rt.broker.Begin(req.MAC, req.Dataset, PatternA, rt.deadlineFor(req))
	rt.broker.Dispatch(pr)

	snap, disconnected := rt.await(r.Context(), pr)
	if disconnected {
		return
	}
	pr.markResponded()

	if snap.State != StateFulfilled {
		writeError(w, kindToError(snap.Kind, snap.Message))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"request_id": pr.ID,
		"data":       snap.Result.Data,
		"size_bytes": snap.Result.SizeBytes,
		"timings":    snap.Timings,
	})
}

// handleRequestOffload implements Pattern C (spec.md §4.5): POST
// /datasets/request-offload.
func (rt *Router) handleRequestOffload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := rt.parseDatasetRequest(w, r)
	if !ok {
		return
	}

	pr := rt.broker.Begin(req.MAC, req.Dataset, PatternC, rt.deadlineFor(req))
	rt.broker.Dispatch(pr)

	snap, disconnected := rt.await(r.Context(), pr)
	if disconnected {
		return
	}
	pr.markResponded()

	if snap.State != StateFulfilled {
		writeError(w, kindToError(snap.Kind, snap.Message))
		return
	}
	resp := map[string]any{
		"status":       "success",
		"request_id":   pr.ID,
		"download_url": snap.Result.DownloadURL,
		"size_bytes":   snap.Result.SizeBytes,
	}
	if snap.Result.ExpiresAt != nil {
		resp["expires_at"] = snap.Result.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRequestStream implements Pattern B (spec.md §4.4): POST
// /datasets/request-stream. The response body is the dequeued chunk stream
// in sequence-number order; a Timings trailer carries the nanosecond timing
// payload since the HTTP status and headers must already have been flushed
// before the final timings are known.
func (rt *Router) handleRequestStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := rt.parseDatasetRequest(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, kindToError(KindInternal, "streaming unsupported by this transport"))
		return
	}

	pr := rt.broker.Begin(req.MAC, req.Dataset, PatternB, rt.deadlineFor(req))
	rt.broker.Dispatch(pr)

	w.Header().Set("Trailer", "Timings")

	ctx, cancel := context.WithDeadline(r.Context(), pr.Deadline)
	defer cancel()

	wrote := false
	for {
		rec, ok := pr.stream.dequeue(ctx)
		if !ok {
			if r.Context().Err() != nil {
				rt.broker.Cancel(pr, KindCancelled)
				pr.stream.markReaderGone()
				return
			}
			// Deadline expired, or the broker closed the pipe directly
			// (dispatch failure, shutdown, disconnect) without an explicit
			// terminal record.
			rt.broker.Cancel(pr, KindTimeout)
			if !wrote {
				snap := pr.snapshot()
				writeError(w, kindToError(snap.Kind, snap.Message))
			}
			rt.writeTimingsTrailer(w, pr)
			return
		}

		if rec.Terminal {
			if rec.ErrMsg != "" && !wrote {
				writeError(w, kindToError(KindInternal, rec.ErrMsg))
				rt.writeTimingsTrailer(w, pr)
				return
			}
			if !wrote {
				w.WriteHeader(http.StatusOK)
			}
			pr.markResponded()
			rt.writeTimingsTrailer(w, pr)
			return
		}

		if !wrote {
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if len(rec.Data) > 0 {
			if _, err := w.Write(rec.Data); err != nil {
				rt.broker.Cancel(pr, KindCancelled)
				pr.stream.markReaderGone()
				return
			}
			flusher.Flush()
		}
	}
}

// writeTimingsTrailer writes the spec.md §6 timing payload as a declared
// HTTP trailer, the only place in Pattern B where the final timings are
// available for the Application (headers are already flushed before
// t_result_recv/t_respond are known).
func (rt *Router) writeTimingsTrailer(w http.ResponseWriter, pr *PendingRequest) {
	snap := pr.snapshot()
	data, err := json.Marshal(snap.Timings)
	if err != nil {
		return
	}
	w.Header().Set("Timings", string(data))
}

// await blocks on pr's waitable up to its deadline or the request context's
// cancellation (Application disconnect), per spec.md §5 ("Suspension
// points... the rendezvous waitable after dispatch"). It returns
// disconnected=true if the caller went away, in which case the handler must
// not attempt to write a response.
func (rt *Router) await(ctx context.Context, pr *PendingRequest) (snapshot, bool) {
	timer := time.NewTimer(time.Until(pr.Deadline))
	defer timer.Stop()
	select {
	case <-pr.Done():
	case <-timer.C:
		rt.broker.Cancel(pr, KindTimeout)
	case <-ctx.Done():
		rt.broker.Cancel(pr, KindCancelled)
		return snapshot{}, true
	}
	return pr.snapshot(), false
}

// handleStatus implements GET /datasets/status/{request_id} (spec.md §4.6).
func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := r.URL.Path[len("/datasets/status/"):]
	pr, ok := rt.broker.Get(requestID)
	if !ok {
		writeError(w, kindToError(KindUnknownRequest, "no such request"))
		return
	}
	snap := pr.snapshot()
	resp := map[string]any{
		"state":   snap.State,
		"timings": snap.Timings,
	}
	if snap.Kind != "" {
		resp["error"] = map[string]string{"kind": string(snap.Kind), "message": snap.Message}
	}
	writeJSON(w, http.StatusOK, resp)
}
