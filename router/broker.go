package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nodelink/router/internal/routerdebug"
)

// Broker is the Request Broker from spec.md §4.2: it allocates request
// identifiers, publishes pending requests, rendezvous Connector uploads with
// waiting Applications, and enforces deadlines.
type Broker struct {
	registry *Registry
	log      *slog.Logger
	metrics  *Metrics

	mu    sync.Mutex // coarse lock guarding the table map; per-entry state has its own lock
	table map[string]*PendingRequest

	maxBufferedBytes int64
	streamQueueDepth int
	maxChunkSize     int64
}

// NewBroker constructs a Broker bound to registry, with the resource bounds
// from spec.md §6's configuration table.
func NewBroker(registry *Registry, maxBufferedBytes int64, streamQueueDepth int, maxChunkSize int64, metrics *Metrics, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		registry:         registry,
		log:              log,
		metrics:          metrics,
		table:            make(map[string]*PendingRequest),
		maxBufferedBytes: maxBufferedBytes,
		streamQueueDepth: streamQueueDepth,
		maxChunkSize:     maxChunkSize,
	}
}

// Begin inserts a new pending record and returns it, per spec.md §4.2
// step 1. The PendingRequest itself is both the request-id-bearing record
// and the waitable the Application-facing handler blocks on.
func (b *Broker) Begin(nodeID, dataset string, pattern Pattern, deadline time.Time) *PendingRequest {
	pr := newPendingRequest(randText(), nodeID, dataset, pattern, deadline, b.streamQueueDepth)
	b.mu.Lock()
	b.table[pr.ID] = pr
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.RequestsTotal.WithLabelValues(string(pattern), "started").Inc()
	}
	b.log.Debug("pending request created", "request_id", pr.ID, "node_id", nodeID, "dataset", dataset, "pattern", pattern)
	return pr
}

// Dispatch obtains the session for pr's node id and sends the command frame
// appropriate to pr's pattern. If the session is absent, pr transitions to
// failed{no_such_connector} and its waitable is released, per spec.md §4.2
// step 2.
func (b *Broker) Dispatch(pr *PendingRequest) {
	var cmd CommandName
	switch pr.Pattern {
	case PatternA:
		cmd = CommandGetDataset
	case PatternB:
		cmd = CommandGetDatasetStream
	case PatternC:
		cmd = CommandGetDatasetOffload
	}
	frame := CommandFrame{Command: cmd, RequestID: pr.ID, DatasetName: pr.Dataset}

	outcome := b.registry.Send(pr.NodeID, frame)
	if outcome != SendOK {
		b.finish(pr, StateFailed, KindNoSuchConnector, "no connector registered for node "+pr.NodeID, nil)
		if b.metrics != nil {
			b.metrics.RequestsTotal.WithLabelValues(string(pr.Pattern), "no_such_connector").Inc()
		}
		return
	}
	pr.markDispatched()
	b.log.Debug("command dispatched", "request_id", pr.ID, "node_id", pr.NodeID, "command", cmd)
}

// DeliverBuffered implements spec.md §4.3's Connector-facing result delivery
// for Pattern A. It enforces the payload_too_large bound from §4.3 and the
// pattern-match requirement from §4.2's tie-break rules.
func (b *Broker) DeliverBuffered(requestID string, data []byte) Kind {
	pr, ok := b.lookup(requestID)
	if !ok {
		return KindUnknownRequest
	}
	if pr.Pattern != PatternA {
		return KindProtocolViolation
	}
	if int64(len(data)) > b.maxBufferedBytes {
		b.finish(pr, StateFailed, KindPayloadTooLarge, "payload exceeds max_buffered_bytes", nil)
		return KindPayloadTooLarge
	}
	if !b.finish(pr, StateFulfilled, "", "", &Result{Data: data, SizeBytes: int64(len(data))}) {
		return KindAlreadyTerminal
	}
	b.log.Info("buffered result delivered", "request_id", pr.ID, "node_id", pr.NodeID, "size", humanize.Bytes(uint64(len(data))))
	if b.metrics != nil {
		b.metrics.RequestsTotal.WithLabelValues(string(PatternA), "fulfilled").Inc()
		b.metrics.BytesTransferred.WithLabelValues(string(PatternA)).Add(float64(len(data)))
	}
	return ""
}

// DeliverBufferedError fails a Pattern A request on a Connector-reported
// upload error, the buffering analogue of DeliverOffloadError.
func (b *Broker) DeliverBufferedError(requestID, message string) Kind {
	pr, ok := b.lookup(requestID)
	if !ok {
		return KindUnknownRequest
	}
	if pr.Pattern != PatternA {
		return KindProtocolViolation
	}
	if !b.finish(pr, StateFailed, KindInternal, message, nil) {
		return KindAlreadyTerminal
	}
	if b.metrics != nil {
		b.metrics.RequestsTotal.WithLabelValues(string(PatternA), "connector_error").Inc()
	}
	return ""
}

// DeliverOffload implements spec.md §4.5's success path for Pattern C.
func (b *Broker) DeliverOffload(requestID, downloadURL string, sizeBytes int64) Kind {
	pr, ok := b.lookup(requestID)
	if !ok {
		return KindUnknownRequest
	}
	if pr.Pattern != PatternC {
		return KindProtocolViolation
	}
	if !b.finish(pr, StateFulfilled, "", "", &Result{DownloadURL: downloadURL, SizeBytes: sizeBytes}) {
		return KindAlreadyTerminal
	}
	b.log.Info("offload delivered", "request_id", pr.ID, "node_id", pr.NodeID, "size", humanize.Bytes(uint64(sizeBytes)))
	if b.metrics != nil {
		b.metrics.RequestsTotal.WithLabelValues(string(PatternC), "fulfilled").Inc()
		b.metrics.BytesTransferred.WithLabelValues(string(PatternC)).Add(float64(sizeBytes))
	}
	return ""
}

// DeliverOffloadError implements spec.md §4.5's failure path: the Connector
// reports an upload error in place of a URL.
func (b *Broker) DeliverOffloadError(requestID, message string) Kind {
	pr, ok := b.lookup(requestID)
	if !ok {
		return KindUnknownRequest
	}
	if pr.Pattern != PatternC {
		return KindProtocolViolation
	}
	if !b.finish(pr, StateFailed, KindOffloadFailed, message, nil) {
		return KindAlreadyTerminal
	}
	if b.metrics != nil {
		b.metrics.RequestsTotal.WithLabelValues(string(PatternC), "offload_failed").Inc()
	}
	return ""
}

// StreamInit marks pr as streaming-active, per spec.md §4.4.
func (b *Broker) StreamInit(requestID string) Kind {
	pr, ok := b.lookup(requestID)
	if !ok {
		return KindUnknownRequest
	}
	if pr.Pattern != PatternB || pr.stream == nil {
		return KindProtocolViolation
	}
	if pr.isTerminal() {
		return KindAlreadyTerminal
	}
	pr.stream.markActive()
	if b.metrics != nil {
		b.metrics.ActiveStreams.Inc()
	}
	return ""
}

// StreamChunk enqueues one chunk, enforcing strict sequence-number order and
// max_chunk_size, per spec.md §4.4 and the invariants in spec.md §8 item 3.
// Producer-side serialization (spec.md §4.4: "Concurrent chunk POSTs for the
// same request are serialized by the Broker") is provided by streamPipe's
// internal mutex in checkAndAdvance.
func (b *Broker) StreamChunk(ctx context.Context, requestID string, seq int, data []byte) Kind {
	pr, ok := b.lookup(requestID)
	if !ok {
		return KindUnknownRequest
	}
	if pr.Pattern != PatternB || pr.stream == nil {
		return KindProtocolViolation
	}
	if pr.isTerminal() {
		if pr.stream.isReaderGone() {
			return KindStreamGone
		}
		return KindAlreadyTerminal
	}
	if int64(len(data)) > b.maxChunkSize {
		b.finish(pr, StateFailed, KindProtocolViolation, "chunk exceeds max_chunk_size", nil)
		return KindProtocolViolation
	}
	if !pr.stream.checkAndAdvance(seq, false) {
		b.finish(pr, StateFailed, KindProtocolViolation, "chunk sequence gap or stream already complete", nil)
		return KindProtocolViolation
	}
	if kind := pr.stream.enqueue(ctx, &ChunkRecord{Seq: seq, Data: data}); kind != "" {
		if kind == KindBackpressure {
			// The chunk was not queued: give its sequence number back so the
			// Connector's retry of the same seq is accepted.
			pr.stream.mu.Lock()
			if pr.stream.nextSeq == seq+1 {
				pr.stream.nextSeq = seq
			}
			pr.stream.mu.Unlock()
		}
		return kind
	}
	pr.stream.addBytes(len(data))
	if routerdebug.Value("streamtrace") != "" {
		b.log.Info("chunk accepted", "request_id", requestID, "seq", seq, "bytes", len(data))
	}
	if b.metrics != nil {
		b.metrics.StreamChunksTotal.WithLabelValues("accepted").Inc()
		b.metrics.BytesTransferred.WithLabelValues(string(PatternB)).Add(float64(len(data)))
	}
	return ""
}

// StreamComplete enqueues the terminal sentinel, per spec.md §4.4.
func (b *Broker) StreamComplete(ctx context.Context, requestID string, totalChunks int) Kind {
	pr, ok := b.lookup(requestID)
	if !ok {
		return KindUnknownRequest
	}
	if pr.Pattern != PatternB || pr.stream == nil {
		return KindProtocolViolation
	}
	pr.stream.mu.Lock()
	seq := pr.stream.nextSeq
	pr.stream.mu.Unlock()
	if !pr.stream.checkAndAdvance(seq, true) {
		return KindAlreadyTerminal
	}
	if kind := pr.stream.enqueue(ctx, &ChunkRecord{Seq: seq, Terminal: true}); kind != "" {
		return kind
	}
	total := pr.stream.bytes()
	b.finish(pr, StateFulfilled, "", "", &Result{SizeBytes: total})
	b.log.Info("stream completed", "request_id", pr.ID, "node_id", pr.NodeID, "chunks", totalChunks, "size", humanize.Bytes(uint64(total)))
	if b.metrics != nil {
		b.metrics.StreamChunksTotal.WithLabelValues("terminal").Inc()
		b.metrics.RequestsTotal.WithLabelValues(string(PatternB), "fulfilled").Inc()
	}
	return ""
}

// StreamError enqueues a terminal error sentinel, for a Connector-reported
// mid-stream failure (spec.md §4.4, POST /datasets/stream/error).
func (b *Broker) StreamError(ctx context.Context, requestID, message string) Kind {
	pr, ok := b.lookup(requestID)
	if !ok {
		return KindUnknownRequest
	}
	if pr.Pattern != PatternB || pr.stream == nil {
		return KindProtocolViolation
	}
	pr.stream.mu.Lock()
	pr.stream.completed = true
	pr.stream.mu.Unlock()
	pr.stream.enqueue(ctx, &ChunkRecord{Terminal: true, ErrMsg: message})
	b.finish(pr, StateFailed, KindInternal, message, nil)
	if b.metrics != nil {
		b.metrics.RequestsTotal.WithLabelValues(string(PatternB), "stream_error").Inc()
	}
	return ""
}

// Cancel transitions a non-terminal record to failed{reason} (or timed-out,
// when reason is KindTimeout), releasing its waitable and, for Pattern B,
// marking the reader gone so producers stop blocking. Per spec.md §5
// ("Cancellation & timeouts"), the Connector is never notified.
func (b *Broker) Cancel(pr *PendingRequest, reason Kind) {
	state := StateFailed
	if reason == KindTimeout {
		state = StateTimedOut
	} else if reason == KindShutdown {
		state = StateCancelled
	}
	if pr.stream != nil && !pr.isTerminal() {
		pr.stream.markReaderGone()
	}
	b.finish(pr, state, reason, string(reason), nil)
}

// Get returns the pending request for requestID, for status observation
// (spec.md §4.2 step 5, §4.6).
func (b *Broker) Get(requestID string) (*PendingRequest, bool) {
	return b.lookup(requestID)
}

func (b *Broker) lookup(requestID string) (*PendingRequest, bool) {
	b.mu.Lock()
	pr, ok := b.table[requestID]
	b.mu.Unlock()
	return pr, ok
}

// finish performs the single terminal transition for pr, closing its stream
// pipe (if any) so blocked producers/consumers unblock. Returns false if pr
// was already terminal (the caller lost a race).
func (b *Broker) finish(pr *PendingRequest, state State, kind Kind, msg string, result *Result) bool {
	ok := pr.transition(state, kind, msg, result)
	if ok {
		b.log.Info("request finished", "pattern", pr.Pattern, "request_id", pr.ID, "node_id", pr.NodeID,
			"state", state, "duration_ms", time.Since(pr.CreatedAt).Milliseconds())
		if b.metrics != nil {
			b.metrics.RequestDuration.WithLabelValues(string(pr.Pattern)).Observe(time.Since(pr.CreatedAt).Seconds())
			if pr.stream != nil && pr.stream.clearActive() {
				b.metrics.ActiveStreams.Dec()
			}
		}
		if pr.stream != nil {
			close(pr.stream.ch)
		}
	}
	return ok
}

// Sweep removes terminal entries older than ttl past their deadline, bounding
// table growth. This is in-memory bookkeeping only; it has no bearing on the
// "no durable persistence across restarts" non-goal.
func (b *Broker) Sweep(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, pr := range b.table {
		if pr.isTerminal() && pr.Deadline.Before(cutoff) {
			delete(b.table, id)
		}
	}
}
