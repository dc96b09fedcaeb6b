package router

import (
	"sync"
	"time"
)

// Pattern identifies one of the three transfer patterns from spec.md §1/§4.
type Pattern string

const (
	PatternA Pattern = "A" // Buffering
	PatternB Pattern = "B" // Streaming
	PatternC Pattern = "C" // Offloading
)

// State is the terminal-state lattice from spec.md §3 ("Pending request").
type State string

const (
	StatePending   State = "pending"
	StateFulfilled State = "fulfilled"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed-out"
	StateCancelled State = "cancelled"
)

func (s State) terminal() bool {
	return s != StatePending
}

// Timings is the nanosecond timing payload from spec.md §6.
type Timings struct {
	T1RouterRecv int64 `json:"t1_router_recv"`
	TDispatch    int64 `json:"t_dispatch,omitempty"`
	TResultRecv  int64 `json:"t_result_recv,omitempty"`
	TRespond     int64 `json:"t_respond,omitempty"`
}

// Result holds the pattern-specific outcome of a fulfilled request.
type Result struct {
	Data        []byte     // Pattern A
	DownloadURL string     // Pattern C
	SizeBytes   int64      // A, B and C
	ExpiresAt   *time.Time // Pattern C, optional
}

// PendingRequest is the Request Broker's core record (spec.md §3/§4.2). All
// mutations go through transition, a single critical section per entry, so
// that the "once terminal, immutable result/error; completion signal
// released exactly once" invariant holds regardless of which goroutine wins
// a race (deliver_result vs cancel vs timeout).
type PendingRequest struct {
	ID        string
	NodeID    string
	Dataset   string
	Pattern   Pattern
	CreatedAt time.Time
	Deadline  time.Time

	mu      sync.Mutex
	state   State
	errKind Kind
	errMsg  string
	result  *Result
	timings Timings

	done     chan struct{}
	doneOnce sync.Once

	stream *streamPipe // non-nil only for Pattern B
}

func newPendingRequest(id, nodeID, dataset string, pattern Pattern, deadline time.Time, streamQueueDepth int) *PendingRequest {
	pr := &PendingRequest{
		ID:        id,
		NodeID:    nodeID,
		Dataset:   dataset,
		Pattern:   pattern,
		CreatedAt: time.Now(),
		Deadline:  deadline,
		state:     StatePending,
		done:      make(chan struct{}),
		timings:   Timings{T1RouterRecv: time.Now().UnixNano()},
	}
	if pattern == PatternB {
		pr.stream = newStreamPipe(streamQueueDepth)
	}
	return pr
}

// release closes the completion channel exactly once.
func (pr *PendingRequest) release() {
	pr.doneOnce.Do(func() { close(pr.done) })
}

// Done returns the waitable that an Application-facing handler blocks on.
func (pr *PendingRequest) Done() <-chan struct{} {
	return pr.done
}

// transition attempts to move pr into a terminal state. It is the single
// critical section guarding the "exactly one terminal transition" invariant:
// the first caller to invoke transition on a pending record wins; later
// calls observe already-terminal and are no-ops, reporting ok=false. This is
// how deliver_result racing cancel (spec.md §4.2 "Ordering and tie-breaks")
// is resolved: first writer wins, loser's payload is discarded by the caller.
func (pr *PendingRequest) transition(newState State, kind Kind, msg string, result *Result) (ok bool) {
	pr.mu.Lock()
	if pr.state.terminal() {
		pr.mu.Unlock()
		return false
	}
	pr.state = newState
	pr.errKind = kind
	pr.errMsg = msg
	pr.result = result
	pr.timings.TResultRecv = time.Now().UnixNano()
	pr.mu.Unlock()
	pr.release()
	return true
}

// snapshot is an immutable view of a PendingRequest for status reporting.
type snapshot struct {
	State   State
	Kind    Kind
	Message string
	Result  *Result
	Timings Timings
}

func (pr *PendingRequest) snapshot() snapshot {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return snapshot{
		State:   pr.state,
		Kind:    pr.errKind,
		Message: pr.errMsg,
		Result:  pr.result,
		Timings: pr.timings,
	}
}

func (pr *PendingRequest) markDispatched() {
	pr.mu.Lock()
	pr.timings.TDispatch = time.Now().UnixNano()
	pr.mu.Unlock()
}

func (pr *PendingRequest) markResponded() {
	pr.mu.Lock()
	pr.timings.TRespond = time.Now().UnixNano()
	pr.mu.Unlock()
}

func (pr *PendingRequest) isTerminal() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.state.terminal()
}
