package router

import (
	"testing"
	"time"
)

func TestPendingRequestTransitionFirstWriterWins(t *testing.T) {
	pr := newPendingRequest("req-1", "node-1", "dataset_1kb.json", PatternA, time.Now().Add(time.Minute), 4)

	if ok := pr.transition(StateFulfilled, "", "", &Result{SizeBytes: 1024}); !ok {
		t.Fatalf("first transition should succeed")
	}
	if ok := pr.transition(StateFailed, KindTimeout, "too slow", nil); ok {
		t.Fatalf("second transition should be rejected")
	}

	select {
	case <-pr.Done():
	default:
		t.Fatalf("Done() should be closed after a terminal transition")
	}

	snap := pr.snapshot()
	if snap.State != StateFulfilled {
		t.Errorf("state = %v, want %v (loser's transition must not overwrite)", snap.State, StateFulfilled)
	}
	if snap.Result == nil || snap.Result.SizeBytes != 1024 {
		t.Errorf("result = %+v, want SizeBytes=1024", snap.Result)
	}
}

func TestPendingRequestIsTerminal(t *testing.T) {
	pr := newPendingRequest("req-2", "node-1", "dataset", PatternC, time.Now().Add(time.Minute), 0)
	if pr.isTerminal() {
		t.Fatalf("fresh request should not be terminal")
	}
	pr.transition(StateCancelled, KindShutdown, "shutdown", nil)
	if !pr.isTerminal() {
		t.Fatalf("request should be terminal after transition")
	}
}

func TestPendingRequestReleaseIdempotent(t *testing.T) {
	pr := newPendingRequest("req-3", "node-1", "dataset", PatternA, time.Now().Add(time.Minute), 0)
	pr.release()
	pr.release() // must not panic on double close
	select {
	case <-pr.Done():
	default:
		t.Fatalf("Done() should be closed")
	}
}
