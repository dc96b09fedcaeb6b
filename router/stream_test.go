package router

import (
	"context"
	"testing"
	"time"
)

func TestStreamPipeCheckAndAdvance(t *testing.T) {
	p := newStreamPipe(4)

	if !p.checkAndAdvance(0, false) {
		t.Fatalf("seq 0 should be accepted first")
	}
	if p.checkAndAdvance(0, false) {
		t.Fatalf("repeating seq 0 should be rejected")
	}
	if p.checkAndAdvance(2, false) {
		t.Fatalf("skipping to seq 2 should be rejected (gap)")
	}
	if !p.checkAndAdvance(1, false) {
		t.Fatalf("seq 1 should be accepted next")
	}
	if !p.checkAndAdvance(2, true) {
		t.Fatalf("terminal seq 2 should be accepted")
	}
	if p.checkAndAdvance(3, false) {
		t.Fatalf("chunks after a terminal record must be rejected")
	}
}

func TestStreamPipeEnqueueDequeue(t *testing.T) {
	p := newStreamPipe(1)
	ctx := context.Background()

	if kind := p.enqueue(ctx, &ChunkRecord{Seq: 0, Data: []byte("abc")}); kind != "" {
		t.Fatalf("enqueue failed: %v", kind)
	}
	rec, ok := p.dequeue(ctx)
	if !ok || string(rec.Data) != "abc" {
		t.Fatalf("dequeue = %+v, %v; want data=abc", rec, ok)
	}
}

func TestStreamPipeReaderGone(t *testing.T) {
	p := newStreamPipe(1)
	ctx := context.Background()

	if kind := p.enqueue(ctx, &ChunkRecord{Seq: 0, Data: []byte("x")}); kind != "" {
		t.Fatalf("enqueue failed: %v", kind)
	}
	p.markReaderGone()
	if !p.isReaderGone() {
		t.Fatalf("isReaderGone should report true")
	}
	if kind := p.enqueue(ctx, &ChunkRecord{Seq: 1, Data: []byte("y")}); kind != KindStreamGone {
		t.Fatalf("enqueue after reader gone = %v, want %v", kind, KindStreamGone)
	}
}

func TestStreamPipeEnqueueBackpressureTimeout(t *testing.T) {
	p := newStreamPipe(1)
	ctx := context.Background()

	if kind := p.enqueue(ctx, &ChunkRecord{Seq: 0, Data: []byte("1")}); kind != "" {
		t.Fatalf("first enqueue should fit the queue: %v", kind)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if kind := p.enqueue(shortCtx, &ChunkRecord{Seq: 1, Data: []byte("2")}); kind != KindBackpressure {
		t.Fatalf("enqueue on a full queue with expired context = %v, want %v", kind, KindBackpressure)
	}
}
