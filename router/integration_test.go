package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nodelink/router/internal/simconnector"
)

func newTestServer(t *testing.T) (*httptest.Server, *Router) {
	t.Helper()
	rt := New(Options{
		RequestTimeout:   2 * time.Second,
		StreamQueueDepth: 4,
		MaxChunkSize:     1 << 16,
		MaxBufferedBytes: 1 << 20,
	})
	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)
	return srv, rt
}

func dialConnector(t *testing.T, srv *httptest.Server, mac string, provider simconnector.Provider, opts ...simconnector.Option) *simconnector.Connector {
	t.Helper()
	conn, err := simconnector.Dial(context.Background(), srv.URL, mac, provider, opts...)
	if err != nil {
		t.Fatalf("dial connector: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	// Give the server a moment to finish the registry handshake before the
	// test issues requests against this mac.
	time.Sleep(20 * time.Millisecond)
	return conn
}

type syncResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Data      []byte `json:"data"`
	SizeBytes int64  `json:"size_bytes"`
}

type errorBody struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TestS1BufferingHappyPath covers spec.md §8 scenario S1.
func TestS1BufferingHappyPath(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := bytes.Repeat([]byte("a"), 1024)

	dialConnector(t, srv, "cc-28-aa-cd-5c-74", func(dataset string) simconnector.DatasetResult {
		return simconnector.DatasetResult{Data: payload}
	})

	resp, err := http.Post(srv.URL+"/datasets/request-sync", "application/json",
		strings.NewReader(`{"mac":"cc-28-aa-cd-5c-74","dataset":"dataset_1kb.json"}`))
	if err != nil {
		t.Fatalf("request-sync: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SizeBytes != 1024 || !bytes.Equal(got.Data, payload) {
		t.Fatalf("got size=%d data_len=%d, want size=1024 matching payload", got.SizeBytes, len(got.Data))
	}
}

// TestS2StreamingHappyPath covers spec.md §8 scenario S2 (scaled down from
// 50 MiB/50 chunks to keep the test fast; the chunking and ordering logic
// under test does not depend on size).
func TestS2StreamingHappyPath(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := bytes.Repeat([]byte("x"), 10*64*1024) // 10 chunks at 64KiB each

	dialConnector(t, srv, "node-stream", func(dataset string) simconnector.DatasetResult {
		return simconnector.DatasetResult{Data: payload}
	}, simconnector.WithChunkSize(64*1024))

	resp, err := http.Post(srv.URL+"/datasets/request-stream", "application/json",
		strings.NewReader(`{"mac":"node-stream","dataset":"dataset_50mb.csv"}`))
	if err != nil {
		t.Fatalf("request-stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body.Bytes(), payload) {
		t.Fatalf("got %d bytes, want %d matching payload", body.Len(), len(payload))
	}
	if tr := resp.Trailer.Get("Timings"); tr == "" {
		t.Errorf("expected a Timings trailer to be set")
	}
}

// TestS3OffloadHappyPath covers spec.md §8 scenario S3.
func TestS3OffloadHappyPath(t *testing.T) {
	srv, _ := newTestServer(t)
	dialConnector(t, srv, "node-offload", func(dataset string) simconnector.DatasetResult {
		return simconnector.DatasetResult{DownloadURL: "http://minio:9000/ds/xyz", SizeBytes: 104857600}
	})

	resp, err := http.Post(srv.URL+"/datasets/request-offload", "application/json",
		strings.NewReader(`{"mac":"node-offload","dataset":"dataset_100mb.csv"}`))
	if err != nil {
		t.Fatalf("request-offload: %v", err)
	}
	defer resp.Body.Close()
	var got struct {
		DownloadURL string `json:"download_url"`
		SizeBytes   int64  `json:"size_bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DownloadURL != "http://minio:9000/ds/xyz" || got.SizeBytes != 104857600 {
		t.Fatalf("got %+v", got)
	}
}

// TestZeroByteDataset covers spec.md §8 testable property 9: an empty
// dataset succeeds in all three patterns.
func TestZeroByteDataset(t *testing.T) {
	srv, _ := newTestServer(t)

	dialConnector(t, srv, "node-empty-a", func(dataset string) simconnector.DatasetResult {
		return simconnector.DatasetResult{Data: []byte{}}
	})
	respA, err := http.Post(srv.URL+"/datasets/request-sync", "application/json",
		strings.NewReader(`{"mac":"node-empty-a","dataset":"empty.json"}`))
	if err != nil {
		t.Fatalf("pattern A request-sync: %v", err)
	}
	defer respA.Body.Close()
	if respA.StatusCode != http.StatusOK {
		t.Fatalf("pattern A status = %d, want 200", respA.StatusCode)
	}
	var gotA syncResponse
	if err := json.NewDecoder(respA.Body).Decode(&gotA); err != nil {
		t.Fatalf("pattern A decode: %v", err)
	}
	if gotA.SizeBytes != 0 || len(gotA.Data) != 0 {
		t.Fatalf("pattern A got %+v, want size=0 and no data", gotA)
	}

	dialConnector(t, srv, "node-empty-b", func(dataset string) simconnector.DatasetResult {
		return simconnector.DatasetResult{Data: []byte{}}
	})
	respB, err := http.Post(srv.URL+"/datasets/request-stream", "application/json",
		strings.NewReader(`{"mac":"node-empty-b","dataset":"empty.csv"}`))
	if err != nil {
		t.Fatalf("pattern B request-stream: %v", err)
	}
	defer respB.Body.Close()
	if respB.StatusCode != http.StatusOK {
		t.Fatalf("pattern B status = %d, want 200", respB.StatusCode)
	}
	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(respB.Body); err != nil {
		t.Fatalf("pattern B read body: %v", err)
	}
	if body.Len() != 0 {
		t.Fatalf("pattern B got %d bytes, want 0", body.Len())
	}

	dialConnector(t, srv, "node-empty-c", func(dataset string) simconnector.DatasetResult {
		return simconnector.DatasetResult{DownloadURL: "http://minio:9000/ds/empty", SizeBytes: 0}
	})
	respC, err := http.Post(srv.URL+"/datasets/request-offload", "application/json",
		strings.NewReader(`{"mac":"node-empty-c","dataset":"empty.csv"}`))
	if err != nil {
		t.Fatalf("pattern C request-offload: %v", err)
	}
	defer respC.Body.Close()
	var gotC struct {
		DownloadURL string `json:"download_url"`
		SizeBytes   int64  `json:"size_bytes"`
	}
	if err := json.NewDecoder(respC.Body).Decode(&gotC); err != nil {
		t.Fatalf("pattern C decode: %v", err)
	}
	if gotC.DownloadURL != "http://minio:9000/ds/empty" || gotC.SizeBytes != 0 {
		t.Fatalf("pattern C got %+v", gotC)
	}
}

// TestS4NoConnector covers spec.md §8 scenario S4.
func TestS4NoConnector(t *testing.T) {
	srv, _ := newTestServer(t)
	start := time.Now()
	resp, err := http.Post(srv.URL+"/datasets/request-sync", "application/json",
		strings.NewReader(`{"mac":"no-such-node","dataset":"d"}`))
	if err != nil {
		t.Fatalf("request-sync: %v", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var got errorBody
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Error != string(KindNoSuchConnector) {
		t.Fatalf("error = %q, want %q", got.Error, KindNoSuchConnector)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("took %v, want well under the request timeout", elapsed)
	}
}

// TestS5Timeout covers spec.md §8 scenario S5: the Connector accepts the
// dispatch but never replies, so the Application-facing call must fail with
// a deadline, and the request's status must subsequently read as
// timed-out (its late reply, if any, is discarded and never observed).
func TestS5Timeout(t *testing.T) {
	srv, rt := newTestServer(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	dialConnector(t, srv, "node-silent", func(dataset string) simconnector.DatasetResult {
		<-release // never replies within the test's timeout window
		return simconnector.DatasetResult{Data: []byte("too-late")}
	})

	resp, err := http.Post(srv.URL+"/datasets/request-sync", "application/json",
		strings.NewReader(`{"mac":"node-silent","dataset":"d","timeout_s":0.2}`))
	if err != nil {
		t.Fatalf("request-sync: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}

	var requestID string
	rt.broker.mu.Lock()
	for id, pr := range rt.broker.table {
		if pr.NodeID == "node-silent" {
			requestID = id
		}
	}
	rt.broker.mu.Unlock()
	if requestID == "" {
		t.Fatalf("expected a pending request record for node-silent")
	}

	statusResp, err := http.Get(srv.URL + "/datasets/status/" + requestID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer statusResp.Body.Close()
	var status struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != string(StateTimedOut) {
		t.Fatalf("status state = %q, want %q", status.State, StateTimedOut)
	}

	// The late reply must not resurrect the already-terminal request.
	if kind := rt.broker.DeliverBuffered(requestID, []byte("too-late")); kind != KindAlreadyTerminal {
		t.Fatalf("late DeliverBuffered kind = %v, want %v", kind, KindAlreadyTerminal)
	}
}

// TestS6SessionReplacement covers spec.md §8 scenario S6.
func TestS6SessionReplacement(t *testing.T) {
	srv, rt := newTestServer(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	connA := dialConnector(t, srv, "mac-shared", func(dataset string) simconnector.DatasetResult {
		<-release // never replies; the test replaces this connector before it would
		return simconnector.DatasetResult{Data: []byte("from-a")}
	})

	pr := rt.broker.Begin("mac-shared", "dataset", PatternA, time.Now().Add(5*time.Second))
	rt.broker.Dispatch(pr)

	connA.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !pr.isTerminal() {
		time.Sleep(10 * time.Millisecond)
	}
	snap := pr.snapshot()
	if snap.State != StateFailed || snap.Kind != KindConnectorDisconnect {
		t.Fatalf("pre-replacement request snapshot = %+v, want failed/connector_disconnected", snap)
	}

	dialConnector(t, srv, "mac-shared", func(dataset string) simconnector.DatasetResult {
		return simconnector.DatasetResult{Data: []byte("from-a-prime")}
	})

	pr2 := rt.broker.Begin("mac-shared", "dataset", PatternA, time.Now().Add(2*time.Second))
	rt.broker.Dispatch(pr2)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !pr2.isTerminal() {
		time.Sleep(10 * time.Millisecond)
	}
	snap2 := pr2.snapshot()
	if snap2.State != StateFulfilled || string(snap2.Result.Data) != "from-a-prime" {
		t.Fatalf("post-replacement request snapshot = %+v, want fulfilled with data=from-a-prime", snap2)
	}
}
