// Package simconnector is a reference Connector used by the Router's
// integration tests (spec.md §8's scenarios S1-S6). It dials the Router's
// push channel over WebSocket, answers get_dataset/get_dataset_stream/
// get_dataset_offload commands against a caller-supplied Provider, and posts
// results back exactly as a real Connector would.
package simconnector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nodelink/router/router"
)

// DatasetResult is what a Provider returns for one dispatched request. Err,
// if non-empty, simulates a Connector-reported failure instead of a
// successful reply.
type DatasetResult struct {
	Data        []byte
	DownloadURL string
	SizeBytes   int64
	Err         string
}

// Provider answers a dataset-by-name lookup. Tests supply one to control
// exactly what bytes (or failure) the simulated Connector reports.
type Provider func(dataset string) DatasetResult

// Connector is a minimal, test-only Connector implementation.
type Connector struct {
	mac        string
	baseURL    string
	chunkSize  int
	httpClient *http.Client
	provider   Provider

	mu   sync.Mutex
	conn *websocket.Conn
}

// Option customizes a Connector at Dial time.
type Option func(*Connector)

// WithChunkSize overrides the default 1 MiB chunk size used for pattern B
// streaming.
func WithChunkSize(n int) Option {
	return func(c *Connector) { c.chunkSize = n }
}

// WithHTTPClient overrides the client used for result/chunk POSTs.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) { c.httpClient = hc }
}

// Dial opens the Connector's push channel against baseURL (e.g.
// "http://127.0.0.1:8080") for node identifier mac, and starts handling
// dispatched commands against provider in the background. Cancel ctx or call
// Close to tear it down.
func Dial(ctx context.Context, baseURL, mac string, provider Provider, opts ...Option) (*Connector, error) {
	wsURL, err := toWebSocketURL(baseURL, mac)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("simconnector: dial %s: %w", wsURL, err)
	}
	c := &Connector{
		mac:        mac,
		baseURL:    strings.TrimRight(baseURL, "/"),
		chunkSize:  1 << 20,
		httpClient: http.DefaultClient,
		provider:   provider,
		conn:       conn,
	}
	for _, opt := range opts {
		opt(c)
	}
	context.AfterFunc(ctx, func() { c.Close() })
	go c.readLoop(ctx)
	return c, nil
}

func toWebSocketURL(baseURL, mac string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("simconnector: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/connect"
	u.RawQuery = url.Values{"mac": {mac}}.Encode()
	return u.String(), nil
}

// Close tears down the push channel.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// readLoop pumps incoming frames: {"type":"ping"} heartbeats are acked
// in-band, anything else is decoded as a router.CommandFrame and dispatched.
func (c *Connector) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err == nil && probe.Type == "ping" {
			c.sendPong()
			continue
		}
		var frame router.CommandFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		go c.handleFrame(ctx, frame)
	}
}

func (c *Connector) sendPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := json.Marshal(map[string]string{"type": "pong"})
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connector) handleFrame(ctx context.Context, frame router.CommandFrame) {
	res := c.provider(frame.DatasetName)
	switch frame.Command {
	case router.CommandGetDataset:
		c.deliverBuffered(ctx, frame.RequestID, res)
	case router.CommandGetDatasetOffload:
		c.deliverOffload(ctx, frame.RequestID, res)
	case router.CommandGetDatasetStream:
		c.deliverStream(ctx, frame.RequestID, res)
	}
}

func (c *Connector) deliverBuffered(ctx context.Context, requestID string, res DatasetResult) {
	body := map[string]any{"request_id": requestID}
	if res.Err != "" {
		body["error"] = res.Err
	} else {
		body["data"] = res.Data
	}
	c.postJSON(ctx, "/datasets/result", body)
}

func (c *Connector) deliverOffload(ctx context.Context, requestID string, res DatasetResult) {
	body := map[string]any{"request_id": requestID}
	if res.Err != "" {
		body["error"] = res.Err
	} else {
		body["download_url"] = res.DownloadURL
		body["size_bytes"] = res.SizeBytes
	}
	c.postJSON(ctx, "/datasets/result", body)
}

func (c *Connector) deliverStream(ctx context.Context, requestID string, res DatasetResult) {
	c.postJSON(ctx, "/datasets/stream/init", map[string]any{"request_id": requestID})
	if res.Err != "" {
		c.postJSON(ctx, "/datasets/stream/error", map[string]any{"request_id": requestID, "message": res.Err})
		return
	}
	data := res.Data
	seq := 0
	for {
		n := c.chunkSize
		if n > len(data) {
			n = len(data)
		}
		c.postJSON(ctx, "/datasets/stream/chunk", map[string]any{
			"request_id": requestID,
			"seq":        seq,
			"data":       data[:n],
		})
		data = data[n:]
		seq++
		if len(data) == 0 {
			break // a 0-byte dataset still emits exactly one empty chunk, per spec.md §8 item 9
		}
	}
	c.postJSON(ctx, "/datasets/stream/complete", map[string]any{"request_id": requestID, "total_chunks": seq})
}

func (c *Connector) postJSON(ctx context.Context, path string, body any) {
	buf, err := json.Marshal(body)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
