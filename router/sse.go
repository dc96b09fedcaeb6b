package router

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// event is a single Server-Sent Event. The teacher SDK's own sse.go (the
// file backing mcp/streamable.go's writeEvent/scanEvents calls) was not
// present in the retrieved pack, so this is reconstructed from its call
// sites and from spec.md §6's wire description ("each frame as a single
// data: line"); the shape (name/id/data) matches formatEventID/parseEventID
// usage in mcp/streamable.go.
type event struct {
	name string
	id   string
	data []byte
}

// writeEvent writes one SSE event to w and flushes it immediately, so the
// Connector observes the frame as soon as it is sent (no buffering delay for
// a long-lived push channel).
func writeEvent(w http.ResponseWriter, evt event) (int, error) {
	var buf bytes.Buffer
	if evt.id != "" {
		fmt.Fprintf(&buf, "id: %s\n", evt.id)
	}
	if evt.name != "" {
		fmt.Fprintf(&buf, "event: %s\n", evt.name)
	}
	for _, line := range bytes.Split(evt.data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	n, err := w.Write(buf.Bytes())
	if err != nil {
		return n, err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}

// scanEvents reads SSE events from r's body using a line-oriented scanner,
// in the teacher's bufio.Scanner style (see mcp/streamable_client_test.go's
// use of a similar event-driven SSE reader). Nothing in this module calls
// it: internal/simconnector, which plays the Connector role in integration
// tests, dials over WebSocket only.
func scanEvents(scanner *bufio.Scanner) (event, bool) {
	var evt event
	var data bytes.Buffer
	sawAny := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if sawAny {
				evt.data = data.Bytes()
				return evt, true
			}
			continue
		}
		sawAny = true
		switch {
		case bytes.HasPrefix([]byte(line), []byte("id: ")):
			evt.id = line[4:]
		case bytes.HasPrefix([]byte(line), []byte("event: ")):
			evt.name = line[7:]
		case bytes.HasPrefix([]byte(line), []byte("data: ")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	if sawAny {
		evt.data = data.Bytes()
		return evt, true
	}
	return event{}, false
}

// sseChannel is a pushChannel backed by a hanging GET / text/event-stream
// response, for Connectors that dial in with Accept: text/event-stream
// instead of upgrading to WebSocket. Single-writer discipline (spec.md §4.1,
// §9) is enforced with a mutex around Write, the same pattern the teacher
// uses for websocketConn.Write.
type sseChannel struct {
	mu   sync.Mutex
	w    http.ResponseWriter
	done chan struct{}
	once sync.Once
}

func newSSEChannel(w http.ResponseWriter) *sseChannel {
	return &sseChannel{w: w, done: make(chan struct{})}
}

func (c *sseChannel) send(frame CommandFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("sse channel closed")
	default:
	}
	_, err = writeEvent(c.w, event{name: "message", data: data})
	return err
}

func (c *sseChannel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("sse channel closed")
	default:
	}
	data, _ := json.Marshal(map[string]string{"type": "ping"})
	_, err := writeEvent(c.w, event{name: "ping", data: data})
	return err
}

func (c *sseChannel) close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Wait blocks until close is called, so the HTTP handler holding the
// connection open knows when to return.
func (c *sseChannel) Wait() <-chan struct{} {
	return c.done
}
