package router

import (
	"net/http"
	"strings"
)

// handleConnect serves GET/WS /connect?mac=… (spec.md §6). The Connector
// dials in once and holds the connection open; the Registry is indifferent
// to whether the request upgrades to WebSocket or stays a hanging SSE GET,
// per spec.md §4.1.
func (rt *Router) handleConnect(w http.ResponseWriter, r *http.Request) {
	nodeID := normalizeMAC(r.URL.Query().Get("mac"))
	if nodeID == "" {
		http.Error(w, "mac is required", http.StatusBadRequest)
		return
	}

	if isWebSocketUpgrade(r) {
		rt.acceptWebSocket(w, r, nodeID)
		return
	}
	rt.acceptSSE(w, r, nodeID)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (rt *Router) acceptWebSocket(w http.ResponseWriter, r *http.Request, nodeID string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.log.Warn("websocket upgrade failed", "node_id", nodeID, "err", err)
		return
	}
	ch := newWSChannel(conn)
	sess := rt.registry.Register(nodeID, ch, func(reason Kind) {
		rt.failPendingForNode(nodeID, reason)
	})
	defer func() {
		sess.markDead(KindConnectorDisconnect)
		rt.registry.Unregister(sess)
	}()
	ch.readLoop(nodeID, rt.registry, rt.log)
}

func (rt *Router) acceptSSE(w http.ResponseWriter, r *http.Request, nodeID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := newSSEChannel(w)
	sess := rt.registry.Register(nodeID, ch, func(reason Kind) {
		rt.failPendingForNode(nodeID, reason)
	})
	defer func() {
		sess.markDead(KindConnectorDisconnect)
		rt.registry.Unregister(sess)
	}()

	select {
	case <-ch.Wait():
	case <-r.Context().Done():
		ch.close()
	}
}

// handleConnectPong serves POST /connect/pong?mac=… — the companion
// endpoint that lets an SSE-transport Connector report a keepalive ack,
// since SSE is receive-only for the Connector side (see SPEC_FULL.md §6.E).
func (rt *Router) handleConnectPong(w http.ResponseWriter, r *http.Request) {
	nodeID := normalizeMAC(r.URL.Query().Get("mac"))
	if nodeID == "" {
		http.Error(w, "mac is required", http.StatusBadRequest)
		return
	}
	rt.registry.RecordPong(nodeID)
	writeJSON(w, http.StatusOK, map[string]bool{"ack": true})
}

// normalizeMAC lowercases and hyphen-normalizes a node identifier, per
// spec.md §3 ("conventionally a normalized MAC address (lowercase,
// hyphen-separated)"). Node identifiers are opaque strings; this is a
// convenience normalization, not a validation requirement.
func normalizeMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, ":", "-")
}

// failPendingForNode transitions every non-terminal pending request
// targeting nodeID to failed{reason}, per spec.md §3 ("if that session
// disappears before completion the request fails") and §4.1's replacement
// semantics ("the replaced session's outstanding requests fail with
// connector_disconnected").
func (rt *Router) failPendingForNode(nodeID string, reason Kind) {
	rt.broker.mu.Lock()
	var affected []*PendingRequest
	for _, pr := range rt.broker.table {
		if pr.NodeID == nodeID && !pr.isTerminal() {
			affected = append(affected, pr)
		}
	}
	rt.broker.mu.Unlock()
	for _, pr := range affected {
		rt.broker.Cancel(pr, reason)
	}
}
