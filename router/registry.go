package router

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodelink/router/internal/routerdebug"
)

// CommandName enumerates the frames the Router can push to a Connector, per
// spec.md §3 ("Push command frame").
type CommandName string

const (
	CommandGetDataset       CommandName = "get_dataset"
	CommandGetDatasetStream CommandName = "get_dataset_stream"
	CommandGetDatasetOffload CommandName = "get_dataset_offload"
)

// CommandFrame is a single Router→Connector push frame.
type CommandFrame struct {
	Command            CommandName `json:"command"`
	RequestID          string      `json:"request_id"`
	DatasetName        string      `json:"dataset_name"`
	ProcessingDelayMS  *int64      `json:"processing_delay_ms,omitempty"`
}

// pushChannel abstracts the transport (SSE or WebSocket) carrying command
// frames to one Connector. The Registry is indifferent to which concrete
// type backs this interface, matching spec.md §4.1's transport-agnostic
// channel protocol requirement, and the teacher's own abstraction of
// StreamableServerTransport / websocketConn behind the Connection interface.
type pushChannel interface {
	// send writes one frame. Implementations must serialize concurrent
	// sends internally (single-writer discipline).
	send(frame CommandFrame) error
	// ping writes a transport-level heartbeat frame.
	ping() error
	// close tears down the underlying transport.
	close() error
}

// SendOutcome is the result of Registry.Send.
type SendOutcome string

const (
	SendOK               SendOutcome = "ok"
	SendNoSuchConnector  SendOutcome = "no_such_connector"
	SendFailed           SendOutcome = "send_failed"
)

// Session is a live Connector push channel, keyed by node identifier.
// Attributes mirror spec.md §3 ("Connector session").
type Session struct {
	NodeID      string
	InstanceID  string // uuid, distinct per underlying channel instance
	ConnectedAt time.Time

	mu              sync.Mutex // single-writer discipline for sends on this session
	channel         pushChannel
	missedPings     int
	dead            bool
	onEvict         func(reason Kind) // invoked at most once, under no lock
}

func newSession(nodeID string, ch pushChannel) *Session {
	return &Session{
		NodeID:      nodeID,
		InstanceID:  uuid.NewString(),
		ConnectedAt: time.Now(),
		channel:     ch,
	}
}

// markDead flags the session as no longer usable and invokes its eviction
// callback exactly once. Safe to call multiple times and concurrently.
func (s *Session) markDead(reason Kind) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	cb := s.onEvict
	s.mu.Unlock()
	s.channel.close()
	if cb != nil {
		cb(reason)
	}
}

// ConnectorInfo is a snapshot entry returned by Registry.List.
type ConnectorInfo struct {
	MAC         string    `json:"mac"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry is the Session Registry from spec.md §4.1: it maintains the
// node-id → live session mapping, evicts on replacement/heartbeat timeout,
// and exposes the command-send primitive.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex // guards sessions map only; per-session state has its own lock
	sessions map[string]*Session

	keepaliveInterval time.Duration

	metrics *Metrics
}

// NewRegistry constructs an empty Registry.
func NewRegistry(keepaliveInterval time.Duration, metrics *Metrics, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:               log,
		sessions:          make(map[string]*Session),
		keepaliveInterval: keepaliveInterval,
		metrics:           metrics,
	}
}

// Register installs a session for nodeID, atomically replacing and closing
// any prior session for the same node id (last-writer-wins), per spec.md
// §3's invariant: "at most one live session per node identifier at any
// instant". onEvict is invoked if this session is later evicted (channel
// error, heartbeat timeout, or forced replacement); if a prior session for
// nodeID existed, its onEvict is invoked synchronously here via markDead.
func (r *Registry) Register(nodeID string, ch pushChannel, onEvict func(reason Kind)) *Session {
	s := newSession(nodeID, ch)
	s.onEvict = onEvict

	r.mu.Lock()
	prior := r.sessions[nodeID]
	r.sessions[nodeID] = s
	r.mu.Unlock()

	if prior != nil {
		r.log.Info("connector session replaced",
			"node_id", nodeID, "prior_instance", prior.InstanceID, "new_instance", s.InstanceID)
		prior.markDead(KindConnectorDisconnect)
	}
	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(r.count()))
	}
	r.log.Info("connector session registered", "node_id", nodeID, "instance", s.InstanceID)
	return s
}

// Unregister removes session only if it is still the current entry for its
// node id. Idempotent.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.NodeID]; ok && cur == s {
		delete(r.sessions, s.NodeID)
	}
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(r.count()))
	}
}

func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// get returns the live session for nodeID, or nil.
func (r *Registry) get(nodeID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[nodeID]
}

// Send serializes frame over the channel belonging to nodeID. Concurrent
// calls targeting the same node id are serialized by the session's own send
// lock (spec.md §4.1, §5 "Command sends suspend while the per-session send
// lock is held"). The Registry never retries; retry policy is the caller's
// (the Request Broker's).
func (r *Registry) Send(nodeID string, frame CommandFrame) SendOutcome {
	s := r.get(nodeID)
	if s == nil {
		return SendNoSuchConnector
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return SendNoSuchConnector
	}
	if err := s.channel.send(frame); err != nil {
		r.log.Warn("push channel send failed", "node_id", nodeID, "err", err)
		go s.markDead(KindConnectorDisconnect)
		return SendFailed
	}
	return SendOK
}

// List returns a snapshot of all live sessions, per spec.md §4.1 / §4.6.
func (r *Registry) List() []ConnectorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectorInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, ConnectorInfo{MAC: s.NodeID, ConnectedAt: s.ConnectedAt})
	}
	return out
}

// StartHeartbeats launches the ping loop described in spec.md §4.1: every
// keepaliveInterval the Registry pings each live session; missing two
// consecutive acks evicts it. Acks are recorded via Registry.RecordPong,
// invoked by the transport's read loop when a {"type":"pong"} frame arrives.
func (r *Registry) StartHeartbeats(stop <-chan struct{}) {
	if r.keepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.keepaliveInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.tick()
			}
		}
	}()
}

func (r *Registry) tick() {
	if routerdebug.Value("noeviction") != "" {
		return
	}
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		if s.missedPings >= 2 {
			s.mu.Unlock()
			s.markDead(KindConnectorDisconnect)
			continue
		}
		if err := s.channel.ping(); err != nil {
			s.mu.Unlock()
			s.markDead(KindConnectorDisconnect)
			continue
		}
		s.missedPings++
		s.mu.Unlock()
	}
}

// RecordPong resets the missed-ping counter for nodeID's current session.
// Transports call this when they observe a {"type":"pong"} keepalive frame.
func (r *Registry) RecordPong(nodeID string) {
	s := r.get(nodeID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.missedPings = 0
	s.mu.Unlock()
}

// CloseAll closes every live session, for use during Router shutdown
// (spec.md §9: "close all sessions").
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.markDead(KindShutdown)
	}
}
