package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// SSE event types with terminal semantics.
const (
	EventResume   = "resume"
	EventStage    = "stage"
	EventComplete = "complete"
	EventError    = "error"

	// StageComplete inside a stage event's data is also terminal.
	StageComplete = "COMPLETE"
)

// DefaultStreamIdleExpiry is how long a stream's buffer outlives its last
// append or read before resume returns 426.
const DefaultStreamIdleExpiry = 10 * time.Minute

// heartbeatInterval is how often handlers emit un-sequenced comment
// heartbeats on open connections.
const heartbeatInterval = 15 * time.Second

// StreamEvent is one sequenced event. Heartbeats are SSE comments and never
// appear here.
type StreamEvent struct {
	Seq  int             `json:"seq"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Terminal reports whether the event ends the stream: a complete event or a
// stage event announcing the COMPLETE stage.
func (e StreamEvent) Terminal() bool {
	if e.Type == EventComplete || e.Type == EventError {
		return true
	}
	if e.Type != EventStage {
		return false
	}
	var d struct {
		Stage string `json:"stage"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return false
	}
	return d.Stage == StageComplete
}

// Stream is the per-request event buffer: single writer (the producer),
// multiple readers (the opening connection and any resumers). Every
// non-heartbeat event since the start is retained, indexed by seq, so any
// subscriber can be caught up and then follow appends in the same order.
type Stream struct {
	RequestID string

	mu        sync.Mutex
	events    []StreamEvent
	terminal  bool
	lastTouch time.Time
	subs      map[uint64]chan StreamEvent
	nextSub   uint64
	done      chan struct{}
	now       func() time.Time
}

func newStream(requestID string, now func() time.Time) *Stream {
	return &Stream{
		RequestID: requestID,
		lastTouch: now(),
		subs:      map[uint64]chan StreamEvent{},
		done:      make(chan struct{}),
		now:       now,
	}
}

// Append adds the next sequenced event and fans it out. Seq is assigned here:
// callers never pick their own. Appending after a terminal event is a no-op.
func (s *Stream) Append(eventType string, data json.RawMessage) StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return StreamEvent{Seq: -1}
	}
	ev := StreamEvent{Seq: len(s.events), Type: eventType, Data: data}
	s.events = append(s.events, ev)
	s.lastTouch = s.now()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop it rather than block the producer.
			close(ch)
			delete(s.subs, id)
		}
	}
	if ev.Terminal() {
		s.terminal = true
		close(s.done)
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
	}
	return ev
}

// Subscribe returns the buffered events with seq > afterSeq plus a live
// channel for subsequent appends. The channel is closed when the stream
// terminates or the subscriber is dropped; done tells the two cases apart.
func (s *Stream) Subscribe(afterSeq int) (replay []StreamEvent, live <-chan StreamEvent, done <-chan struct{}, unsub func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouch = s.now()

	for _, ev := range s.events {
		if ev.Seq > afterSeq {
			replay = append(replay, ev)
		}
	}

	ch := make(chan StreamEvent, 256)
	if s.terminal {
		close(ch)
		return replay, ch, s.done, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	unsub = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return replay, ch, s.done, unsub
}

// Snapshot returns the buffered events with seq > afterSeq, without
// subscribing. The replay-only resume path uses it.
func (s *Stream) Snapshot(afterSeq int) []StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouch = s.now()
	var out []StreamEvent
	for _, ev := range s.events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Terminated reports whether a terminal event has been appended.
func (s *Stream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Abort closes the stream without a terminal event; subscribers see their
// channel close with done still open.
func (s *Stream) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.terminal = true
	close(s.done)
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Stream) touch() {
	s.mu.Lock()
	s.lastTouch = s.now()
	s.mu.Unlock()
}

func (s *Stream) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouch
}

// Hub tracks active streams by request id and expires idle buffers.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*Stream

	idleExpiry time.Duration
	now        func() time.Time
}

type HubOption func(*Hub)

func WithIdleExpiry(d time.Duration) HubOption {
	return func(h *Hub) { h.idleExpiry = d }
}

func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		streams:    map[string]*Stream{},
		idleExpiry: DefaultStreamIdleExpiry,
		now:        time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Open registers a new stream for a request id.
func (h *Hub) Open(requestID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked()
	st := newStream(requestID, h.now)
	h.streams[requestID] = st
	return st
}

// Get returns the stream for a request id, or nil when unknown or expired.
// A hit refreshes the stream's idle clock.
func (h *Hub) Get(requestID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked()
	st := h.streams[requestID]
	if st != nil {
		st.touch()
	}
	return st
}

// Len reports the number of retained streams.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked()
	return len(h.streams)
}

// CloseAll aborts every retained stream; used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, st := range h.streams {
		st.Abort()
		delete(h.streams, id)
	}
}

func (h *Hub) sweepLocked() {
	cutoff := h.now().Add(-h.idleExpiry)
	for id, st := range h.streams {
		if st.idleSince().Before(cutoff) {
			st.Abort()
			delete(h.streams, id)
		}
	}
}

// writeSSEEvent writes one sequenced event in SSE framing: the type on the
// event line, the seq on the id line, the payload on the data line.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev StreamEvent) {
	payload := ev.Data
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, payload)
	flusher.Flush()
}

// writeSSEHeartbeat writes an un-sequenced comment heartbeat.
func writeSSEHeartbeat(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, ": hb\n\n")
	flusher.Flush()
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	return flusher, true
}
