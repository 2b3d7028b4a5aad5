// Package telemetry defines the event surface the service emits. Each
// subsystem fires named events with loosely typed fields; the sink is
// pluggable. The default sink exposes Prometheus counters.
package telemetry

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Emitter receives named events with loosely typed fields.
type Emitter interface {
	Emit(event string, fields map[string]any)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(string, map[string]any) {}

// Recorder captures events for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

type Event struct {
	Name   string
	Fields map[string]any
}

func (r *Recorder) Emit(event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	r.events = append(r.events, Event{Name: event, Fields: cp})
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// Named returns the events with the given name, in emission order.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Prometheus counts events by name, with a small set of label splits for the
// events where a breakdown matters operationally.
type Prometheus struct {
	events   *prometheus.CounterVec
	failover *prometheus.CounterVec
	cache    *prometheus.CounterVec
	envelope *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cee_events_total",
			Help: "Service events by name.",
		}, []string{"event"}),
		failover: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cee_provider_failover_total",
			Help: "Provider failover transitions by from/to provider.",
		}, []string{"from", "to"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cee_prompt_cache_total",
			Help: "Prompt cache outcomes by result and reason.",
		}, []string{"result", "reason"}),
		envelope: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cee_envelope_total",
			Help: "Envelope completions by feature and status.",
		}, []string{"feature", "status"}),
	}
	reg.MustRegister(p.events, p.failover, p.cache, p.envelope)
	return p
}

func (p *Prometheus) Emit(event string, fields map[string]any) {
	p.events.WithLabelValues(event).Inc()
	switch event {
	case "provider.failover":
		p.failover.WithLabelValues(str(fields["from"]), str(fields["to"])).Inc()
	case "prompt.cache.hit":
		p.cache.WithLabelValues("hit", "").Inc()
	case "prompt.cache.miss":
		p.cache.WithLabelValues("miss", str(fields["reason"])).Inc()
	case "envelope.success", "envelope.failure":
		p.envelope.WithLabelValues(str(fields["feature"]), str(fields["http_status"])).Inc()
	}
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
