package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "heron"

// Collectors groups the engine's Prometheus instruments. A nil *Collectors
// is valid and records nothing.
type Collectors struct {
	Handshakes     *prometheus.CounterVec
	Frames         *prometheus.CounterVec
	Rotations      prometheus.Counter
	Teardowns      *prometheus.CounterVec
	SecurityEvents *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
}

// New builds the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Finished handshake attempts by role and result.",
		}, []string{"role", "result"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Encoded and decoded frames by direction and result.",
		}, []string{"direction", "result"}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Session keys replaced while a previous key was installed.",
		}),
		Teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_teardowns_total",
			Help:      "Closed sessions by reason.",
		}, []string{"reason"}),
		SecurityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security-relevant failures by kind.",
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Peer sessions with an installed key.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.Handshakes, c.Frames, c.Rotations, c.Teardowns, c.SecurityEvents, c.ActiveSessions)
	}
	return c
}

func (c *Collectors) Handshake(role, result string) {
	if c == nil {
		return
	}
	c.Handshakes.WithLabelValues(role, result).Inc()
}

func (c *Collectors) Frame(direction, result string) {
	if c == nil {
		return
	}
	c.Frames.WithLabelValues(direction, result).Inc()
}

func (c *Collectors) Rotation() {
	if c == nil {
		return
	}
	c.Rotations.Inc()
}

func (c *Collectors) Teardown(reason string) {
	if c == nil {
		return
	}
	c.Teardowns.WithLabelValues(reason).Inc()
}

func (c *Collectors) SecurityEvent(kind string) {
	if c == nil {
		return
	}
	c.SecurityEvents.WithLabelValues(kind).Inc()
}

func (c *Collectors) SessionOpened() {
	if c == nil {
		return
	}
	c.ActiveSessions.Inc()
}

func (c *Collectors) SessionClosed() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
}
