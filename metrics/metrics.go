// Package metrics records per-transport traffic statistics and exposes them
// as Prometheus collectors.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives traffic events from a transport or messaging endpoint.
// Implementations must be safe for concurrent use.
type Recorder interface {
	RecordSent(bytes int)
	RecordReceived(bytes int)
	ConnectionOpened()
	ConnectionClosed()
	RecordResent(parts int)
	RecordDropped(reason string)
}

// Snapshot is a point-in-time copy of a Counters value.
type Snapshot struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PartsResent     uint64
	Dropped         uint64
	Connections     int64
}

// Counters is an in-process Recorder backed by atomics.
type Counters struct {
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	partsResent     atomic.Uint64
	dropped         atomic.Uint64
	connections     atomic.Int64
}

func (c *Counters) RecordSent(bytes int) {
	c.bytesSent.Add(uint64(bytes))
	c.packetsSent.Add(1)
}

func (c *Counters) RecordReceived(bytes int) {
	c.bytesReceived.Add(uint64(bytes))
	c.packetsReceived.Add(1)
}

func (c *Counters) ConnectionOpened()      { c.connections.Add(1) }
func (c *Counters) ConnectionClosed()      { c.connections.Add(-1) }
func (c *Counters) RecordResent(parts int) { c.partsResent.Add(uint64(parts)) }
func (c *Counters) RecordDropped(string)   { c.dropped.Add(1) }

// Snapshot returns the current totals.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		PartsResent:     c.partsResent.Load(),
		Dropped:         c.dropped.Load(),
		Connections:     c.connections.Load(),
	}
}

// Config configures a Collector.
type Config struct {
	// Namespace prefixes every metric name (default "dualnet").
	Namespace string

	// Registry receives the collectors (default prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// Collector owns the Prometheus vectors shared by every endpoint in a process.
type Collector struct {
	bytes       *prometheus.CounterVec
	packets     *prometheus.CounterVec
	resent      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

// NewCollector registers the dualnet collectors.
func NewCollector(opts ...Option) *Collector {
	cfg := Config{Namespace: "dualnet", Registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Collector{
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "bytes_total",
			Help:      "Bytes moved through a transport, by direction",
		}, []string{"endpoint", "direction"}),

		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "packets_total",
			Help:      "Frames or datagrams moved through a transport, by direction",
		}, []string{"endpoint", "direction"}),

		resent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "fragments_resent_total",
			Help:      "Fragment parts handed to the socket by the retransmission driver",
		}, []string{"endpoint"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages discarded, by reason",
		}, []string{"endpoint", "reason"}),

		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connections",
			Help:      "Currently established connections",
		}, []string{"endpoint"}),
	}
}

// Endpoint returns a Recorder labelled with name, typically "tcp-server",
// "udp-client" and so on. The returned value also keeps in-process totals.
func (c *Collector) Endpoint(name string) *Endpoint {
	return &Endpoint{
		name:          name,
		c:             c,
		bytesSent:     c.bytes.WithLabelValues(name, "sent"),
		bytesReceived: c.bytes.WithLabelValues(name, "received"),
		pktsSent:      c.packets.WithLabelValues(name, "sent"),
		pktsReceived:  c.packets.WithLabelValues(name, "received"),
		resent:        c.resent.WithLabelValues(name),
		connections:   c.connections.WithLabelValues(name),
	}
}

// Endpoint is a Recorder that feeds both Prometheus and local Counters.
type Endpoint struct {
	Counters

	name          string
	c             *Collector
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
	pktsSent      prometheus.Counter
	pktsReceived  prometheus.Counter
	resent        prometheus.Counter
	connections   prometheus.Gauge
}

func (e *Endpoint) RecordSent(bytes int) {
	e.Counters.RecordSent(bytes)
	e.bytesSent.Add(float64(bytes))
	e.pktsSent.Inc()
}

func (e *Endpoint) RecordReceived(bytes int) {
	e.Counters.RecordReceived(bytes)
	e.bytesReceived.Add(float64(bytes))
	e.pktsReceived.Inc()
}

func (e *Endpoint) ConnectionOpened() {
	e.Counters.ConnectionOpened()
	e.connections.Inc()
}

func (e *Endpoint) ConnectionClosed() {
	e.Counters.ConnectionClosed()
	e.connections.Dec()
}

func (e *Endpoint) RecordResent(parts int) {
	e.Counters.RecordResent(parts)
	e.resent.Add(float64(parts))
}

func (e *Endpoint) RecordDropped(reason string) {
	e.Counters.RecordDropped(reason)
	e.c.dropped.WithLabelValues(e.name, reason).Inc()
}
