package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters is the run summary written by Flush.
type Counters struct {
	Transmissions     uint64            `json:"transmissions"`
	TxByPort          map[string]uint64 `json:"transmissions_by_port"`
	Deliveries        uint64            `json:"deliveries"`
	InjectFailures    uint64            `json:"inject_failures"`
	RelayRejected     map[string]uint64 `json:"relay_rejected"`
	CorrelationMisses uint64            `json:"correlation_misses"`
	Telemetry         uint64            `json:"telemetry_samples"`
	MalformedFrames   uint64            `json:"malformed_frames"`
	Reconnects        uint64            `json:"reconnects"`
	EventsDropped     uint64            `json:"events_dropped"`
	SessionsPruned    uint64            `json:"sessions_pruned"`
	TapDropped        uint64            `json:"tap_dropped"`
	RxSum             uint64            `json:"rx_sum"`
	RxSamples         uint64            `json:"rx_samples"`
}

// Collector records emulator activity both as Prometheus series and as a
// JSON summary. All methods are safe on a nil *Collector.
type Collector struct {
	mu sync.Mutex
	Counters

	gatherer prometheus.Gatherer

	transmissions  *prometheus.CounterVec
	deliveries     prometheus.Counter
	injectFailures prometheus.Counter
	relayRejected  *prometheus.CounterVec
	corrMisses     prometheus.Counter
	telemetry      *prometheus.CounterVec
	malformed      prometheus.Counter
	reconnects     prometheus.Counter
	eventsDropped  prometheus.Counter
	sessionsPruned prometheus.Counter
	tapDropped     prometheus.Counter
	rssi           prometheus.Histogram

	nodes      prometheus.Gauge
	connected  prometheus.Gauge
	sessions   prometheus.Gauge
	goroutines prometheus.Gauge
	heapBytes  prometheus.Gauge
}

// NewCollector registers the emulator metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice on the same
// registry reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		Counters: Counters{TxByPort: make(map[string]uint64), RelayRejected: make(map[string]uint64)},
		gatherer: gatherer,
	}

	var err error
	if c.transmissions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_transmissions_total",
		Help: "Packets reported as transmitted over the air, labeled by application port.",
	}, []string{"port"}), "mesh_transmissions_total"); err != nil {
		return nil, err
	}
	if c.relayRejected, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_relay_rejected_total",
		Help: "Transmissions the relay refused, labeled by reason.",
	}, []string{"reason"}), "mesh_relay_rejected_total"); err != nil {
		return nil, err
	}
	if c.telemetry, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_telemetry_samples_total",
		Help: "Telemetry reports applied to nodes, labeled by variant.",
	}, []string{"kind"}), "mesh_telemetry_samples_total"); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&c.deliveries, "mesh_deliveries_total", "Frames injected into receiving nodes."},
		{&c.injectFailures, "mesh_inject_failures_total", "Per-receiver injections that failed."},
		{&c.corrMisses, "mesh_correlation_misses_total", "Replies whose request id matched no known packet."},
		{&c.malformed, "mesh_malformed_frames_total", "Frames or payloads that could not be decoded."},
		{&c.reconnects, "mesh_transport_reconnects_total", "Transport reconnections performed."},
		{&c.eventsDropped, "mesh_events_dropped_total", "Observer events dropped because the dispatch queue was full."},
		{&c.sessionsPruned, "mesh_sessions_pruned_total", "Observer sessions removed after a failed send."},
		{&c.tapDropped, "mesh_tap_dropped_total", "Node frames not mirrored because the tap reader fell behind."},
	}
	for _, def := range counters {
		if *def.dst, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: def.name, Help: def.help}), def.name); err != nil {
			return nil, err
		}
	}

	if c.rssi, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_rx_rssi_dbm",
		Help:    "RSSI of admitted receptions.",
		Buckets: prometheus.LinearBuckets(-140, 10, 12),
	}), "mesh_rx_rssi_dbm"); err != nil {
		return nil, err
	}

	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.nodes, "mesh_nodes", "Nodes in the registry."},
		{&c.connected, "mesh_nodes_connected", "Nodes whose transport is connected."},
		{&c.sessions, "mesh_observer_sessions", "Connected observer sessions."},
		{&c.goroutines, "mesh_goroutines", "Goroutines in the emulator process."},
		{&c.heapBytes, "mesh_heap_alloc_bytes", "Heap bytes allocated by the emulator process."},
	}
	for _, def := range gauges {
		if *def.dst, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: def.name, Help: def.help}), def.name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) AddTransmission(port string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.Transmissions++
	c.TxByPort[port]++
	c.mu.Unlock()
	c.transmissions.WithLabelValues(port).Inc()
}

// AddDelivered records one injected frame and its RSSI.
func (c *Collector) AddDelivered(rssi float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.Deliveries++
	c.mu.Unlock()
	c.deliveries.Inc()
	c.rssi.Observe(rssi)
}

// AddReceivers records the size of one reception set.
func (c *Collector) AddReceivers(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.RxSum += uint64(n)
	c.RxSamples++
	c.mu.Unlock()
}

func (c *Collector) AddInjectFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.InjectFailures++
	c.mu.Unlock()
	c.injectFailures.Inc()
}

func (c *Collector) AddRelayRejected(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.RelayRejected[reason]++
	c.mu.Unlock()
	c.relayRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) AddCorrelationMiss() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.CorrelationMisses++
	c.mu.Unlock()
	c.corrMisses.Inc()
}

func (c *Collector) AddTelemetry(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.Telemetry++
	c.mu.Unlock()
	c.telemetry.WithLabelValues(kind).Inc()
}

func (c *Collector) AddMalformed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.MalformedFrames++
	c.mu.Unlock()
	c.malformed.Inc()
}

func (c *Collector) AddReconnect() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.Reconnects++
	c.mu.Unlock()
	c.reconnects.Inc()
}

func (c *Collector) AddEventDropped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.EventsDropped++
	c.mu.Unlock()
	c.eventsDropped.Inc()
}

// AddTapDropped counts a frame skipped by a full tap.
func (c *Collector) AddTapDropped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.TapDropped++
	c.mu.Unlock()
	c.tapDropped.Inc()
}

func (c *Collector) AddSessionPruned() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.SessionsPruned++
	c.mu.Unlock()
	c.sessionsPruned.Inc()
}

func (c *Collector) SetNodes(total, connected int) {
	if c == nil {
		return
	}
	c.nodes.Set(float64(total))
	c.connected.Set(float64(connected))
}

func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.sessions.Set(float64(n))
}

func (c *Collector) SetRuntime(goroutines int, heapAlloc uint64) {
	if c == nil {
		return
	}
	c.goroutines.Set(float64(goroutines))
	c.heapBytes.Set(float64(heapAlloc))
}

// Snapshot returns a copy of the summary counters.
func (c *Collector) Snapshot() Counters {
	if c == nil {
		return Counters{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.Counters
	out.TxByPort = make(map[string]uint64, len(c.TxByPort))
	for k, v := range c.TxByPort {
		out.TxByPort[k] = v
	}
	out.RelayRejected = make(map[string]uint64, len(c.RelayRejected))
	for k, v := range c.RelayRejected {
		out.RelayRejected[k] = v
	}
	return out
}

// Flush writes the summary counters to file as indented JSON.
func (c *Collector) Flush(file string) error {
	snap := c.Snapshot()
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
