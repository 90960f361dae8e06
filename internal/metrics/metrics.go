package metrics

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"orionmesh/internal/fsutil"
)

// FrameTypes are the label values of the per-type frame counter.
var FrameTypes = []string{"M", "SYNC_IDS", "SYNC_REQ", "SYNC_MSGS", "S"}

type Arrival struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Hops int    `json:"hops"`
	At   int64  `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	DeviceID    string           `json:"device_id,omitempty"`
	Status      string           `json:"status,omitempty"`
	Sessions    int              `json:"sessions"`
	Stored      int              `json:"stored"`
	Gossip      GossipMetrics    `json:"gossip"`
	Frames      map[string]int64 `json:"frames"`
	Recent      []Arrival        `json:"recent"`
}

type GossipMetrics struct {
	Received         uint64 `json:"received"`
	Duplicate        uint64 `json:"duplicate"`
	Relayed          uint64 `json:"relayed"`
	Sent             uint64 `json:"sent"`
	SyncSent         uint64 `json:"sync_sent"`
	SyncRequested    uint64 `json:"sync_requested"`
	Malformed        uint64 `json:"malformed"`
	DecryptFailures  uint64 `json:"decrypt_failures"`
	SignatureFailure uint64 `json:"signature_failures"`
	DialFailures     uint64 `json:"dial_failures"`
	Swept            uint64 `json:"swept"`
	Expired          uint64 `json:"expired"`
}

type Metrics struct {
	sessions        prometheus.Gauge
	stored          prometheus.Gauge
	received        prometheus.Counter
	duplicate       prometheus.Counter
	relayed         prometheus.Counter
	sent            prometheus.Counter
	syncSent        prometheus.Counter
	syncRequested   prometheus.Counter
	malformed       prometheus.Counter
	decryptFailures prometheus.Counter
	sigFailures     prometheus.Counter
	dialFailures    prometheus.Counter
	swept           prometheus.Counter
	expired         prometheus.Counter
	frames          *prometheus.CounterVec
	recent          *Recent
}

// New registers the mesh collectors on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orion_sessions_active",
			Help: "Peer sessions currently active.",
		}),
		stored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orion_messages_stored",
			Help: "Messages held in the local store.",
		}),
		received:        counter("orion_messages_received_total", "Unseen messages accepted from peers."),
		duplicate:       counter("orion_messages_duplicate_total", "Messages dropped as already seen."),
		relayed:         counter("orion_messages_relayed_total", "Message copies forwarded to peers."),
		sent:            counter("orion_messages_sent_total", "Messages created locally."),
		syncSent:        counter("orion_sync_messages_sent_total", "Messages shipped in sync batches."),
		syncRequested:   counter("orion_sync_requested_total", "Message ids requested from peers."),
		malformed:       counter("orion_frames_malformed_total", "Frames dropped as unparseable or invalid."),
		decryptFailures: counter("orion_decrypt_failures_total", "Private messages to this node that failed to open."),
		sigFailures:     counter("orion_signature_failures_total", "Messages dropped for a bad signature."),
		dialFailures:    counter("orion_dial_failures_total", "Outbound dials that failed."),
		swept:           counter("orion_messages_swept_total", "Messages removed by the retention sweep."),
		expired:         counter("orion_messages_expired_total", "Arrivals dropped for being past retention."),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orion_frames_received_total",
			Help: "Frames received by type.",
		}, []string{"type"}),
		recent: NewRecent(32),
	}
	reg.MustRegister(
		m.sessions, m.stored, m.received, m.duplicate, m.relayed, m.sent,
		m.syncSent, m.syncRequested, m.malformed, m.decryptFailures,
		m.sigFailures, m.dialFailures, m.swept, m.expired, m.frames,
	)
	return m
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) SetStored(n int) {
	if m == nil {
		return
	}
	m.stored.Set(float64(n))
}

func (m *Metrics) RecordReceived(a Arrival) {
	if m == nil {
		return
	}
	m.received.Inc()
	m.recent.Add(a)
}

func (m *Metrics) RecordFrame(t string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(t).Inc()
}

func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.duplicate.Inc()
}

func (m *Metrics) IncRelayed() {
	if m == nil {
		return
	}
	m.relayed.Inc()
}

func (m *Metrics) IncSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
}

func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) IncDecryptFailure() {
	if m == nil {
		return
	}
	m.decryptFailures.Inc()
}

func (m *Metrics) IncSignatureFailure() {
	if m == nil {
		return
	}
	m.sigFailures.Inc()
}

func (m *Metrics) IncDialFailure() {
	if m == nil {
		return
	}
	m.dialFailures.Inc()
}

func (m *Metrics) IncExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

func (m *Metrics) AddSyncSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncSent.Add(float64(n))
}

func (m *Metrics) AddSyncRequested(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncRequested.Add(float64(n))
}

func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

func readCounter(c prometheus.Counter) uint64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

func readGauge(g prometheus.Gauge) int {
	var out dto.Metric
	if err := g.Write(&out); err != nil {
		return 0
	}
	return int(out.GetGauge().GetValue())
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	frames := make(map[string]int64, len(FrameTypes))
	for _, t := range FrameTypes {
		c, err := m.frames.GetMetricWithLabelValues(t)
		if err != nil {
			continue
		}
		frames[t] = int64(readCounter(c))
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Sessions:    readGauge(m.sessions),
		Stored:      readGauge(m.stored),
		Gossip: GossipMetrics{
			Received:         readCounter(m.received),
			Duplicate:        readCounter(m.duplicate),
			Relayed:          readCounter(m.relayed),
			Sent:             readCounter(m.sent),
			SyncSent:         readCounter(m.syncSent),
			SyncRequested:    readCounter(m.syncRequested),
			Malformed:        readCounter(m.malformed),
			DecryptFailures:  readCounter(m.decryptFailures),
			SignatureFailure: readCounter(m.sigFailures),
			DialFailures:     readCounter(m.dialFailures),
			Swept:            readCounter(m.swept),
			Expired:          readCounter(m.expired),
		},
		Frames: frames,
		Recent: m.recent.List(),
	}
}

// WriteSnapshot stores snap as indented JSON at path.
func WriteSnapshot(path string, snap Snapshot) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0600)
}

// Recent keeps the last few arrivals for status output.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Arrival
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(a Arrival) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = a
		return
	}
	r.list = append(r.list, a)
}

func (r *Recent) List() []Arrival {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Arrival, len(r.list))
	copy(out, r.list)
	return out
}
