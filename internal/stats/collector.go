package stats

import (
	"sort"
	"sync"
	"time"

	"evse-controller/pkg/types"
)

// Well-known event counters.
const (
	EventInvalidBurst     = "link.invalid_burst"
	EventTransceiverReset = "link.transceiver_reset"
	EventUnknownEtherType = "link.unknown_ethertype"
	EventSlacFailure      = "slac.failure"
	EventSlacMatched      = "slac.matched"
	EventLinkReady        = "slac.link_ready"
	EventMalformedIPv6    = "ipv6.malformed_chain"
	EventNeighborAdvert   = "ipv6.neighbor_advert"
	EventSdpRejected      = "sdp.rejected"
	EventTCPRetransmit    = "tcp.retransmit"
	EventTCPRetransmitMax = "tcp.retransmit_exhausted"
	EventTCPIdleTimeout   = "tcp.idle_timeout"
	EventTCPReset         = "tcp.rst"
	EventV2GTPError       = "v2gtp.error"
	EventWatchdogTimeout  = "hlc.watchdog_timeout"
	EventWatchdogFatal    = "hlc.watchdog_fatal"
	EventSequenceError    = "hlc.sequence_error"
	EventUnexpectedReq    = "hlc.unexpected_request"
	EventDecodeError      = "hlc.decode_error"
	EventContactorFailure = "hlc.contactor_failure"
	EventCPDisconnect     = "cp.disconnect"
	EventConnAccepted     = "net.connection_accepted"
	EventConnRejected     = "net.connection_rejected"
	EventTLSReload        = "tls.reload"
)

// Collector aggregates protocol statistics. All methods are safe on a nil receiver.
type Collector struct {
	StartTime time.Time
	EndTime   time.Time

	MessageStats map[string]*types.MessageStats
	Events       map[string]uint64

	SessionsStarted   uint64
	SessionsCompleted uint64
	SessionsFailed    uint64
	ChargingSessions  uint64

	ProcessingTimes []time.Duration

	mu sync.Mutex
}

// NewCollector creates a new statistics collector.
func NewCollector() *Collector {
	return &Collector{
		StartTime:    time.Now(),
		MessageStats: make(map[string]*types.MessageStats),
		Events:       make(map[string]uint64),
	}
}

func (c *Collector) getOrCreate(msgType string) *types.MessageStats {
	if _, ok := c.MessageStats[msgType]; !ok {
		c.MessageStats[msgType] = &types.MessageStats{}
	}
	return c.MessageStats[msgType]
}

// RecordReceived records a request received from the vehicle.
func (c *Collector) RecordReceived(msgType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Received++
}

// RecordSent records a message transmitted to the vehicle or modem.
func (c *Collector) RecordSent(msgType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Sent++
}

// RecordSuccess records a request answered with a positive response code.
func (c *Collector) RecordSuccess(msgType string, processing time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Success++
	c.ProcessingTimes = append(c.ProcessingTimes, processing)
}

// RecordFailure records a request answered with a failure response code.
func (c *Collector) RecordFailure(msgType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Failed++
}

// RecordTimeout records a response that never came in time.
func (c *Collector) RecordTimeout(msgType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Timeout++
}

// RecordRetransmit records a retransmission.
func (c *Collector) RecordRetransmit(msgType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Retransmit++
}

// RecordEvent increments a named event counter.
func (c *Collector) RecordEvent(name string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events[name]++
}

// RecordSessionStarted increments the started session count.
func (c *Collector) RecordSessionStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SessionsStarted++
}

// RecordSessionCompleted increments the count of sessions ended by SessionStop.
func (c *Collector) RecordSessionCompleted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SessionsCompleted++
}

// RecordSessionFailed increments the count of sessions torn down by an error path.
func (c *Collector) RecordSessionFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SessionsFailed++
}

// RecordChargingStarted increments the count of sessions that energized the output.
func (c *Collector) RecordChargingStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChargingSessions++
}

// Event returns the current value of a named event counter.
func (c *Collector) Event(name string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Events[name]
}

// Finish marks the end of the collection period.
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EndTime = time.Now()
}

// Duration returns the elapsed time.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EndTime.IsZero() {
		return time.Since(c.StartTime)
	}
	return c.EndTime.Sub(c.StartTime)
}

// TotalSent returns the total number of messages sent.
func (c *Collector) TotalSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, s := range c.MessageStats {
		total += s.Sent
	}
	return total
}

// TotalReceived returns the total number of messages received.
func (c *Collector) TotalReceived() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, s := range c.MessageStats {
		total += s.Received
	}
	return total
}

// ProcessingTimeStats returns min, avg, max, and p99 request processing times.
func (c *Collector) ProcessingTimeStats() (min, avg, max, p99 time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ProcessingTimes) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]time.Duration, len(c.ProcessingTimes))
	copy(sorted, c.ProcessingTimes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	avg = total / time.Duration(len(sorted))

	p99Idx := int(float64(len(sorted)) * 0.99)
	if p99Idx >= len(sorted) {
		p99Idx = len(sorted) - 1
	}
	p99 = sorted[p99Idx]

	return
}

// Snapshot returns a copy of the current statistics.
func (c *Collector) Snapshot() *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Collector{
		StartTime:         c.StartTime,
		EndTime:           c.EndTime,
		MessageStats:      make(map[string]*types.MessageStats, len(c.MessageStats)),
		Events:            make(map[string]uint64, len(c.Events)),
		SessionsStarted:   c.SessionsStarted,
		SessionsCompleted: c.SessionsCompleted,
		SessionsFailed:    c.SessionsFailed,
		ChargingSessions:  c.ChargingSessions,
		ProcessingTimes:   make([]time.Duration, len(c.ProcessingTimes)),
	}
	copy(snap.ProcessingTimes, c.ProcessingTimes)

	for k, v := range c.MessageStats {
		s := *v
		snap.MessageStats[k] = &s
	}
	for k, v := range c.Events {
		snap.Events[k] = v
	}

	return snap
}
