package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_MessageCounters(t *testing.T) {
	c := NewCollector()
	c.RecordReceived("SessionSetupReq")
	c.RecordSent("SessionSetupRes")
	c.RecordSuccess("SessionSetupReq", 2*time.Millisecond)
	c.RecordFailure("PowerDeliveryReq")
	c.RecordRetransmit("tcp")

	snap := c.Snapshot()
	assert.Equal(t, uint64(1), snap.MessageStats["SessionSetupReq"].Received)
	assert.Equal(t, uint64(1), snap.MessageStats["SessionSetupReq"].Success)
	assert.Equal(t, uint64(1), snap.MessageStats["SessionSetupRes"].Sent)
	assert.Equal(t, uint64(1), snap.MessageStats["PowerDeliveryReq"].Failed)
	assert.Equal(t, uint64(1), snap.MessageStats["tcp"].Retransmit)
	assert.Equal(t, uint64(1), snap.TotalSent())
	assert.Equal(t, uint64(1), snap.TotalReceived())
}

func TestCollector_Events(t *testing.T) {
	c := NewCollector()
	c.RecordEvent(EventTCPRetransmit)
	c.RecordEvent(EventTCPRetransmit)
	c.RecordEvent(EventSlacFailure)

	assert.Equal(t, uint64(2), c.Event(EventTCPRetransmit))
	assert.Equal(t, uint64(1), c.Event(EventSlacFailure))
	assert.Equal(t, uint64(0), c.Event(EventWatchdogFatal))
}

func TestCollector_NilReceiverIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordReceived("x")
		c.RecordSent("x")
		c.RecordEvent("y")
		c.RecordSessionStarted()
		c.RecordChargingStarted()
	})
	assert.Equal(t, uint64(0), c.Event("y"))
}

func TestCollector_SnapshotIsIndependent(t *testing.T) {
	c := NewCollector()
	c.RecordReceived("CableCheckReq")
	snap := c.Snapshot()
	c.RecordReceived("CableCheckReq")

	assert.Equal(t, uint64(1), snap.MessageStats["CableCheckReq"].Received)
	assert.Equal(t, uint64(2), c.Snapshot().MessageStats["CableCheckReq"].Received)
}

func TestCollector_ProcessingTimeStats(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 4; i++ {
		c.RecordSuccess("CurrentDemandReq", time.Duration(i)*time.Millisecond)
	}

	min, avg, max, p99 := c.ProcessingTimeStats()
	assert.Equal(t, time.Millisecond, min)
	assert.Equal(t, 2500*time.Microsecond, avg)
	assert.Equal(t, 4*time.Millisecond, max)
	assert.Equal(t, 4*time.Millisecond, p99)
}

func TestReporter_ExportJSON(t *testing.T) {
	c := NewCollector()
	c.RecordSessionStarted()
	c.RecordSessionCompleted()
	c.RecordEvent(EventLinkReady)

	path := filepath.Join(t.TempDir(), "stats.json")
	r := NewReporter(c, 0, path)
	require.NoError(t, r.ExportJSON())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	sessions := decoded["sessions"].(map[string]interface{})
	assert.Equal(t, float64(1), sessions["started"])
	assert.Equal(t, float64(1), sessions["completed"])
	events := decoded["events"].(map[string]interface{})
	assert.Equal(t, float64(1), events[EventLinkReady])
}

func TestReporter_FormatReport(t *testing.T) {
	c := NewCollector()
	c.RecordReceived("SessionStopReq")
	r := NewReporter(c, 0, "")

	out := r.FormatReport()
	assert.Contains(t, out, "SessionStopReq")
	assert.Contains(t, out, "Sessions:")
}
