package diag

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evse-controller/internal/clock"
	"evse-controller/internal/pki"
	"evse-controller/internal/stats"
)

func TestAuth_Window(t *testing.T) {
	a := NewAuth("secret", 1000)
	assert.True(t, a.Required())
	assert.False(t, a.Valid(0))

	assert.True(t, a.Attempt("secret", 100))
	assert.True(t, a.Valid(500))
	assert.True(t, a.Valid(1100))
	assert.False(t, a.Valid(1101))
	assert.False(t, a.Valid(500), "expiry sticks")
}

func TestAuth_WrongTokenRevokes(t *testing.T) {
	a := NewAuth("secret", 1000)
	require.True(t, a.Attempt("secret", 0))
	assert.False(t, a.Attempt("guess", 10))
	assert.False(t, a.Valid(20))
}

func TestAuth_Wraparound(t *testing.T) {
	a := NewAuth("secret", 1000)
	start := uint32(0xFFFFFF00)
	require.True(t, a.Attempt("secret", start))
	assert.True(t, a.Valid(start+900))
	assert.False(t, a.Valid(start+1001))
}

func TestAuth_OpenWithoutToken(t *testing.T) {
	a := NewAuth("", 1000)
	assert.False(t, a.Required())
	assert.True(t, a.Valid(0))
	assert.True(t, a.Attempt("anything", 0))
}

type fakeBackend struct {
	collector *stats.Collector
}

func (b *fakeBackend) Status() Status {
	return Status{CPState: "C", SlacState: "Matched", HLCState: "WaitCurrentDemand", Protocol: "DIN70121", ChargingActive: true}
}

func (b *fakeBackend) Stats() *stats.Collector { return b.collector }

func newTestServer(t *testing.T, token string) (*Server, *clock.Manual, *pki.Store) {
	t.Helper()
	store, err := pki.NewStore(t.TempDir())
	require.NoError(t, err)
	clk := clock.NewManual(0)
	collector := stats.NewCollector()
	collector.RecordEvent(stats.EventLinkReady)
	return NewServer("127.0.0.1:0", NewAuth(token, 60000), &fakeBackend{collector: collector}, store, clk), clk, store
}

func TestServer_RequiresAuth(t *testing.T) {
	s, clk, _ := newTestServer(t, "secret")

	resp := s.Handle(Request{Cmd: CmdStatus})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "not authorized")

	assert.False(t, s.Handle(Request{Cmd: CmdAuth, Token: "nope"}).OK)
	assert.True(t, s.Handle(Request{Cmd: CmdAuth, Token: "secret"}).OK)

	resp = s.Handle(Request{Cmd: CmdStatus})
	require.True(t, resp.OK)
	var st Status
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.Equal(t, "WaitCurrentDemand", st.HLCState)

	clk.Advance(60001)
	assert.False(t, s.Handle(Request{Cmd: CmdStatus}).OK)
}

func TestServer_Stats(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	resp := s.Handle(Request{Cmd: CmdStats})
	require.True(t, resp.OK)

	var out struct {
		Events map[string]uint64 `json:"events"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Equal(t, uint64(1), out.Events[stats.EventLinkReady])
}

func TestServer_PKI(t *testing.T) {
	s, _, store := newTestServer(t, "")

	resp := s.Handle(Request{Cmd: CmdPKIGet, Kind: "root_ca"})
	assert.False(t, resp.OK)

	resp = s.Handle(Request{Cmd: CmdPKISet, Kind: "root_ca", PEM: base64.StdEncoding.EncodeToString([]byte("junk"))})
	assert.False(t, resp.OK)

	resp = s.Handle(Request{Cmd: CmdPKISet, Kind: "root_ca", PEM: "%%%"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "base64")

	resp = s.Handle(Request{Cmd: CmdPKIGet, Kind: "client_cert"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown object kind")

	_, err := store.Get(pki.RootCA)
	assert.ErrorIs(t, err, pki.ErrNotFound)
}

func TestServer_UnknownCommand(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	resp := s.Handle(Request{Cmd: "reboot"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestServer_WebSocketRoundTrip(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+Path)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Do(Request{Cmd: CmdAuth, Token: "secret"})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	resp, err = c.Do(Request{Cmd: CmdStatus})
	require.NoError(t, err)
	require.True(t, resp.OK)
	var st Status
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.Equal(t, "DIN70121", st.Protocol)
	assert.True(t, st.ChargingActive)
}
