package slac

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evse-controller/internal/clock"
	"evse-controller/internal/stats"
)

var (
	evseMAC        = [6]byte{0x70, 0xB3, 0xD5, 0x00, 0x00, 0x01}
	pevMAC         = [6]byte{0xFE, 0xED, 0xBE, 0xEF, 0xAF, 0xFE}
	pevModemMAC    = [6]byte{0x00, 0xB0, 0x52, 0xAB, 0xCD, 0xEF}
	evseModemMAC   = [6]byte{0x00, 0xB0, 0x52, 0x11, 0x22, 0x33}
	testSoundCount = byte(3)
	testTimeout    = byte(0x08)
	runID          = [8]byte{0x10, 0x11, 0x12, 0x13, 0x03, 0x08, 0x16, 0x17}
	testNMK        = [16]byte{0x77, 0x77, 0x73, 0x7F, 0x77, 0x77, 0x77, 0x77,
		0x77, 0x77, 0x77, 0x77, 0x77, 0x77, 0x77, 0x77}
)

type captureSender struct {
	frames [][]byte
}

func (c *captureSender) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *captureSender) take() [][]byte {
	f := c.frames
	c.frames = nil
	return f
}

func baseFrame(mmLow, mmHigh byte, size int) []byte {
	f := make([]byte, size)
	copy(f[0:6], evseMAC[:])
	copy(f[6:12], pevMAC[:])
	f[12], f[13] = 0x88, 0xE1
	f[14] = 0x01
	f[15], f[16] = mmLow, mmHigh
	return f
}

func slacParamReq(count, timeout byte) []byte {
	f := baseFrame(0x64, 0x60, 60)
	copy(f[21:29], runID[:])
	f[25] = count
	f[26] = timeout
	return f
}

func startAttenChar() []byte {
	f := baseFrame(0x6A, 0x60, 60)
	f[21] = testSoundCount
	f[22] = testTimeout
	f[23] = 0x01
	copy(f[24:30], pevMAC[:])
	copy(f[30:38], runID[:])
	return f
}

func mnbcSound(remaining byte) []byte {
	f := baseFrame(0x76, 0x60, 71)
	f[38] = remaining
	copy(f[39:47], runID[:])
	for i := 55; i < 71; i++ {
		f[i] = 0xFF
	}
	return f
}

func attenProfile(base byte) []byte {
	f := baseFrame(0x86, 0x60, 90)
	for i := 0; i < AttenGroups; i++ {
		f[27+i] = base + byte(i)
	}
	return f
}

func attenCharRsp(status byte) []byte {
	f := baseFrame(0x6F, 0x60, 70)
	copy(f[21:27], pevMAC[:])
	copy(f[27:35], runID[:])
	f[69] = status
	return f
}

func slacMatchReq(mvf byte) []byte {
	f := baseFrame(0x7C, 0x60, 109)
	f[21] = mvf
	copy(f[40:46], pevMAC[:])
	copy(f[63:69], evseMAC[:])
	copy(f[69:77], runID[:])
	return f
}

func getSwCnf(src [6]byte) []byte {
	f := baseFrame(0x01, 0xA0, 60)
	copy(f[6:12], src[:])
	f[14] = 0x00
	return f
}

func setKeyCnf(result byte) []byte {
	f := baseFrame(0x09, 0x60, 60)
	copy(f[6:12], evseModemMAC[:])
	f[19] = result
	return f
}

func newTestSession(t *testing.T, maxGetSw int) (*Session, *captureSender, *clock.Manual, *stats.Collector) {
	t.Helper()
	tx := &captureSender{}
	clk := clock.NewManual(1000)
	collector := stats.NewCollector()
	s := NewSession(Config{
		MAC:             evseMAC,
		GetSwMaxRetries: maxGetSw,
		Rand:            bytes.NewReader(bytes.Repeat(testNMK[:], 8)),
	}, tx, clk, collector)
	return s, tx, clk, collector
}

// bringUp walks the modem through key configuration.
func bringUp(t *testing.T, s *Session, tx *captureSender, clk *clock.Manual) {
	t.Helper()
	for i := 0; i < 3; i++ {
		s.Tick(clk.NowMillis())
	}
	require.Equal(t, StateSetKeyCnf, s.State())
	frames := tx.take()
	require.Len(t, frames, 1)
	s.HandleFrame(setKeyCnf(0x01))
	require.Equal(t, StateConfigured, s.State())
}

func expectedParamCnf() []byte {
	f := make([]byte, 60)
	copy(f[0:6], pevMAC[:])
	copy(f[6:12], evseMAC[:])
	f[12], f[13], f[14], f[15], f[16] = 0x88, 0xE1, 0x01, 0x65, 0x60
	for i := 19; i < 25; i++ {
		f[i] = 0xFF
	}
	f[25] = testSoundCount
	f[26] = testTimeout
	f[27] = 0x01
	copy(f[28:34], pevMAC[:])
	copy(f[36:44], runID[:])
	return f
}

func expectedAttenCharInd() []byte {
	f := make([]byte, 130)
	copy(f[0:6], pevMAC[:])
	copy(f[6:12], evseMAC[:])
	f[12], f[13], f[14], f[15], f[16] = 0x88, 0xE1, 0x01, 0x6E, 0x60
	copy(f[21:27], pevMAC[:])
	copy(f[27:35], runID[:])
	f[69] = testSoundCount
	f[70] = 0x3A
	for i := 0; i < 58; i++ {
		f[71+i] = byte(11 + i)
	}
	return f
}

func expectedMatchCnf(nid [7]byte) []byte {
	f := make([]byte, 109)
	copy(f[0:6], pevMAC[:])
	copy(f[6:12], evseMAC[:])
	f[12], f[13], f[14], f[15], f[16] = 0x88, 0xE1, 0x01, 0x7D, 0x60
	f[21] = 0x3E
	copy(f[40:46], pevMAC[:])
	copy(f[63:69], evseMAC[:])
	copy(f[69:77], runID[:])
	copy(f[85:92], nid[:])
	copy(f[93:109], testNMK[:])
	return f
}

// pairUntilRsp drives a configured session through sounding and leaves it
// waiting for CM_ATTEN_CHAR.RSP.
func pairUntilRsp(t *testing.T, s *Session, tx *captureSender) {
	t.Helper()
	s.HandleFrame(slacParamReq(testSoundCount, testTimeout))
	s.HandleFrame(startAttenChar())
	for i := byte(0); i < testSoundCount; i++ {
		s.HandleFrame(mnbcSound(testSoundCount - 1 - i))
		s.HandleFrame(attenProfile(10 + i))
	}
	require.Equal(t, StateAttenCharInd, s.State())
	tx.take()
}

func TestSession_BringUpConfiguresModem(t *testing.T) {
	s, tx, clk, _ := newTestSession(t, 0)
	for i := 0; i < 3; i++ {
		s.Tick(clk.NowMillis())
	}
	frames := tx.take()
	require.Len(t, frames, 1)
	setKey := frames[0]
	require.Len(t, setKey, 60)

	assert.Equal(t, []byte{0x00, 0xB0, 0x52, 0x00, 0x00, 0x01}, setKey[0:6])
	assert.Equal(t, evseMAC[:], setKey[6:12])
	assert.Equal(t, []byte{0x88, 0xE1, 0x01, 0x08, 0x60}, setKey[12:17])
	assert.Equal(t, byte(0x01), setKey[19])
	assert.Equal(t, byte(0x04), setKey[28])
	assert.Equal(t, byte(0x01), setKey[40])
	assert.Equal(t, testNMK[:], setKey[41:57])

	nid := s.NID()
	assert.Equal(t, byte(0x37), nid[0], "two most significant bits cleared")
	assert.Equal(t, testNMK[1:7], nid[1:])
	assert.Equal(t, nid[:], setKey[33:40])

	s.HandleFrame(setKeyCnf(0x00))
	assert.Equal(t, StateSetKeyCnf, s.State(), "rejected key keeps waiting")
	s.HandleFrame(setKeyCnf(0x01))
	assert.Equal(t, StateConfigured, s.State())
}

func TestSession_ReplaysRecordedSequence(t *testing.T) {
	s, tx, clk, collector := newTestSession(t, 0)
	bringUp(t, s, tx, clk)

	s.HandleFrame(slacParamReq(testSoundCount, testTimeout))
	require.Equal(t, StateParamCnf, s.State())
	assert.Equal(t, pevMAC[:], []byte(s.PevMAC()))
	frames := tx.take()
	require.Len(t, frames, 1)
	assert.Equal(t, expectedParamCnf(), frames[0])

	s.HandleFrame(startAttenChar())
	require.Equal(t, StateMnbcSound, s.State())

	for i := byte(0); i < testSoundCount; i++ {
		s.HandleFrame(mnbcSound(testSoundCount - 1 - i))
		s.HandleFrame(attenProfile(10 + i))
	}
	frames = tx.take()
	require.Len(t, frames, 1, "indication sent once when the sound count is reached")
	assert.Equal(t, expectedAttenCharInd(), frames[0])

	s.HandleFrame(attenCharRsp(0x00))
	require.Equal(t, StateAttenCharRsp, s.State())

	s.HandleFrame(slacMatchReq(0x3E))
	require.Equal(t, StateGetSwReq, s.State())
	frames = tx.take()
	require.Len(t, frames, 1)
	assert.Equal(t, expectedMatchCnf(s.NID()), frames[0])
	assert.Equal(t, uint64(1), collector.Event(stats.EventSlacMatched))

	s.Tick(clk.NowMillis())
	require.Equal(t, StateWaitSw, s.State())
	frames = tx.take()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, frames[0][0:6])
	assert.Equal(t, []byte{0x88, 0xE1, 0x00, 0x00, 0xA0, 0x00, 0xB0, 0x52}, frames[0][12:20])

	s.HandleFrame(getSwCnf(evseModemMAC))
	s.HandleFrame(getSwCnf(pevModemMAC))
	s.Tick(clk.Advance(ModemSearchWindowMs))
	assert.Equal(t, StateLinkReady, s.State())
	assert.True(t, s.LinkReady())
	assert.Equal(t, "00:b0:52:ab:cd:ef", s.Snapshot().PevModemMAC)
	assert.Equal(t, uint64(1), collector.Event(stats.EventLinkReady))
}

func TestSession_SoundNegotiationProperty(t *testing.T) {
	for requested := 0; requested <= 255; requested++ {
		for _, timeout := range []byte{0, 1, 2, 3, 6, 8, 50, 255} {
			s, tx, _, _ := newTestSession(t, 0)
			s.HandleFrame(slacParamReq(byte(requested), timeout))

			snap := s.Snapshot()
			wantCount := byte(requested)
			if wantCount < 1 {
				wantCount = 1
			}
			if wantCount > MaxSoundCount {
				wantCount = MaxSoundCount
			}
			wantField := timeout
			if wantField == 0 {
				wantField = DefaultTimeoutField
			}
			wantWindow := uint32(wantField) * 100
			if wantWindow < 200 {
				wantWindow = 200
			}
			require.Equal(t, wantCount, snap.SoundCount)
			require.Equal(t, wantWindow, snap.SoundWindowMs)

			frames := tx.take()
			require.Len(t, frames, 1)
			require.Equal(t, wantCount, frames[0][25])
			require.Equal(t, wantField, frames[0][26])
		}
	}
}

func TestSession_SoundWindowElapses(t *testing.T) {
	s, tx, clk, _ := newTestSession(t, 0)
	s.HandleFrame(slacParamReq(testSoundCount, testTimeout))
	s.HandleFrame(startAttenChar())
	s.HandleFrame(mnbcSound(2))
	s.HandleFrame(attenProfile(20))
	tx.take()

	s.Tick(clk.Advance(799))
	assert.Equal(t, StateMnbcSound, s.State())

	s.Tick(clk.Advance(1))
	require.Equal(t, StateAttenCharInd, s.State())
	frames := tx.take()
	require.Len(t, frames, 1)
	assert.Equal(t, byte(1), frames[0][69])
	assert.Equal(t, byte(20), frames[0][71])
	assert.Equal(t, byte(77), frames[0][71+57])
}

func TestSession_AttenuationAverageTruncates(t *testing.T) {
	bases := []byte{10, 21, 33, 47, 52}
	count := byte(len(bases))

	for n := 1; n <= len(bases); n++ {
		s, tx, clk, _ := newTestSession(t, 0)
		s.HandleFrame(slacParamReq(count, testTimeout))
		s.HandleFrame(startAttenChar())
		for k := 0; k < n; k++ {
			s.HandleFrame(attenProfile(bases[k]))
		}
		if byte(n) < count {
			s.Tick(clk.Advance(SoundWindowMs(testTimeout)))
		}
		require.Equal(t, StateAttenCharInd, s.State(), "n=%d", n)
		frames := tx.take()
		require.Len(t, frames, 2, "n=%d", n)
		ind := frames[1]

		assert.Equal(t, byte(n), ind[69], "n=%d", n)
		for g := 0; g < AttenGroups; g++ {
			var sum int
			for k := 0; k < n; k++ {
				sum += int(bases[k]) + g
			}
			require.Equal(t, byte(sum/n), ind[71+g], "n=%d group=%d", n, g)
		}
	}

	s, tx, clk, _ := newTestSession(t, 0)
	s.HandleFrame(slacParamReq(count, testTimeout))
	s.HandleFrame(startAttenChar())
	s.HandleFrame(attenProfile(10))
	s.HandleFrame(attenProfile(21))
	s.Tick(clk.Advance(SoundWindowMs(testTimeout)))
	frames := tx.take()
	require.Len(t, frames, 2)
	assert.Equal(t, byte(15), frames[1][71], "(10+21)/2 truncates")
	assert.Equal(t, byte(16), frames[1][72], "(11+22)/2 truncates")
}

func TestSession_AttenCharRetriesThenFails(t *testing.T) {
	s, tx, clk, collector := newTestSession(t, 0)
	bringUp(t, s, tx, clk)
	pairUntilRsp(t, s, tx)

	s.Tick(clk.Advance(AttenCharTimeoutMs))
	s.Tick(clk.Advance(AttenCharTimeoutMs))
	assert.Len(t, tx.take(), 2, "two retransmissions after the first indication")
	assert.Equal(t, StateAttenCharInd, s.State())

	s.Tick(clk.Advance(AttenCharTimeoutMs))
	assert.Empty(t, tx.take())
	assert.Equal(t, StateConfigured, s.State())
	assert.Equal(t, uint64(1), collector.Event(stats.EventSlacFailure))
	assert.Equal(t, 1, s.Snapshot().Failures)
}

func TestSession_AttenCharRspMismatchRetransmits(t *testing.T) {
	s, tx, clk, _ := newTestSession(t, 0)
	bringUp(t, s, tx, clk)
	pairUntilRsp(t, s, tx)

	s.HandleFrame(attenCharRsp(0x01))
	assert.Len(t, tx.take(), 1)
	assert.Equal(t, StateAttenCharInd, s.State())

	s.HandleFrame(attenCharRsp(0x01))
	assert.Len(t, tx.take(), 1)

	s.HandleFrame(attenCharRsp(0x01))
	assert.Empty(t, tx.take())
	assert.Equal(t, StateConfigured, s.State())
}

func TestSession_MatchValidation(t *testing.T) {
	s, tx, clk, collector := newTestSession(t, 0)
	bringUp(t, s, tx, clk)
	pairUntilRsp(t, s, tx)
	s.HandleFrame(attenCharRsp(0x00))

	s.HandleFrame(slacMatchReq(0x3D))
	assert.Equal(t, StateConfigured, s.State())
	assert.Empty(t, tx.take())
	assert.Equal(t, uint64(1), collector.Event(stats.EventSlacFailure))
}

func TestSession_MatchTimeout(t *testing.T) {
	s, tx, clk, _ := newTestSession(t, 0)
	bringUp(t, s, tx, clk)
	pairUntilRsp(t, s, tx)
	s.HandleFrame(attenCharRsp(0x00))

	s.Tick(clk.Advance(SlacMatchTimeoutMs - 1))
	assert.Equal(t, StateAttenCharRsp, s.State())
	s.Tick(clk.Advance(1))
	assert.Equal(t, StateConfigured, s.State())
}

func TestSession_ModemDiscovery(t *testing.T) {
	t.Run("repeats while too few modems answer", func(t *testing.T) {
		s, tx, clk, _ := newTestSession(t, 0)
		bringUp(t, s, tx, clk)
		pairUntilRsp(t, s, tx)
		s.HandleFrame(attenCharRsp(0x00))
		s.HandleFrame(slacMatchReq(0x3E))

		for round := 0; round < 5; round++ {
			s.Tick(clk.NowMillis())
			require.Equal(t, StateWaitSw, s.State())
			s.HandleFrame(getSwCnf(evseModemMAC))
			s.Tick(clk.Advance(ModemSearchWindowMs))
			require.Equal(t, StateGetSwReq, s.State())
		}
	})

	t.Run("bounded retries fail the pairing", func(t *testing.T) {
		s, tx, clk, collector := newTestSession(t, 2)
		bringUp(t, s, tx, clk)
		pairUntilRsp(t, s, tx)
		s.HandleFrame(attenCharRsp(0x00))
		s.HandleFrame(slacMatchReq(0x3E))

		s.Tick(clk.NowMillis())
		s.Tick(clk.Advance(ModemSearchWindowMs))
		require.Equal(t, StateGetSwReq, s.State())
		s.Tick(clk.NowMillis())
		s.Tick(clk.Advance(ModemSearchWindowMs))
		assert.Equal(t, StateSetKeyReq, s.State(), "matched key is discarded")
		assert.Nil(t, s.PevMAC())
		assert.Equal(t, uint64(1), collector.Event(stats.EventSlacFailure))
	})

	t.Run("repeated answers from one modem count once", func(t *testing.T) {
		s, tx, clk, collector := newTestSession(t, 0)
		bringUp(t, s, tx, clk)
		pairUntilRsp(t, s, tx)
		s.HandleFrame(attenCharRsp(0x00))
		s.HandleFrame(slacMatchReq(0x3E))

		s.Tick(clk.NowMillis())
		require.Equal(t, StateWaitSw, s.State())
		s.HandleFrame(getSwCnf(evseModemMAC))
		s.HandleFrame(getSwCnf(evseModemMAC))
		assert.Equal(t, 1, s.Snapshot().ModemsFound)
		s.Tick(clk.Advance(ModemSearchWindowMs))
		assert.Equal(t, StateGetSwReq, s.State())
		assert.Equal(t, uint64(0), collector.Event(stats.EventLinkReady))

		s.Tick(clk.NowMillis())
		s.HandleFrame(getSwCnf(evseModemMAC))
		s.HandleFrame(getSwCnf(pevModemMAC))
		s.HandleFrame(getSwCnf(pevModemMAC))
		s.Tick(clk.Advance(ModemSearchWindowMs))
		assert.Equal(t, StateLinkReady, s.State())
		assert.Equal(t, 2, s.Snapshot().ModemsFound)
		assert.Equal(t, "00:b0:52:ab:cd:ef", s.Snapshot().PevModemMAC)
	})
}

// countingReader yields 0, 1, 2, ... so every key drawn differs.
type countingReader struct {
	next byte
}

func (r *countingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.next
		r.next++
	}
	return len(p), nil
}

func TestSession_FreshKeyPerVehicle(t *testing.T) {
	tx := &captureSender{}
	clk := clock.NewManual(1000)
	s := NewSession(Config{MAC: evseMAC, Rand: &countingReader{}}, tx, clk, stats.NewCollector())

	// pair runs one vehicle to CM_SLAC_MATCH.CNF and returns the key the
	// modem was configured with and the key handed to the vehicle.
	pair := func() (modemKey, matchKey []byte) {
		for s.State() != StateSetKeyCnf {
			s.Tick(clk.NowMillis())
		}
		frames := tx.take()
		require.Len(t, frames, 1)
		modemKey = frames[0][41:57]
		s.HandleFrame(setKeyCnf(0x01))
		require.Equal(t, StateConfigured, s.State())

		pairUntilRsp(t, s, tx)
		s.HandleFrame(attenCharRsp(0x00))
		s.HandleFrame(slacMatchReq(0x3E))
		require.Equal(t, StateGetSwReq, s.State())
		frames = tx.take()
		require.Len(t, frames, 1)
		return modemKey, frames[0][93:109]
	}

	modem1, match1 := pair()
	assert.Equal(t, modem1, match1)

	s.Reset()
	require.Equal(t, StateSetKeyReq, s.State())

	modem2, match2 := pair()
	assert.Equal(t, modem2, match2)
	assert.NotEqual(t, match1, match2, "second vehicle must not receive the first vehicle's key")
}

func TestSession_ResetAndRestart(t *testing.T) {
	s, tx, clk, _ := newTestSession(t, 0)
	bringUp(t, s, tx, clk)
	pairUntilRsp(t, s, tx)

	var transitions []State
	s.OnStateChange(func(_, to State) { transitions = append(transitions, to) })

	s.Reset()
	assert.Equal(t, StateSetKeyReq, s.State())
	assert.Nil(t, s.PevMAC())

	s.Restart()
	assert.Equal(t, StatePowerUp, s.State())
	assert.Equal(t, []State{StateSetKeyReq, StatePowerUp}, transitions)
}

func TestMMTypeName(t *testing.T) {
	assert.Equal(t, "CM_SLAC_PARAM.REQ", MMTypeName(0x6064))
	assert.Equal(t, "CM_ATTEN_CHAR.RSP", MMTypeName(0x606F))
	assert.Equal(t, "VS_GET_SW.CNF", MMTypeName(0xA001))
	assert.Equal(t, "MMTYPE_0x1234", MMTypeName(0x1234))
}
