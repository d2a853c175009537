package slac

import (
	"encoding/binary"
	"fmt"
)

// Management message base types. The low two bits select the variant.
const (
	mmCmSetKey         uint16 = 0x6008
	mmCmSlacParam      uint16 = 0x6064
	mmCmStartAttenChar uint16 = 0x6068
	mmCmAttenChar      uint16 = 0x606C
	mmCmMnbcSound      uint16 = 0x6074
	mmCmSlacMatch      uint16 = 0x607C
	mmCmAttenProfile   uint16 = 0x6084
	mmVsGetSw          uint16 = 0xA000

	mmReq uint16 = 0
	mmCnf uint16 = 1
	mmInd uint16 = 2
	mmRsp uint16 = 3
)

// Protocol constants.
const (
	MaxSoundCount        = 20
	DefaultSoundCount    = 10
	DefaultTimeoutField  = 0x06
	MinSoundWindowMs     = 200
	SoundTimeoutUnitMs   = 100
	AttenCharMaxRetries  = 3
	AttenCharTimeoutMs   = 500
	SlacMatchTimeoutMs   = 1000
	ModemSearchWindowMs  = 1000
	ExpectedMatchMVFLen  = 0x003E
	AttenGroups          = 58
	MinModemsForLink     = 2
	slacParamCnfLen      = 60
	attenCharIndLen      = 130
	slacMatchCnfLen      = 109
	minAttenProfileLen   = 85
	minAttenCharRspLen   = 70
	minSlacMatchReqLen   = 77
	minSetKeyCnfLen      = 20
	homePlugVersion      = 0x01
	vendorVersion        = 0x00
	mmtypeOffset         = 15
	minManagementHdrLen  = 17
	slacParamReqCountOff = 25
)

var (
	broadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	// localModemMAC is the well-known address of the locally attached QCA modem.
	localModemMAC = [6]byte{0x00, 0xB0, 0x52, 0x00, 0x00, 0x01}
	qualcommOUI   = [3]byte{0x00, 0xB0, 0x52}
)

// MMType returns the management message type of a HomePlug frame.
func MMType(frame []byte) uint16 {
	if len(frame) < minManagementHdrLen {
		return 0
	}
	return binary.LittleEndian.Uint16(frame[mmtypeOffset : mmtypeOffset+2])
}

// MMTypeName returns a readable name for a management message type.
func MMTypeName(mmtype uint16) string {
	base := mmtype &^ 0x3
	var name string
	switch base {
	case mmCmSetKey:
		name = "CM_SET_KEY"
	case mmCmSlacParam:
		name = "CM_SLAC_PARAM"
	case mmCmStartAttenChar:
		name = "CM_START_ATTEN_CHAR"
	case mmCmAttenChar:
		name = "CM_ATTEN_CHAR"
	case mmCmMnbcSound:
		name = "CM_MNBC_SOUND"
	case mmCmSlacMatch:
		name = "CM_SLAC_MATCH"
	case mmCmAttenProfile:
		name = "CM_ATTEN_PROFILE"
	case mmVsGetSw:
		name = "VS_GET_SW"
	default:
		return fmt.Sprintf("MMTYPE_0x%04X", mmtype)
	}
	return name + [...]string{".REQ", ".CNF", ".IND", ".RSP"}[mmtype&0x3]
}

// header writes the Ethernet and HomePlug management header.
func header(buf []byte, dst, src [6]byte, version byte, mmtype uint16) {
	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	buf[12] = 0x88
	buf[13] = 0xE1
	buf[14] = version
	binary.LittleEndian.PutUint16(buf[mmtypeOffset:], mmtype)
	// fragmentation info at 17..18 stays zero
}

func composeSetKeyReq(myMAC [6]byte, nid [7]byte, nmk [16]byte) []byte {
	buf := make([]byte, 60)
	header(buf, localModemMAC, myMAC, homePlugVersion, mmCmSetKey|mmReq)
	buf[19] = 0x01 // key info type: NMK
	buf[28] = 0x04 // pid: HLE protocol
	copy(buf[33:40], nid[:])
	buf[40] = 0x01 // new EKS
	copy(buf[41:57], nmk[:])
	return buf
}

func composeGetSwReq(myMAC [6]byte) []byte {
	buf := make([]byte, 60)
	header(buf, broadcastMAC, myMAC, vendorVersion, mmVsGetSw|mmReq)
	copy(buf[17:20], qualcommOUI[:])
	return buf
}

func composeSlacParamCnf(myMAC, pevMAC [6]byte, runID [8]byte, count, timeoutField byte) []byte {
	buf := make([]byte, slacParamCnfLen)
	header(buf, pevMAC, myMAC, homePlugVersion, mmCmSlacParam|mmCnf)
	copy(buf[19:25], broadcastMAC[:]) // sound target
	buf[25] = count
	buf[26] = timeoutField
	buf[27] = 0x01 // resp type: other GP station
	copy(buf[28:34], pevMAC[:])
	copy(buf[36:44], runID[:])
	return buf
}

func composeAttenCharInd(myMAC, pevMAC [6]byte, runID [8]byte, reported byte, averages [AttenGroups]byte) []byte {
	buf := make([]byte, attenCharIndLen)
	header(buf, pevMAC, myMAC, homePlugVersion, mmCmAttenChar|mmInd)
	copy(buf[21:27], pevMAC[:])
	copy(buf[27:35], runID[:])
	// source_id 35..51 and resp_id 52..68 are left zero
	buf[69] = reported
	buf[70] = AttenGroups
	copy(buf[71:71+AttenGroups], averages[:])
	return buf
}

func composeSlacMatchCnf(myMAC, pevMAC [6]byte, runID [8]byte, nid [7]byte, nmk [16]byte) []byte {
	buf := make([]byte, slacMatchCnfLen)
	header(buf, pevMAC, myMAC, homePlugVersion, mmCmSlacMatch|mmCnf)
	binary.LittleEndian.PutUint16(buf[21:23], ExpectedMatchMVFLen)
	copy(buf[40:46], pevMAC[:])
	copy(buf[63:69], myMAC[:])
	copy(buf[69:77], runID[:])
	copy(buf[85:92], nid[:])
	copy(buf[93:109], nmk[:])
	return buf
}

// ClampSoundCount limits a requested sound count to the supported range.
func ClampSoundCount(requested byte) byte {
	switch {
	case requested == 0:
		return 1
	case requested > MaxSoundCount:
		return MaxSoundCount
	default:
		return requested
	}
}

// SoundWindowMs converts a SLAC_PARAM timeout field into the sound window.
func SoundWindowMs(timeoutField byte) uint32 {
	window := uint32(timeoutField) * SoundTimeoutUnitMs
	if window < MinSoundWindowMs {
		window = MinSoundWindowMs
	}
	return window
}

// deriveNID builds the network ID from the first seven NMK bytes with the
// two most significant bits cleared.
func deriveNID(nmk [16]byte) [7]byte {
	var nid [7]byte
	copy(nid[:], nmk[:7])
	nid[0] &= 0x3F
	return nid
}
