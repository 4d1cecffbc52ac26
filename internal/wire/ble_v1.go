package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// PCP identifies the pre-connection protocol variant carried in the
// advertisement header (spec §4.1, §GLOSSARY).
type PCP byte

const (
	PCPUnknown        PCP = 0
	PCPP2PCluster     PCP = 1
	PCPP2PStar        PCP = 2
	PCPP2PPointToPoint PCP = 3
)

func (p PCP) valid() bool {
	switch p {
	case PCPP2PCluster, PCPP2PStar, PCPP2PPointToPoint:
		return true
	default:
		return false
	}
}

const (
	bleV1Version = 1

	bleV1ServiceIDHashLen = 3
	bleV1EndpointIDLen    = 4
	bleV1MACLen           = 6
	bleV1MaxNameLen       = 131

	// bleV1HeaderLen is everything up to and including the name-length byte.
	bleV1HeaderLen = 1 + bleV1ServiceIDHashLen + bleV1EndpointIDLen + 1
	// BLEv1MinLen is the minimum well-formed advertisement length: header + zero-length name + MAC.
	BLEv1MinLen = bleV1HeaderLen + bleV1MACLen
	// BLEv1MaxLen is the maximum well-formed advertisement length: min + max name.
	BLEv1MaxLen = BLEv1MinLen + bleV1MaxNameLen
)

// BLEv1Advertisement is the decoded form of spec §3's "Advertisement (BLE v1)".
type BLEv1Advertisement struct {
	PCP            PCP
	ServiceIDHash  [bleV1ServiceIDHashLen]byte
	EndpointID     string // 4 printable ASCII chars
	EndpointName   []byte
	BluetoothMAC   string // "" means unset, else "XX:XX:XX:XX:XX:XX" upper-hex
}

// EncodeBLEv1Advertisement renders a.
//
// Returns a CodecError if EndpointID is not exactly 4 bytes, EndpointName
// exceeds 131 bytes, or BluetoothMAC is neither empty nor a valid 6-byte
// hex MAC string.
func EncodeBLEv1Advertisement(a BLEv1Advertisement) ([]byte, error) {
	const format = "ble_v1_advertisement"

	if !a.PCP.valid() {
		return nil, malformed(format, fmt.Sprintf("invalid pcp %d", a.PCP))
	}
	if len(a.EndpointID) != bleV1EndpointIDLen {
		return nil, malformed(format, "endpoint id must be 4 bytes")
	}
	if len(a.EndpointName) > bleV1MaxNameLen {
		return nil, malformed(format, "endpoint name too long")
	}

	mac, err := encodeMAC(a.BluetoothMAC)
	if err != nil {
		return nil, malformed(format, err.Error())
	}

	out := make([]byte, 0, BLEv1MinLen+len(a.EndpointName))
	out = append(out, byte(bleV1Version<<5)|byte(a.PCP))
	out = append(out, a.ServiceIDHash[:]...)
	out = append(out, []byte(a.EndpointID)...)
	out = append(out, byte(len(a.EndpointName)))
	out = append(out, a.EndpointName...)
	out = append(out, mac...)
	return out, nil
}

// DecodeBLEv1Advertisement parses data per spec §4.1. Trailing bytes after
// the MAC are tolerated (forward compatibility); a declared name length
// longer than the available data is rejected, but the reverse (more data
// available than declared) is accepted and the extra bytes are the
// tolerated trailing bytes.
func DecodeBLEv1Advertisement(data []byte) (BLEv1Advertisement, error) {
	const format = "ble_v1_advertisement"
	var out BLEv1Advertisement

	if len(data) < BLEv1MinLen {
		return out, malformed(format, "too short")
	}

	version := data[0] >> 5
	pcp := PCP(data[0] & 0x1F)
	if version != bleV1Version {
		return out, malformed(format, fmt.Sprintf("unsupported version %d", version))
	}
	if !pcp.valid() {
		return out, malformed(format, fmt.Sprintf("invalid pcp %d", pcp))
	}

	copy(out.ServiceIDHash[:], data[1:1+bleV1ServiceIDHashLen])
	out.EndpointID = string(data[1+bleV1ServiceIDHashLen : 1+bleV1ServiceIDHashLen+bleV1EndpointIDLen])

	nameLen := int(data[bleV1HeaderLen-1])
	if nameLen > bleV1MaxNameLen {
		return out, malformed(format, "endpoint name length exceeds maximum")
	}

	required := bleV1HeaderLen + nameLen + bleV1MACLen
	if len(data) < required {
		return out, malformed(format, "endpoint name length exceeds available data")
	}

	out.PCP = pcp
	out.EndpointName = append([]byte(nil), data[bleV1HeaderLen:bleV1HeaderLen+nameLen]...)

	macBytes := data[bleV1HeaderLen+nameLen : bleV1HeaderLen+nameLen+bleV1MACLen]
	out.BluetoothMAC = decodeMAC(macBytes)

	return out, nil
}

// encodeMAC parses "" (unset) or "XX:XX:XX:XX:XX:XX" into 6 raw bytes.
func encodeMAC(mac string) ([]byte, error) {
	if mac == "" {
		return make([]byte, bleV1MACLen), nil
	}
	parts := strings.Split(mac, ":")
	if len(parts) != bleV1MACLen {
		return nil, fmt.Errorf("mac must have 6 octets, got %d", len(parts))
	}
	out := make([]byte, bleV1MACLen)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid mac octet %q: %w", p, err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// decodeMAC renders 6 raw bytes as "" (all zero) or upper-hex colon form.
func decodeMAC(b []byte) string {
	allZero := true
	for _, v := range b {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return ""
	}
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, ":")
}
