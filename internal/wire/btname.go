package wire

import (
	"encoding/base64"
	"fmt"
)

const (
	btNameVersion = 1

	btNameEndpointIDLen    = 4
	btNameServiceHashLen   = 3
	btNameReservedLen      = 7
	btNameMaxNameLen       = 131

	// btNameFixedLen is everything before the (variable-length, zero
	// padded) endpoint name field.
	btNameFixedLen = 1 + btNameEndpointIDLen + btNameServiceHashLen + btNameReservedLen + 1
	// BTNameFrameLen is the full frame length, always produced on encode.
	BTNameFrameLen = btNameFixedLen + btNameMaxNameLen
	// btNameMinLen is the shortest frame decode will accept: fixed header
	// with a zero-length name and no padding at all.
	btNameMinLen = btNameFixedLen
)

// BluetoothDeviceName is the decoded form of spec §3's "Bluetooth device
// name": the advertisement carried in a classic-Bluetooth device name
// field (base64 of a fixed 147-byte frame).
type BluetoothDeviceName struct {
	PCP            PCP
	EndpointID     string
	ServiceIDHash  [btNameServiceHashLen]byte
	EndpointName   []byte
}

// EncodeBluetoothDeviceName renders n as base64 of a fixed BTNameFrameLen
// frame, zero-padding the endpoint name field when the name is shorter
// than the maximum (spec §4.1).
func EncodeBluetoothDeviceName(n BluetoothDeviceName) ([]byte, error) {
	const format = "bluetooth_device_name"

	if !n.PCP.valid() {
		return nil, malformed(format, fmt.Sprintf("invalid pcp %d", n.PCP))
	}
	if len(n.EndpointID) != btNameEndpointIDLen {
		return nil, malformed(format, "endpoint id must be 4 bytes")
	}
	name := n.EndpointName
	if len(name) > btNameMaxNameLen {
		name = name[:btNameMaxNameLen]
	}

	raw := make([]byte, BTNameFrameLen)
	raw[0] = byte(btNameVersion<<5) | byte(n.PCP)
	copy(raw[1:1+btNameEndpointIDLen], n.EndpointID)
	copy(raw[1+btNameEndpointIDLen:1+btNameEndpointIDLen+btNameServiceHashLen], n.ServiceIDHash[:])
	// raw[...: ...+7] reserved, left zero.
	raw[btNameFixedLen-1] = byte(len(name))
	copy(raw[btNameFixedLen:btNameFixedLen+len(name)], name)
	// remaining name bytes stay zero-padded.

	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// DecodeBluetoothDeviceName parses data per spec §4.1. A decoded length
// outside [btNameMinLen, BTNameFrameLen] is malformed; within range, the
// declared name length is trusted up to the available bytes.
func DecodeBluetoothDeviceName(data []byte) (BluetoothDeviceName, error) {
	const format = "bluetooth_device_name"
	var out BluetoothDeviceName

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return out, malformed(format, "invalid base64")
	}
	raw = raw[:n]

	if len(raw) < btNameMinLen || len(raw) > BTNameFrameLen {
		return out, malformed(format, "length out of range")
	}

	version := raw[0] >> 5
	pcp := PCP(raw[0] & 0x1F)
	if version != btNameVersion {
		return out, malformed(format, fmt.Sprintf("unsupported version %d", version))
	}
	if !pcp.valid() {
		return out, malformed(format, fmt.Sprintf("invalid pcp %d", pcp))
	}

	out.PCP = pcp
	out.EndpointID = string(raw[1 : 1+btNameEndpointIDLen])
	copy(out.ServiceIDHash[:], raw[1+btNameEndpointIDLen:1+btNameEndpointIDLen+btNameServiceHashLen])

	nameLen := int(raw[btNameFixedLen-1])
	available := len(raw) - btNameFixedLen
	if nameLen > btNameMaxNameLen || nameLen > available {
		return out, malformed(format, "endpoint name length exceeds available data")
	}
	out.EndpointName = append([]byte(nil), raw[btNameFixedLen:btNameFixedLen+nameLen]...)
	return out, nil
}
