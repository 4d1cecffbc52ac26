package wire

import (
	"encoding/base64"
	"fmt"
)

const (
	wifiLanVersion = 1

	wifiLanEndpointIDLen    = 4
	wifiLanServiceHashLen   = 3
	// wifiLanMinLen is version+pcp(1) + endpoint_id(4) + service_id_hash(3),
	// with no endpoint name carried (spec supplemental feature).
	wifiLanMinLen = 1 + wifiLanEndpointIDLen + wifiLanServiceHashLen
)

// WifiLanServiceInfo is the decoded form of the Wi-Fi LAN mDNS service
// instance name: a base64-wrapped header carrying the endpoint ID and
// service ID hash advertised over mDNS (spec §6, supplemental feature).
type WifiLanServiceInfo struct {
	PCP           PCP
	EndpointID    string
	ServiceIDHash [wifiLanServiceHashLen]byte
}

// EncodeWifiLanServiceInfo renders info as base64(8 raw bytes).
func EncodeWifiLanServiceInfo(info WifiLanServiceInfo) ([]byte, error) {
	const format = "wifi_lan_service_info"

	if !info.PCP.valid() {
		return nil, malformed(format, fmt.Sprintf("invalid pcp %d", info.PCP))
	}
	if len(info.EndpointID) != wifiLanEndpointIDLen {
		return nil, malformed(format, "endpoint id must be 4 bytes")
	}

	raw := make([]byte, 0, wifiLanMinLen)
	raw = append(raw, byte(wifiLanVersion<<5)|byte(info.PCP))
	raw = append(raw, []byte(info.EndpointID)...)
	raw = append(raw, info.ServiceIDHash[:]...)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// DecodeWifiLanServiceInfo parses data per spec §6. Trailing bytes beyond
// the 8-byte header are tolerated (a future endpoint-name extension, per
// the original implementation's own "not yet implemented" note).
func DecodeWifiLanServiceInfo(data []byte) (WifiLanServiceInfo, error) {
	const format = "wifi_lan_service_info"
	var out WifiLanServiceInfo

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return out, malformed(format, "invalid base64")
	}
	raw = raw[:n]

	if len(raw) < wifiLanMinLen {
		return out, malformed(format, "too short")
	}

	version := raw[0] >> 5
	pcp := PCP(raw[0] & 0x1F)
	if version != wifiLanVersion {
		return out, malformed(format, fmt.Sprintf("unsupported version %d", version))
	}
	if !pcp.valid() {
		return out, malformed(format, fmt.Sprintf("invalid pcp %d", pcp))
	}

	out.PCP = pcp
	out.EndpointID = string(raw[1 : 1+wifiLanEndpointIDLen])
	copy(out.ServiceIDHash[:], raw[1+wifiLanEndpointIDLen:wifiLanMinLen])
	return out, nil
}
