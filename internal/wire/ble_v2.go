package wire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

const (
	bleV2HeaderVersion = 2

	bleV2HeaderBloomFilterLen = 10
	bleV2HeaderHashLen        = 4
	// BLEv2HeaderLen is the fixed 15-byte payload wrapped in base64 per spec §4.1.
	BLEv2HeaderLen = 1 + bleV2HeaderBloomFilterLen + bleV2HeaderHashLen

	bleV2ServiceIDHashLen = 3
)

// Version identifies a BLE v2 wire sub-version (advertisement or socket).
type Version byte

const (
	VersionV1 Version = 1
	VersionV2 Version = 2
)

func (v Version) supported() bool {
	return v == VersionV1 || v == VersionV2
}

// BLEv2AdvertisementHeader is the decoded form of the base64-wrapped BLE v2
// advertisement header (spec §4.1).
type BLEv2AdvertisementHeader struct {
	NumSlots              byte
	ServiceIDBloomFilter  [bleV2HeaderBloomFilterLen]byte
	AdvertisementHash     [bleV2HeaderHashLen]byte
}

// EncodeBLEv2AdvertisementHeader renders h as base64(15 raw bytes).
func EncodeBLEv2AdvertisementHeader(h BLEv2AdvertisementHeader) ([]byte, error) {
	if h.NumSlots > 0x1F {
		return nil, malformed("ble_v2_advertisement_header", "num_slots exceeds 5 bits")
	}
	raw := make([]byte, 0, BLEv2HeaderLen)
	raw = append(raw, byte(bleV2HeaderVersion<<5)|h.NumSlots)
	raw = append(raw, h.ServiceIDBloomFilter[:]...)
	raw = append(raw, h.AdvertisementHash[:]...)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// DecodeBLEv2AdvertisementHeader parses base64-wrapped data. Extra base64
// bytes beyond the 15-byte header are tolerated (spec §4.1 Open Questions).
func DecodeBLEv2AdvertisementHeader(data []byte) (BLEv2AdvertisementHeader, error) {
	const format = "ble_v2_advertisement_header"
	var out BLEv2AdvertisementHeader

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return out, malformed(format, "invalid base64")
	}
	raw = raw[:n]

	if len(raw) < BLEv2HeaderLen {
		return out, malformed(format, "too short")
	}

	version := Version(raw[0] >> 5)
	if version != VersionV2 {
		return out, malformed(format, fmt.Sprintf("unsupported version %d", version))
	}

	out.NumSlots = raw[0] & 0x1F
	copy(out.ServiceIDBloomFilter[:], raw[1:1+bleV2HeaderBloomFilterLen])
	copy(out.AdvertisementHash[:], raw[1+bleV2HeaderBloomFilterLen:BLEv2HeaderLen])
	return out, nil
}

// BLEv2Advertisement is the decoded form of the BLE v2 advertisement body
// (spec §4.1): a versioned, socket-versioned envelope around an opaque
// service-ID-hash-tagged data blob.
type BLEv2Advertisement struct {
	Version       Version
	SocketVersion Version
	ServiceIDHash [bleV2ServiceIDHashLen]byte
	Data          []byte
}

// EncodeBLEv2Advertisement renders a.
func EncodeBLEv2Advertisement(a BLEv2Advertisement) ([]byte, error) {
	const format = "ble_v2_advertisement"
	if !a.Version.supported() {
		return nil, malformed(format, "unsupported version")
	}
	if !a.SocketVersion.supported() {
		return nil, malformed(format, "unsupported socket version")
	}

	out := make([]byte, 0, 1+bleV2ServiceIDHashLen+4+len(a.Data))
	out = append(out, byte(a.Version)<<5|byte(a.SocketVersion)<<2)
	out = append(out, a.ServiceIDHash[:]...)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(a.Data)))
	out = append(out, size[:]...)
	out = append(out, a.Data...)
	return out, nil
}

// DecodeBLEv2Advertisement parses data per spec §4.1.
func DecodeBLEv2Advertisement(data []byte) (BLEv2Advertisement, error) {
	const format = "ble_v2_advertisement"
	var out BLEv2Advertisement

	if len(data) < 1+bleV2ServiceIDHashLen+4 {
		return out, malformed(format, "too short")
	}

	version := Version(data[0] >> 5)
	socketVersion := Version((data[0] >> 2) & 0x07)
	if !version.supported() {
		return out, malformed(format, fmt.Sprintf("unsupported version %d", version))
	}
	if !socketVersion.supported() {
		return out, malformed(format, fmt.Sprintf("unsupported socket version %d", socketVersion))
	}

	copy(out.ServiceIDHash[:], data[1:1+bleV2ServiceIDHashLen])
	sizeOff := 1 + bleV2ServiceIDHashLen
	dataSize := binary.BigEndian.Uint32(data[sizeOff : sizeOff+4])

	dataOff := sizeOff + 4
	if uint64(len(data)-dataOff) < uint64(dataSize) {
		return out, malformed(format, "declared data_size exceeds available data")
	}

	out.Version = version
	out.SocketVersion = socketVersion
	out.Data = append([]byte(nil), data[dataOff:dataOff+int(dataSize)]...)
	return out, nil
}
