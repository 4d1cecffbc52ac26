package wire

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const (
	dctVersion = 1

	dctServiceIDHashLen = 2
	dctDeviceTokenLen   = 4
	dctEndpointIDLen    = 4

	// dctHeaderLen is version(1) + service_id_hash(2) + psm(2) + dedup(1) + name_len(1).
	dctHeaderLen = 1 + dctServiceIDHashLen + 2 + 1 + 1

	// dctMaxNameLen bounds the device-name field width; names longer than
	// this are truncated on encode (on a UTF-8 code-point boundary).
	dctMaxNameLen = 7
)

// dctEndpointIDAlphabet is the 32-character RFC4648-without-padding style
// alphabet spec §3 requires for GenerateEndpointId.
const dctEndpointIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

var dctBase32 = base32.NewEncoding(dctEndpointIDAlphabet).WithPadding(base32.NoPadding)

// DCTAdvertisement is the decoded form of spec §3's "DCT advertisement".
type DCTAdvertisement struct {
	ServiceIDHash [dctServiceIDHashLen]byte
	PSM           uint16
	Dedup         uint8
	DeviceName    string // valid UTF-8, truncated to dctMaxNameLen on encode
}

// ComputeServiceIDHash returns the first 2 bytes of SHA-256(serviceID),
// per spec §4.1.
func ComputeServiceIDHash(serviceID string) [dctServiceIDHashLen]byte {
	sum := sha256.Sum256([]byte(serviceID))
	var out [dctServiceIDHashLen]byte
	copy(out[:], sum[:dctServiceIDHashLen])
	return out
}

// GenerateDeviceToken returns the first 4 bytes of SHA-256(deviceName),
// per spec §4.1.
func GenerateDeviceToken(deviceName string) [dctDeviceTokenLen]byte {
	sum := sha256.Sum256([]byte(deviceName))
	var out [dctDeviceTokenLen]byte
	copy(out[:], sum[:dctDeviceTokenLen])
	return out
}

// GenerateEndpointID base-32 encodes the first 3 bytes of
// SHA-256(dedup || deviceName) and keeps the first 4 characters, so the
// result is exactly 4 characters from dctEndpointIDAlphabet. Returns an error if dedup's high bit is set or
// deviceName is empty or not valid UTF-8 (spec §4.1).
func GenerateEndpointID(dedup uint8, deviceName string) (string, error) {
	if dedup&0x80 != 0 {
		return "", fmt.Errorf("dct: dedup high bit must be 0, got %#x", dedup)
	}
	if deviceName == "" {
		return "", fmt.Errorf("dct: device name must be non-empty")
	}
	if !utf8.ValidString(deviceName) {
		return "", fmt.Errorf("dct: device name is not valid utf-8")
	}

	h := sha256.New()
	h.Write([]byte{dedup})
	h.Write([]byte(deviceName))
	sum := h.Sum(nil)

	return dctBase32.EncodeToString(sum[:3])[:dctEndpointIDLen], nil
}

// EncodeDCTAdvertisement renders a, truncating DeviceName to
// dctMaxNameLen bytes on a UTF-8 code-point boundary if needed.
func EncodeDCTAdvertisement(a DCTAdvertisement) ([]byte, error) {
	const format = "dct_advertisement"

	if a.PSM == 0 {
		return nil, malformed(format, "psm must be non-zero")
	}
	if a.Dedup&0x80 != 0 {
		return nil, malformed(format, "dedup high bit must be 0")
	}
	if a.DeviceName == "" {
		return nil, malformed(format, "device name must be non-empty")
	}
	if !utf8.ValidString(a.DeviceName) {
		return nil, malformed(format, "device name is not valid utf-8")
	}

	name := truncateUTF8(a.DeviceName, dctMaxNameLen)

	out := make([]byte, dctHeaderLen, dctHeaderLen+len(name))
	out[0] = dctVersion << 5
	copy(out[1:1+dctServiceIDHashLen], a.ServiceIDHash[:])
	binary.BigEndian.PutUint16(out[1+dctServiceIDHashLen:1+dctServiceIDHashLen+2], a.PSM)
	out[1+dctServiceIDHashLen+2] = a.Dedup
	out[dctHeaderLen-1] = byte(len(name))
	out = append(out, name...)
	return out, nil
}

// DecodeDCTAdvertisement parses data per spec §4.1.
func DecodeDCTAdvertisement(data []byte) (DCTAdvertisement, error) {
	const format = "dct_advertisement"
	var out DCTAdvertisement

	if len(data) < dctHeaderLen {
		return out, malformed(format, "too short")
	}

	version := data[0] >> 5
	if version != dctVersion {
		return out, malformed(format, fmt.Sprintf("unsupported version %d", version))
	}

	copy(out.ServiceIDHash[:], data[1:1+dctServiceIDHashLen])
	out.PSM = binary.BigEndian.Uint16(data[1+dctServiceIDHashLen : 1+dctServiceIDHashLen+2])
	out.Dedup = data[1+dctServiceIDHashLen+2]
	if out.Dedup&0x80 != 0 {
		return out, malformed(format, "dedup high bit set")
	}
	if out.PSM == 0 {
		return out, malformed(format, "psm must be non-zero")
	}

	nameLen := int(data[dctHeaderLen-1])
	if len(data) < dctHeaderLen+nameLen {
		return out, malformed(format, "device name length exceeds available data")
	}
	name := data[dctHeaderLen : dctHeaderLen+nameLen]
	if !utf8.Valid(name) {
		return out, malformed(format, "device name is not valid utf-8")
	}
	out.DeviceName = string(name)
	return out, nil
}

// truncateUTF8 returns the longest prefix of s whose byte length is <= max,
// cut only on a rune boundary (spec §4.1, §8 boundary behaviors).
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	b := []byte(s)[:max]
	for len(b) > 0 {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return string(b)
}
