package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxAllowedReadBytes bounds a single OfflineFrame: larger reads are
// rejected before any decode attempt is made (spec §4.1).
const MaxAllowedReadBytes = 4 * 1024 * 1024

const offlineFrameFormat = "offline_frame"

const offlineFrameVersionV1 = 1

// FrameType selects which V1 subframe an OfflineFrame carries.
type FrameType byte

const (
	FrameTypeUnknown                    FrameType = 0
	FrameTypeConnectionRequest          FrameType = 1
	FrameTypeConnectionResponse         FrameType = 2
	FrameTypePayloadTransfer            FrameType = 3
	FrameTypeBandwidthUpgradeNegotiation FrameType = 4
	FrameTypeKeepAlive                  FrameType = 5
)

// Medium identifies a connection medium, used both in ConnectionRequest's
// medium list and in UpgradePathInfo (spec §GLOSSARY).
type Medium byte

const (
	MediumUnknown     Medium = 0
	MediumMDNS        Medium = 1
	MediumBluetooth   Medium = 2
	MediumWifiHotspot Medium = 3
	MediumBLE         Medium = 4
	MediumWifiLAN     Medium = 5
	MediumWifiAware   Medium = 6
	MediumNFC         Medium = 7
	MediumWifiDirect  Medium = 8
	MediumWebRTC      Medium = 9
)

// OfflineFrame is the decoded form of spec §3's "Frame (OfflineFrame)": a
// tagged union of V1 subframes.
type OfflineFrame struct {
	Type                        FrameType
	ConnectionRequest           *ConnectionRequestFrame
	ConnectionResponse          *ConnectionResponseFrame
	PayloadTransfer             *PayloadTransferFrame
	BandwidthUpgradeNegotiation *BandwidthUpgradeNegotiationFrame
	KeepAlive                  *KeepAliveFrame
}

// ConnectionRequestFrame is spec §4.2's initial handshake message.
type ConnectionRequestFrame struct {
	EndpointID   string
	EndpointInfo []byte
	Nonce        int32
	Mediums      []Medium
}

// ConnectionResponseFrame answers a ConnectionRequestFrame.
type ConnectionResponseFrame struct {
	Status int32
}

// PacketType selects DATA or CONTROL within a PayloadTransferFrame.
type PacketType byte

const (
	PacketTypeData    PacketType = 1
	PacketTypeControl PacketType = 2
)

// ChunkFlag bits set on a PayloadChunk.
type ChunkFlag byte

const (
	ChunkFlagLastChunk ChunkFlag = 1 << 0
)

// PayloadHeader identifies the payload a PayloadTransferFrame belongs to
// (spec §4.7).
type PayloadHeader struct {
	ID            int64
	Type          byte // 1=BYTES, 2=STREAM, 3=FILE
	TotalSize     int64
	ParentFolder  string
	FileName      string
}

// PayloadChunk carries one DATA fragment (spec §4.7).
type PayloadChunk struct {
	Flags  ChunkFlag
	Offset int64
	Body   []byte
}

// ControlEvent identifies a CONTROL message's purpose.
type ControlEvent byte

const (
	ControlEventPayloadError   ControlEvent = 1
	ControlEventPayloadCanceled ControlEvent = 2
)

// ControlMessage carries out-of-band payload control (spec §4.7).
type ControlMessage struct {
	Event  ControlEvent
	Offset int64
}

// PayloadTransferFrame is spec §4.7's DATA/CONTROL carrier.
type PayloadTransferFrame struct {
	PacketType     PacketType
	Header         PayloadHeader
	Chunk          *PayloadChunk  // set iff PacketType == PacketTypeData
	ControlMessage *ControlMessage // set iff PacketType == PacketTypeControl
}

// BwuEventType identifies a bandwidth-upgrade-negotiation step (spec §4.8).
type BwuEventType byte

const (
	BwuEventUpgradePathAvailable    BwuEventType = 1
	BwuEventLastWriteToPriorChannel BwuEventType = 2
	BwuEventSafeToClosePriorChannel BwuEventType = 3
	BwuEventClientIntroduction      BwuEventType = 4
	BwuEventUpgradeFailure          BwuEventType = 5
)

// UpgradePathInfo describes the newly available higher-bandwidth medium
// (spec §4.8); exactly one of the credential fields is populated,
// selected by Medium.
type UpgradePathInfo struct {
	Medium               Medium
	WifiHotspotSSID       string
	WifiHotspotPassword   string
	WifiHotspotPort       int32
	WifiLANIPAddress      string
	WifiLANPort           int32
	BluetoothMACAddress   string
	BluetoothServiceName  string
	WebRTCPeerID          string
}

// BandwidthUpgradeNegotiationFrame is spec §4.8's handshake message.
type BandwidthUpgradeNegotiationFrame struct {
	EventType         BwuEventType
	UpgradePathInfo   *UpgradePathInfo // set iff EventType is UpgradePathAvailable or UpgradeFailure
	ClientEndpointID  string           // set iff EventType == ClientIntroduction
}

// KeepAliveFrame is spec §4.3's liveness probe; it carries no payload.
type KeepAliveFrame struct{}

// EncodeOfflineFrame renders f. Returns a CodecError if f.Type doesn't
// match the populated subframe field, or if any field fails its own
// validation.
func EncodeOfflineFrame(f OfflineFrame) ([]byte, error) {
	w := &cursor{buf: make([]byte, 0, 64)}
	w.putByte(offlineFrameVersionV1)
	w.putByte(byte(f.Type))

	switch f.Type {
	case FrameTypeConnectionRequest:
		if f.ConnectionRequest == nil {
			return nil, malformed(offlineFrameFormat, "connection_request frame missing body")
		}
		encodeConnectionRequest(w, f.ConnectionRequest)
	case FrameTypeConnectionResponse:
		if f.ConnectionResponse == nil {
			return nil, malformed(offlineFrameFormat, "connection_response frame missing body")
		}
		w.putInt32(f.ConnectionResponse.Status)
	case FrameTypePayloadTransfer:
		if f.PayloadTransfer == nil {
			return nil, malformed(offlineFrameFormat, "payload_transfer frame missing body")
		}
		if err := encodePayloadTransfer(w, f.PayloadTransfer); err != nil {
			return nil, err
		}
	case FrameTypeBandwidthUpgradeNegotiation:
		if f.BandwidthUpgradeNegotiation == nil {
			return nil, malformed(offlineFrameFormat, "bandwidth_upgrade_negotiation frame missing body")
		}
		if err := encodeBwu(w, f.BandwidthUpgradeNegotiation); err != nil {
			return nil, err
		}
	case FrameTypeKeepAlive:
		// no body
	default:
		return nil, malformed(offlineFrameFormat, fmt.Sprintf("unknown frame type %d", f.Type))
	}

	if len(w.buf) > MaxAllowedReadBytes {
		return nil, malformed(offlineFrameFormat, "frame exceeds max allowed size")
	}
	return w.buf, nil
}

// DecodeOfflineFrame parses data per spec §4.1/§4.3. Frames larger than
// MaxAllowedReadBytes are rejected before parsing.
func DecodeOfflineFrame(data []byte) (OfflineFrame, error) {
	var out OfflineFrame
	if len(data) > MaxAllowedReadBytes {
		return out, malformed(offlineFrameFormat, "frame exceeds max allowed size")
	}
	r := &cursor{buf: data}

	version, err := r.getByte()
	if err != nil {
		return out, malformed(offlineFrameFormat, "missing version byte")
	}
	if version != offlineFrameVersionV1 {
		return out, malformed(offlineFrameFormat, fmt.Sprintf("unsupported version %d", version))
	}

	typeByte, err := r.getByte()
	if err != nil {
		return out, malformed(offlineFrameFormat, "missing frame type byte")
	}
	out.Type = FrameType(typeByte)

	switch out.Type {
	case FrameTypeConnectionRequest:
		cr, err := decodeConnectionRequest(r)
		if err != nil {
			return out, err
		}
		out.ConnectionRequest = cr
	case FrameTypeConnectionResponse:
		status, err := r.getInt32()
		if err != nil {
			return out, malformed(offlineFrameFormat, "truncated connection_response")
		}
		out.ConnectionResponse = &ConnectionResponseFrame{Status: status}
	case FrameTypePayloadTransfer:
		pt, err := decodePayloadTransfer(r)
		if err != nil {
			return out, err
		}
		out.PayloadTransfer = pt
	case FrameTypeBandwidthUpgradeNegotiation:
		bwu, err := decodeBwu(r)
		if err != nil {
			return out, err
		}
		out.BandwidthUpgradeNegotiation = bwu
	case FrameTypeKeepAlive:
		out.KeepAlive = &KeepAliveFrame{}
	default:
		return out, malformed(offlineFrameFormat, fmt.Sprintf("unknown frame type %d", out.Type))
	}

	return out, nil
}

func encodeConnectionRequest(w *cursor, cr *ConnectionRequestFrame) {
	w.putUint8String(cr.EndpointID)
	w.putUint16Bytes(cr.EndpointInfo)
	w.putInt32(cr.Nonce)
	w.putByte(byte(len(cr.Mediums)))
	for _, m := range cr.Mediums {
		w.putByte(byte(m))
	}
}

func decodeConnectionRequest(r *cursor) (*ConnectionRequestFrame, error) {
	out := &ConnectionRequestFrame{}
	var err error
	if out.EndpointID, err = r.getUint8String(); err != nil {
		return nil, malformed(offlineFrameFormat, "truncated connection_request endpoint_id")
	}
	if out.EndpointInfo, err = r.getUint16Bytes(); err != nil {
		return nil, malformed(offlineFrameFormat, "truncated connection_request endpoint_info")
	}
	if out.Nonce, err = r.getInt32(); err != nil {
		return nil, malformed(offlineFrameFormat, "truncated connection_request nonce")
	}
	n, err := r.getByte()
	if err != nil {
		return nil, malformed(offlineFrameFormat, "truncated connection_request mediums count")
	}
	out.Mediums = make([]Medium, n)
	for i := range out.Mediums {
		b, err := r.getByte()
		if err != nil {
			return nil, malformed(offlineFrameFormat, "truncated connection_request mediums")
		}
		out.Mediums[i] = Medium(b)
	}
	return out, nil
}

func encodePayloadHeader(w *cursor, h PayloadHeader) {
	w.putInt64(h.ID)
	w.putByte(h.Type)
	w.putInt64(h.TotalSize)
	w.putUint8String(h.ParentFolder)
	w.putUint8String(h.FileName)
}

func decodePayloadHeader(r *cursor) (PayloadHeader, error) {
	var h PayloadHeader
	var err error
	if h.ID, err = r.getInt64(); err != nil {
		return h, err
	}
	if h.Type, err = r.getByte(); err != nil {
		return h, err
	}
	if h.TotalSize, err = r.getInt64(); err != nil {
		return h, err
	}
	if h.ParentFolder, err = r.getUint8String(); err != nil {
		return h, err
	}
	if h.FileName, err = r.getUint8String(); err != nil {
		return h, err
	}
	return h, nil
}

func encodePayloadTransfer(w *cursor, pt *PayloadTransferFrame) error {
	w.putByte(byte(pt.PacketType))
	encodePayloadHeader(w, pt.Header)
	switch pt.PacketType {
	case PacketTypeData:
		if pt.Chunk == nil {
			return malformed(offlineFrameFormat, "data packet missing chunk")
		}
		w.putByte(byte(pt.Chunk.Flags))
		w.putInt64(pt.Chunk.Offset)
		w.putUint32Bytes(pt.Chunk.Body)
	case PacketTypeControl:
		if pt.ControlMessage == nil {
			return malformed(offlineFrameFormat, "control packet missing control_message")
		}
		w.putByte(byte(pt.ControlMessage.Event))
		w.putInt64(pt.ControlMessage.Offset)
	default:
		return malformed(offlineFrameFormat, fmt.Sprintf("unknown packet type %d", pt.PacketType))
	}
	return nil
}

func decodePayloadTransfer(r *cursor) (*PayloadTransferFrame, error) {
	out := &PayloadTransferFrame{}
	pt, err := r.getByte()
	if err != nil {
		return nil, malformed(offlineFrameFormat, "truncated payload_transfer packet_type")
	}
	out.PacketType = PacketType(pt)

	header, err := decodePayloadHeader(r)
	if err != nil {
		return nil, malformed(offlineFrameFormat, "truncated payload_transfer header")
	}
	out.Header = header

	switch out.PacketType {
	case PacketTypeData:
		flags, err := r.getByte()
		if err != nil {
			return nil, malformed(offlineFrameFormat, "truncated payload_transfer chunk flags")
		}
		offset, err := r.getInt64()
		if err != nil {
			return nil, malformed(offlineFrameFormat, "truncated payload_transfer chunk offset")
		}
		body, err := r.getUint32Bytes()
		if err != nil {
			return nil, malformed(offlineFrameFormat, "truncated payload_transfer chunk body")
		}
		out.Chunk = &PayloadChunk{Flags: ChunkFlag(flags), Offset: offset, Body: body}
	case PacketTypeControl:
		event, err := r.getByte()
		if err != nil {
			return nil, malformed(offlineFrameFormat, "truncated payload_transfer control event")
		}
		offset, err := r.getInt64()
		if err != nil {
			return nil, malformed(offlineFrameFormat, "truncated payload_transfer control offset")
		}
		out.ControlMessage = &ControlMessage{Event: ControlEvent(event), Offset: offset}
	default:
		return nil, malformed(offlineFrameFormat, fmt.Sprintf("unknown packet type %d", out.PacketType))
	}
	return out, nil
}

func encodeUpgradePathInfo(w *cursor, info *UpgradePathInfo) error {
	w.putByte(byte(info.Medium))
	switch info.Medium {
	case MediumWifiHotspot:
		w.putUint8String(info.WifiHotspotSSID)
		w.putUint8String(info.WifiHotspotPassword)
		w.putInt32(info.WifiHotspotPort)
	case MediumWifiLAN:
		w.putUint8String(info.WifiLANIPAddress)
		w.putInt32(info.WifiLANPort)
	case MediumBluetooth:
		w.putUint8String(info.BluetoothMACAddress)
		w.putUint8String(info.BluetoothServiceName)
	case MediumWebRTC:
		w.putUint8String(info.WebRTCPeerID)
	case MediumUnknown:
		// upgrade failure frames may carry an info with only Medium set.
	default:
		return malformed(offlineFrameFormat, fmt.Sprintf("unsupported upgrade path medium %d", info.Medium))
	}
	return nil
}

func decodeUpgradePathInfo(r *cursor) (*UpgradePathInfo, error) {
	out := &UpgradePathInfo{}
	m, err := r.getByte()
	if err != nil {
		return nil, malformed(offlineFrameFormat, "truncated upgrade_path_info medium")
	}
	out.Medium = Medium(m)

	var getErr error
	switch out.Medium {
	case MediumWifiHotspot:
		out.WifiHotspotSSID, getErr = r.getUint8String()
		if getErr == nil {
			out.WifiHotspotPassword, getErr = r.getUint8String()
		}
		if getErr == nil {
			out.WifiHotspotPort, getErr = r.getInt32()
		}
	case MediumWifiLAN:
		out.WifiLANIPAddress, getErr = r.getUint8String()
		if getErr == nil {
			out.WifiLANPort, getErr = r.getInt32()
		}
	case MediumBluetooth:
		out.BluetoothMACAddress, getErr = r.getUint8String()
		if getErr == nil {
			out.BluetoothServiceName, getErr = r.getUint8String()
		}
	case MediumWebRTC:
		out.WebRTCPeerID, getErr = r.getUint8String()
	case MediumUnknown:
		// nothing further
	default:
		return nil, malformed(offlineFrameFormat, fmt.Sprintf("unsupported upgrade path medium %d", out.Medium))
	}
	if getErr != nil {
		return nil, malformed(offlineFrameFormat, "truncated upgrade_path_info body")
	}
	return out, nil
}

func encodeBwu(w *cursor, bwu *BandwidthUpgradeNegotiationFrame) error {
	w.putByte(byte(bwu.EventType))
	switch bwu.EventType {
	case BwuEventUpgradePathAvailable, BwuEventUpgradeFailure:
		if bwu.UpgradePathInfo == nil {
			return malformed(offlineFrameFormat, "missing upgrade_path_info")
		}
		return encodeUpgradePathInfo(w, bwu.UpgradePathInfo)
	case BwuEventClientIntroduction:
		w.putUint8String(bwu.ClientEndpointID)
	case BwuEventLastWriteToPriorChannel, BwuEventSafeToClosePriorChannel:
		// no body
	default:
		return malformed(offlineFrameFormat, fmt.Sprintf("unknown bwu event type %d", bwu.EventType))
	}
	return nil
}

func decodeBwu(r *cursor) (*BandwidthUpgradeNegotiationFrame, error) {
	out := &BandwidthUpgradeNegotiationFrame{}
	e, err := r.getByte()
	if err != nil {
		return nil, malformed(offlineFrameFormat, "truncated bandwidth_upgrade_negotiation event_type")
	}
	out.EventType = BwuEventType(e)

	switch out.EventType {
	case BwuEventUpgradePathAvailable, BwuEventUpgradeFailure:
		info, err := decodeUpgradePathInfo(r)
		if err != nil {
			return nil, err
		}
		out.UpgradePathInfo = info
	case BwuEventClientIntroduction:
		id, err := r.getUint8String()
		if err != nil {
			return nil, malformed(offlineFrameFormat, "truncated client_introduction endpoint_id")
		}
		out.ClientEndpointID = id
	case BwuEventLastWriteToPriorChannel, BwuEventSafeToClosePriorChannel:
		// no body
	default:
		return nil, malformed(offlineFrameFormat, fmt.Sprintf("unknown bwu event type %d", out.EventType))
	}
	return out, nil
}

// cursor is a minimal bounds-checked byte-slice writer/reader shared by
// the OfflineFrame encoders/decoders. Every getter returns an error
// instead of panicking on a truncated buffer.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) putByte(b byte) { c.buf = append(c.buf, b) }

func (c *cursor) putInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	c.buf = append(c.buf, b[:]...)
}

func (c *cursor) putInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	c.buf = append(c.buf, b[:]...)
}

func (c *cursor) putUint8String(s string) {
	c.putByte(byte(len(s)))
	c.buf = append(c.buf, s...)
}

func (c *cursor) putUint16Bytes(b []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	c.buf = append(c.buf, l[:]...)
	c.buf = append(c.buf, b...)
}

func (c *cursor) putUint32Bytes(b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	c.buf = append(c.buf, l[:]...)
	c.buf = append(c.buf, b...)
}

var errTruncated = fmt.Errorf("truncated")

func (c *cursor) getByte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, errTruncated
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) getInt32() (int32, error) {
	if c.pos+4 > len(c.buf) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos : c.pos+4])
	c.pos += 4
	return int32(v), nil
}

func (c *cursor) getInt64() (int64, error) {
	if c.pos+8 > len(c.buf) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos : c.pos+8])
	c.pos += 8
	return int64(v), nil
}

func (c *cursor) getUint8String() (string, error) {
	n, err := c.getByte()
	if err != nil {
		return "", err
	}
	if c.pos+int(n) > len(c.buf) {
		return "", errTruncated
	}
	s := string(c.buf[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

func (c *cursor) getUint16Bytes() ([]byte, error) {
	if c.pos+2 > len(c.buf) {
		return nil, errTruncated
	}
	n := int(binary.BigEndian.Uint16(c.buf[c.pos : c.pos+2]))
	c.pos += 2
	if c.pos+n > len(c.buf) {
		return nil, errTruncated
	}
	b := append([]byte(nil), c.buf[c.pos:c.pos+n]...)
	c.pos += n
	return b, nil
}

func (c *cursor) getUint32Bytes() ([]byte, error) {
	if c.pos+4 > len(c.buf) {
		return nil, errTruncated
	}
	n := int(binary.BigEndian.Uint32(c.buf[c.pos : c.pos+4]))
	c.pos += 4
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, errTruncated
	}
	b := append([]byte(nil), c.buf[c.pos:c.pos+n]...)
	c.pos += n
	return b, nil
}
