// Package mediums defines the driver-plugin boundary between the
// connections core and physical transports (spec §4.2). The core only
// ever talks to the small capability interfaces in this file; it never
// reaches into radio details.
//
// Modeled on the teacher's internal/device.Device / ScanningDevice /
// Connection family: small composable interfaces, a typed connection
// error with an Is method, and a NormalizeError choke point that maps
// driver-specific error strings onto the structured taxonomy.
package mediums

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is a connectivity type carried on the wire (wire.Medium mirrors
// this enumeration for OfflineFrame's mediums[] field).
type Kind int

const (
	Unknown Kind = iota
	MDNS
	Bluetooth
	WifiHotspot
	BLE
	WifiLAN
	WifiAware
	NFC
	WifiDirect
	WebRTC
	Loopback
)

func (k Kind) String() string {
	switch k {
	case MDNS:
		return "MDNS"
	case Bluetooth:
		return "BLUETOOTH"
	case WifiHotspot:
		return "WIFI_HOTSPOT"
	case BLE:
		return "BLE"
	case WifiLAN:
		return "WIFI_LAN"
	case WifiAware:
		return "WIFI_AWARE"
	case NFC:
		return "NFC"
	case WifiDirect:
		return "WIFI_DIRECT"
	case WebRTC:
		return "WEBRTC"
	case Loopback:
		return "LOOPBACK"
	default:
		return "UNKNOWN"
	}
}

// RemoteHandle identifies a peer as discovered by a Medium driver. Its
// contents are driver-private; the core only ever passes it back to the
// same driver's Connect method.
type RemoteHandle interface {
	String() string
}

// CancellationFlag is a single-writer, multi-reader one-way boolean
// (spec §4.2, §5 Cancellation). Once Set, it stays set.
type CancellationFlag struct {
	done chan struct{}
}

// NewCancellationFlag returns a flag that is not yet set.
func NewCancellationFlag() *CancellationFlag {
	return &CancellationFlag{done: make(chan struct{})}
}

// Set marks the flag permanently. Safe to call more than once.
func (f *CancellationFlag) Set() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

// IsSet reports whether Set has been called.
func (f *CancellationFlag) IsSet() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is set, for use in a
// select alongside a blocking accept/connect (spec §9: "select! { accept,
// cancel }").
func (f *CancellationFlag) Done() <-chan struct{} {
	return f.done
}

// Socket is the uniformly-shaped transport a Medium hands back from
// Connect or delivers via the accept callback (spec §4.2, §6).
type Socket interface {
	InputStream() ReadCloser
	OutputStream() WriteCloser
	Close() error
	RemotePeer() RemoteHandle
}

// ReadCloser and WriteCloser mirror io.ReadCloser/io.WriteCloser; named
// locally so Socket's contract reads the way spec §4.2 states it
// ("blocking InputStream/OutputStream") without importing io for its own
// sake.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

// AcceptHandler is invoked once per inbound connection while accepting is
// active. It must not block; hand the socket off to a worker.
type AcceptHandler func(Socket)

// DiscoveryHandler is invoked once per discovered remote advertising the
// same service ID.
type DiscoveryHandler func(remote RemoteHandle, endpointInfo []byte)

// LostHandler is invoked once a previously discovered remote stops
// advertising.
type LostHandler func(remote RemoteHandle)

// Medium is the interface every transport driver implements (spec §4.2).
type Medium interface {
	// Kind identifies which physical transport this driver speaks.
	Kind() Kind

	StartAdvertising(ctx context.Context, serviceID string, endpointInfo []byte) error
	StopAdvertising() error

	StartDiscovery(ctx context.Context, serviceID string, found DiscoveryHandler, lost LostHandler) error
	StopDiscovery() error

	StartAcceptingConnections(ctx context.Context, serviceID string, handler AcceptHandler) error
	StopAcceptingConnections() error

	// Connect dials remote over this medium. cancel is polled at entry and
	// may be polled again during any blocking wait.
	Connect(ctx context.Context, remote RemoteHandle, serviceID string, cancel *CancellationFlag) (Socket, error)
}

// ConnectionState names the specific way a medium-level operation failed.
type ConnectionState string

const (
	NotAdvertising ConnectionState = "not_advertising"
	NotDiscovering ConnectionState = "not_discovering"
	NotAccepting   ConnectionState = "not_accepting"
	AlreadyActive  ConnectionState = "already_active"
	Unreachable    ConnectionState = "unreachable"
)

// ConnectionError is a typed medium failure, in the shape of the
// teacher's device.ConnectionError: a state plus an optional message,
// comparable via errors.Is on State alone.
type ConnectionError struct {
	Medium Kind
	State  ConnectionState
	Msg    string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Medium, e.State)
	}
	return fmt.Sprintf("%s: %s: %s", e.Medium, e.State, e.Msg)
}

// Is allows errors.Is(err, &ConnectionError{State: mediums.Unreachable})
// to match any ConnectionError with that state, regardless of medium.
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok || e == nil {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotAdvertising = &ConnectionError{State: NotAdvertising}
	ErrNotDiscovering = &ConnectionError{State: NotDiscovering}
	ErrNotAccepting   = &ConnectionError{State: NotAccepting}
	ErrAlreadyActive  = &ConnectionError{State: AlreadyActive}
	ErrUnreachable    = &ConnectionError{State: Unreachable}
)

// NormalizeError maps driver-specific error strings onto the structured
// ConnectionError taxonomy, the way the teacher's device.NormalizeError
// does for go-ble's error text.
func NormalizeError(k Kind, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not advertising"):
		return fmt.Errorf("%w: %v", &ConnectionError{Medium: k, State: NotAdvertising}, err)
	case strings.Contains(msg, "not discovering"):
		return fmt.Errorf("%w: %v", &ConnectionError{Medium: k, State: NotDiscovering}, err)
	case strings.Contains(msg, "not accepting"):
		return fmt.Errorf("%w: %v", &ConnectionError{Medium: k, State: NotAccepting}, err)
	case strings.Contains(msg, "unreachable"), strings.Contains(msg, "no route"):
		return fmt.Errorf("%w: %v", &ConnectionError{Medium: k, State: Unreachable}, err)
	default:
		return err
	}
}

// IsConnectionState reports whether err is a ConnectionError with the
// given state, looking through fmt.Errorf %w wrapping.
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
