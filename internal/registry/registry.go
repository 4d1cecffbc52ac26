// Package registry holds per-client state: the active advertising and
// discovery sessions, the live connections, and the set of endpoints
// already reported to the discovery listener (spec §4.4).
//
// Grounded on the teacher's scanner.Scanner: a small set of fields
// guarded by one mutex, exposed only through narrow getter/setter
// methods. Spec §9's "mutexes with locked methods" design note ("prefer
// ownership-scoped guards... make the invariant 'holding the lock'
// structural") is applied literally here: every exported method takes
// the lock itself and never calls another exported method while holding
// it, so there is no need for the source's recursive mutex.
//
// Connections are tracked generically over C so the PCP handler (which
// owns the actual per-endpoint state machine) can instantiate
// Registry[*pcp.Endpoint] without this package importing pcp, the same
// way the teacher's RingChannel[T] and the pack's hashmap.Map[K, V] stay
// payload-agnostic.
package registry

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ConnectionListener is delivered connection lifecycle events for one
// client's advertising session (spec §6).
type ConnectionListener interface {
	Initiated(endpointID string, info []byte, isIncoming bool)
	Accepted(endpointID string)
	Rejected(endpointID string, status int)
	Disconnected(endpointID string)
	BandwidthChanged(endpointID string, medium string)
}

// DiscoveryListener is delivered discovery events for one client's
// discovery session (spec §6).
type DiscoveryListener interface {
	EndpointFound(endpointID string, endpointInfo []byte, serviceID string)
	EndpointLost(endpointID string)
	EndpointDistanceChanged(endpointID string, distanceInfo string)
}

// PayloadType identifies which Payload variant a Payload carries (spec §3).
type PayloadType byte

const (
	PayloadTypeBytes  PayloadType = 1
	PayloadTypeStream PayloadType = 2
	PayloadTypeFile   PayloadType = 3
)

// PayloadProgressStatus is the status field of a PayloadProgress update
// (spec §4.7).
type PayloadProgressStatus byte

const (
	PayloadInProgress PayloadProgressStatus = 1
	PayloadSuccess    PayloadProgressStatus = 2
	PayloadFailure    PayloadProgressStatus = 3
	PayloadCanceled   PayloadProgressStatus = 4
)

// Payload is the client-facing handle for a transfer in either direction
// (spec §3's "Payload" domain type). Exactly one of Bytes/Stream/File is
// populated, selected by Type.
type Payload struct {
	ID           int64
	Type         PayloadType
	ParentFolder string
	FileName     string

	Bytes  []byte
	Stream io.Reader
	File   *os.File
}

// PayloadProgress reports how much of a Payload has moved (spec §4.7).
type PayloadProgress struct {
	PayloadID        int64
	BytesTransferred int64
	TotalBytes       int64
	Status           PayloadProgressStatus
}

// PayloadListener is delivered incoming payloads and progress on
// outgoing/incoming ones for one accepted connection (spec §6).
type PayloadListener interface {
	Payload(endpointID string, payload Payload)
	PayloadProgress(endpointID string, progress PayloadProgress)
}

// AdvertisingInfo pairs a service ID with the listener watching it.
type AdvertisingInfo struct {
	ServiceID string
	Listener  ConnectionListener
}

// DiscoveryInfo pairs a service ID with the listener watching it.
type DiscoveryInfo struct {
	ServiceID string
	Listener  DiscoveryListener
}

// State names why a registry operation was refused.
type State string

const (
	NotAdvertising             State = "not_advertising"
	NotDiscovering             State = "not_discovering"
	AlreadyAdvertising         State = "already_advertising"
	AlreadyDiscovering         State = "already_discovering"
	AlreadyConnectedToEndpoint State = "already_connected_to_endpoint"
	NotConnectedToEndpoint     State = "not_connected_to_endpoint"
	EndpointUnknown            State = "endpoint_unknown"
)

// StateError is the typed failure every Registry method returns, in the
// same state-plus-message shape as wire.CodecError and
// mediums.ConnectionError.
type StateError struct {
	State State
	Msg   string
}

func (e *StateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

func (e *StateError) Is(target error) bool {
	t, ok := target.(*StateError)
	if !ok || e == nil {
		return false
	}
	return e.State == t.State
}

const endpointIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const endpointIDLen = 4

// generateEndpointID returns a 4-char random printable-ASCII identifier
// (spec GLOSSARY "Endpoint ID").
func generateEndpointID() (string, error) {
	buf := make([]byte, endpointIDLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: generate endpoint id: %w", err)
	}
	out := make([]byte, endpointIDLen)
	for i, b := range buf {
		out[i] = endpointIDAlphabet[int(b)%len(endpointIDAlphabet)]
	}
	return string(out), nil
}

// Registry holds one client's advertising/discovery/connection state.
// Not safe for concurrent use without external synchronization beyond
// what each method itself performs -- callers on the PCP serial executor
// get that for free since only one goroutine calls into the registry at
// a time; other callers must still take care not to race two concurrent
// method calls that both mutate overlapping state where that matters
// (each individual method is internally atomic, but compound
// check-then-act sequences across two calls are not).
type Registry[C any] struct {
	mu sync.Mutex

	advertising *AdvertisingInfo
	discovery   *DiscoveryInfo

	connections           *orderedmap.OrderedMap[string, C]
	discoveredEndpointIDs map[string]struct{}

	localEndpointID string
}

// New returns an empty registry.
func New[C any]() *Registry[C] {
	return &Registry[C]{
		connections:           orderedmap.New[string, C](),
		discoveredEndpointIDs: make(map[string]struct{}),
	}
}

// LocalEndpointID returns this client's endpoint ID, generating it on
// first call (spec §4.4: "generated lazily from the client's PRNG").
func (r *Registry[C]) LocalEndpointID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localEndpointID == "" {
		id, err := generateEndpointID()
		if err != nil {
			return "", err
		}
		r.localEndpointID = id
	}
	return r.localEndpointID, nil
}

// StartAdvertising records an advertising session, or fails if one is
// already active.
func (r *Registry[C]) StartAdvertising(serviceID string, listener ConnectionListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advertising != nil {
		return &StateError{State: AlreadyAdvertising}
	}
	r.advertising = &AdvertisingInfo{ServiceID: serviceID, Listener: listener}
	return nil
}

// StopAdvertising clears the advertising session.
func (r *Registry[C]) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advertising == nil {
		return &StateError{State: NotAdvertising}
	}
	r.advertising = nil
	return nil
}

// Advertising returns the active advertising session, if any.
func (r *Registry[C]) Advertising() (*AdvertisingInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising, r.advertising != nil
}

// StartDiscovery records a discovery session, or fails if one is already
// active.
func (r *Registry[C]) StartDiscovery(serviceID string, listener DiscoveryListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discovery != nil {
		return &StateError{State: AlreadyDiscovering}
	}
	r.discovery = &DiscoveryInfo{ServiceID: serviceID, Listener: listener}
	return nil
}

// StopDiscovery clears the discovery session and its dedup set.
func (r *Registry[C]) StopDiscovery() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discovery == nil {
		return &StateError{State: NotDiscovering}
	}
	r.discovery = nil
	r.discoveredEndpointIDs = make(map[string]struct{})
	return nil
}

// Discovering returns the active discovery session, if any.
func (r *Registry[C]) Discovering() (*DiscoveryInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovery, r.discovery != nil
}

// MarkEndpointDiscovered records endpointID as seen and reports whether
// this is the first time, so the caller can suppress duplicate
// EndpointFound callbacks across multiple scans (spec §4.4).
func (r *Registry[C]) MarkEndpointDiscovered(endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.discoveredEndpointIDs[endpointID]; seen {
		return false
	}
	r.discoveredEndpointIDs[endpointID] = struct{}{}
	return true
}

// ForgetDiscoveredEndpoint removes endpointID from the dedup set, e.g. on
// EndpointLost, so a future rediscovery fires EndpointFound again.
func (r *Registry[C]) ForgetDiscoveredEndpoint(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.discoveredEndpointIDs, endpointID)
}

// AddConnection records a new connection for endpointID, failing if one
// already exists.
func (r *Registry[C]) AddConnection(endpointID string, conn C) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections.Get(endpointID); exists {
		return &StateError{State: AlreadyConnectedToEndpoint, Msg: endpointID}
	}
	r.connections.Set(endpointID, conn)
	return nil
}

// GetConnection returns the connection for endpointID, if any.
func (r *Registry[C]) GetConnection(endpointID string) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections.Get(endpointID)
}

// RemoveConnection drops endpointID's connection, failing if it doesn't
// exist.
func (r *Registry[C]) RemoveConnection(endpointID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections.Get(endpointID); !exists {
		return &StateError{State: NotConnectedToEndpoint, Msg: endpointID}
	}
	r.connections.Delete(endpointID)
	return nil
}

// Connections returns a snapshot of every live connection, in the order
// they were added.
func (r *Registry[C]) Connections() []C {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]C, 0, r.connections.Len())
	for pair := r.connections.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// ConnectionCount returns the number of live connections.
func (r *Registry[C]) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections.Len()
}

// Reset clears advertising, discovery, and every connection, returning
// the endpoint IDs that were connected so the caller can disconnect and
// cancel their in-flight work (spec §4.4 "reset() clears all state and
// cancels in-flight work" -- the cancellation itself is the PCP
// handler's job, this just hands back what needs canceling).
func (r *Registry[C]) Reset() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, r.connections.Len())
	for pair := r.connections.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}

	r.advertising = nil
	r.discovery = nil
	r.connections = orderedmap.New[string, C]()
	r.discoveredEndpointIDs = make(map[string]struct{})
	return ids
}
