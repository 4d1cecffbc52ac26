// Package loopback is an in-memory Medium driver: advertisers and
// discoverers that share a Hub connect over net.Pipe-backed sockets with
// no real radio underneath. It backs the test suite and every nearbyd
// subcommand.
//
// Grounded on the teacher's scanner.Scanner: a hashmap.Map keyed by a
// string handle tracks discovered remotes exactly the way Scanner tracks
// discovered BLE devices, and advertise/discover are driven by a single
// shared in-process registry instead of a BLE adapter.
package loopback

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/srg/nearby/internal/mediums"
)

// Handle identifies a loopback peer by the name it was constructed with.
type Handle string

func (h Handle) String() string { return string(h) }

type advertisement struct {
	handle       Handle
	serviceID    string
	endpointInfo []byte
}

// Hub is the shared medium: every Driver built against the same Hub can
// discover and connect to every other Driver advertising on it.
type Hub struct {
	mu           sync.Mutex
	advertisers  map[string]advertisement // serviceID -> advertisement, keyed by handle internally via acceptors
	acceptors    map[Handle]mediums.AcceptHandler
	serviceByHdl map[Handle]string
}

// NewHub creates an empty loopback medium.
func NewHub() *Hub {
	return &Hub{
		advertisers:  make(map[string]advertisement),
		acceptors:    make(map[Handle]mediums.AcceptHandler),
		serviceByHdl: make(map[Handle]string),
	}
}

// Driver is a mediums.Medium backed by a shared Hub.
type Driver struct {
	hub    *Hub
	handle Handle

	mu         sync.Mutex
	advertised bool
	accepting  bool
	discovered *hashmap.Map[string, advertisement]

	discMu       sync.Mutex
	discCancel   context.CancelFunc
	discHandler  mediums.DiscoveryHandler
	discServiceID string
}

// NewDriver returns a Medium driver identified by handle on hub. handle
// must be unique per participant; it is the RemoteHandle peers use to
// Connect back.
func NewDriver(hub *Hub, handle string) *Driver {
	return &Driver{
		hub:        hub,
		handle:     Handle(handle),
		discovered: hashmap.New[string, advertisement](),
	}
}

func (d *Driver) Kind() mediums.Kind { return mediums.Loopback }

func (d *Driver) StartAdvertising(_ context.Context, serviceID string, endpointInfo []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.advertised {
		return &mediums.ConnectionError{Medium: mediums.Loopback, State: mediums.AlreadyActive}
	}

	d.hub.mu.Lock()
	d.hub.advertisers[serviceID] = advertisement{handle: d.handle, serviceID: serviceID, endpointInfo: endpointInfo}
	d.hub.serviceByHdl[d.handle] = serviceID
	d.hub.mu.Unlock()

	d.advertised = true
	return nil
}

func (d *Driver) StopAdvertising() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.advertised {
		return &mediums.ConnectionError{Medium: mediums.Loopback, State: mediums.NotAdvertising}
	}

	d.hub.mu.Lock()
	delete(d.hub.serviceByHdl, d.handle)
	for id, adv := range d.hub.advertisers {
		if adv.handle == d.handle {
			delete(d.hub.advertisers, id)
		}
	}
	d.hub.mu.Unlock()

	d.advertised = false
	return nil
}

// StartDiscovery polls the hub's advertisers for serviceID on a
// background goroutine until the context is canceled or StopDiscovery is
// called, delivering each newly-seen handle once (hashmap.Map dedups the
// way the teacher's scanner.devices map dedups by address) and each
// handle that stops advertising exactly once via lost.
func (d *Driver) StartDiscovery(ctx context.Context, serviceID string, found mediums.DiscoveryHandler, lost mediums.LostHandler) error {
	d.discMu.Lock()
	defer d.discMu.Unlock()
	if d.discCancel != nil {
		return &mediums.ConnectionError{Medium: mediums.Loopback, State: mediums.AlreadyActive}
	}

	discCtx, cancel := context.WithCancel(ctx)
	d.discCancel = cancel
	d.discHandler = found
	d.discServiceID = serviceID

	go d.pollDiscovery(discCtx, serviceID, found, lost)
	return nil
}

const discoveryPollInterval = 50 * time.Millisecond

func (d *Driver) pollDiscovery(ctx context.Context, serviceID string, found mediums.DiscoveryHandler, lost mediums.LostHandler) {
	tick := time.NewTicker(discoveryPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			d.hub.mu.Lock()
			adv, stillAdvertising := d.hub.advertisers[serviceID]
			d.hub.mu.Unlock()

			if stillAdvertising && adv.handle != d.handle {
				if _, existing := d.discovered.GetOrInsert(string(adv.handle), adv); !existing {
					found(adv.handle, adv.endpointInfo)
				}
			}

			d.discovered.Range(func(key string, seen advertisement) bool {
				if stillAdvertising && key == string(adv.handle) {
					return true
				}
				d.discovered.Del(key)
				if lost != nil {
					lost(seen.handle)
				}
				return true
			})
		}
	}
}

func (d *Driver) StopDiscovery() error {
	d.discMu.Lock()
	defer d.discMu.Unlock()
	if d.discCancel == nil {
		return &mediums.ConnectionError{Medium: mediums.Loopback, State: mediums.NotDiscovering}
	}
	d.discCancel()
	d.discCancel = nil
	d.discovered = hashmap.New[string, advertisement]()
	return nil
}

func (d *Driver) StartAcceptingConnections(_ context.Context, serviceID string, handler mediums.AcceptHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.accepting {
		return &mediums.ConnectionError{Medium: mediums.Loopback, State: mediums.AlreadyActive}
	}

	d.hub.mu.Lock()
	d.hub.acceptors[d.handle] = handler
	d.hub.mu.Unlock()

	d.accepting = true
	_ = serviceID
	return nil
}

func (d *Driver) StopAcceptingConnections() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.accepting {
		return &mediums.ConnectionError{Medium: mediums.Loopback, State: mediums.NotAccepting}
	}

	d.hub.mu.Lock()
	delete(d.hub.acceptors, d.handle)
	d.hub.mu.Unlock()

	d.accepting = false
	return nil
}

// Connect dials remote over an in-memory net.Pipe: one end is handed back
// to the caller, the other is delivered to remote's registered
// AcceptHandler.
func (d *Driver) Connect(ctx context.Context, remote mediums.RemoteHandle, _ string, cancel *mediums.CancellationFlag) (mediums.Socket, error) {
	if cancel != nil && cancel.IsSet() {
		return nil, context.Canceled
	}

	handle, ok := remote.(Handle)
	if !ok {
		return nil, fmt.Errorf("loopback: remote handle %v is not a loopback.Handle", remote)
	}

	d.hub.mu.Lock()
	acceptor, ok := d.hub.acceptors[handle]
	d.hub.mu.Unlock()
	if !ok {
		return nil, &mediums.ConnectionError{Medium: mediums.Loopback, State: mediums.Unreachable, Msg: string(handle)}
	}

	local, remoteConn := net.Pipe()

	select {
	case <-ctx.Done():
		_ = local.Close()
		_ = remoteConn.Close()
		return nil, ctx.Err()
	default:
	}

	acceptor(newSocket(remoteConn, d.handle))
	return newSocket(local, handle), nil
}

// socket adapts a net.Conn to mediums.Socket.
type socket struct {
	conn net.Conn
	peer mediums.RemoteHandle
}

func newSocket(conn net.Conn, peer mediums.RemoteHandle) *socket {
	return &socket{conn: conn, peer: peer}
}

func (s *socket) InputStream() mediums.ReadCloser  { return readCloser{s.conn} }
func (s *socket) OutputStream() mediums.WriteCloser { return writeCloser{s.conn} }
func (s *socket) Close() error                      { return s.conn.Close() }
func (s *socket) RemotePeer() mediums.RemoteHandle   { return s.peer }

type readCloser struct{ net.Conn }
type writeCloser struct{ net.Conn }
