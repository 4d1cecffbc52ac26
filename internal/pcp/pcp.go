// Package pcp implements the pre-connection protocol handler (spec
// §4.5): the control plane that advertises, discovers, requests,
// authenticates, accepts/rejects, and tears down endpoint relationships,
// handing a CONNECTED channel off to the endpoint manager once both
// sides have decided.
//
// Grounded on the teacher's bridge.RunDeviceBridge for the
// single-serial-executor shape (a command channel plus a blocking
// do(fn) helper posting to it) and on scanner.Scanner for the
// discovered-peer cache. Key exchange is delegated to ukey2.Handshake,
// which speaks directly over the channel before anything is registered
// with the endpoint manager -- the endpoint manager's reader only takes
// over once an endpoint reaches CONNECTED, so CONNECTION_REQUEST and
// CONNECTION_RESPONSE frames are read by this package's own handshake
// loop, never by endpointmgr's dispatch table, during the handshake
// itself.
package pcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/nearby/internal/channel"
	"github.com/srg/nearby/internal/config"
	"github.com/srg/nearby/internal/endpointmgr"
	"github.com/srg/nearby/internal/groutine"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/registry"
	"github.com/srg/nearby/internal/statuscode"
	"github.com/srg/nearby/internal/ukey2"
	"github.com/srg/nearby/internal/wire"
)

// ApiError is the typed failure every public Handler method returns,
// resolving directly to the Status a completion callback reports (spec
// §7).
type ApiError struct {
	Status statuscode.Status
	Msg    string
}

func (e *ApiError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Msg)
}

// EndpointState is this endpoint's position in spec §4.5's state
// diagram.
type EndpointState int

const (
	StateDiscovered EndpointState = iota
	StatePending
	StateLocalDecided
	StateRemoteDecided
	StateConnected
	StateRejected
	StateDisconnected
)

type decision int8

const (
	undecided decision = iota
	accepted
	rejected
)

// Endpoint is the per-peer state PCP tracks from first contact through
// teardown. It is the generic connection type stored in
// registry.Registry[*Endpoint].
type Endpoint struct {
	ID         string
	Info       []byte
	IsIncoming bool
	Nonce      int32
	AuthToken  string
	Medium     mediums.Kind
	Channel    *channel.Channel
	Listener   registry.ConnectionListener

	PayloadListener registry.PayloadListener

	mu    sync.Mutex
	State EndpointState

	localDecisionCh  chan decision
	remoteDecisionCh chan decision

	ctx    context.Context
	cancel context.CancelFunc
}

func (ep *Endpoint) setState(s EndpointState) {
	ep.mu.Lock()
	ep.State = s
	ep.mu.Unlock()
}

func (ep *Endpoint) getState() EndpointState {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.State
}

type discoveredPeer struct {
	remote       mediums.RemoteHandle
	medium       mediums.Kind
	endpointInfo []byte
}

// Handler is the C5 PCP handler: one instance per client, wired to one
// endpoint manager and the set of medium drivers available to it.
type Handler struct {
	cfg    *config.Config
	logger *logrus.Logger

	variant         wire.PCP
	serviceID       string
	em              *endpointmgr.Manager
	mediumDrivers   map[mediums.Kind]mediums.Medium
	reg             *registry.Registry[*Endpoint]

	cmdCh chan func()

	discoveredMu sync.Mutex
	discovered   map[string]discoveredPeer

	advMu        sync.Mutex
	advertiseCancel context.CancelFunc
	discMu       sync.Mutex
	discoverCancel  context.CancelFunc
}

// New returns a PCP handler for variant, advertising/discovering over
// serviceID, backed by em for CONNECTED channels and drivers for its
// outbound connect/accept/advertise/discover calls. New registers
// itself with em as the FrameProcessor for CONNECTION_REQUEST and
// CONNECTION_RESPONSE frame types.
func New(cfg *config.Config, logger *logrus.Logger, variant wire.PCP, serviceID string, em *endpointmgr.Manager, mediumDrivers map[mediums.Kind]mediums.Medium) *Handler {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	h := &Handler{
		cfg:           cfg,
		logger:        logger,
		variant:       variant,
		serviceID:     serviceID,
		em:            em,
		mediumDrivers: mediumDrivers,
		reg:           registry.New[*Endpoint](),
		cmdCh:         make(chan func(), 64),
		discovered:    make(map[string]discoveredPeer),
	}
	em.RegisterProcessor(wire.FrameTypeConnectionRequest, h)
	em.RegisterProcessor(wire.FrameTypeConnectionResponse, h)
	groutine.Go(context.Background(), "pcp.executor", h.runExecutor)
	return h
}

func (h *Handler) runExecutor(ctx context.Context) {
	for fn := range h.cmdCh {
		fn()
	}
}

// do posts fn to the serial executor and blocks until it has run,
// giving every registry mutation and listener callback invocation the
// single-threaded ordering spec §5 requires.
func (h *Handler) do(fn func() error) error {
	resultCh := make(chan error, 1)
	h.cmdCh <- func() {
		resultCh <- fn()
	}
	return <-resultCh
}

func mediumToWire(k mediums.Kind) wire.Medium {
	switch k {
	case mediums.MDNS:
		return wire.MediumMDNS
	case mediums.Bluetooth:
		return wire.MediumBluetooth
	case mediums.WifiHotspot:
		return wire.MediumWifiHotspot
	case mediums.BLE:
		return wire.MediumBLE
	case mediums.WifiLAN:
		return wire.MediumWifiLAN
	case mediums.WifiAware:
		return wire.MediumWifiAware
	case mediums.NFC:
		return wire.MediumNFC
	case mediums.WifiDirect:
		return wire.MediumWifiDirect
	case mediums.WebRTC:
		return wire.MediumWebRTC
	default:
		return wire.MediumUnknown
	}
}

func (h *Handler) availableMediums() []wire.Medium {
	out := make([]wire.Medium, 0, len(h.mediumDrivers))
	for k := range h.mediumDrivers {
		if k == mediums.Loopback {
			continue
		}
		out = append(out, mediumToWire(k))
	}
	return out
}

func randomNonce() (int32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// StartAdvertising starts every configured medium advertising
// localInfo and accepting connections under serviceID, with listener
// receiving connection lifecycle events for endpoints that connect in.
func (h *Handler) StartAdvertising(ctx context.Context, localInfo []byte, listener registry.ConnectionListener) error {
	localID, err := h.reg.LocalEndpointID()
	if err != nil {
		return &ApiError{Status: statuscode.Error, Msg: err.Error()}
	}
	if err := h.reg.StartAdvertising(h.serviceID, listener); err != nil {
		return translateRegistryErr(err)
	}

	acceptCtx, cancel := context.WithCancel(ctx)
	h.advMu.Lock()
	h.advertiseCancel = cancel
	h.advMu.Unlock()

	advertised := []byte(localID)
	advertised = append(advertised, localInfo...)

	for kind, med := range h.mediumDrivers {
		medium := med
		medKind := kind
		if err := medium.StartAcceptingConnections(acceptCtx, h.serviceID, func(sock mediums.Socket) {
			h.handleIncomingSocket(acceptCtx, sock, medKind, listener)
		}); err != nil {
			h.logger.WithError(err).WithField("medium", medKind).Warn("pcp: medium failed to start accepting connections")
			continue
		}
		if err := medium.StartAdvertising(acceptCtx, h.serviceID, advertised); err != nil {
			h.logger.WithError(err).WithField("medium", medKind).Warn("pcp: medium failed to start advertising")
		}
	}
	return nil
}

// StopAdvertising stops every medium's advertising/accepting and clears
// the advertising session.
func (h *Handler) StopAdvertising() error {
	h.advMu.Lock()
	cancel := h.advertiseCancel
	h.advertiseCancel = nil
	h.advMu.Unlock()
	if cancel != nil {
		cancel()
	}
	for kind, med := range h.mediumDrivers {
		_ = med.StopAdvertising()
		if err := med.StopAcceptingConnections(); err != nil {
			h.logger.WithError(err).WithField("medium", kind).Debug("pcp: stop accepting connections")
		}
	}
	if err := h.reg.StopAdvertising(); err != nil {
		return translateRegistryErr(err)
	}
	return nil
}

// StartDiscovery starts every configured medium discovering serviceID,
// reporting newly-seen and expired peers to listener. A discovered
// endpoint ID matching this client's own is silently ignored (spec
// §4.5 "Endpoint ID collisions").
func (h *Handler) StartDiscovery(ctx context.Context, listener registry.DiscoveryListener) error {
	localID, err := h.reg.LocalEndpointID()
	if err != nil {
		return &ApiError{Status: statuscode.Error, Msg: err.Error()}
	}
	if err := h.reg.StartDiscovery(h.serviceID, listener); err != nil {
		return translateRegistryErr(err)
	}

	discCtx, cancel := context.WithCancel(ctx)
	h.discMu.Lock()
	h.discoverCancel = cancel
	h.discMu.Unlock()

	for kind, med := range h.mediumDrivers {
		medium := med
		medKind := kind
		found := func(remote mediums.RemoteHandle, info []byte) {
			h.onDiscovered(medKind, remote, info, localID, listener)
		}
		lost := func(remote mediums.RemoteHandle) {
			h.onLost(remote)
		}
		if err := medium.StartDiscovery(discCtx, h.serviceID, found, lost); err != nil {
			h.logger.WithError(err).WithField("medium", medKind).Warn("pcp: medium failed to start discovery")
		}
	}
	return nil
}

func (h *Handler) onDiscovered(medKind mediums.Kind, remote mediums.RemoteHandle, info []byte, localID string, listener registry.DiscoveryListener) {
	if len(info) < 4 {
		return
	}
	endpointID := string(info[:4])
	endpointInfo := append([]byte{}, info[4:]...)
	if endpointID == localID {
		return
	}

	h.discoveredMu.Lock()
	h.discovered[endpointID] = discoveredPeer{remote: remote, medium: medKind, endpointInfo: endpointInfo}
	h.discoveredMu.Unlock()

	h.do(func() error {
		if h.reg.MarkEndpointDiscovered(endpointID) {
			listener.EndpointFound(endpointID, endpointInfo, h.serviceID)
		}
		return nil
	})
}

func (h *Handler) onLost(remote mediums.RemoteHandle) {
	h.discoveredMu.Lock()
	var lostID string
	for id, p := range h.discovered {
		if p.remote == remote {
			lostID = id
			delete(h.discovered, id)
			break
		}
	}
	h.discoveredMu.Unlock()
	if lostID == "" {
		return
	}

	h.do(func() error {
		h.reg.ForgetDiscoveredEndpoint(lostID)
		listener := h.discoveryListener()
		if listener != nil {
			listener.EndpointLost(lostID)
		}
		return nil
	})
}

func (h *Handler) discoveryListener() registry.DiscoveryListener {
	info, ok := h.reg.Discovering()
	if !ok {
		return nil
	}
	return info.Listener
}

// StopDiscovery stops every medium's discovery and clears the discovery
// session.
func (h *Handler) StopDiscovery() error {
	h.discMu.Lock()
	cancel := h.discoverCancel
	h.discoverCancel = nil
	h.discMu.Unlock()
	if cancel != nil {
		cancel()
	}
	for kind, med := range h.mediumDrivers {
		if err := med.StopDiscovery(); err != nil {
			h.logger.WithError(err).WithField("medium", kind).Debug("pcp: stop discovery")
		}
	}
	if err := h.reg.StopDiscovery(); err != nil {
		return translateRegistryErr(err)
	}
	h.discoveredMu.Lock()
	h.discovered = make(map[string]discoveredPeer)
	h.discoveredMu.Unlock()
	return nil
}

// RequestConnection dials endpointID over the medium it was discovered
// on, runs the UKEY2 handshake, sends our own CONNECTION_REQUEST, and
// spawns the read/finalize goroutines that will call listener.Accepted
// or listener.Rejected once both sides have decided.
func (h *Handler) RequestConnection(ctx context.Context, endpointID string, localInfo []byte, listener registry.ConnectionListener) error {
	if err := h.checkCardinality(false); err != nil {
		return err
	}

	h.discoveredMu.Lock()
	peer, ok := h.discovered[endpointID]
	h.discoveredMu.Unlock()
	if !ok {
		return &ApiError{Status: statuscode.EndpointUnknown, Msg: endpointID}
	}

	medium, ok := h.mediumDrivers[peer.medium]
	if !ok {
		return &ApiError{Status: statuscode.Error, Msg: "no driver for discovered medium"}
	}

	nonce, err := randomNonce()
	if err != nil {
		return &ApiError{Status: statuscode.Error, Msg: err.Error()}
	}

	epCtx, cancel := context.WithCancel(ctx)
	ep := &Endpoint{
		ID:               endpointID,
		Info:             localInfo,
		IsIncoming:       false,
		Nonce:            nonce,
		Medium:           peer.medium,
		Listener:         listener,
		State:            StatePending,
		localDecisionCh:  make(chan decision, 1),
		remoteDecisionCh: make(chan decision, 1),
		ctx:              epCtx,
		cancel:           cancel,
	}

	groutine.Go(epCtx, "pcp.connect."+endpointID, func(ctx context.Context) {
		sock, err := medium.Connect(ctx, peer.remote, h.serviceID, mediums.NewCancellationFlag())
		if err != nil {
			h.logger.WithError(err).WithField("endpoint_id", endpointID).Warn("pcp: connect failed")
			return
		}
		ch := channel.New("outgoing-"+endpointID, peer.medium, sock)
		h.runHandshake(ctx, ep, ch)
	})
	return nil
}

func (h *Handler) handleIncomingSocket(ctx context.Context, sock mediums.Socket, medKind mediums.Kind, listener registry.ConnectionListener) {
	if err := h.checkCardinality(true); err != nil {
		h.logger.WithError(err).Debug("pcp: rejecting incoming connection, cardinality exceeded")
		_ = sock.Close()
		return
	}

	nonce, err := randomNonce()
	if err != nil {
		_ = sock.Close()
		return
	}

	epCtx, cancel := context.WithCancel(ctx)
	ep := &Endpoint{
		IsIncoming:       true,
		Nonce:            nonce,
		Medium:           medKind,
		Listener:         listener,
		State:            StatePending,
		localDecisionCh:  make(chan decision, 1),
		remoteDecisionCh: make(chan decision, 1),
		ctx:              epCtx,
		cancel:           cancel,
	}

	ch := channel.New("incoming", medKind, sock)
	groutine.Go(epCtx, "pcp.accept", func(ctx context.Context) {
		h.runHandshake(ctx, ep, ch)
	})
}

// runHandshake performs UKEY2, enables encryption, exchanges
// CONNECTION_REQUEST frames, and hands the remote decision off to the
// finalizer goroutine once CONNECTION_RESPONSE arrives (spec §4.5 steps
// 2-9). For an incoming endpoint, ep.ID is not known until the peer's
// CONNECTION_REQUEST is read.
func (h *Handler) runHandshake(ctx context.Context, ep *Endpoint, ch *channel.Channel) {
	role := ukey2.Initiator
	if ep.IsIncoming {
		role = ukey2.Responder
	}
	result, err := ukey2.Handshake(ch, role)
	if err != nil {
		h.logger.WithError(err).Debug("pcp: key exchange failed")
		_ = ch.Close()
		if ep.Listener != nil && !ep.IsIncoming {
			ep.Listener.Rejected(ep.ID, int(statuscode.Authentication))
		}
		return
	}
	ch.EnableEncryption(result.Context)
	ep.AuthToken = result.AuthToken
	ep.Channel = ch

	localID, err := h.reg.LocalEndpointID()
	if err != nil {
		_ = ch.Close()
		return
	}

	req := wire.OfflineFrame{
		Type: wire.FrameTypeConnectionRequest,
		ConnectionRequest: &wire.ConnectionRequestFrame{
			EndpointID:   localID,
			EndpointInfo: ep.Info,
			Nonce:        ep.Nonce,
			Mediums:      h.availableMediums(),
		},
	}
	data, err := wire.EncodeOfflineFrame(req)
	if err != nil {
		_ = ch.Close()
		return
	}
	if err := ch.Write(data); err != nil {
		_ = ch.Close()
		return
	}

	peerRequestSeen := false
	for {
		raw, err := ch.Read()
		if err != nil {
			h.abortPending(ep, err)
			return
		}
		frame, err := wire.DecodeOfflineFrame(raw)
		if err != nil {
			h.abortPending(ep, err)
			return
		}

		switch frame.Type {
		case wire.FrameTypeConnectionRequest:
			if peerRequestSeen {
				continue
			}
			peerRequestSeen = true
			if err := h.handlePeerRequest(ep, frame.ConnectionRequest); err != nil {
				h.logger.WithError(err).Debug("pcp: rejecting simultaneous/duplicate connection")
				_ = ch.Close()
				return
			}
			groutine.Go(ep.ctx, "pcp.finalize."+ep.ID, func(ctx context.Context) {
				h.runFinalizer(ep)
			})
		case wire.FrameTypeConnectionResponse:
			d := rejected
			if frame.ConnectionResponse.Status == 0 {
				d = accepted
			}
			ep.remoteDecisionCh <- d
			return
		default:
			h.logger.WithField("frame_type", frame.Type).Debug("pcp: unexpected frame during handshake, ignoring")
		}
	}
}

func (h *Handler) abortPending(ep *Endpoint, err error) {
	h.logger.WithError(err).WithField("endpoint_id", ep.ID).Debug("pcp: handshake aborted")
	if ep.ID != "" {
		h.do(func() error {
			_ = h.reg.RemoveConnection(ep.ID)
			return nil
		})
	}
}

// handlePeerRequest records the peer's info and nonce on ep (for an
// incoming connection, this is the only place ep.ID is learned), claims
// the registry slot (resolving simultaneous-connection nonce
// tie-breaks), and fires Initiated exactly once.
func (h *Handler) handlePeerRequest(ep *Endpoint, req *wire.ConnectionRequestFrame) error {
	if ep.IsIncoming {
		ep.ID = req.EndpointID
	}
	ep.Info = req.EndpointInfo

	if err := h.claimEndpointSlot(ep); err != nil {
		return err
	}

	ep.setState(StatePending)
	return h.do(func() error {
		if ep.Listener != nil {
			ep.Listener.Initiated(ep.ID, ep.Info, ep.IsIncoming)
		}
		return nil
	})
}

// claimEndpointSlot registers ep in the connection registry, resolving
// a simultaneous mutual request via the smaller-nonce-wins rule (spec
// §4.5 "Nonces").
func (h *Handler) claimEndpointSlot(ep *Endpoint) error {
	return h.do(func() error {
		if err := h.reg.AddConnection(ep.ID, ep); err == nil {
			return nil
		}
		existing, ok := h.reg.GetConnection(ep.ID)
		if !ok {
			return h.reg.AddConnection(ep.ID, ep)
		}
		if existing == ep {
			return nil
		}
		switch {
		case existing.Nonce < ep.Nonce:
			return &ApiError{Status: statuscode.Error, Msg: "simultaneous connection: peer nonce lower, yielding"}
		case existing.Nonce > ep.Nonce:
			existing.cancel()
			if existing.Channel != nil {
				_ = existing.Channel.Close()
			}
			_ = h.reg.RemoveConnection(ep.ID)
			return h.reg.AddConnection(ep.ID, ep)
		default:
			existing.cancel()
			if existing.Channel != nil {
				_ = existing.Channel.Close()
			}
			_ = h.reg.RemoveConnection(ep.ID)
			return &ApiError{Status: statuscode.Error, Msg: "simultaneous connection: nonce tie, cancelling both"}
		}
	})
}

// runFinalizer waits for both the local and remote decision on ep, then
// transitions it to CONNECTED (registering its channel with the
// endpoint manager) or REJECTED.
func (h *Handler) runFinalizer(ep *Endpoint) {
	local, remote := undecided, undecided
	for local == undecided || remote == undecided {
		select {
		case local = <-ep.localDecisionCh:
		case remote = <-ep.remoteDecisionCh:
		case <-ep.ctx.Done():
			return
		}
	}

	h.do(func() error {
		if local == accepted && remote == accepted {
			ep.setState(StateConnected)
			h.em.RegisterEndpoint(context.Background(), ep.ID, ep.Channel, ep.Medium)
			if ep.Listener != nil {
				ep.Listener.Accepted(ep.ID)
			}
		} else {
			ep.setState(StateRejected)
			_ = ep.Channel.Close()
			_ = h.reg.RemoveConnection(ep.ID)
			if ep.Listener != nil {
				ep.Listener.Rejected(ep.ID, int(statuscode.ConnectionRejected))
			}
		}
		return nil
	})
}

// AcceptConnection records the local accept decision, sends our
// CONNECTION_RESPONSE, and installs payloadListener for this endpoint
// once CONNECTED.
func (h *Handler) AcceptConnection(endpointID string, payloadListener registry.PayloadListener) error {
	return h.decideConnection(endpointID, accepted, payloadListener)
}

// RejectConnection records the local reject decision and sends our
// CONNECTION_RESPONSE with a non-zero status.
func (h *Handler) RejectConnection(endpointID string) error {
	return h.decideConnection(endpointID, rejected, nil)
}

func (h *Handler) decideConnection(endpointID string, d decision, payloadListener registry.PayloadListener) error {
	var ep *Endpoint
	err := h.do(func() error {
		e, ok := h.reg.GetConnection(endpointID)
		if !ok {
			return &ApiError{Status: statuscode.EndpointUnknown, Msg: endpointID}
		}
		if e.getState() != StatePending {
			return &ApiError{Status: statuscode.OutOfOrderAPICall, Msg: endpointID}
		}
		ep = e
		ep.PayloadListener = payloadListener
		return nil
	})
	if err != nil {
		return err
	}

	status := int32(1)
	if d == accepted {
		status = 0
	}
	data, err := wire.EncodeOfflineFrame(wire.OfflineFrame{
		Type:               wire.FrameTypeConnectionResponse,
		ConnectionResponse: &wire.ConnectionResponseFrame{Status: status},
	})
	if err != nil {
		return &ApiError{Status: statuscode.Error, Msg: err.Error()}
	}
	if err := ep.Channel.Write(data); err != nil {
		return &ApiError{Status: statuscode.EndpointIOError, Msg: err.Error()}
	}

	select {
	case ep.localDecisionCh <- d:
	default:
	}
	return nil
}

// Disconnect tears down an endpoint at the local client's request
// (spec §4.5/§4.6 unregister_endpoint path: no disconnected callback).
func (h *Handler) Disconnect(endpointID string) error {
	return h.do(func() error {
		ep, ok := h.reg.GetConnection(endpointID)
		if !ok {
			return &ApiError{Status: statuscode.NotConnectedToEndpoint, Msg: endpointID}
		}
		ep.setState(StateDisconnected)
		_ = h.reg.RemoveConnection(endpointID)
		if err := h.em.UnregisterEndpoint(endpointID); err != nil && err != endpointmgr.ErrUnknownEndpoint {
			return &ApiError{Status: statuscode.EndpointIOError, Msg: err.Error()}
		}
		return nil
	})
}

// StopAllEndpoints disconnects every live connection and clears
// advertising and discovery state.
func (h *Handler) StopAllEndpoints() error {
	ids := h.reg.Reset()
	for _, id := range ids {
		if err := h.em.UnregisterEndpoint(id); err != nil && err != endpointmgr.ErrUnknownEndpoint {
			h.logger.WithError(err).WithField("endpoint_id", id).Warn("pcp: error unregistering endpoint during stop_all")
		}
	}
	_ = h.StopAdvertising()
	_ = h.StopDiscovery()
	return nil
}

// checkCardinality enforces spec §4.5's PCP rules before a new
// connection (incoming or outgoing) is allowed to begin.
func (h *Handler) checkCardinality(incoming bool) error {
	switch h.variant {
	case wire.PCPP2PPointToPoint:
		if h.reg.ConnectionCount() > 0 {
			return &ApiError{Status: statuscode.OutOfOrderAPICall}
		}
	case wire.PCPP2PStar:
		if !incoming {
			_, advertising := h.reg.Advertising()
			if !advertising && h.reg.ConnectionCount() > 0 {
				return &ApiError{Status: statuscode.OutOfOrderAPICall}
			}
		}
	case wire.PCPP2PCluster:
		// no cardinality limit
	}
	return nil
}

// ProcessFrame implements endpointmgr.FrameProcessor. By the time an
// endpoint is registered with the endpoint manager its handshake is
// already complete, so a CONNECTION_REQUEST/RESPONSE arriving here is a
// protocol violation from the peer; log and ignore it rather than
// tearing down an otherwise healthy connection.
func (h *Handler) ProcessFrame(endpointID string, frame wire.OfflineFrame) {
	h.logger.WithField("endpoint_id", endpointID).WithField("frame_type", frame.Type).
		Warn("pcp: unexpected handshake frame on a connected endpoint")
}

// Disconnected implements endpointmgr.FrameProcessor: a CONNECTED
// endpoint's channel failed. Only a self-initiated failure (I/O error,
// keep-alive timeout) fires ConnectionListener.Disconnected; a
// client-requested unregister already completed its own bookkeeping in
// Disconnect.
func (h *Handler) Disconnected(endpointID string, selfInitiated bool) {
	h.do(func() error {
		ep, ok := h.reg.GetConnection(endpointID)
		if !ok {
			return nil
		}
		ep.setState(StateDisconnected)
		_ = h.reg.RemoveConnection(endpointID)
		if selfInitiated && ep.Listener != nil {
			ep.Listener.Disconnected(endpointID)
		}
		return nil
	})
}

// AuthToken returns the 4-digit authentication token computed for
// endpointID, if its handshake has completed.
func (h *Handler) AuthToken(endpointID string) (string, bool) {
	ep, ok := h.reg.GetConnection(endpointID)
	if !ok {
		return "", false
	}
	return ep.AuthToken, true
}

// LocalEndpointID returns this client's own endpoint ID, generating and
// persisting one on first call (spec §4.1).
func (h *Handler) LocalEndpointID() (string, error) {
	return h.reg.LocalEndpointID()
}

func translateRegistryErr(err error) error {
	se, ok := err.(*registry.StateError)
	if !ok {
		return &ApiError{Status: statuscode.Error, Msg: err.Error()}
	}
	switch se.State {
	case registry.AlreadyAdvertising:
		return &ApiError{Status: statuscode.AlreadyAdvertising}
	case registry.AlreadyDiscovering:
		return &ApiError{Status: statuscode.AlreadyDiscovering}
	case registry.NotAdvertising, registry.NotDiscovering:
		return &ApiError{Status: statuscode.OutOfOrderAPICall, Msg: string(se.State)}
	case registry.AlreadyConnectedToEndpoint:
		return &ApiError{Status: statuscode.AlreadyConnectedToEndpoint, Msg: se.Msg}
	case registry.NotConnectedToEndpoint, registry.EndpointUnknown:
		return &ApiError{Status: statuscode.NotConnectedToEndpoint, Msg: se.Msg}
	default:
		return &ApiError{Status: statuscode.Error, Msg: se.Error()}
	}
}
