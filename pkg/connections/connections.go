// Package connections is the public facade over the connections core: a
// single Client composes the PCP handshake handler, the endpoint manager,
// the payload transfer manager, and the bandwidth upgrade manager, and
// exposes the client-facing operations of spec §6 as one coherent type.
//
// Grounded on the teacher's device.Device as the thing application code
// actually holds: callers never touch internal/pcp, internal/payload, or
// internal/bwu directly, the same way blim's commands only ever saw a
// device.Device and never a raw ble.Connection.
package connections

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/nearby/internal/bwu"
	"github.com/srg/nearby/internal/config"
	"github.com/srg/nearby/internal/endpointmgr"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/payload"
	"github.com/srg/nearby/internal/pcp"
	"github.com/srg/nearby/internal/registry"
	"github.com/srg/nearby/internal/statuscode"
	"github.com/srg/nearby/internal/wire"
)

// Strategy selects the PCP topology rule a Client enforces (spec §4.5).
type Strategy = wire.PCP

const (
	StrategyCluster      = wire.PCPP2PCluster
	StrategyStar         = wire.PCPP2PStar
	StrategyPointToPoint = wire.PCPP2PPointToPoint
)

// Public aliases for the domain types a caller exchanges with a Client, so
// nothing outside this package needs to import internal/registry directly.
type (
	ConnectionListener    = registry.ConnectionListener
	DiscoveryListener     = registry.DiscoveryListener
	PayloadListener       = registry.PayloadListener
	Payload               = registry.Payload
	PayloadProgress       = registry.PayloadProgress
	PayloadType           = registry.PayloadType
	PayloadProgressStatus = registry.PayloadProgressStatus
	Status                = statuscode.Status
)

const (
	PayloadTypeBytes  = registry.PayloadTypeBytes
	PayloadTypeStream = registry.PayloadTypeStream
	PayloadTypeFile   = registry.PayloadTypeFile
)

const (
	PayloadInProgress = registry.PayloadInProgress
	PayloadSuccess    = registry.PayloadSuccess
	PayloadFailure    = registry.PayloadFailure
	PayloadCanceled   = registry.PayloadCanceled
)

// StatusOf unwraps any error returned by a Client method down to the
// statuscode.Status spec §7 says a completion callback should resolve to.
// A nil error maps to Success; an error this package didn't originate
// (a caller-supplied listener panicking, for instance) maps to Error.
func StatusOf(err error) Status {
	if err == nil {
		return statuscode.Success
	}
	switch e := err.(type) {
	case *pcp.ApiError:
		return e.Status
	case *bwu.ApiError:
		switch e.Code {
		case bwu.ErrUnknownEndpointCode:
			return statuscode.EndpointUnknown
		case bwu.ErrUpgradeInProgressCode:
			return statuscode.OutOfOrderAPICall
		default:
			return statuscode.Error
		}
	default:
		return statuscode.Error
	}
}

// Client is the single entry point application code uses to advertise,
// discover, connect to, and exchange payloads with nearby endpoints over
// whichever mediums were wired into it at construction (spec §4.2, §6).
type Client struct {
	cfg       *config.Config
	logger    *logrus.Logger
	serviceID string

	em      *endpointmgr.Manager
	pcp     *pcp.Handler
	payload *payload.Manager
	bwu     *bwu.Manager

	mu                sync.Mutex
	endpointListeners map[string]registry.ConnectionListener
	pendingPayload    map[string]registry.PayloadListener
}

// New builds a Client advertising/discovering serviceID under variant,
// using mediumDrivers for the initial connection and upgradeDrivers (a
// subset of the same mediums, or additional ones) as bandwidth upgrade
// targets. A nil cfg or logger gets spec §5's defaults.
func New(cfg *config.Config, logger *logrus.Logger, serviceID string, variant Strategy, mediumDrivers map[mediums.Kind]mediums.Medium, upgradeDrivers map[mediums.Kind]bwu.UpgradeMedium) *Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	em := endpointmgr.New(cfg, logger)
	payloadMgr := payload.New(cfg, logger, em)
	em.RegisterProcessor(wire.FrameTypePayloadTransfer, payloadMgr)

	localID := ""
	pcpHandler := pcp.New(cfg, logger, variant, serviceID, em, mediumDrivers)
	if id, err := pcpHandler.LocalEndpointID(); err == nil {
		localID = id
	}

	bwuMgr := bwu.New(cfg, logger, serviceID, localID, em, upgradeDrivers)
	em.RegisterProcessor(wire.FrameTypeBandwidthUpgradeNegotiation, bwuMgr)

	c := &Client{
		cfg:               cfg,
		logger:            logger,
		serviceID:         serviceID,
		em:                em,
		pcp:               pcpHandler,
		payload:           payloadMgr,
		bwu:               bwuMgr,
		endpointListeners: make(map[string]registry.ConnectionListener),
		pendingPayload:    make(map[string]registry.PayloadListener),
	}
	bwuMgr.SetListener(c)
	return c
}

// LocalEndpointID returns this client's own endpoint ID (spec §4.1).
func (c *Client) LocalEndpointID() (string, error) {
	return c.pcp.LocalEndpointID()
}

// StartAdvertising begins accepting connections on every wired medium,
// delivering connection lifecycle events for incoming endpoints to
// listener (spec §4.3, §6 startAdvertising).
func (c *Client) StartAdvertising(ctx context.Context, localInfo []byte, listener registry.ConnectionListener) error {
	return c.pcp.StartAdvertising(ctx, localInfo, c.bridge(listener))
}

// StopAdvertising stops accepting new connections (spec §6 stopAdvertising).
func (c *Client) StopAdvertising() error {
	return c.pcp.StopAdvertising()
}

// StartDiscovery begins watching for endpoints advertising the same
// service ID (spec §4.4, §6 startDiscovery).
func (c *Client) StartDiscovery(ctx context.Context, listener registry.DiscoveryListener) error {
	return c.pcp.StartDiscovery(ctx, listener)
}

// StopDiscovery stops discovery (spec §6 stopDiscovery).
func (c *Client) StopDiscovery() error {
	return c.pcp.StopDiscovery()
}

// RequestConnection dials a discovered endpointID and runs the UKEY2
// handshake, reporting the outcome to listener (spec §4.5, §6
// requestConnection).
func (c *Client) RequestConnection(ctx context.Context, endpointID string, localInfo []byte, listener registry.ConnectionListener) error {
	return c.pcp.RequestConnection(ctx, endpointID, localInfo, c.bridge(listener))
}

// AcceptConnection records the local accept decision for a pending
// endpoint and installs payloadListener as the destination for any
// payload this endpoint sends once CONNECTED (spec §6 acceptConnection).
func (c *Client) AcceptConnection(endpointID string, payloadListener registry.PayloadListener) error {
	c.mu.Lock()
	c.pendingPayload[endpointID] = payloadListener
	c.mu.Unlock()
	if err := c.pcp.AcceptConnection(endpointID, payloadListener); err != nil {
		c.mu.Lock()
		delete(c.pendingPayload, endpointID)
		c.mu.Unlock()
		return err
	}
	return nil
}

// RejectConnection records the local reject decision (spec §6
// rejectConnection).
func (c *Client) RejectConnection(endpointID string) error {
	return c.pcp.RejectConnection(endpointID)
}

// Disconnect tears down a CONNECTED endpoint at the local client's
// request (spec §6 disconnectFromEndpoint).
func (c *Client) Disconnect(endpointID string) error {
	err := c.pcp.Disconnect(endpointID)
	c.forgetEndpoint(endpointID)
	return err
}

// StopAllEndpoints tears down every connection and stops advertising and
// discovery (spec §6 stopAllEndpoints).
func (c *Client) StopAllEndpoints() error {
	err := c.pcp.StopAllEndpoints()
	c.mu.Lock()
	c.endpointListeners = make(map[string]registry.ConnectionListener)
	c.pendingPayload = make(map[string]registry.PayloadListener)
	c.mu.Unlock()
	return err
}

// AuthToken returns the short authentication string a UI should display
// for out-of-band verification of a handshake in progress (spec §4.6).
func (c *Client) AuthToken(endpointID string) (string, bool) {
	return c.pcp.AuthToken(endpointID)
}

// SendPayload starts sending p to every endpoint in endpointIDs (spec §6
// sendPayload, §4.7).
func (c *Client) SendPayload(p registry.Payload, endpointIDs []string) error {
	return c.payload.SendPayload(p, endpointIDs)
}

// ResumePayload resumes a previously interrupted outgoing transfer from
// offset (spec §4.7 resume).
func (c *Client) ResumePayload(p registry.Payload, offset int64, endpointIDs []string) error {
	return c.payload.ResumePayload(p, offset, endpointIDs)
}

// CancelPayload cancels an in-flight outgoing or incoming transfer (spec
// §6 cancelPayload).
func (c *Client) CancelPayload(id int64) error {
	return c.payload.CancelPayload(id)
}

// InitiateBandwidthUpgrade asks the far side to move endpointID's traffic
// onto a higher-priority medium (spec §4.8). It returns once the
// negotiation has started; the resulting medium switch is reported to
// the endpoint's ConnectionListener.BandwidthChanged asynchronously.
func (c *Client) InitiateBandwidthUpgrade(endpointID string) error {
	return c.bwu.InitiateUpgrade(endpointID)
}

// bridge wraps a caller's ConnectionListener so Client can react to the
// lifecycle events it also needs to observe (installing the payload
// listener on Accepted, tearing down state on Disconnected/Rejected)
// without the caller having to do any of that bookkeeping itself.
func (c *Client) bridge(upstream registry.ConnectionListener) registry.ConnectionListener {
	return &connListenerBridge{c: c, upstream: upstream}
}

func (c *Client) rememberEndpoint(endpointID string, l registry.ConnectionListener) {
	c.mu.Lock()
	c.endpointListeners[endpointID] = l
	c.mu.Unlock()
}

func (c *Client) forgetEndpoint(endpointID string) {
	c.mu.Lock()
	delete(c.endpointListeners, endpointID)
	delete(c.pendingPayload, endpointID)
	c.mu.Unlock()
	c.payload.RemoveEndpointListener(endpointID)
}

// BandwidthChanged implements bwu.Listener, routing an upgrade completion
// to whichever ConnectionListener owns that endpoint.
func (c *Client) BandwidthChanged(endpointID string, medium string) {
	c.mu.Lock()
	l, ok := c.endpointListeners[endpointID]
	c.mu.Unlock()
	if !ok {
		c.logger.WithField("endpoint_id", endpointID).Debug("connections: bandwidth change for unknown endpoint")
		return
	}
	l.BandwidthChanged(endpointID, medium)
}

type connListenerBridge struct {
	c        *Client
	upstream registry.ConnectionListener
}

func (b *connListenerBridge) Initiated(endpointID string, info []byte, isIncoming bool) {
	b.c.rememberEndpoint(endpointID, b.upstream)
	b.upstream.Initiated(endpointID, info, isIncoming)
}

func (b *connListenerBridge) Accepted(endpointID string) {
	b.c.mu.Lock()
	pl, ok := b.c.pendingPayload[endpointID]
	delete(b.c.pendingPayload, endpointID)
	b.c.mu.Unlock()
	if ok && pl != nil {
		b.c.payload.SetEndpointListener(endpointID, pl)
	}
	b.upstream.Accepted(endpointID)
}

func (b *connListenerBridge) Rejected(endpointID string, status int) {
	b.c.forgetEndpoint(endpointID)
	b.upstream.Rejected(endpointID, status)
}

func (b *connListenerBridge) Disconnected(endpointID string) {
	b.c.forgetEndpoint(endpointID)
	b.upstream.Disconnected(endpointID)
}

func (b *connListenerBridge) BandwidthChanged(endpointID string, medium string) {
	b.upstream.BandwidthChanged(endpointID, medium)
}
