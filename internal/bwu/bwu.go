// Package bwu implements the bandwidth upgrade manager (C8): moving a
// live endpoint from its current medium onto a higher-throughput one
// without losing in-flight payload state (spec §4.8).
//
// Grounded on internal/pcp's shape: a single serial command executor
// per Manager (the same cmdCh/do pattern as pcp.Handler) gives every
// endpoint's state machine the single-threaded ordering spec §5
// requires, and doubles as the "an upgrade in progress blocks another
// upgrade attempt on the same endpoint" invariant -- a second
// InitiateUpgrade for the same endpoint simply finds inProgress already
// set.
package bwu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/nearby/internal/channel"
	"github.com/srg/nearby/internal/config"
	"github.com/srg/nearby/internal/endpointmgr"
	"github.com/srg/nearby/internal/groutine"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/wire"
)

// UpgradeMedium is implemented by a mediums.Medium that can also serve
// as a bandwidth-upgrade target: it can describe itself as wire
// credentials for a peer to dial (UpgradeCredentials) and can turn a
// peer's credentials back into something it can Connect to
// (DialCredentials). Mediums that are discovery/advertise-only (BLE in
// practice) do not implement this and are skipped by the priority scan.
type UpgradeMedium interface {
	mediums.Medium
	UpgradeCredentials() (wire.UpgradePathInfo, error)
	DialCredentials(info wire.UpgradePathInfo) (mediums.RemoteHandle, error)
}

// Listener is notified once an endpoint's active medium changes (spec
// §6's ConnectionListener.bandwidth_changed).
type Listener interface {
	BandwidthChanged(endpointID string, medium string)
}

// priorityOrder is spec §4.8's "first available wins" search order.
var priorityOrder = []mediums.Kind{
	mediums.WebRTC,
	mediums.WifiLAN,
	mediums.WifiHotspot,
	mediums.WifiDirect,
	mediums.Bluetooth,
	mediums.BLE,
}

// ApiError is returned by Manager's public methods for conditions the
// caller can recover from without the upgrade ever reaching the wire.
type ApiError struct {
	Code statusCode
	Msg  string
}

type statusCode int

const (
	ErrUnknownEndpointCode statusCode = iota + 1
	ErrUpgradeInProgressCode
	ErrNoUpgradePathCode
)

func (e *ApiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("bwu: code %d", e.Code)
	}
	return fmt.Sprintf("bwu: %s", e.Msg)
}

var (
	ErrUnknownEndpoint   = &ApiError{Code: ErrUnknownEndpointCode, Msg: "unknown endpoint"}
	ErrUpgradeInProgress = &ApiError{Code: ErrUpgradeInProgressCode, Msg: "upgrade already in progress for this endpoint"}
	ErrNoUpgradePath     = &ApiError{Code: ErrNoUpgradePathCode, Msg: "no medium driver available to upgrade to"}
)

type endpointUpgrade struct {
	inProgress bool
	asHost     bool
	newMedium  mediums.Kind
	newCh      *channel.Channel
	driver     UpgradeMedium
	done       chan struct{}
}

// Manager is the C8 bandwidth upgrade manager, registered with an
// endpointmgr.Manager as the FrameProcessor for
// BANDWIDTH_UPGRADE_NEGOTIATION frames.
type Manager struct {
	cfg       *config.Config
	logger    *logrus.Logger
	serviceID string
	em        *endpointmgr.Manager
	drivers   map[mediums.Kind]UpgradeMedium
	localID   string

	listenerMu sync.Mutex
	listener   Listener

	cmdCh chan func()

	mu    sync.Mutex
	state map[string]*endpointUpgrade
}

// New returns a bandwidth upgrade manager. localID is this client's own
// endpoint ID, sent as ClientEndpointID in CLIENT_INTRODUCTION so the
// host side can match the new socket to the right existing endpoint.
func New(cfg *config.Config, logger *logrus.Logger, serviceID string, localID string, em *endpointmgr.Manager, drivers map[mediums.Kind]UpgradeMedium) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		serviceID: serviceID,
		localID:   localID,
		em:        em,
		drivers:   drivers,
		cmdCh:     make(chan func(), 64),
		state:     make(map[string]*endpointUpgrade),
	}
	em.RegisterProcessor(wire.FrameTypeBandwidthUpgradeNegotiation, m)
	groutine.Go(context.Background(), "bwu.executor", m.runExecutor)
	return m
}

func (m *Manager) runExecutor(ctx context.Context) {
	for fn := range m.cmdCh {
		fn()
	}
}

func (m *Manager) do(fn func() error) error {
	resultCh := make(chan error, 1)
	m.cmdCh <- func() {
		resultCh <- fn()
	}
	return <-resultCh
}

// SetListener installs the ConnectionListener-facing callback for
// bandwidth_changed notifications.
func (m *Manager) SetListener(l Listener) {
	m.listenerMu.Lock()
	m.listener = l
	m.listenerMu.Unlock()
}

func (m *Manager) notifyChanged(endpointID string, medium mediums.Kind) {
	m.listenerMu.Lock()
	l := m.listener
	m.listenerMu.Unlock()
	if l != nil {
		l.BandwidthChanged(endpointID, medium.String())
	}
}

func (m *Manager) currentUpgrade(endpointID string) *endpointUpgrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[endpointID]
}

// InitiateUpgrade starts the host side of the handshake for endpointID:
// pick the highest-priority available UpgradeMedium that isn't the
// endpoint's current one, start accepting on it, and send
// UPGRADE_PATH_AVAILABLE over the existing channel.
func (m *Manager) InitiateUpgrade(endpointID string) error {
	return m.do(func() error {
		if _, ok := m.em.Channel(endpointID); !ok {
			return ErrUnknownEndpoint
		}
		m.mu.Lock()
		if st, ok := m.state[endpointID]; ok && st.inProgress {
			m.mu.Unlock()
			return ErrUpgradeInProgress
		}
		m.mu.Unlock()

		curCh, _ := m.em.Channel(endpointID)
		driver, kind := m.pickDriver(curCh.Medium())
		if driver == nil {
			return ErrNoUpgradePath
		}

		creds, err := driver.UpgradeCredentials()
		if err != nil {
			return m.fail(endpointID, kind, err)
		}
		creds.Medium = mediumToWire(kind)

		st := &endpointUpgrade{inProgress: true, asHost: true, newMedium: kind, driver: driver, done: make(chan struct{})}
		m.mu.Lock()
		m.state[endpointID] = st
		m.mu.Unlock()

		acceptCh := make(chan mediums.Socket, 1)
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FrameProcessorTimeout*5)
		if err := driver.StartAcceptingConnections(ctx, m.serviceID, func(sock mediums.Socket) {
			select {
			case acceptCh <- sock:
			default:
				sock.Close()
			}
		}); err != nil {
			cancel()
			return m.fail(endpointID, kind, err)
		}

		failures := m.em.SendFrame(wire.OfflineFrame{
			Type: wire.FrameTypeBandwidthUpgradeNegotiation,
			BandwidthUpgradeNegotiation: &wire.BandwidthUpgradeNegotiationFrame{
				EventType:       wire.BwuEventUpgradePathAvailable,
				UpgradePathInfo: &creds,
			},
		}, []string{endpointID})
		if len(failures) > 0 {
			driver.StopAcceptingConnections()
			cancel()
			return m.fail(endpointID, kind, failures[0].Err)
		}

		go m.awaitClientIntroduction(ctx, cancel, endpointID, driver, kind, acceptCh)
		return nil
	})
}

func (m *Manager) pickDriver(current mediums.Kind) (UpgradeMedium, mediums.Kind) {
	for _, kind := range priorityOrder {
		if kind == current {
			continue
		}
		if d, ok := m.drivers[kind]; ok {
			return d, kind
		}
	}
	return nil, mediums.Unknown
}

func (m *Manager) awaitClientIntroduction(ctx context.Context, cancel context.CancelFunc, endpointID string, driver UpgradeMedium, kind mediums.Kind, acceptCh chan mediums.Socket) {
	defer cancel()
	defer driver.StopAcceptingConnections()

	var sock mediums.Socket
	select {
	case sock = <-acceptCh:
	case <-ctx.Done():
		_ = m.fail(endpointID, kind, errors.New("bwu: timed out waiting for client introduction"))
		return
	}

	newCh := channel.New(endpointID+"-upgrade", kind, sock)
	data, err := newCh.Read()
	if err != nil {
		newCh.Close()
		_ = m.fail(endpointID, kind, err)
		return
	}
	frame, err := wire.DecodeOfflineFrame(data)
	if err != nil || frame.Type != wire.FrameTypeBandwidthUpgradeNegotiation || frame.BandwidthUpgradeNegotiation == nil ||
		frame.BandwidthUpgradeNegotiation.EventType != wire.BwuEventClientIntroduction {
		newCh.Close()
		_ = m.fail(endpointID, kind, errors.New("bwu: expected client introduction"))
		return
	}
	if frame.BandwidthUpgradeNegotiation.ClientEndpointID != endpointID {
		newCh.Close()
		_ = m.fail(endpointID, kind, errors.New("bwu: client introduction endpoint id mismatch"))
		return
	}

	err = m.do(func() error {
		m.mu.Lock()
		st := m.state[endpointID]
		m.mu.Unlock()
		if st == nil {
			return ErrUnknownEndpoint
		}
		st.newCh = newCh

		if failures := m.em.SendFrame(wire.OfflineFrame{
			Type: wire.FrameTypeBandwidthUpgradeNegotiation,
			BandwidthUpgradeNegotiation: &wire.BandwidthUpgradeNegotiationFrame{EventType: wire.BwuEventLastWriteToPriorChannel},
		}, []string{endpointID}); len(failures) > 0 {
			return failures[0].Err
		}
		return nil
	})
	if err != nil {
		newCh.Close()
		_ = m.fail(endpointID, kind, err)
		return
	}

	// The new channel is not yet registered with the endpoint manager,
	// so nothing else reads it; the host must itself wait here for the
	// peer's SAFE_TO_CLOSE_PRIOR_CHANNEL confirmation before swapping.
	data, err = newCh.Read()
	if err != nil {
		_ = m.fail(endpointID, kind, err)
		return
	}
	frame, err = wire.DecodeOfflineFrame(data)
	if err != nil || frame.Type != wire.FrameTypeBandwidthUpgradeNegotiation || frame.BandwidthUpgradeNegotiation == nil ||
		frame.BandwidthUpgradeNegotiation.EventType != wire.BwuEventSafeToClosePriorChannel {
		_ = m.fail(endpointID, kind, errors.New("bwu: expected safe-to-close confirmation"))
		return
	}

	if st := m.currentUpgrade(endpointID); st != nil {
		m.swap(endpointID, st)
	}
}

// ProcessFrame handles BANDWIDTH_UPGRADE_NEGOTIATION frames arriving on
// an endpoint's current channel: the non-host side's reaction to
// UPGRADE_PATH_AVAILABLE and LAST_WRITE_TO_PRIOR_CHANNEL. The host never
// sees SAFE_TO_CLOSE_PRIOR_CHANNEL here -- it reads that directly off the
// pending new channel in awaitClientIntroduction, since that channel
// isn't registered with the endpoint manager until the swap.
func (m *Manager) ProcessFrame(endpointID string, frame wire.OfflineFrame) {
	if frame.Type != wire.FrameTypeBandwidthUpgradeNegotiation || frame.BandwidthUpgradeNegotiation == nil {
		return
	}
	body := frame.BandwidthUpgradeNegotiation

	switch body.EventType {
	case wire.BwuEventUpgradePathAvailable:
		go m.handleUpgradePathAvailable(endpointID, body.UpgradePathInfo)
	case wire.BwuEventLastWriteToPriorChannel:
		go m.handleLastWriteToPriorChannel(endpointID)
	case wire.BwuEventUpgradeFailure:
		m.mu.Lock()
		delete(m.state, endpointID)
		m.mu.Unlock()
		m.logger.WithField("endpoint_id", endpointID).Warn("bwu: peer reported upgrade failure")
	}
}

func (m *Manager) handleUpgradePathAvailable(endpointID string, info *wire.UpgradePathInfo) {
	if info == nil {
		return
	}
	kind := wireToMedium(info.Medium)
	driver, ok := m.drivers[kind]
	if !ok {
		_ = m.fail(endpointID, kind, fmt.Errorf("bwu: no driver for medium %s", kind))
		return
	}

	m.mu.Lock()
	if st, exists := m.state[endpointID]; exists && st.inProgress {
		m.mu.Unlock()
		return
	}
	st := &endpointUpgrade{inProgress: true, asHost: false, newMedium: kind, driver: driver, done: make(chan struct{})}
	m.state[endpointID] = st
	m.mu.Unlock()

	remote, err := driver.DialCredentials(*info)
	if err != nil {
		_ = m.fail(endpointID, kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FrameProcessorTimeout*5)
	defer cancel()
	sock, err := driver.Connect(ctx, remote, m.serviceID, nil)
	if err != nil {
		_ = m.fail(endpointID, kind, err)
		return
	}

	newCh := channel.New(endpointID+"-upgrade", kind, sock)
	data, err := wire.EncodeOfflineFrame(wire.OfflineFrame{
		Type: wire.FrameTypeBandwidthUpgradeNegotiation,
		BandwidthUpgradeNegotiation: &wire.BandwidthUpgradeNegotiationFrame{
			EventType:        wire.BwuEventClientIntroduction,
			ClientEndpointID: m.localID,
		},
	})
	if err != nil {
		newCh.Close()
		_ = m.fail(endpointID, kind, err)
		return
	}
	if err := newCh.Write(data); err != nil {
		newCh.Close()
		_ = m.fail(endpointID, kind, err)
		return
	}

	m.mu.Lock()
	st.newCh = newCh
	m.mu.Unlock()
}

func (m *Manager) handleLastWriteToPriorChannel(endpointID string) {
	st := m.currentUpgrade(endpointID)
	if st == nil || st.asHost || st.newCh == nil {
		return
	}

	data, err := wire.EncodeOfflineFrame(wire.OfflineFrame{
		Type: wire.FrameTypeBandwidthUpgradeNegotiation,
		BandwidthUpgradeNegotiation: &wire.BandwidthUpgradeNegotiationFrame{EventType: wire.BwuEventSafeToClosePriorChannel},
	})
	if err != nil {
		_ = m.fail(endpointID, st.newMedium, err)
		return
	}
	if err := st.newCh.Write(data); err != nil {
		_ = m.fail(endpointID, st.newMedium, err)
		return
	}

	m.swap(endpointID, st)
}

// swap performs step 6: atomically replace the endpoint manager's
// channel and notify the bandwidth_changed listener.
func (m *Manager) swap(endpointID string, st *endpointUpgrade) {
	if _, err := m.em.SwapChannel(endpointID, st.newCh, st.newMedium); err != nil {
		m.logger.WithError(err).WithField("endpoint_id", endpointID).Error("bwu: channel swap failed")
	}

	m.mu.Lock()
	delete(m.state, endpointID)
	m.mu.Unlock()

	close(st.done)
	m.notifyChanged(endpointID, st.newMedium)
}

func (m *Manager) fail(endpointID string, attempted mediums.Kind, cause error) error {
	m.logger.WithError(cause).WithField("endpoint_id", endpointID).WithField("medium", attempted.String()).
		Warn("bwu: upgrade attempt failed")

	m.mu.Lock()
	st, ok := m.state[endpointID]
	if ok {
		delete(m.state, endpointID)
	}
	m.mu.Unlock()
	if ok && st.newCh != nil {
		st.newCh.Close()
	}

	m.em.SendFrame(wire.OfflineFrame{
		Type: wire.FrameTypeBandwidthUpgradeNegotiation,
		BandwidthUpgradeNegotiation: &wire.BandwidthUpgradeNegotiationFrame{
			EventType:       wire.BwuEventUpgradeFailure,
			UpgradePathInfo: &wire.UpgradePathInfo{Medium: mediumToWire(attempted)},
		},
	}, []string{endpointID})
	return &ApiError{Code: ErrNoUpgradePathCode, Msg: cause.Error()}
}

// Disconnected drops any in-flight upgrade state for endpointID; it is
// part of the endpointmgr.FrameProcessor interface.
func (m *Manager) Disconnected(endpointID string, _ bool) {
	m.mu.Lock()
	st, ok := m.state[endpointID]
	if ok {
		delete(m.state, endpointID)
	}
	m.mu.Unlock()
	if ok && st.newCh != nil {
		st.newCh.Close()
	}
}

// UpgradeDone returns the channel that closes once endpointID's
// in-progress upgrade completes (the channel swap has happened), or ok
// is false if no upgrade is currently in flight for endpointID.
func (m *Manager) UpgradeDone(endpointID string) (done <-chan struct{}, ok bool) {
	st := m.currentUpgrade(endpointID)
	if st == nil {
		return nil, false
	}
	return st.done, true
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

func wireToMedium(w wire.Medium) mediums.Kind {
	switch w {
	case wire.MediumMDNS:
		return mediums.MDNS
	case wire.MediumBluetooth:
		return mediums.Bluetooth
	case wire.MediumWifiHotspot:
		return mediums.WifiHotspot
	case wire.MediumBLE:
		return mediums.BLE
	case wire.MediumWifiLAN:
		return mediums.WifiLAN
	case wire.MediumWifiAware:
		return mediums.WifiAware
	case wire.MediumNFC:
		return mediums.NFC
	case wire.MediumWifiDirect:
		return mediums.WifiDirect
	case wire.MediumWebRTC:
		return mediums.WebRTC
	default:
		return mediums.Unknown
	}
}
