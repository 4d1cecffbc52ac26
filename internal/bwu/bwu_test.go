package bwu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/nearby/internal/channel"
	"github.com/srg/nearby/internal/config"
	"github.com/srg/nearby/internal/endpointmgr"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/mediums/loopback"
	"github.com/srg/nearby/internal/wire"
)

// fakeUpgradeDriver wraps a loopback.Driver to present it as a distinct
// medium kind implementing UpgradeMedium, so the handshake can be
// exercised without a real Wi-Fi LAN/Bluetooth stack.
type fakeUpgradeDriver struct {
	*loopback.Driver
	kind   mediums.Kind
	handle string
}

func newFakeUpgradeDriver(hub *loopback.Hub, handle string, kind mediums.Kind) *fakeUpgradeDriver {
	return &fakeUpgradeDriver{Driver: loopback.NewDriver(hub, handle), kind: kind, handle: handle}
}

func (f *fakeUpgradeDriver) Kind() mediums.Kind { return f.kind }

func (f *fakeUpgradeDriver) UpgradeCredentials() (wire.UpgradePathInfo, error) {
	return wire.UpgradePathInfo{WifiLANIPAddress: f.handle}, nil
}

func (f *fakeUpgradeDriver) DialCredentials(info wire.UpgradePathInfo) (mediums.RemoteHandle, error) {
	return loopback.Handle(info.WifiLANIPAddress), nil
}

const sharedEndpointID = "EPID"

type harness struct {
	emA, emB     *endpointmgr.Manager
	bwuA, bwuB   *Manager
	upgradeHub   *loopback.Hub
	driverA      *fakeUpgradeDriver
	driverB      *fakeUpgradeDriver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	baseHub := loopback.NewHub()
	a := loopback.NewDriver(baseHub, "A")
	b := loopback.NewDriver(baseHub, "B")

	accepted := make(chan mediums.Socket, 1)
	require.NoError(t, b.StartAcceptingConnections(context.Background(), "svc", func(sock mediums.Socket) {
		accepted <- sock
	}))
	clientSock, err := a.Connect(context.Background(), loopback.Handle("B"), "svc", nil)
	require.NoError(t, err)
	var serverSock mediums.Socket
	select {
	case serverSock = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	cfg := config.DefaultConfig()
	cfg.FrameProcessorTimeout = 200 * time.Millisecond
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	emA := endpointmgr.New(cfg, logger)
	emB := endpointmgr.New(cfg, logger)

	chA := channel.New("a-side", mediums.Loopback, clientSock)
	chB := channel.New("b-side", mediums.Loopback, serverSock)
	emA.RegisterEndpoint(context.Background(), sharedEndpointID, chA, mediums.Loopback)
	emB.RegisterEndpoint(context.Background(), sharedEndpointID, chB, mediums.Loopback)

	upgradeHub := loopback.NewHub()
	driverA := newFakeUpgradeDriver(upgradeHub, "A-wifi", mediums.WifiLAN)
	driverB := newFakeUpgradeDriver(upgradeHub, "B-wifi", mediums.WifiLAN)

	bwuA := New(cfg, logger, "svc", sharedEndpointID, emA, map[mediums.Kind]UpgradeMedium{mediums.WifiLAN: driverA})
	bwuB := New(cfg, logger, "svc", sharedEndpointID, emB, map[mediums.Kind]UpgradeMedium{mediums.WifiLAN: driverB})

	return &harness{emA: emA, emB: emB, bwuA: bwuA, bwuB: bwuB, upgradeHub: upgradeHub, driverA: driverA, driverB: driverB}
}

func TestBwu_UpgradeSwapsChannel(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var changedA, changedB string
	listenerA := bandwidthListenerFunc(func(_ string, medium string) {
		mu.Lock()
		changedA = medium
		mu.Unlock()
	})
	listenerB := bandwidthListenerFunc(func(_ string, medium string) {
		mu.Lock()
		changedB = medium
		mu.Unlock()
	})
	h.bwuA.SetListener(listenerA)
	h.bwuB.SetListener(listenerB)

	_, ok := h.bwuA.UpgradeDone(sharedEndpointID)
	require.False(t, ok)

	require.NoError(t, h.bwuA.InitiateUpgrade(sharedEndpointID))

	doneA, ok := h.bwuA.UpgradeDone(sharedEndpointID)
	require.True(t, ok, "upgrade state must be recorded synchronously before InitiateUpgrade returns")

	select {
	case <-doneA:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for host-side swap")
	}

	require.Eventually(t, func() bool {
		chA, ok := h.emA.Channel(sharedEndpointID)
		return ok && chA.Medium() == mediums.WifiLAN
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		chB, ok := h.emB.Channel(sharedEndpointID)
		return ok && chB.Medium() == mediums.WifiLAN
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return changedA == "WIFI_LAN"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return changedB == "WIFI_LAN"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBwu_SecondUpgradeWhileInProgressRejected(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.bwuA.InitiateUpgrade(sharedEndpointID))
	err := h.bwuA.InitiateUpgrade(sharedEndpointID)
	require.ErrorIs(t, err, ErrUpgradeInProgress)
}

func TestBwu_UnknownEndpointRejected(t *testing.T) {
	h := newHarness(t)
	err := h.bwuA.InitiateUpgrade("ZZZZ")
	require.ErrorIs(t, err, ErrUnknownEndpoint)
}

type bandwidthListenerFunc func(endpointID string, medium string)

func (f bandwidthListenerFunc) BandwidthChanged(endpointID string, medium string) { f(endpointID, medium) }
