package pcp

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nearby/internal/config"
	"github.com/srg/nearby/internal/endpointmgr"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/mediums/loopback"
	"github.com/srg/nearby/internal/registry"
	"github.com/srg/nearby/internal/statuscode"
	"github.com/srg/nearby/internal/wire"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

type recordingConnListener struct {
	initiated    chan string
	accepted     chan string
	rejected     chan int
	disconnected chan string
}

func newRecordingConnListener() *recordingConnListener {
	return &recordingConnListener{
		initiated:    make(chan string, 4),
		accepted:     make(chan string, 4),
		rejected:     make(chan int, 4),
		disconnected: make(chan string, 4),
	}
}

func (r *recordingConnListener) Initiated(endpointID string, info []byte, isIncoming bool) {
	r.initiated <- endpointID
}
func (r *recordingConnListener) Accepted(endpointID string)            { r.accepted <- endpointID }
func (r *recordingConnListener) Rejected(endpointID string, status int) { r.rejected <- status }
func (r *recordingConnListener) Disconnected(endpointID string)        { r.disconnected <- endpointID }
func (r *recordingConnListener) BandwidthChanged(endpointID, medium string) {}

type recordingDiscListener struct {
	found chan string
	lost  chan string
}

func newRecordingDiscListener() *recordingDiscListener {
	return &recordingDiscListener{found: make(chan string, 4), lost: make(chan string, 4)}
}

func (r *recordingDiscListener) EndpointFound(endpointID string, endpointInfo []byte, serviceID string) {
	r.found <- endpointID
}
func (r *recordingDiscListener) EndpointLost(endpointID string) { r.lost <- endpointID }
func (r *recordingDiscListener) EndpointDistanceChanged(endpointID, distanceInfo string) {}

type noopPayloadListener struct{}

func (noopPayloadListener) Payload(string, registry.Payload)                 {}
func (noopPayloadListener) PayloadProgress(string, registry.PayloadProgress) {}

type harness struct {
	a, b   *Handler
	emA    *endpointmgr.Manager
	emB    *endpointmgr.Manager
}

func newHarness(t *testing.T, variant wire.PCP) *harness {
	t.Helper()
	hub := loopback.NewHub()
	driverA := loopback.NewDriver(hub, "A")
	driverB := loopback.NewDriver(hub, "B")

	cfg := config.DefaultConfig()
	logger := testLogger()

	emA := endpointmgr.New(cfg, logger)
	emB := endpointmgr.New(cfg, logger)

	a := New(cfg, logger, variant, "svc", emA, map[mediums.Kind]mediums.Medium{mediums.Loopback: driverA})
	b := New(cfg, logger, variant, "svc", emB, map[mediums.Kind]mediums.Medium{mediums.Loopback: driverB})

	return &harness{a: a, b: b, emA: emA, emB: emB}
}

func waitFor(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func waitForInt(t *testing.T, ch chan int, what string) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return 0
	}
}

func TestHandler_FullHandshakeBothAccept(t *testing.T) {
	h := newHarness(t, wire.PCPP2PCluster)

	connA := newRecordingConnListener()
	require.NoError(t, h.a.StartAdvertising(context.Background(), []byte("info-a"), connA))

	disc := newRecordingDiscListener()
	require.NoError(t, h.b.StartDiscovery(context.Background(), disc))

	endpointID := waitFor(t, disc.found, "B to discover A")

	connB := newRecordingConnListener()
	require.NoError(t, h.b.RequestConnection(context.Background(), endpointID, []byte("info-b"), connB))

	idOnA := waitFor(t, connA.initiated, "A to observe Initiated")
	idOnB := waitFor(t, connB.initiated, "B to observe Initiated")
	assert.Equal(t, endpointID, idOnA)
	assert.Equal(t, endpointID, idOnB)

	require.NoError(t, h.a.AcceptConnection(idOnA, noopPayloadListener{}))
	require.NoError(t, h.b.AcceptConnection(idOnB, noopPayloadListener{}))

	waitFor(t, connA.accepted, "A to observe Accepted")
	waitFor(t, connB.accepted, "B to observe Accepted")

	assert.Equal(t, 1, h.emA.EndpointCount())
	assert.Equal(t, 1, h.emB.EndpointCount())
}

func TestHandler_RejectPathClosesBothSides(t *testing.T) {
	h := newHarness(t, wire.PCPP2PCluster)

	connA := newRecordingConnListener()
	require.NoError(t, h.a.StartAdvertising(context.Background(), []byte("info-a"), connA))

	disc := newRecordingDiscListener()
	require.NoError(t, h.b.StartDiscovery(context.Background(), disc))
	endpointID := waitFor(t, disc.found, "B to discover A")

	connB := newRecordingConnListener()
	require.NoError(t, h.b.RequestConnection(context.Background(), endpointID, []byte("info-b"), connB))

	idOnA := waitFor(t, connA.initiated, "A to observe Initiated")
	idOnB := waitFor(t, connB.initiated, "B to observe Initiated")

	require.NoError(t, h.a.RejectConnection(idOnA))
	require.NoError(t, h.b.AcceptConnection(idOnB, noopPayloadListener{}))

	statusOnB := waitForInt(t, connB.rejected, "B to observe Rejected")
	assert.Equal(t, int(statuscode.ConnectionRejected), statusOnB)

	select {
	case <-connA.accepted:
		t.Fatal("A should not have observed Accepted")
	case <-connB.accepted:
		t.Fatal("B should not have observed Accepted")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandler_EndpointIDCollisionWithLocalIsSkipped(t *testing.T) {
	h := newHarness(t, wire.PCPP2PCluster)
	disc := newRecordingDiscListener()
	require.NoError(t, h.b.StartDiscovery(context.Background(), disc))

	localID, err := h.b.reg.LocalEndpointID()
	require.NoError(t, err)

	h.b.onDiscovered(mediums.Loopback, loopback.Handle("ghost"), append([]byte(localID), "rest"...), localID, disc)

	select {
	case id := <-disc.found:
		t.Fatalf("unexpected EndpointFound for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandler_PointToPointRejectsSecondOutgoingRequest(t *testing.T) {
	h := newHarness(t, wire.PCPP2PPointToPoint)

	connA := newRecordingConnListener()
	require.NoError(t, h.a.StartAdvertising(context.Background(), []byte("info-a"), connA))

	disc := newRecordingDiscListener()
	require.NoError(t, h.b.StartDiscovery(context.Background(), disc))
	endpointID := waitFor(t, disc.found, "B to discover A")

	connB := newRecordingConnListener()
	require.NoError(t, h.b.RequestConnection(context.Background(), endpointID, []byte("info-b"), connB))
	waitFor(t, connB.initiated, "B to observe Initiated")

	err := h.b.RequestConnection(context.Background(), endpointID, []byte("info-b-again"), connB)
	require.Error(t, err)
	apiErr, ok := err.(*ApiError)
	require.True(t, ok)
	assert.Equal(t, statuscode.OutOfOrderAPICall, apiErr.Status)
}
