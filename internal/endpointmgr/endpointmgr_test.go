package endpointmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nearby/internal/channel"
	"github.com/srg/nearby/internal/config"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/mediums/loopback"
	"github.com/srg/nearby/internal/wire"
)

func pipe(t *testing.T) (*channel.Channel, *channel.Channel) {
	t.Helper()
	hub := loopback.NewHub()
	a := loopback.NewDriver(hub, "A")
	b := loopback.NewDriver(hub, "B")

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

	return channel.New("client", mediums.Loopback, clientSock), channel.New("server", mediums.Loopback, serverSock)
}

type recordingProcessor struct {
	mu       sync.Mutex
	frames   []wire.OfflineFrame
	received chan struct{}

	disconnectedID   string
	selfInitiated    bool
	disconnectedDone chan struct{}
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		received:         make(chan struct{}, 16),
		disconnectedDone: make(chan struct{}, 1),
	}
}

func (p *recordingProcessor) ProcessFrame(endpointID string, frame wire.OfflineFrame) {
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
	p.received <- struct{}{}
}

func (p *recordingProcessor) Disconnected(endpointID string, selfInitiated bool) {
	p.mu.Lock()
	p.disconnectedID = endpointID
	p.selfInitiated = selfInitiated
	p.mu.Unlock()
	p.disconnectedDone <- struct{}{}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.KeepAliveWriteInterval = 20 * time.Millisecond
	cfg.KeepAliveReadTimeout = 200 * time.Millisecond
	cfg.FrameProcessorTimeout = 200 * time.Millisecond
	return cfg
}

func TestManager_DispatchesFrameToRegisteredProcessor(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()

	m := New(testConfig(), nil)
	proc := newRecordingProcessor()
	m.RegisterProcessor(wire.FrameTypeKeepAlive, proc)
	m.RegisterEndpoint(context.Background(), "abcd", client, mediums.Loopback)

	data, err := wire.EncodeOfflineFrame(wire.OfflineFrame{Type: wire.FrameTypeKeepAlive, KeepAlive: &wire.KeepAliveFrame{}})
	require.NoError(t, err)
	require.NoError(t, server.Write(data))

	select {
	case <-proc.received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame dispatch")
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.frames, 1)
	assert.Equal(t, wire.FrameTypeKeepAlive, proc.frames[0].Type)
}

func TestManager_UnregisterEndpointNotifiesNotSelfInitiated(t *testing.T) {
	client, server := pipe(t)
	defer server.Close()

	m := New(testConfig(), nil)
	proc := newRecordingProcessor()
	m.RegisterProcessor(wire.FrameTypeConnectionRequest, proc)
	m.RegisterEndpoint(context.Background(), "abcd", client, mediums.Loopback)

	require.NoError(t, m.UnregisterEndpoint("abcd"))

	select {
	case <-proc.disconnectedDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect notification")
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, "abcd", proc.disconnectedID)
	assert.False(t, proc.selfInitiated)
	assert.Equal(t, 0, m.EndpointCount())
}

func TestManager_ReaderIOFailureSelfDiscardsEndpoint(t *testing.T) {
	client, server := pipe(t)

	m := New(testConfig(), nil)
	proc := newRecordingProcessor()
	m.RegisterProcessor(wire.FrameTypeConnectionRequest, proc)
	m.RegisterEndpoint(context.Background(), "abcd", client, mediums.Loopback)

	require.NoError(t, server.Close())

	select {
	case <-proc.disconnectedDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for self-initiated disconnect")
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.True(t, proc.selfInitiated)
}

func TestManager_KeepAliveTimeoutDiscardsIdleEndpoint(t *testing.T) {
	client, server := pipe(t)
	defer server.Close()

	m := New(testConfig(), nil)
	proc := newRecordingProcessor()
	m.RegisterProcessor(wire.FrameTypeConnectionRequest, proc)
	m.RegisterEndpoint(context.Background(), "abcd", client, mediums.Loopback)

	select {
	case <-proc.disconnectedDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for keep-alive watchdog to discard endpoint")
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.True(t, proc.selfInitiated)
}

func TestManager_SendFrameCollectsFailuresWithoutAbortingOnFirst(t *testing.T) {
	client1, server1 := pipe(t)
	defer client1.Close()
	defer server1.Close()

	m := New(testConfig(), nil)
	m.RegisterEndpoint(context.Background(), "good", client1, mediums.Loopback)

	failures := m.SendFrame(wire.OfflineFrame{Type: wire.FrameTypeKeepAlive, KeepAlive: &wire.KeepAliveFrame{}}, []string{"good", "missing"})

	require.Len(t, failures, 1)
	assert.Equal(t, "missing", failures[0].EndpointID)
	assert.ErrorIs(t, failures[0].Err, ErrUnknownEndpoint)
}

func TestManager_SwapChannelReplacesUnderlyingChannel(t *testing.T) {
	clientOld, serverOld := pipe(t)
	clientNew, serverNew := pipe(t)
	defer serverOld.Close()
	defer serverNew.Close()

	m := New(testConfig(), nil)
	m.RegisterEndpoint(context.Background(), "abcd", clientOld, mediums.Loopback)

	old, err := m.SwapChannel("abcd", clientNew, mediums.WifiLAN)
	require.NoError(t, err)
	assert.Equal(t, clientOld, old)

	ch, ok := m.Channel("abcd")
	require.True(t, ok)
	assert.Equal(t, clientNew, ch)

	require.NoError(t, m.UnregisterEndpoint("abcd"))
}

func TestManager_PauseReaderBlocksDispatchUntilResume(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	m := New(testConfig(), nil)
	proc := newRecordingProcessor()
	m.RegisterProcessor(wire.FrameTypeKeepAlive, proc)
	m.RegisterEndpoint(context.Background(), "abcd", client, mediums.Loopback)

	require.NoError(t, m.PauseReader("abcd"))

	data, err := wire.EncodeOfflineFrame(wire.OfflineFrame{Type: wire.FrameTypeKeepAlive, KeepAlive: &wire.KeepAliveFrame{}})
	require.NoError(t, err)
	require.NoError(t, server.Write(data))

	select {
	case <-proc.received:
		t.Fatal("frame dispatched while reader was paused")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, m.ResumeReader("abcd"))

	select {
	case <-proc.received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame dispatch after resume")
	}
}

func TestManager_RegisterEndpointWaitsForPriorWorkersToFinish(t *testing.T) {
	client1, server1 := pipe(t)
	client2, server2 := pipe(t)
	defer server2.Close()

	m := New(testConfig(), nil)
	m.RegisterEndpoint(context.Background(), "abcd", client1, mediums.Loopback)
	require.NoError(t, server1.Close())

	// Re-registering the same ID immediately must not race with the prior
	// workers still tearing down.
	m.RegisterEndpoint(context.Background(), "abcd", client2, mediums.Loopback)
	ch, ok := m.Channel("abcd")
	require.True(t, ok)
	assert.Equal(t, client2, ch)

	require.NoError(t, m.UnregisterEndpoint("abcd"))
}

// blockingProcessor blocks its first ProcessFrame call until release is
// closed, simulating a slow FrameProcessor so the frame queue backs up.
type blockingProcessor struct {
	started sync.Once
	startCh chan struct{}
	release chan struct{}
}

func (p *blockingProcessor) ProcessFrame(endpointID string, frame wire.OfflineFrame) {
	p.started.Do(func() {
		p.startCh <- struct{}{}
		<-p.release
	})
}

func (p *blockingProcessor) Disconnected(endpointID string, selfInitiated bool) {}

func TestManager_FrameQueueDropsOldestWhenDispatcherIsSlow(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	cfg := testConfig()
	cfg.FrameQueueCapacity = 2
	m := New(cfg, nil)

	blocking := &blockingProcessor{startCh: make(chan struct{}, 1), release: make(chan struct{})}
	m.RegisterProcessor(wire.FrameTypeKeepAlive, blocking)
	m.RegisterEndpoint(context.Background(), "abcd", client, mediums.Loopback)

	frame, err := wire.EncodeOfflineFrame(wire.OfflineFrame{Type: wire.FrameTypeKeepAlive, KeepAlive: &wire.KeepAliveFrame{}})
	require.NoError(t, err)

	// The first frame occupies the dispatcher, which blocks on release.
	require.NoError(t, server.Write(frame))
	select {
	case <-blocking.startCh:
	case <-time.After(time.Second):
		t.Fatal("dispatcher never started processing the first frame")
	}

	// Write enough further frames to overflow the capacity-2 queue while
	// the dispatcher is stuck, forcing it to overwrite the oldest.
	for i := 0; i < 5; i++ {
		require.NoError(t, server.Write(frame))
	}

	m.mu.Lock()
	st := m.endpoints["abcd"]
	m.mu.Unlock()
	require.NotNil(t, st)

	require.Eventually(t, func() bool {
		return st.frameQueue.GetMetrics().Overwritten > 0
	}, time.Second, 10*time.Millisecond, "expected the frame queue to drop at least one frame")

	close(blocking.release)
}
