package payload

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nearby/internal/channel"
	"github.com/srg/nearby/internal/config"
	"github.com/srg/nearby/internal/endpointmgr"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/mediums/loopback"
	"github.com/srg/nearby/internal/registry"
	"github.com/srg/nearby/internal/wire"
)

type recordingPayloadListener struct {
	payloads chan registry.Payload
	progress chan registry.PayloadProgress
}

func newRecordingPayloadListener() *recordingPayloadListener {
	return &recordingPayloadListener{
		payloads: make(chan registry.Payload, 8),
		progress: make(chan registry.PayloadProgress, 64),
	}
}

func (r *recordingPayloadListener) Payload(_ string, p registry.Payload) { r.payloads <- p }
func (r *recordingPayloadListener) PayloadProgress(_ string, p registry.PayloadProgress) {
	r.progress <- p
}

func waitProgress(t *testing.T, ch chan registry.PayloadProgress, status registry.PayloadProgressStatus) registry.PayloadProgress {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-ch:
			if p.Status == status {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for progress status %d", status)
		}
	}
}

// newConnectedPair wires two endpointmgr.Managers together over a raw
// loopback socket pair, the way pcp.Handler would once a handshake
// completes, so the payload manager can be tested without driving PCP.
func newConnectedPair(t *testing.T) (emA, emB *endpointmgr.Manager, idA, idB string) {
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

	cfg := config.DefaultConfig()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	emA = endpointmgr.New(cfg, logger)
	emB = endpointmgr.New(cfg, logger)

	chA := channel.New("a-side", mediums.Loopback, clientSock)
	chB := channel.New("b-side", mediums.Loopback, serverSock)

	emA.RegisterEndpoint(context.Background(), "EPAA", chA, mediums.Loopback)
	emB.RegisterEndpoint(context.Background(), "EPBB", chB, mediums.Loopback)

	return emA, emB, "EPAA", "EPBB"
}

func TestPayload_SendBytesEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	emA, emB, idA, idB := newConnectedPair(t)

	mgrA := New(cfg, logger, emA)
	mgrB := New(cfg, logger, emB)
	emA.RegisterProcessor(wire.FrameTypePayloadTransfer, mgrA)
	emB.RegisterProcessor(wire.FrameTypePayloadTransfer, mgrB)

	listenerB := newRecordingPayloadListener()
	mgrB.SetEndpointListener(idB, listenerB)

	payload := registry.Payload{ID: 1, Type: registry.PayloadTypeBytes, Bytes: []byte("hello nearby")}
	require.NoError(t, mgrA.SendPayload(payload, []string{idA}))

	got := <-listenerB.payloads
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, "hello nearby", string(got.Bytes))

	prog := waitProgress(t, listenerB.progress, registry.PayloadSuccess)
	assert.Equal(t, int64(1), prog.PayloadID)
}

func TestPayload_SendStreamEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ChunkSize = 8
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	emA, emB, idA, idB := newConnectedPair(t)

	mgrA := New(cfg, logger, emA)
	mgrB := New(cfg, logger, emB)
	emA.RegisterProcessor(wire.FrameTypePayloadTransfer, mgrA)
	emB.RegisterProcessor(wire.FrameTypePayloadTransfer, mgrB)

	listenerB := newRecordingPayloadListener()
	mgrB.SetEndpointListener(idB, listenerB)

	source := bytes.NewReader([]byte("the quick brown fox jumps over the lazy dog"))
	payload := registry.Payload{ID: 2, Type: registry.PayloadTypeStream, Stream: source}
	require.NoError(t, mgrA.SendPayload(payload, []string{idA}))

	got := <-listenerB.payloads
	assert.Equal(t, registry.PayloadTypeStream, got.Type)

	data, err := io.ReadAll(got.Stream)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", string(data))

	waitProgress(t, listenerB.progress, registry.PayloadSuccess)
}

func TestPayload_SendFileEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ChunkSize = 16
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	emA, emB, idA, idB := newConnectedPair(t)

	mgrA := New(cfg, logger, emA)
	mgrB := New(cfg, logger, emB)
	emA.RegisterProcessor(wire.FrameTypePayloadTransfer, mgrA)
	emB.RegisterProcessor(wire.FrameTypePayloadTransfer, mgrB)

	listenerB := newRecordingPayloadListener()
	mgrB.SetEndpointListener(idB, listenerB)

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(srcPath, bytes.Repeat([]byte{0xAB}, 100), 0o644))
	f, err := os.Open(srcPath)
	require.NoError(t, err)
	defer f.Close()

	payload := registry.Payload{ID: 3, Type: registry.PayloadTypeFile, File: f, ParentFolder: dir, FileName: "dest.bin"}
	require.NoError(t, mgrA.SendPayload(payload, []string{idA}))

	got := <-listenerB.payloads
	assert.Equal(t, registry.PayloadTypeFile, got.Type)

	waitProgress(t, listenerB.progress, registry.PayloadSuccess)

	destBytes, err := os.ReadFile(filepath.Join(dir, "dest.bin"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 100), destBytes)
}

func TestPayload_CancelOutgoingStream(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ChunkSize = 4
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	emA, emB, idA, idB := newConnectedPair(t)

	mgrA := New(cfg, logger, emA)
	mgrB := New(cfg, logger, emB)
	emA.RegisterProcessor(wire.FrameTypePayloadTransfer, mgrA)
	emB.RegisterProcessor(wire.FrameTypePayloadTransfer, mgrB)

	listenerB := newRecordingPayloadListener()
	mgrB.SetEndpointListener(idB, listenerB)

	source := newSlowReader(bytes.Repeat([]byte{1}, 1000))
	payload := registry.Payload{ID: 4, Type: registry.PayloadTypeStream, Stream: source}
	require.NoError(t, mgrA.SendPayload(payload, []string{idA}))

	<-listenerB.payloads
	require.NoError(t, mgrA.CancelPayload(4))

	waitProgress(t, listenerB.progress, registry.PayloadCanceled)
}

// slowReader paces Read calls so a test has a window to call CancelPayload
// before the stream finishes.
type slowReader struct {
	data []byte
	pos  int
}

func newSlowReader(data []byte) *slowReader { return &slowReader{data: data} }

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	time.Sleep(5 * time.Millisecond)
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
