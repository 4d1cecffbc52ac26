package loopback

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nearby/internal/mediums"
)

func TestLoopback_AdvertiseDiscover(t *testing.T) {
	hub := NewHub()
	a := NewDriver(hub, "A")
	b := NewDriver(hub, "B")

	require.NoError(t, a.StartAdvertising(context.Background(), "svc", []byte("info-a")))

	found := make(chan mediums.RemoteHandle, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.StartDiscovery(ctx, "svc", func(remote mediums.RemoteHandle, info []byte) {
		assert.Equal(t, "info-a", string(info))
		found <- remote
	}, nil))

	select {
	case remote := <-found:
		assert.Equal(t, Handle("A"), remote)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery")
	}
}

func TestLoopback_DiscoveryReportsLostWhenAdvertisingStops(t *testing.T) {
	hub := NewHub()
	a := NewDriver(hub, "A")
	b := NewDriver(hub, "B")

	require.NoError(t, a.StartAdvertising(context.Background(), "svc", []byte("info-a")))

	found := make(chan mediums.RemoteHandle, 1)
	lost := make(chan mediums.RemoteHandle, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.StartDiscovery(ctx, "svc", func(remote mediums.RemoteHandle, info []byte) {
		found <- remote
	}, func(remote mediums.RemoteHandle) {
		lost <- remote
	}))

	select {
	case <-found:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery")
	}

	require.NoError(t, a.StopAdvertising())

	select {
	case remote := <-lost:
		assert.Equal(t, Handle("A"), remote)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lost notification")
	}
}

func TestLoopback_ConnectRoundTrip(t *testing.T) {
	hub := NewHub()
	a := NewDriver(hub, "A")
	b := NewDriver(hub, "B")

	accepted := make(chan mediums.Socket, 1)
	require.NoError(t, b.StartAcceptingConnections(context.Background(), "svc", func(sock mediums.Socket) {
		accepted <- sock
	}))

	clientSock, err := a.Connect(context.Background(), Handle("B"), "svc", nil)
	require.NoError(t, err)
	assert.Equal(t, Handle("B"), clientSock.RemotePeer())

	var serverSock mediums.Socket
	select {
	case serverSock = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	assert.Equal(t, Handle("A"), serverSock.RemotePeer())

	go func() {
		_, _ = clientSock.OutputStream().Write([]byte("hello"))
	}()

	buf := make([]byte, 5)
	_, err = io.ReadFull(serverSock.InputStream(), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, clientSock.Close())
	require.NoError(t, serverSock.Close())
}

func TestLoopback_ConnectUnreachable(t *testing.T) {
	hub := NewHub()
	a := NewDriver(hub, "A")

	_, err := a.Connect(context.Background(), Handle("ghost"), "svc", nil)
	require.Error(t, err)
	assert.True(t, mediums.IsConnectionState(err, mediums.Unreachable))
}

func TestLoopback_ConnectHonorsCancellation(t *testing.T) {
	hub := NewHub()
	a := NewDriver(hub, "A")

	flag := mediums.NewCancellationFlag()
	flag.Set()

	_, err := a.Connect(context.Background(), Handle("B"), "svc", flag)
	require.Error(t, err)
}

func TestLoopback_DoubleAdvertiseRejected(t *testing.T) {
	hub := NewHub()
	a := NewDriver(hub, "A")

	require.NoError(t, a.StartAdvertising(context.Background(), "svc", nil))
	err := a.StartAdvertising(context.Background(), "svc", nil)
	require.Error(t, err)
	assert.True(t, mediums.IsConnectionState(err, mediums.AlreadyActive))
}

func TestLoopback_StopAdvertisingWithoutStartRejected(t *testing.T) {
	hub := NewHub()
	a := NewDriver(hub, "A")

	err := a.StopAdvertising()
	require.Error(t, err)
	assert.True(t, mediums.IsConnectionState(err, mediums.NotAdvertising))
}
