package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/mediums/loopback"
	"github.com/srg/nearby/internal/wire"
)

func pipe(t *testing.T) (*Channel, *Channel) {
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

	return New("client", mediums.Loopback, clientSock), New("server", mediums.Loopback, serverSock)
}

func TestChannel_WriteReadRoundTrip(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	var got []byte
	var readErr error
	go func() {
		got, readErr = server.Read()
		close(done)
	}()

	require.NoError(t, client.Write([]byte("hello endpoint")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read")
	}
	require.NoError(t, readErr)
	assert.Equal(t, "hello endpoint", string(got))
}

func TestChannel_EnableEncryptionRoundTrip(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	client.EnableEncryption(xorCrypto{key: 0x42})
	server.EnableEncryption(xorCrypto{key: 0x42})

	done := make(chan struct{})
	var got []byte
	go func() {
		got, _ = server.Read()
		close(done)
	}()

	require.NoError(t, client.Write([]byte("secret message")))
	<-done
	assert.Equal(t, "secret message", string(got))
	assert.Equal(t, "ENCRYPTED_LOOPBACK", server.Type())
}

func TestChannel_DecodeFailureFallsBackToKeepAlive(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	// Server enables encryption but client has not yet: client sends a
	// plaintext KeepAlive frame, which the server's decode will fail on,
	// then recover via the KeepAlive fallback.
	server.EnableEncryption(alwaysFailCrypto{})

	frame, err := wire.EncodeOfflineFrame(wire.OfflineFrame{Type: wire.FrameTypeKeepAlive, KeepAlive: &wire.KeepAliveFrame{}})
	require.NoError(t, err)

	done := make(chan struct{})
	var got []byte
	var readErr error
	go func() {
		got, readErr = server.Read()
		close(done)
	}()

	require.NoError(t, client.Write(frame))
	<-done
	require.NoError(t, readErr)
	assert.Equal(t, frame, got)
}

func TestChannel_DecodeFailureNonKeepAliveIsInvalidProtocolBuffer(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	server.EnableEncryption(alwaysFailCrypto{})

	done := make(chan struct{})
	var readErr error
	go func() {
		_, readErr = server.Read()
		close(done)
	}()

	require.NoError(t, client.Write([]byte("not a keepalive frame at all")))
	<-done
	require.Error(t, readErr)
	assert.True(t, errors.Is(readErr, ErrInvalidProtocolBuffer))
}

func TestChannel_PauseBlocksWriteUntilResume(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	client.Pause()

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- client.Write([]byte("paused write"))
	}()

	select {
	case <-writeDone:
		t.Fatal("write should have blocked while paused")
	case <-time.After(100 * time.Millisecond):
	}

	client.Resume()
	select {
	case err := <-writeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write never unblocked after resume")
	}
}

func TestChannel_CloseUnblocksPausedWriter(t *testing.T) {
	client, server := pipe(t)
	defer server.Close()

	client.Pause()
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- client.Write([]byte("x"))
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case <-writeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock paused writer")
	}
}

func TestChannel_LastReadAgeUpdatesOnRead(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	assert.Equal(t, time.Duration(0), server.LastReadAge())

	done := make(chan struct{})
	go func() {
		_, _ = server.Read()
		close(done)
	}()
	require.NoError(t, client.Write([]byte("x")))
	<-done

	assert.Less(t, server.LastReadAge(), 2*time.Second)
}

// xorCrypto is a trivial CryptoContext stand-in for tests: it XORs every
// byte with key. Good enough to exercise the encode/decode path without
// pulling in the real UKEY2-derived AEAD context.
type xorCrypto struct{ key byte }

func (x xorCrypto) EncodeToPeer(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = b ^ x.key
	}
	return out, nil
}

func (x xorCrypto) DecodeFromPeer(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	for i, b := range ciphertext {
		out[i] = b ^ x.key
	}
	return out, nil
}

// alwaysFailCrypto simulates an AEAD authentication failure on every
// decode, the way a real mismatched-key peer would, to exercise the
// KeepAlive fallback path.
type alwaysFailCrypto struct{}

func (alwaysFailCrypto) EncodeToPeer(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (alwaysFailCrypto) DecodeFromPeer([]byte) ([]byte, error) {
	return nil, errors.New("authentication failed")
}
