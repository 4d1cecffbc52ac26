// Package channel implements the endpoint channel: a length-prefixed,
// optionally-encrypted byte-message transport laid over a mediums.Socket
// (spec §4.3). It is the thing the PCP handler and payload manager read
// and write OfflineFrames through.
//
// Grounded on base_endpoint_channel.cc from the original implementation:
// the same framing (u32 big-endian length prefix), the same lock
// separation (independent reader/writer/crypto/pause/last-read mutexes,
// never held across a blocking syscall except the reader/writer ones),
// and the same KeepAlive-fallback-on-decode-failure tolerance for a
// protocol race where the peer sends KeepAlive before enabling
// encryption on its side.
package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/wire"
)

// MaxAllowedReadBytes bounds a single frame's declared length; anything
// larger is rejected without attempting to read it (spec §4.1, §4.3).
const MaxAllowedReadBytes = wire.MaxAllowedReadBytes

// IoErrorKind enumerates why a Channel operation failed.
type IoErrorKind string

const (
	IoErrorIo                      IoErrorKind = "io"
	IoErrorInvalidProtocolBuffer   IoErrorKind = "invalid_protocol_buffer"
)

// IoError is the typed failure returned by Read and Write,
// in the teacher's state-plus-message shape.
type IoError struct {
	Kind IoErrorKind
	Msg  string
}

func (e *IoError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *IoError) Is(target error) bool {
	t, ok := target.(*IoError)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrIo                    = &IoError{Kind: IoErrorIo}
	ErrInvalidProtocolBuffer = &IoError{Kind: IoErrorInvalidProtocolBuffer}
)

// CryptoContext is the duplex AEAD context a channel installs once UKEY2
// key exchange completes. It is an external collaborator boundary: the
// channel only calls EncodeToPeer/DecodeFromPeer, never derives key
// material itself.
type CryptoContext interface {
	EncodeToPeer(plaintext []byte) ([]byte, error)
	DecodeFromPeer(ciphertext []byte) ([]byte, error)
}

// Channel is a named, length-prefixed message transport over a
// mediums.Socket.
type Channel struct {
	name   string
	medium mediums.Kind
	socket mediums.Socket
	reader mediums.ReadCloser
	writer mediums.WriteCloser

	readerMu sync.Mutex
	writerMu sync.Mutex

	cryptoMu sync.Mutex
	crypto   CryptoContext

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	lastReadMu   sync.Mutex
	lastReadTime time.Time
}

// New wraps sock in a Channel named name, carried over medium.
func New(name string, medium mediums.Kind, sock mediums.Socket) *Channel {
	c := &Channel{
		name:   name,
		medium: medium,
		socket: sock,
		reader: sock.InputStream(),
		writer: sock.OutputStream(),
	}
	c.pauseCond = sync.NewCond(&c.pauseMu)
	return c
}

// Name returns the channel's identifying name.
func (c *Channel) Name() string { return c.name }

// Medium returns the physical transport this channel rides on.
func (c *Channel) Medium() mediums.Kind { return c.medium }

// Type mirrors the original's GetType(): the medium name, prefixed with
// "ENCRYPTED_" once encryption has been enabled.
func (c *Channel) Type() string {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	if c.crypto != nil {
		return "ENCRYPTED_" + c.medium.String()
	}
	return c.medium.String()
}

// EnableEncryption atomically installs ctx as the duplex AEAD context.
// Once installed, Write encodes through it and Read decodes through it.
func (c *Channel) EnableEncryption(ctx CryptoContext) {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	c.crypto = ctx
}

func (c *Channel) encryptionEnabled() bool {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	return c.crypto != nil
}

// Read blocks until one full message has been received, decrypting it if
// encryption is enabled.
func (c *Channel) Read() ([]byte, error) {
	body, err := c.readFrame()
	if err != nil {
		return nil, err
	}

	c.cryptoMu.Lock()
	crypto := c.crypto
	c.cryptoMu.Unlock()

	if crypto != nil {
		decoded, err := crypto.DecodeFromPeer(body)
		if err != nil {
			// Possible protocol race: peer sent KeepAlive before enabling
			// encryption on its side. Tolerate it once by checking whether
			// the raw bytes parse as a KeepAlive frame.
			frame, decErr := wire.DecodeOfflineFrame(body)
			if decErr != nil || frame.Type != wire.FrameTypeKeepAlive {
				return nil, &IoError{Kind: IoErrorInvalidProtocolBuffer, Msg: err.Error()}
			}
		} else {
			body = decoded
		}
	}

	c.lastReadMu.Lock()
	c.lastReadTime = time.Now()
	c.lastReadMu.Unlock()

	return body, nil
}

func (c *Channel) readFrame() ([]byte, error) {
	c.readerMu.Lock()
	defer c.readerMu.Unlock()

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.reader, lenBuf[:]); err != nil {
		return nil, &IoError{Kind: IoErrorIo, Msg: err.Error()}
	}
	n := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if n < 0 || int(n) > MaxAllowedReadBytes {
		return nil, &IoError{Kind: IoErrorIo, Msg: "declared frame length out of range"}
	}

	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, &IoError{Kind: IoErrorIo, Msg: err.Error()}
		}
	}
	return body, nil
}

// LastReadAge returns how long it has been since the last successful
// Read, for the keep-alive watchdog (spec §4.6).
func (c *Channel) LastReadAge() time.Duration {
	c.lastReadMu.Lock()
	defer c.lastReadMu.Unlock()
	if c.lastReadTime.IsZero() {
		return 0
	}
	return time.Since(c.lastReadTime)
}

// Write blocks until data has been sent, encrypting it first if
// encryption is enabled. It blocks on the pause condition if the channel
// is currently paused.
func (c *Channel) Write(data []byte) error {
	c.pauseMu.Lock()
	for c.paused {
		c.pauseCond.Wait()
	}
	c.pauseMu.Unlock()

	c.cryptoMu.Lock()
	crypto := c.crypto
	c.cryptoMu.Unlock()

	toWrite := data
	if crypto != nil {
		encoded, err := crypto.EncodeToPeer(data)
		if err != nil {
			return &IoError{Kind: IoErrorIo, Msg: err.Error()}
		}
		toWrite = encoded
	}

	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(toWrite)))
	if _, err := c.writer.Write(lenBuf[:]); err != nil {
		return &IoError{Kind: IoErrorIo, Msg: err.Error()}
	}
	if _, err := c.writer.Write(toWrite); err != nil {
		return &IoError{Kind: IoErrorIo, Msg: err.Error()}
	}
	return nil
}

// Pause causes subsequent Write calls to block until Resume is called.
func (c *Channel) Pause() {
	c.pauseMu.Lock()
	c.paused = true
	c.pauseMu.Unlock()
}

// Resume wakes any writers blocked in Write by Pause.
func (c *Channel) Resume() {
	c.pauseMu.Lock()
	c.paused = false
	c.pauseCond.Broadcast()
	c.pauseMu.Unlock()
}

// Close unblocks paused writers, then closes the underlying streams. It
// deliberately does not take the reader/writer locks: an in-progress
// Read or Write must observe the close as an I/O error and return,
// rather than deadlock waiting on a lock Close itself would be holding.
func (c *Channel) Close() error {
	c.Resume()

	var firstErr error
	if err := c.reader.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
