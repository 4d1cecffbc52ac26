// Package endpointmgr owns per-endpoint state once the PCP handler hands
// off a CONNECTED channel (spec §4.6): a reader worker that decodes
// incoming frames onto a bounded dispatch queue, a dispatch worker that
// drains that queue by frame type, and a keep-alive worker that writes
// a KeepAlive frame on a timer and discards the endpoint if no frame
// has been read recently enough.
//
// Grounded on the teacher's bridge.RunDeviceBridge for its worker
// lifecycle shape (spawn via internal/groutine.Go, tear down under a
// bounded grace period via sync.WaitGroup) and on
// base_endpoint_channel.cc's BaseEndpointChannel::Close comment ("do not
// take reader_mutex_ here... Read() will proceed normally with
// Exception::kIo") for why teardown closes the channel before waiting on
// the workers rather than signaling them first.
package endpointmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/nearby/internal/channel"
	"github.com/srg/nearby/internal/config"
	"github.com/srg/nearby/internal/groutine"
	"github.com/srg/nearby/internal/mediums"
	"github.com/srg/nearby/internal/ringchan"
	"github.com/srg/nearby/internal/wire"
)

// FrameProcessor handles frames of the types it is registered for, and
// is notified when an endpoint disconnects regardless of which frame
// types it handles.
type FrameProcessor interface {
	ProcessFrame(endpointID string, frame wire.OfflineFrame)
	// Disconnected is called once per endpoint teardown. selfInitiated is
	// true for an I/O failure or keep-alive timeout (discard_endpoint),
	// false for a client-requested disconnect (unregister_endpoint); only
	// the PCP handler's implementation needs this to decide whether to
	// fire ConnectionListener.Disconnected.
	Disconnected(endpointID string, selfInitiated bool)
}

// ErrUnknownEndpoint is returned by any Manager method addressing an
// endpoint ID that is not currently registered.
var ErrUnknownEndpoint = errors.New("endpointmgr: unknown endpoint")

// SendFailure pairs an endpoint ID with the error that occurred sending
// to it, returned by the Send* methods so other endpoints in the same
// call still receive their frame.
type SendFailure struct {
	EndpointID string
	Err        error
}

type endpointState struct {
	id string
	wg sync.WaitGroup // counts down from 3: reader + dispatcher + keep-alive worker

	chMu   sync.RWMutex
	ch     *channel.Channel
	medium mediums.Kind

	// frameQueue decouples the reader from frame dispatch: ProcessFrame
	// can run slower than frames arrive without ever blocking the
	// reader loop, at the cost of dropping the oldest undispatched
	// frame once the queue is full.
	frameQueue *ringchan.RingChannel[wire.OfflineFrame]

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool
}

func newEndpointState(id string, ch *channel.Channel, medium mediums.Kind, queueCapacity int) *endpointState {
	st := &endpointState{id: id, ch: ch, medium: medium, frameQueue: ringchan.NewRingChannel[wire.OfflineFrame](queueCapacity)}
	st.pauseCond = sync.NewCond(&st.pauseMu)
	return st
}

func (st *endpointState) channel() *channel.Channel {
	st.chMu.RLock()
	defer st.chMu.RUnlock()
	return st.ch
}

func (st *endpointState) setChannel(ch *channel.Channel, medium mediums.Kind) {
	st.chMu.Lock()
	defer st.chMu.Unlock()
	st.ch = ch
	st.medium = medium
}

func (st *endpointState) pauseReader() {
	st.pauseMu.Lock()
	st.paused = true
	st.pauseMu.Unlock()
}

func (st *endpointState) resumeReader() {
	st.pauseMu.Lock()
	st.paused = false
	st.pauseCond.Broadcast()
	st.pauseMu.Unlock()
}

func (st *endpointState) waitWhilePaused() {
	st.pauseMu.Lock()
	for st.paused {
		st.pauseCond.Wait()
	}
	st.pauseMu.Unlock()
}

// Manager is the C6 endpoint manager, one per client. It does not limit
// how many endpoints are registered at once: cfg.MaxConcurrentEndpoints
// is not consulted by RegisterEndpoint.
type Manager struct {
	cfg    *config.Config
	logger *logrus.Logger

	mu         sync.Mutex
	endpoints  map[string]*endpointState
	processors map[wire.FrameType]FrameProcessor
}

// New returns an endpoint manager using cfg's keep-alive and
// frame-processor timeouts.
func New(cfg *config.Config, logger *logrus.Logger) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if cfg.FrameQueueCapacity <= 0 {
		cfg.FrameQueueCapacity = config.DefaultConfig().FrameQueueCapacity
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		endpoints:  make(map[string]*endpointState),
		processors: make(map[wire.FrameType]FrameProcessor),
	}
}

// RegisterProcessor wires a FrameProcessor for frameType into the
// dispatch table (spec §4.6's table: CONNECTION_REQUEST/RESPONSE to the
// PCP handler, PAYLOAD_TRANSFER to the payload manager,
// BANDWIDTH_UPGRADE_NEGOTIATION to the bandwidth upgrade manager;
// KEEP_ALIVE is deliberately left unregistered since its only effect is
// the last-read timestamp the channel already updates).
func (m *Manager) RegisterProcessor(frameType wire.FrameType, p FrameProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processors[frameType] = p
}

// RegisterEndpoint hands off a CONNECTED channel to the manager, which
// starts a reader worker, a dispatch worker and a keep-alive worker for
// it. If a prior
// worker set for the same endpoint ID has not yet finished terminating,
// RegisterEndpoint waits for it first.
func (m *Manager) RegisterEndpoint(parentCtx context.Context, id string, ch *channel.Channel, medium mediums.Kind) {
	m.mu.Lock()
	old, existed := m.endpoints[id]
	m.mu.Unlock()
	if existed {
		old.wg.Wait()
	}

	st := newEndpointState(id, ch, medium, m.cfg.FrameQueueCapacity)
	st.wg.Add(3)

	m.mu.Lock()
	m.endpoints[id] = st
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(parentCtx)

	groutine.Go(ctx, "endpointmgr.reader."+id, func(ctx context.Context) {
		defer st.wg.Done()
		m.readerLoop(ctx, id, st, cancel)
	})
	groutine.Go(ctx, "endpointmgr.dispatch."+id, func(ctx context.Context) {
		defer st.wg.Done()
		m.dispatchLoop(id, st)
	})
	groutine.Go(ctx, "endpointmgr.keepalive."+id, func(ctx context.Context) {
		defer st.wg.Done()
		m.keepAliveLoop(ctx, id, st, cancel)
	})
}

func (m *Manager) readerLoop(ctx context.Context, id string, st *endpointState, cancelSibling context.CancelFunc) {
	// Closing the queue here, rather than in teardown, guarantees the
	// dispatcher only ever sees frames from this reader generation.
	defer st.frameQueue.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		st.waitWhilePaused()

		ch := st.channel()
		data, err := ch.Read()
		if err != nil {
			if st.channel() != ch {
				// SwapChannel closed the channel this Read was blocked on;
				// keep reading from its replacement.
				continue
			}
			cancelSibling()
			go m.discardEndpoint(id, st)
			return
		}

		frame, err := wire.DecodeOfflineFrame(data)
		if err != nil {
			cancelSibling()
			go m.discardEndpoint(id, st)
			return
		}

		st.frameQueue.Send(frame)
	}
}

// dispatchLoop drains st's decoded-frame queue and dispatches each frame
// by type until the reader closes the queue.
func (m *Manager) dispatchLoop(id string, st *endpointState) {
	for frame := range st.frameQueue.C() {
		m.dispatch(id, frame)
	}
}

func (m *Manager) keepAliveLoop(ctx context.Context, id string, st *endpointState, cancelSibling context.CancelFunc) {
	ticker := time.NewTicker(m.cfg.KeepAliveWriteInterval)
	defer ticker.Stop()

	frame, err := wire.EncodeOfflineFrame(wire.OfflineFrame{Type: wire.FrameTypeKeepAlive, KeepAlive: &wire.KeepAliveFrame{}})
	if err != nil {
		m.logger.WithError(err).Error("endpointmgr: failed to encode keep-alive frame")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch := st.channel()
			if err := ch.Write(frame); err != nil {
				cancelSibling()
				go m.discardEndpoint(id, st)
				return
			}
			if ch.LastReadAge() > m.cfg.KeepAliveReadTimeout {
				cancelSibling()
				go m.discardEndpoint(id, st)
				return
			}
		}
	}
}

func (m *Manager) dispatch(id string, frame wire.OfflineFrame) {
	m.mu.Lock()
	p, ok := m.processors[frame.Type]
	m.mu.Unlock()
	if !ok {
		return
	}
	p.ProcessFrame(id, frame)
}

// UnregisterEndpoint is the client-requested teardown path: close the
// channel, stop the workers, and notify FrameProcessors without telling
// them this was self-initiated.
func (m *Manager) UnregisterEndpoint(id string) error {
	m.mu.Lock()
	st, ok := m.endpoints[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownEndpoint
	}
	return m.teardown(id, st, false)
}

// discardEndpoint is the self-initiated teardown path, triggered by an
// I/O failure or the keep-alive watchdog. st identifies the exact
// worker generation that failed, so a teardown delayed behind a
// RegisterEndpoint call for the same id can never tear down the
// endpoint that replaced it.
func (m *Manager) discardEndpoint(id string, st *endpointState) {
	_ = m.teardown(id, st, true)
}

func (m *Manager) teardown(id string, st *endpointState, selfInitiated bool) error {
	m.mu.Lock()
	current, ok := m.endpoints[id]
	stillCurrent := ok && current == st
	if stillCurrent {
		delete(m.endpoints, id)
	}
	m.mu.Unlock()

	_ = st.channel().Close()
	st.resumeReader() // unblock a paused reader so it can observe ctx.Done or the closed channel
	st.wg.Wait()

	if !stillCurrent {
		// Already superseded by a newer registration, or already torn
		// down by the other worker in this same generation.
		return nil
	}

	m.notifyProcessors(id, selfInitiated)
	return nil
}

func (m *Manager) notifyProcessors(id string, selfInitiated bool) {
	m.mu.Lock()
	procs := make([]FrameProcessor, 0, len(m.processors))
	seen := make(map[FrameProcessor]bool)
	for _, p := range m.processors {
		if !seen[p] {
			seen[p] = true
			procs = append(procs, p)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(procs))
	for _, p := range procs {
		p := p
		groutine.Go(context.Background(), "endpointmgr.notify", func(ctx context.Context) {
			defer wg.Done()
			p.Disconnected(id, selfInitiated)
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.FrameProcessorTimeout):
		m.logger.WithField("endpoint_id", id).Warn("endpointmgr: frame processor disconnect notification timed out, abandoning stragglers")
	}
}

// Channel returns the live channel for endpointID, if registered.
func (m *Manager) Channel(endpointID string) (*channel.Channel, bool) {
	m.mu.Lock()
	st, ok := m.endpoints[endpointID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return st.channel(), true
}

// EndpointCount returns the number of currently registered endpoints.
func (m *Manager) EndpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints)
}

// SendFrame encodes frame once and writes it to every endpoint in
// endpointIDs, collecting failures without aborting on the first one.
func (m *Manager) SendFrame(frame wire.OfflineFrame, endpointIDs []string) []SendFailure {
	data, err := wire.EncodeOfflineFrame(frame)
	if err != nil {
		failures := make([]SendFailure, len(endpointIDs))
		for i, id := range endpointIDs {
			failures[i] = SendFailure{EndpointID: id, Err: fmt.Errorf("endpointmgr: encode frame: %w", err)}
		}
		return failures
	}

	var failures []SendFailure
	for _, id := range endpointIDs {
		m.mu.Lock()
		st, ok := m.endpoints[id]
		m.mu.Unlock()
		if !ok {
			failures = append(failures, SendFailure{EndpointID: id, Err: ErrUnknownEndpoint})
			continue
		}
		if err := st.channel().Write(data); err != nil {
			failures = append(failures, SendFailure{EndpointID: id, Err: err})
		}
	}
	return failures
}

// SendPayloadChunk wraps header/chunk in a PAYLOAD_TRANSFER DATA frame
// and writes it to every endpoint in endpointIDs (spec §4.6, §4.7).
func (m *Manager) SendPayloadChunk(header wire.PayloadHeader, chunk wire.PayloadChunk, endpointIDs []string) []SendFailure {
	return m.SendFrame(wire.OfflineFrame{
		Type: wire.FrameTypePayloadTransfer,
		PayloadTransfer: &wire.PayloadTransferFrame{
			PacketType: wire.PacketTypeData,
			Header:     header,
			Chunk:      &chunk,
		},
	}, endpointIDs)
}

// SendControlMessage wraps header/control in a PAYLOAD_TRANSFER CONTROL
// frame and writes it to every endpoint in endpointIDs.
func (m *Manager) SendControlMessage(header wire.PayloadHeader, control wire.ControlMessage, endpointIDs []string) []SendFailure {
	return m.SendFrame(wire.OfflineFrame{
		Type: wire.FrameTypePayloadTransfer,
		PayloadTransfer: &wire.PayloadTransferFrame{
			PacketType:     wire.PacketTypeControl,
			Header:         header,
			ControlMessage: &control,
		},
	}, endpointIDs)
}

// PauseReader stops the reader worker for endpointID from consuming any
// further frames, used by the bandwidth upgrade manager while swapping
// the underlying channel (spec §4.8's invariant: "no frame may be read
// from the old channel between LAST_WRITE_TO_PRIOR_CHANNEL and the
// swap").
func (m *Manager) PauseReader(endpointID string) error {
	m.mu.Lock()
	st, ok := m.endpoints[endpointID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownEndpoint
	}
	st.pauseReader()
	return nil
}

// ResumeReader re-enables the reader worker for endpointID.
func (m *Manager) ResumeReader(endpointID string) error {
	m.mu.Lock()
	st, ok := m.endpoints[endpointID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownEndpoint
	}
	st.resumeReader()
	return nil
}

// SwapChannel atomically replaces endpointID's channel, pausing the
// reader for the duration of the swap and closing the old channel only
// after the new one is in place. Returns the old channel so the caller
// can finish draining it (e.g. SAFE_TO_CLOSE_PRIOR_CHANNEL bookkeeping)
// before this closes it.
func (m *Manager) SwapChannel(endpointID string, newCh *channel.Channel, newMedium mediums.Kind) (*channel.Channel, error) {
	m.mu.Lock()
	st, ok := m.endpoints[endpointID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownEndpoint
	}

	st.pauseReader()
	defer st.resumeReader()

	old := st.channel()
	st.setChannel(newCh, newMedium)
	return old, old.Close()
}
