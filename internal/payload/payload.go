// Package payload implements the payload manager (spec §4.7): three
// serial writer executors, one per payload type, fragmenting outgoing
// Bytes/Stream/File payloads into PAYLOAD_TRANSFER DATA frames and
// reassembling incoming ones, plus the CONTROL subtype for cancellation.
//
// Grounded on the teacher's bridge.RunDeviceBridge for the
// one-goroutine-per-worker-draining-a-channel shape (here, one per payload
// type rather than one per device) and on internal/ptyio for treating a
// byte-oriented transfer as a ring-buffered pipe the client can read from
// while bytes are still arriving.
package payload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/nearby/internal/config"
	"github.com/srg/nearby/internal/endpointmgr"
	"github.com/srg/nearby/internal/groutine"
	"github.com/srg/nearby/internal/registry"
	"github.com/srg/nearby/internal/wire"
)

// chunkSample is one entry in the diagnostics ring (spec leaves transfer
// telemetry unspecified; this is this module's own addition for
// observability, lossy by design since it backs logging/debugging only).
type chunkSample struct {
	PayloadID  int64
	EndpointID string
	Offset     int64
	Size       int
	At         time.Time
}

const diagnosticsRingSize = 256

// outgoingTransfer tracks one in-flight send, addressable for cancellation.
type outgoingTransfer struct {
	id           int64
	typ          registry.PayloadType
	parentFolder string
	fileName     string
	totalSize    int64
	bytes        []byte
	reader       io.Reader
	file         *os.File
	endpointIDs  []string
	offset       int64
	canceled     atomic.Bool
}

// incomingTransfer tracks one in-flight receive, keyed by (endpointID, id).
type incomingTransfer struct {
	id       int64
	typ      registry.PayloadType
	total    int64
	received int64

	bytesBuf []byte
	pipe     *bytePipe
	file     *os.File
}

// Manager is the C7 payload manager: one instance per client, registered
// with the endpoint manager as the FrameProcessor for PAYLOAD_TRANSFER.
type Manager struct {
	cfg    *config.Config
	logger *logrus.Logger
	em     *endpointmgr.Manager

	bytesExec  *writerExecutor
	streamExec *writerExecutor
	fileExec   *writerExecutor

	listenersMu sync.Mutex
	listeners   map[string]registry.PayloadListener

	outMu sync.Mutex
	out   map[int64]*outgoingTransfer

	inMu sync.Mutex
	in   map[string]map[int64]*incomingTransfer

	samples mpmc.RichOverlappedRingBuffer[chunkSample]
}

type writerExecutor struct {
	jobs chan *outgoingTransfer
}

// New returns a payload manager backed by em, registering itself for
// PAYLOAD_TRANSFER frames.
func New(cfg *config.Config, logger *logrus.Logger, em *endpointmgr.Manager) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		em:        em,
		listeners: make(map[string]registry.PayloadListener),
		out:       make(map[int64]*outgoingTransfer),
		in:        make(map[string]map[int64]*incomingTransfer),
		samples:   mpmc.NewOverlappedRingBuffer[chunkSample](diagnosticsRingSize),
	}
	m.bytesExec = m.spawnExecutor("payload.bytes")
	m.streamExec = m.spawnExecutor("payload.stream")
	m.fileExec = m.spawnExecutor("payload.file")
	em.RegisterProcessor(wire.FrameTypePayloadTransfer, m)
	return m
}

// spawnExecutor starts one of the three serial writer executors (spec §5:
// "Three serial executors in the payload manager, one per payload type,
// bounding writer parallelism and preserving per-type ordering"),
// draining jobs one at a time for the lifetime of the process the same
// way the teacher's bridge.RunDeviceBridge workers drain their command
// channel.
func (m *Manager) spawnExecutor(name string) *writerExecutor {
	w := &writerExecutor{jobs: make(chan *outgoingTransfer, 16)}
	groutine.Go(context.Background(), name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-w.jobs:
				if !ok {
					return
				}
				m.runSend(job)
			}
		}
	})
	return w
}

// SetEndpointListener installs the PayloadListener for endpointID, called
// once a connection reaches CONNECTED and AcceptConnection supplied one.
func (m *Manager) SetEndpointListener(endpointID string, listener registry.PayloadListener) {
	m.listenersMu.Lock()
	m.listeners[endpointID] = listener
	m.listenersMu.Unlock()
}

// RemoveEndpointListener drops endpointID's listener and any in-flight
// incoming transfers on disconnect.
func (m *Manager) RemoveEndpointListener(endpointID string) {
	m.listenersMu.Lock()
	delete(m.listeners, endpointID)
	m.listenersMu.Unlock()

	m.inMu.Lock()
	delete(m.in, endpointID)
	m.inMu.Unlock()
}

func (m *Manager) listenerFor(endpointID string) registry.PayloadListener {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	return m.listeners[endpointID]
}

func (m *Manager) progress(endpointIDs []string, id int64, transferred, total int64, status registry.PayloadProgressStatus) {
	for _, eid := range endpointIDs {
		if l := m.listenerFor(eid); l != nil {
			l.PayloadProgress(eid, registry.PayloadProgress{
				PayloadID:        id,
				BytesTransferred: transferred,
				TotalBytes:       total,
				Status:           status,
			})
		}
	}
}

// SendPayload wraps p in an outgoing transfer and enqueues it on the
// executor for its type (spec §4.7 send path step 1-2).
func (m *Manager) SendPayload(p registry.Payload, endpointIDs []string) error {
	return m.sendPayloadFrom(p, 0, endpointIDs)
}

// ResumePayload re-sends p starting at offset, skipping ahead in the
// underlying Stream/File source before the first chunk goes out (spec
// §4.7 "Offset resume").
func (m *Manager) ResumePayload(p registry.Payload, offset int64, endpointIDs []string) error {
	return m.sendPayloadFrom(p, offset, endpointIDs)
}

func (m *Manager) sendPayloadFrom(p registry.Payload, offset int64, endpointIDs []string) error {
	job := &outgoingTransfer{
		id:           p.ID,
		typ:          p.Type,
		parentFolder: p.ParentFolder,
		fileName:     p.FileName,
		bytes:        p.Bytes,
		reader:       p.Stream,
		file:         p.File,
		offset:       offset,
		endpointIDs:  append([]string{}, endpointIDs...),
	}
	switch p.Type {
	case registry.PayloadTypeBytes:
		job.totalSize = int64(len(p.Bytes))
	case registry.PayloadTypeFile:
		if p.File != nil {
			if info, err := p.File.Stat(); err == nil {
				job.totalSize = info.Size()
			}
		}
	}

	var exec *writerExecutor
	switch p.Type {
	case registry.PayloadTypeBytes:
		exec = m.bytesExec
	case registry.PayloadTypeStream:
		exec = m.streamExec
	case registry.PayloadTypeFile:
		exec = m.fileExec
	default:
		return fmt.Errorf("payload: unknown payload type %d", p.Type)
	}

	m.outMu.Lock()
	m.out[p.ID] = job
	m.outMu.Unlock()

	exec.jobs <- job
	return nil
}

// skipToOffset advances r by offset bytes before the first
// chunk is sent, for resuming a previously interrupted Stream/File
// transfer (spec §4.7 "Offset resume").
func skipToOffset(r io.Reader, offset int64) error {
	if offset == 0 {
		return nil
	}
	if seeker, ok := r.(io.Seeker); ok {
		_, err := seeker.Seek(offset, io.SeekStart)
		return err
	}
	_, err := io.CopyN(io.Discard, r, offset)
	return err
}

func (m *Manager) runSend(job *outgoingTransfer) {
	defer func() {
		m.outMu.Lock()
		delete(m.out, job.id)
		m.outMu.Unlock()
	}()

	switch job.typ {
	case registry.PayloadTypeBytes:
		m.sendBytes(job)
	case registry.PayloadTypeStream:
		m.sendStream(job, job.reader)
	case registry.PayloadTypeFile:
		m.sendFile(job)
	}
}

func (m *Manager) sendBytes(job *outgoingTransfer) {
	header := wire.PayloadHeader{ID: job.id, Type: byte(job.typ), TotalSize: int64(len(job.bytes))}
	chunk := wire.PayloadChunk{Flags: wire.ChunkFlagLastChunk, Offset: 0, Body: job.bytes}
	failures := m.em.SendPayloadChunk(header, chunk, job.endpointIDs)
	m.recordSample(job.id, job.endpointIDs, 0, len(job.bytes))
	if len(failures) == len(job.endpointIDs) && len(job.endpointIDs) > 0 {
		m.progress(job.endpointIDs, job.id, 0, header.TotalSize, registry.PayloadFailure)
		return
	}
	m.progress(job.endpointIDs, job.id, header.TotalSize, header.TotalSize, registry.PayloadSuccess)
}

func (m *Manager) sendFile(job *outgoingTransfer) {
	if job.file == nil {
		m.progress(job.endpointIDs, job.id, 0, job.totalSize, registry.PayloadFailure)
		return
	}
	if job.offset != 0 {
		if _, err := job.file.Seek(job.offset, io.SeekStart); err != nil {
			m.progress(job.endpointIDs, job.id, job.offset, job.totalSize, registry.PayloadFailure)
			return
		}
	}
	m.sendStream(job, job.file)
}

func (m *Manager) sendStream(job *outgoingTransfer, r io.Reader) {
	if r == nil {
		m.progress(job.endpointIDs, job.id, 0, job.totalSize, registry.PayloadFailure)
		return
	}
	if err := skipToOffset(r, job.offset); err != nil {
		m.progress(job.endpointIDs, job.id, job.offset, job.totalSize, registry.PayloadFailure)
		return
	}

	header := wire.PayloadHeader{
		ID:           job.id,
		Type:         byte(job.typ),
		TotalSize:    job.totalSize,
		ParentFolder: job.parentFolder,
		FileName:     job.fileName,
	}

	buf := make([]byte, m.cfg.ChunkSize)
	offset := job.offset
	for {
		if job.canceled.Load() {
			m.cancelOnWire(job, offset)
			return
		}

		n, err := r.Read(buf)
		if n > 0 {
			chunk := wire.PayloadChunk{Offset: offset, Body: append([]byte{}, buf[:n]...)}
			failures := m.em.SendPayloadChunk(header, chunk, job.endpointIDs)
			m.recordSample(job.id, job.endpointIDs, offset, n)
			if len(failures) == len(job.endpointIDs) && len(job.endpointIDs) > 0 {
				m.progress(job.endpointIDs, job.id, offset, job.totalSize, registry.PayloadFailure)
				return
			}
			offset += int64(n)
			m.progress(job.endpointIDs, job.id, offset, job.totalSize, registry.PayloadInProgress)
		}
		if err == io.EOF {
			last := wire.PayloadChunk{Flags: wire.ChunkFlagLastChunk, Offset: offset}
			m.em.SendPayloadChunk(header, last, job.endpointIDs)
			m.progress(job.endpointIDs, job.id, offset, job.totalSize, registry.PayloadSuccess)
			return
		}
		if err != nil {
			m.progress(job.endpointIDs, job.id, offset, job.totalSize, registry.PayloadFailure)
			return
		}
	}
}

func (m *Manager) cancelOnWire(job *outgoingTransfer, offset int64) {
	m.em.SendControlMessage(wire.PayloadHeader{ID: job.id, Type: byte(job.typ)}, wire.ControlMessage{
		Event:  wire.ControlEventPayloadCanceled,
		Offset: offset,
	}, job.endpointIDs)
	m.progress(job.endpointIDs, job.id, offset, job.totalSize, registry.PayloadCanceled)
}

// CancelPayload marks id canceled; the owning executor's send loop notices
// on its next chunk and emits PAYLOAD_CANCELED plus a CANCELED progress
// event (spec §4.7 "Cancellation").
func (m *Manager) CancelPayload(id int64) error {
	m.outMu.Lock()
	job, ok := m.out[id]
	m.outMu.Unlock()
	if !ok {
		return fmt.Errorf("payload: no in-flight outgoing transfer %d", id)
	}
	job.canceled.Store(true)
	return nil
}

func (m *Manager) recordSample(id int64, endpointIDs []string, offset int64, size int) {
	for _, eid := range endpointIDs {
		_, _ = m.samples.EnqueueM(chunkSample{PayloadID: id, EndpointID: eid, Offset: offset, Size: size, At: time.Now()})
	}
}

// RecentSamples drains and returns the most recently recorded chunk
// sends, for diagnostics; a second call returns only samples recorded
// since the first. Entries are dropped oldest-first once the ring is full.
func (m *Manager) RecentSamples() []chunkSample {
	var out []chunkSample
	for !m.samples.IsEmpty() {
		s, err := m.samples.Dequeue()
		if err != nil {
			break
		}
		out = append(out, s)
	}
	return out
}

// ProcessFrame implements endpointmgr.FrameProcessor for PAYLOAD_TRANSFER
// frames (spec §4.7 receive path).
func (m *Manager) ProcessFrame(endpointID string, frame wire.OfflineFrame) {
	pt := frame.PayloadTransfer
	if pt == nil {
		return
	}
	switch pt.PacketType {
	case wire.PacketTypeData:
		m.handleData(endpointID, pt.Header, pt.Chunk)
	case wire.PacketTypeControl:
		m.handleControl(endpointID, pt.Header, pt.ControlMessage)
	}
}

// Disconnected implements endpointmgr.FrameProcessor: drop in-flight
// incoming transfers for a torn-down endpoint. The endpoint's listener
// stays installed until RemoveEndpointListener is called.
func (m *Manager) Disconnected(endpointID string, _ bool) {
	m.inMu.Lock()
	transfers := m.in[endpointID]
	delete(m.in, endpointID)
	m.inMu.Unlock()

	for _, t := range transfers {
		t.closeDestination()
	}
}

func (t *incomingTransfer) closeDestination() {
	switch t.typ {
	case registry.PayloadTypeStream:
		if t.pipe != nil {
			_ = t.pipe.Close()
		}
	case registry.PayloadTypeFile:
		if t.file != nil {
			_ = t.file.Close()
		}
	}
}

func (m *Manager) handleData(endpointID string, header wire.PayloadHeader, chunk *wire.PayloadChunk) {
	if chunk == nil {
		return
	}

	m.inMu.Lock()
	byID, ok := m.in[endpointID]
	if !ok {
		byID = make(map[int64]*incomingTransfer)
		m.in[endpointID] = byID
	}
	t, existed := byID[header.ID]
	if !existed {
		t = m.newIncomingTransfer(endpointID, header)
		byID[header.ID] = t
	}
	m.inMu.Unlock()

	if !existed {
		if l := m.listenerFor(endpointID); l != nil {
			switch t.typ {
			case registry.PayloadTypeStream:
				l.Payload(endpointID, registry.Payload{ID: header.ID, Type: t.typ, Stream: t.pipe})
			case registry.PayloadTypeFile:
				l.Payload(endpointID, registry.Payload{ID: header.ID, Type: t.typ, File: t.file,
					ParentFolder: header.ParentFolder, FileName: header.FileName})
			}
		}
	}

	last := chunk.Flags&wire.ChunkFlagLastChunk != 0 || (len(chunk.Body) == 0 && existed)

	if len(chunk.Body) > 0 {
		t.received += int64(len(chunk.Body))
		switch t.typ {
		case registry.PayloadTypeBytes:
			t.bytesBuf = append(t.bytesBuf, chunk.Body...)
		case registry.PayloadTypeStream:
			if _, err := t.pipe.Write(chunk.Body); err != nil {
				m.finishIncoming(endpointID, header.ID, registry.PayloadFailure)
				return
			}
		case registry.PayloadTypeFile:
			if t.file == nil {
				m.finishIncoming(endpointID, header.ID, registry.PayloadFailure)
				return
			}
			if _, err := t.file.WriteAt(chunk.Body, chunk.Offset); err != nil {
				m.finishIncoming(endpointID, header.ID, registry.PayloadFailure)
				return
			}
		}
	}

	if last {
		if t.typ == registry.PayloadTypeBytes {
			if l := m.listenerFor(endpointID); l != nil {
				l.Payload(endpointID, registry.Payload{ID: header.ID, Type: t.typ, Bytes: t.bytesBuf})
			}
		}
		m.finishIncoming(endpointID, header.ID, registry.PayloadSuccess)
		return
	}

	if l := m.listenerFor(endpointID); l != nil {
		l.PayloadProgress(endpointID, registry.PayloadProgress{
			PayloadID: header.ID, BytesTransferred: t.received, TotalBytes: header.TotalSize, Status: registry.PayloadInProgress,
		})
	}
}

func (m *Manager) newIncomingTransfer(endpointID string, header wire.PayloadHeader) *incomingTransfer {
	t := &incomingTransfer{id: header.ID, typ: registry.PayloadType(header.Type), total: header.TotalSize}
	switch t.typ {
	case registry.PayloadTypeStream:
		t.pipe = newBytePipe(m.cfg.ChunkSize * 4)
	case registry.PayloadTypeFile:
		path := destinationPath(header.ParentFolder, header.FileName, header.ID)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			m.logger.WithError(err).WithField("path", path).Error("payload: failed to create destination file")
			f = nil
		}
		t.file = f
	}
	return t
}

func (m *Manager) finishIncoming(endpointID string, id int64, status registry.PayloadProgressStatus) {
	m.inMu.Lock()
	byID := m.in[endpointID]
	t, ok := byID[id]
	if ok {
		delete(byID, id)
	}
	m.inMu.Unlock()
	if !ok {
		return
	}
	t.closeDestination()

	if l := m.listenerFor(endpointID); l != nil {
		l.PayloadProgress(endpointID, registry.PayloadProgress{
			PayloadID: id, BytesTransferred: t.received, TotalBytes: t.total, Status: status,
		})
	}
}

func (m *Manager) handleControl(endpointID string, header wire.PayloadHeader, ctrl *wire.ControlMessage) {
	if ctrl == nil {
		return
	}
	switch ctrl.Event {
	case wire.ControlEventPayloadCanceled:
		m.finishIncoming(endpointID, header.ID, registry.PayloadCanceled)
	case wire.ControlEventPayloadError:
		m.finishIncoming(endpointID, header.ID, registry.PayloadFailure)
	}
}

// destinationPath computes an incoming File payload's path (spec §4.7
// "File naming"), stripping any path separator or ".." component from
// fileName before joining it under parentFolder.
func destinationPath(parentFolder, fileName string, id int64) string {
	clean := sanitizeFileName(fileName)
	switch {
	case parentFolder != "" && clean != "":
		return filepath.Join(parentFolder, clean)
	case parentFolder != "":
		return filepath.Join(parentFolder, fmt.Sprintf("%d", id))
	default:
		return filepath.Join(os.TempDir(), fmt.Sprintf("nearby-payload-%d", id))
	}
}

func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || strings.Contains(name, "..") {
		return ""
	}
	return name
}
