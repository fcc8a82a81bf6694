package yamux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	pkgerrors "github.com/pkg/errors"
)

// Session-level errors (§7).
var (
	ErrSessionShutdown   = errors.New("yamux: session shut down")
	ErrStreamsExhausted  = errors.New("yamux: stream ids exhausted")
	ErrDuplicateStream   = errors.New("yamux: duplicate stream id")
	ErrGoAway            = errors.New("yamux: received go away")
	ErrKeepAliveTimeout  = errors.New("yamux: keepalive timeout")
	ErrPingOutstanding   = errors.New("yamux: ping already outstanding")
)

// Config tunes a Session. Zero-valued fields fall back to defaults, the
// same convention the teacher's smux.Config uses.
type Config struct {
	// AcceptBacklog bounds the number of inbound streams the session tracks
	// at once: a slot is taken when the SYN arrives and released when the
	// session forgets the stream. Once the bound is reached, new SYNs are
	// rejected with a RST.
	AcceptBacklog int
	// WriteQueueCap bounds the per-connection outbound byte budget (§4.2).
	WriteQueueCap int
	// KeepAliveInterval is how often a keepalive Ping is sent, regardless
	// of other traffic; zero disables keepalive pings entirely.
	KeepAliveInterval time.Duration
	// KeepAliveTimeout closes the session if a keepalive Ping goes
	// unanswered for this long.
	KeepAliveTimeout time.Duration
	// EnableKeepAlive toggles the keepalive goroutine.
	EnableKeepAlive bool
}

// DefaultConfig returns the configuration used when a caller passes nil.
func DefaultConfig() *Config {
	return &Config{
		AcceptBacklog:     256,
		WriteQueueCap:     DefaultWriteQueueCap,
		KeepAliveInterval: 30 * time.Second,
		KeepAliveTimeout:  2 * time.Minute,
		EnableKeepAlive:   true,
	}
}

// Session is a MuxedConnection: it owns a single underlying reliable pipe
// (already secured and protocol-negotiated — see iface.SecurityTransport /
// iface.ProtocolNegotiator) and multiplexes it into many Streams (§4.5).
//
// Grounded on two sources: the teacher's smux.Session (session.go) supplies
// the read-loop/write-loop/keepalive goroutine split and the
// streams-map-guarded-by-a-mutex ownership pattern; the vendored
// hashicorp/yamux session.go (other_examples) supplies the exact wire
// dispatch, SYN backlog/semaphore, RTT ping measurement, and GoAway
// handling this spec's wire format requires byte-for-byte.
type Session struct {
	conn        io.ReadWriteCloser
	config      *Config
	isClient    bool
	writeQ      *writeQueue

	streamsMu sync.Mutex
	streams   map[uint32]*Stream
	nextID    uint32

	acceptCh chan *Stream
	synCh    chan struct{} // semaphore bounding inbound-accept backlog

	pingMu      sync.Mutex
	pingID      uint32
	pingCh      chan uint32
	rtt         int64 // nanoseconds, atomic

	goAwayMu       sync.Mutex
	localGoAway    bool
	remoteGoAway   bool

	shutdownMu sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	shutdownErr error

	keepaliveStop chan struct{}
}

// NewSession wraps conn (already secured and negotiated to the yamux
// protocol id) as a multiplexed Session. isClient selects the stream-id
// parity this side allocates (odd for client, even for server, §4.5).
func NewSession(conn io.ReadWriteCloser, config *Config, isClient bool) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Session{
		conn:          conn,
		config:        config,
		isClient:      isClient,
		writeQ:        newWriteQueue(config.WriteQueueCap),
		streams:       make(map[uint32]*Stream),
		acceptCh:      make(chan *Stream, config.AcceptBacklog),
		synCh:         make(chan struct{}, config.AcceptBacklog),
		pingCh:        make(chan uint32, 1),
		shutdownCh:    make(chan struct{}),
		keepaliveStop: make(chan struct{}),
	}
	if isClient {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	go s.recvLoop()
	go s.sendLoop()
	if config.EnableKeepAlive && config.KeepAliveInterval > 0 {
		go s.keepaliveLoop()
	}
	return s
}

// ---- stream id allocation & lifecycle ---------------------------------

func (s *Session) allocStreamID() (uint32, error) {
	for {
		cur := atomic.LoadUint32(&s.nextID)
		next := cur + 2
		if next < cur { // wrapped
			return 0, ErrStreamsExhausted
		}
		if atomic.CompareAndSwapUint32(&s.nextID, cur, next) {
			return cur, nil
		}
	}
}

// OpenStream opens a new outbound stream. It does not itself send any
// frame: the stream stays in stateInit until its first Write (or
// CloseWrite) carries the SYN flag, so the very first frame the peer sees
// for this stream is that payload frame itself (§8 S1 — one SYN-flagged
// Data frame, not a standalone empty one followed by a second frame).
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	if s.isRemoteGoAway() {
		return nil, ErrGoAway
	}
	if s.isShutdown() {
		return nil, ErrSessionShutdown
	}

	id, err := s.allocStreamID()
	if err != nil {
		return nil, err
	}

	stream := newStream(s, id, true, stateInit)
	s.streamsMu.Lock()
	s.streams[id] = stream
	s.streamsMu.Unlock()
	return stream, nil
}

// AcceptStream blocks until a remotely-opened stream arrives or the
// session shuts down. Before handing the stream back, it sends the
// standalone zero-length ACK frame the SYN must be answered with (§8 S1:
// the listener's first outbound frame is `Data,flags=ACK,length=0`,
// strictly before any reply payload) — grounded on the vendored
// hashicorp/yamux reference's AcceptStream calling sendWindowUpdate before
// returning (other_examples/023b8f1f_..._session.go.go:244-257).
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st, ok := <-s.acceptCh:
		if !ok {
			return nil, ErrSessionShutdown
		}
		if err := st.sendAck(); err != nil {
			return nil, err
		}
		return st, nil
	case <-s.shutdownCh:
		return nil, s.shutdownErrOrDefault()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) establishStream(id uint32) {
	// no-op hook point: state is already advanced by processFlags. Kept as
	// a named call site so session-level bookkeeping (e.g. metrics) has
	// somewhere to live without touching Stream internals.
	_ = id
}

func (s *Session) forgetStream(id uint32) {
	s.streamsMu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	s.streamsMu.Unlock()
	if ok && st.synAcquired {
		<-s.synCh
	}
}

func (s *Session) getStream(id uint32) *Stream {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return s.streams[id]
}

// ---- frame transmission -------------------------------------------------

// sendFrame encodes hdr+payload, enqueues it on the write queue and blocks
// until sendLoop's goroutine has written it (or the session shuts down). A
// frame the queue refuses, e.g. one over the byte budget, is not queued and
// Push's error is returned.
func (s *Session) sendFrame(hdr header, payload []byte) error {
	if s.isShutdown() {
		return ErrSessionShutdown
	}
	buf := pool.Get(headerSize + len(payload))
	copy(buf, hdr[:])
	copy(buf[headerSize:], payload)

	done := make(chan error, 1)
	err := s.writeQ.Push(buf, func(err error) { done <- err })
	if err != nil {
		pool.Put(buf)
		return err
	}
	select {
	case err := <-done:
		return err
	case <-s.shutdownCh:
		return ErrSessionShutdown
	}
}

// sendLoop is the single goroutine permitted to write to s.conn, draining
// the write queue in FIFO order (§4.2). Grounded on the teacher's
// sendLoop/shaperLoop split in session.go.
func (s *Session) sendLoop() {
	for {
		c, ok := s.writeQ.Pop()
		if !ok {
			return
		}
		_, err := s.conn.Write(c.data)
		s.writeQ.Complete(c, err)
		if err != nil {
			s.exitErr(pkgerrors.Wrap(err, "yamux: write failed"))
			return
		}
	}
}

// ---- receive path --------------------------------------------------------

// recvLoop reads and dispatches frames until the pipe fails or a GoAway is
// processed. Grounded on the vendored hashicorp/yamux recvLoop's
// handler-table dispatch, adapted to call directly into Stream methods
// instead of a shared handlers map.
func (s *Session) recvLoop() {
	defer s.exitErr(io.EOF)
	hdrBuf := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(s.conn, hdrBuf); err != nil {
			s.exitErr(err)
			return
		}
		hdr, err := decode(hdrBuf)
		if err != nil {
			_ = s.GoAway(goAwayProtoErr)
			s.exitErr(err)
			return
		}
		if err := s.dispatch(hdr); err != nil {
			s.exitErr(err)
			return
		}
	}
}

func (s *Session) dispatch(hdr header) error {
	switch hdr.MsgType() {
	case typeData:
		return s.handleData(hdr)
	case typeWindowUpdate:
		return s.handleWindowUpdate(hdr)
	case typePing:
		return s.handlePing(hdr)
	case typeGoAway:
		return s.handleGoAway(hdr)
	default:
		return &ParseError{Reason: fmt.Sprintf("unknown frame type %d", hdr.MsgType())}
	}
}

func (s *Session) handleData(hdr header) error {
	id := hdr.StreamID()
	flags := hdr.Flags()

	stream := s.getStream(id)
	if stream == nil {
		if flags&flagSYN == 0 {
			// Data for an unknown, non-SYN stream: the peer is referencing
			// a stream we've already forgotten (e.g. post-RST). Drain and
			// ignore, matching the teacher's tolerant-of-late-frames policy.
			return s.discard(hdr.Length())
		}
		var err error
		stream, err = s.incomingStream(id)
		if err != nil {
			if discardErr := s.discard(hdr.Length()); discardErr != nil {
				return discardErr
			}
			_ = s.sendFrame(encode(typeWindowUpdate, flagRST, id, 0), nil)
			return nil
		}
	}

	if hdr.Length() > 0 {
		payload := make([]byte, hdr.Length())
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return err
		}
		if err := stream.receiveData(payload); err != nil {
			// Receive-window violation is a connection-level protocol error
			// (§8 S3): reset the offending stream, GoAway, then tear the
			// whole session down so every other stream observes
			// ConnectionDead.
			_ = stream.Reset()
			_ = s.GoAway(goAwayProtoErr)
			return pkgerrors.Wrap(err, "yamux: receive window exceeded")
		}
	}
	stream.processFlags(flags &^ flagSYN)
	return nil
}

func (s *Session) incomingStream(id uint32) (*Stream, error) {
	if s.isLocalGoAway() {
		return nil, errors.New("yamux: rejecting new stream, go away sent")
	}
	// parity check: a client allocates odd ids, a server even (§4.5).
	if s.isClient == (id%2 == 1) {
		return nil, fmt.Errorf("yamux: invalid stream id parity %d", id)
	}

	select {
	case s.synCh <- struct{}{}:
	default:
		return nil, errors.New("yamux: accept backlog full")
	}

	stream := newStream(s, id, false, stateSYNReceived)
	stream.synAcquired = true
	s.streamsMu.Lock()
	if _, dup := s.streams[id]; dup {
		s.streamsMu.Unlock()
		<-s.synCh
		return nil, ErrDuplicateStream
	}
	s.streams[id] = stream
	s.streamsMu.Unlock()

	select {
	case s.acceptCh <- stream:
	default:
		s.forgetStream(id)
		<-s.synCh
		return nil, errors.New("yamux: accept queue full")
	}
	return stream, nil
}

func (s *Session) handleWindowUpdate(hdr header) error {
	stream := s.getStream(hdr.StreamID())
	if stream == nil {
		return nil
	}
	stream.incrSendWindow(hdr.Length(), hdr.Flags())
	return nil
}

func (s *Session) handlePing(hdr header) error {
	if hdr.Flags()&flagSYN != 0 {
		reply := encode(typePing, flagACK, 0, hdr.Length())
		return s.sendFrame(reply, nil)
	}
	select {
	case s.pingCh <- hdr.Length():
	default:
	}
	return nil
}

func (s *Session) handleGoAway(hdr header) error {
	s.goAwayMu.Lock()
	s.remoteGoAway = true
	s.goAwayMu.Unlock()
	return ErrGoAway
}

func (s *Session) discard(n uint32) error {
	if n == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, s.conn, int64(n))
	return err
}

// ---- ping / RTT ----------------------------------------------------------

// Ping measures round-trip time to the peer (§6 supplemental: RTT
// measurement, grounded on hashicorp/yamux's measureRTT).
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	s.pingMu.Lock()
	id := s.pingID
	s.pingID++
	s.pingMu.Unlock()

	start := time.Now()
	hdr := encode(typePing, flagSYN, 0, id)
	if err := s.sendFrame(hdr, nil); err != nil {
		return 0, err
	}

	for {
		select {
		case got := <-s.pingCh:
			if got != id {
				continue
			}
			rtt := time.Since(start)
			atomic.StoreInt64(&s.rtt, int64(rtt))
			return rtt, nil
		case <-s.shutdownCh:
			return 0, ErrSessionShutdown
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// RTT returns the last measured round-trip time, or zero if none yet.
func (s *Session) RTT() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.rtt))
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.KeepAliveTimeout)
			_, err := s.Ping(ctx)
			cancel()
			if err != nil {
				s.exitErr(pkgerrors.Wrap(ErrKeepAliveTimeout, err.Error()))
				return
			}
		case <-s.keepaliveStop:
			return
		case <-s.shutdownCh:
			return
		}
	}
}

// ---- GoAway / shutdown ----------------------------------------------------

// GoAway sends a graceful GoAway with the given code and stops accepting
// new inbound streams (§6).
func (s *Session) GoAway(code uint32) error {
	s.goAwayLocal(code)
	hdr := encode(typeGoAway, 0, 0, code)
	return s.sendFrame(hdr, nil)
}

func (s *Session) goAwayLocal(code uint32) {
	s.goAwayMu.Lock()
	s.localGoAway = true
	s.goAwayMu.Unlock()
}

func (s *Session) isLocalGoAway() bool {
	s.goAwayMu.Lock()
	defer s.goAwayMu.Unlock()
	return s.localGoAway
}

func (s *Session) isRemoteGoAway() bool {
	s.goAwayMu.Lock()
	defer s.goAwayMu.Unlock()
	return s.remoteGoAway
}

func (s *Session) isShutdown() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	return s.shutdown
}

func (s *Session) shutdownErrOrDefault() error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.shutdownErr != nil {
		return s.shutdownErr
	}
	return ErrSessionShutdown
}

// exitErr tears the session down exactly once: it records cause as the
// session's shutdown error, fails every live stream with ErrConnectionDead
// (§7 ConnectionDead) and closes the underlying pipe.
func (s *Session) exitErr(cause error) {
	s.shutdownMu.Lock()
	if s.shutdown {
		s.shutdownMu.Unlock()
		return
	}
	s.shutdown = true
	s.shutdownErr = cause
	s.shutdownMu.Unlock()

	close(s.shutdownCh)
	close(s.keepaliveStop)
	s.writeQ.Close()
	close(s.acceptCh)

	s.streamsMu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streamsMu.Unlock()
	for _, st := range streams {
		st.killWithConnectionDead()
	}

	_ = s.conn.Close()
}

// Close shuts the session down immediately: every open stream fails with
// ErrConnectionDead (no RST frames are sent). It always returns nil.
func (s *Session) Close() error {
	s.exitErr(ErrSessionShutdown)
	return nil
}

// NumStreams reports the number of streams currently tracked, for tests
// and diagnostics.
func (s *Session) NumStreams() int {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return len(s.streams)
}

// IsClosed reports whether the session has torn down.
func (s *Session) IsClosed() bool { return s.isShutdown() }
