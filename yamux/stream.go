package yamux

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/libp2p/go-libp2p-yamux-kad/iface"
)

var log = logging.Logger("yamux")

// Stream satisfies the minimal surface kad and other external collaborators
// need, without them importing yamux directly (§6).
var _ iface.Stream = (*Stream)(nil)

// DefaultInitialWindow is the default receive window granted to a new
// stream (§6: "Default initial window = 256 KiB"). The source's MplexStream
// comment claiming "256 MB" is a documentation bug in the original and is
// not carried forward (§9 Open Questions).
const DefaultInitialWindow = 256 * 1024

// Stream-level errors (§7).
var (
	ErrInvalidArgument   = errors.New("yamux: invalid argument")
	ErrIsReading         = errors.New("yamux: a read is already pending on this stream")
	ErrIsWriting         = errors.New("yamux: a write is already pending on this stream")
	ErrNotReadable       = errors.New("yamux: stream is not readable (half-closed remote)")
	ErrNotWritable       = errors.New("yamux: stream is not writable (half-closed local)")
	ErrReset             = errors.New("yamux: stream reset")
	ErrConnectionDead    = errors.New("yamux: connection is dead")
	ErrRecvWindowExceeded = errors.New("yamux: receive window exceeded")
)

type streamState int

const (
	stateInit streamState = iota // local opened, SYN not yet sent
	stateSYNSent
	stateSYNReceived // remote opened, ACK not yet sent
	stateEstablished // OPEN
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
	stateReset
)

func (s streamState) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateSYNSent:
		return "SYN_SENT"
	case stateSYNReceived:
		return "SYN_RECEIVED"
	case stateEstablished:
		return "OPEN"
	case stateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case stateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case stateClosed:
		return "CLOSED"
	case stateReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Stream is one bidirectional, ordered, flow-controlled channel multiplexed
// over a Session (§3, §4.4). Only one Read and one Write may be
// outstanding at a time; a second concurrent call returns ErrIsReading /
// ErrIsWriting immediately.
//
// Grounded on the vendored go-libp2p-yamux / hashicorp-yamux reference
// (other_examples/*yamux*stream.go): the state machine, window bookkeeping,
// and the deadline-via-timer pattern are carried over near verbatim, since
// that file already implements exactly the wire-compatible Yamux protocol
// this spec requires.
type Stream struct {
	id          uint32
	isInitiator bool
	session     *Session

	stateMu sync.Mutex
	state   streamState

	readMu       sync.Mutex
	readCond     sync.Cond
	recvBuf      readBuffer
	recvWindow   uint32 // bytes of credit we've extended to the peer (max_window - buffered)
	maxWindow    uint32
	readPending  bool
	readErr      error
	readDeadline time.Time

	writeMu       sync.Mutex
	writeCond     sync.Cond
	sendWindow    uint32
	writePending  bool
	writeErr      error
	writeDeadline time.Time

	finSent     bool
	reset       bool
	synAcquired bool // true for inbound streams that hold an accept-backlog slot
}

func newStream(session *Session, id uint32, isInitiator bool, state streamState) *Stream {
	s := &Stream{
		id:          id,
		isInitiator: isInitiator,
		session:     session,
		state:       state,
		recvWindow:  DefaultInitialWindow,
		maxWindow:   DefaultInitialWindow,
		sendWindow:  DefaultInitialWindow,
	}
	s.readCond.L = &s.readMu
	s.writeCond.L = &s.writeMu
	return s
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint32 { return s.id }

// IsInitiator reports whether this side dialed the stream.
func (s *Stream) IsInitiator() bool { return s.isInitiator }

func (s *Stream) setState(st streamState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Stream) getState() streamState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// ---- Read path ------------------------------------------------------

// Read implements io.Reader. It blocks until at least one byte is
// available, the stream is half-closed with no buffered bytes (io.EOF), or
// it fails; it then returns whatever is buffered, up to len(p), so it may
// return fewer bytes than len(p).
func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.readPending {
		return 0, ErrIsReading
	}
	s.readPending = true
	defer func() { s.readPending = false }()

	for {
		if s.readErr != nil {
			err := s.readErr
			return 0, err
		}
		if s.recvBuf.Len() > 0 {
			n := s.recvBuf.Consume(p)
			s.grantWindowLocked(n)
			return n, nil
		}
		state := s.getState()
		if state == stateHalfClosedRemote || state == stateClosed {
			return 0, io.EOF
		}
		if state == stateReset {
			return 0, ErrReset
		}
		if !s.readDeadline.IsZero() && !time.Now().Before(s.readDeadline) {
			return 0, errTimeout{}
		}
		s.waitRead()
	}
}

func (s *Stream) waitRead() {
	if s.readDeadline.IsZero() {
		s.readCond.Wait()
		return
	}
	d := time.Until(s.readDeadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		s.readMu.Lock()
		s.readCond.Broadcast()
		s.readMu.Unlock()
	})
	defer timer.Stop()
	s.readCond.Wait()
}

// grantWindowLocked must be called with readMu held after consuming n bytes
// from recvBuf; it sends a WindowUpdate crediting the peer for exactly the
// bytes the application just consumed (§4.4: "emit a WindowUpdate frame for
// that consumed amount").
func (s *Stream) grantWindowLocked(n int) {
	if n <= 0 {
		return
	}
	s.recvWindow += uint32(n)
	hdr := encode(typeWindowUpdate, 0, s.id, uint32(n))
	if err := s.session.sendFrame(hdr, nil); err != nil {
		log.Debugw("failed to send window update", "stream", s.id, "err", err)
	}
}

// receiveData is invoked by the Session's read loop when a Data frame
// arrives for this stream (§4.4 receive path).
func (s *Stream) receiveData(payload []byte) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if uint32(len(payload)) > s.recvWindow {
		return ErrRecvWindowExceeded
	}
	s.recvWindow -= uint32(len(payload))
	s.recvBuf.Append(payload)
	s.readCond.Broadcast()
	return nil
}

// receiveFIN marks the remote direction closed (§4.4 FIN handling).
func (s *Stream) receiveFIN() {
	s.stateMu.Lock()
	var closedNow bool
	switch s.state {
	case stateSYNSent, stateSYNReceived, stateEstablished:
		s.state = stateHalfClosedRemote
	case stateHalfClosedLocal:
		s.state = stateClosed
		closedNow = true
	}
	s.stateMu.Unlock()

	s.readMu.Lock()
	s.readCond.Broadcast()
	s.readMu.Unlock()

	if closedNow {
		s.session.forgetStream(s.id)
	}
}

// receiveRST marks both directions terminally reset and wakes every pending
// call exactly once (§4.4 RST handling, §8 property 9).
func (s *Stream) receiveRST() {
	s.stateMu.Lock()
	s.state = stateReset
	s.stateMu.Unlock()

	s.readMu.Lock()
	if s.readErr == nil {
		s.readErr = ErrReset
	}
	s.readCond.Broadcast()
	s.readMu.Unlock()

	s.writeMu.Lock()
	if s.writeErr == nil {
		s.writeErr = ErrReset
	}
	s.writeCond.Broadcast()
	s.writeMu.Unlock()
}

// killWithConnectionDead is invoked by the Session when the underlying pipe
// dies; every stream observes ErrConnectionDead on its next call (§7).
func (s *Stream) killWithConnectionDead() {
	s.readMu.Lock()
	if s.readErr == nil {
		s.readErr = ErrConnectionDead
	}
	s.readCond.Broadcast()
	s.readMu.Unlock()

	s.writeMu.Lock()
	if s.writeErr == nil {
		s.writeErr = ErrConnectionDead
	}
	s.writeCond.Broadcast()
	s.writeMu.Unlock()
}

// ---- Write path -------------------------------------------------------

// Write implements io.Writer; it may issue several Data frames, each
// bounded by the current send window, suspending between them until
// WindowUpdate frames arrive (§4.4 send path, §8 scenario S2).
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writePending {
		return 0, ErrIsWriting
	}
	s.writePending = true
	defer func() { s.writePending = false }()

	total := 0
	for total < len(p) {
		n, err := s.writeChunkLocked(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Stream) writeChunkLocked(p []byte) (int, error) {
	for {
		if s.writeErr != nil {
			return 0, s.writeErr
		}
		state := s.getState()
		switch state {
		case stateHalfClosedLocal, stateClosed:
			return 0, ErrNotWritable
		case stateReset:
			return 0, ErrReset
		}
		if s.sendWindow > 0 {
			n := int(s.sendWindow)
			if n > len(p) {
				n = len(p)
			}
			flags := s.synOrAckFlagsLocked()
			hdr := encode(typeData, flags, s.id, uint32(n))
			payload := make([]byte, n)
			copy(payload, p[:n])
			if err := s.session.sendFrame(hdr, payload); err != nil {
				return 0, err
			}
			s.sendWindow -= uint32(n)
			return n, nil
		}
		if !s.writeDeadline.IsZero() && !time.Now().Before(s.writeDeadline) {
			return 0, errTimeout{}
		}
		s.waitWrite()
	}
}

func (s *Stream) waitWrite() {
	if s.writeDeadline.IsZero() {
		s.writeCond.Wait()
		return
	}
	d := time.Until(s.writeDeadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		s.writeMu.Lock()
		s.writeCond.Broadcast()
		s.writeMu.Unlock()
	})
	defer timer.Stop()
	s.writeCond.Wait()
}

// synOrAckFlagsLocked returns the SYN flag for an outbound stream's first
// payload frame, advancing state as a side effect (§4.4 state machine).
// Inbound streams never reach here in stateSYNReceived: AcceptStream's
// sendAck already answered the SYN with a standalone ACK frame before the
// caller could ever Write.
func (s *Stream) synOrAckFlagsLocked() uint16 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	var flags uint16
	if s.state == stateInit {
		flags |= flagSYN
		s.state = stateSYNSent
	}
	return flags
}

// sendAck sends the standalone zero-length ACK frame a freshly-accepted
// stream owes the peer before any reply payload (§8 S1). A no-op if the
// stream isn't (still) awaiting its ACK, e.g. already reset.
func (s *Stream) sendAck() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.Lock()
	if s.state != stateSYNReceived {
		s.stateMu.Unlock()
		return nil
	}
	s.state = stateEstablished
	s.stateMu.Unlock()

	hdr := encode(typeData, flagACK, s.id, 0)
	return s.session.sendFrame(hdr, nil)
}

// incrSendWindow applies an incoming WindowUpdate (§4.5).
func (s *Stream) incrSendWindow(delta uint32, flags uint16) {
	s.processFlags(flags)

	s.writeMu.Lock()
	s.sendWindow += delta
	s.writeCond.Broadcast()
	s.writeMu.Unlock()
}

// processFlags applies SYN/ACK/FIN/RST flags piggy-backed on any frame.
func (s *Stream) processFlags(flags uint16) {
	if flags&flagACK != 0 {
		s.stateMu.Lock()
		if s.state == stateSYNSent {
			s.state = stateEstablished
		}
		s.stateMu.Unlock()
		s.session.establishStream(s.id)
	}
	if flags&flagFIN != 0 {
		s.receiveFIN()
	}
	if flags&flagRST != 0 {
		s.receiveRST()
	}
}

// ---- Close / CloseWrite / Reset ---------------------------------------

// CloseWrite half-closes the local (write) direction by sending a Data
// frame with FIN set (§4.4 close). Idempotent. A stream that's never
// written to still owes the peer its SYN, so CloseWrite carries it on the
// FIN frame in that case — the "explicit zero-length open" path for a
// stream whose first and only outbound frame is the close itself.
func (s *Stream) CloseWrite() error {
	s.stateMu.Lock()
	switch s.state {
	case stateHalfClosedLocal, stateClosed, stateReset:
		s.stateMu.Unlock()
		return nil
	}
	prevState := s.state
	var closeFully bool
	if s.state == stateHalfClosedRemote {
		s.state = stateClosed
		closeFully = true
	} else {
		s.state = stateHalfClosedLocal
	}
	s.stateMu.Unlock()

	var flags uint16
	if prevState == stateInit {
		flags = flagSYN
	}
	flags |= flagFIN

	s.writeMu.Lock()
	hdr := encode(typeData, flags, s.id, 0)
	err := s.session.sendFrame(hdr, nil)
	s.finSent = true
	s.writeMu.Unlock()

	if closeFully {
		s.session.forgetStream(s.id)
	}
	return err
}

// Close closes the stream gracefully: it is equivalent to CloseWrite,
// matching the net.Conn-style contract used throughout the grounding repos
// (§4.4 `close(cb)`: "cb(Ok) after FIN flushed; already-closed reported as
// Ok").
func (s *Stream) Close() error {
	return s.CloseWrite()
}

// Reset aborts the stream immediately and is idempotent (§4.4 `reset()`).
func (s *Stream) Reset() error {
	s.stateMu.Lock()
	if s.state == stateReset {
		s.stateMu.Unlock()
		return nil
	}
	s.state = stateReset
	s.stateMu.Unlock()

	s.readMu.Lock()
	if s.readErr == nil {
		s.readErr = ErrReset
	}
	s.readCond.Broadcast()
	s.readMu.Unlock()

	s.writeMu.Lock()
	if s.writeErr == nil {
		s.writeErr = ErrReset
	}
	s.writeCond.Broadcast()
	s.writeMu.Unlock()

	hdr := encode(typeWindowUpdate, flagRST, s.id, 0)
	err := s.session.sendFrame(hdr, nil)
	s.session.forgetStream(s.id)
	return err
}

// AdjustWindow changes the stream's advertised max receive window,
// emitting a WindowUpdate for the increase (§4.4 `adjust_window`).
func (s *Stream) AdjustWindow(newSize uint32) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	buffered := uint32(s.recvBuf.Len())
	if newSize < buffered {
		return fmt.Errorf("%w: new window %d below buffered %d", ErrInvalidArgument, newSize, buffered)
	}
	delta := newSize - s.maxWindow
	s.maxWindow = newSize
	if delta == 0 {
		return nil
	}
	s.recvWindow += delta
	hdr := encode(typeWindowUpdate, 0, s.id, delta)
	return s.session.sendFrame(hdr, nil)
}

// SetDeadline sets both read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.readMu.Lock()
	s.readDeadline = t
	s.readCond.Broadcast()
	s.readMu.Unlock()
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.writeMu.Lock()
	s.writeDeadline = t
	s.writeCond.Broadcast()
	s.writeMu.Unlock()
	return nil
}

// errTimeout implements net.Error for deadline expiry, matching the
// teacher's timeoutError (session.go).
type errTimeout struct{}

func (errTimeout) Error() string   { return "yamux: i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }
