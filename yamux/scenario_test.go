package yamux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// frameRecorder wraps one side of a net.Pipe and keeps a copy of every
// []byte handed to Write, in order. sendLoop issues exactly one Write per
// encoded frame (header+payload, see sendFrame), so the recording is
// precisely the wire trace for that direction.
type frameRecorder struct {
	net.Conn
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	r.mu.Lock()
	r.frames = append(r.frames, cp)
	r.mu.Unlock()
	return r.Conn.Write(p)
}

func (r *frameRecorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

// dataFrames filters a recorded trace down to typeData frames, the ones S1's
// literal scenario enumerates; WindowUpdate credit frames are a separate
// flow-control side channel and not part of that enumeration.
func (r *frameRecorder) dataFrames() [][]byte {
	var out [][]byte
	for _, f := range r.snapshot() {
		if len(f) >= headerSize && f[1] == typeData {
			out = append(out, f)
		}
	}
	return out
}

func assertFrame(t *testing.T, raw []byte, wantFlags uint16, wantStream uint32, wantPayload []byte) {
	t.Helper()
	if len(raw) < headerSize {
		t.Fatalf("frame too short: %d bytes", len(raw))
	}
	var hdr header
	copy(hdr[:], raw[:headerSize])
	if hdr.MsgType() != typeData {
		t.Fatalf("frame type = %d, want Data(%d)", hdr.MsgType(), typeData)
	}
	if hdr.Flags() != wantFlags {
		t.Fatalf("flags = %#x, want %#x", hdr.Flags(), wantFlags)
	}
	if hdr.StreamID() != wantStream {
		t.Fatalf("stream id = %d, want %d", hdr.StreamID(), wantStream)
	}
	if int(hdr.Length()) != len(wantPayload) {
		t.Fatalf("length = %d, want %d", hdr.Length(), len(wantPayload))
	}
	if got := raw[headerSize:]; !bytes.Equal(got, wantPayload) {
		t.Fatalf("payload = % x, want % x", got, wantPayload)
	}
}

// TestS1StreamOpenEchoCloseWireTrace drives the literal open/echo/close
// scenario and asserts the exact Data-frame sequence each direction puts on
// the wire: a single SYN-flagged frame carrying the payload (never a
// standalone empty SYN followed by the data), a standalone zero-length ACK
// before any reply payload, and FIN on each side's close.
func TestS1StreamOpenEchoCloseWireTrace(t *testing.T) {
	c1, c2 := net.Pipe()
	dialerOut := &frameRecorder{Conn: c1}
	listenerOut := &frameRecorder{Conn: c2}

	client := NewSession(dialerOut, DefaultConfig(), true)
	server := NewSession(listenerOut, DefaultConfig(), false)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	hello := []byte("hello")
	if !bytes.Equal(hello, []byte{0x68, 0x65, 0x6C, 0x6C, 0x6F}) {
		t.Fatalf("test fixture %q does not encode to the literal hex payload", hello)
	}

	serverDone := make(chan error, 1)
	go func() {
		st, err := server.AcceptStream(context.Background())
		if err != nil {
			serverDone <- err
			return
		}
		buf := make([]byte, len(hello))
		if _, err := io.ReadFull(st, buf); err != nil {
			serverDone <- err
			return
		}
		if _, err := st.Write(buf); err != nil {
			serverDone <- err
			return
		}
		if _, err := st.Read(make([]byte, 1)); err != io.EOF {
			serverDone <- fmt.Errorf("listener Read after dialer FIN = %v, want io.EOF", err)
			return
		}
		if err := st.CloseWrite(); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	cs, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := cs.Write(hello); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := make([]byte, len(hello))
	if _, err := io.ReadFull(cs, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, hello) {
		t.Fatalf("echoed payload = %q, want %q", out, hello)
	}
	if err := cs.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && (client.NumStreams() > 0 || server.NumStreams() > 0) {
		time.Sleep(5 * time.Millisecond)
	}

	dialerFrames := dialerOut.dataFrames()
	if len(dialerFrames) != 2 {
		t.Fatalf("dialer sent %d Data frames, want 2 (SYN+payload, then FIN): %v", len(dialerFrames), dialerFrames)
	}
	assertFrame(t, dialerFrames[0], flagSYN, 1, hello)
	assertFrame(t, dialerFrames[1], flagFIN, 1, nil)

	listenerFrames := listenerOut.dataFrames()
	if len(listenerFrames) != 3 {
		t.Fatalf("listener sent %d Data frames, want 3 (ACK, payload, FIN): %v", len(listenerFrames), listenerFrames)
	}
	assertFrame(t, listenerFrames[0], flagACK, 1, nil)
	assertFrame(t, listenerFrames[1], 0, 1, hello)
	assertFrame(t, listenerFrames[2], flagFIN, 1, nil)
}

// TestS2FlowControlSplit drives the literal 300000/262144/37856/100000 split:
// a single 300000-byte Write sends only the first window's worth, suspends,
// and resumes with exactly the remainder once the receiver's 100000-byte
// read credits the stream back.
func TestS2FlowControlSplit(t *testing.T) {
	if DefaultInitialWindow != 262144 {
		t.Fatalf("DefaultInitialWindow = %d, want 262144", DefaultInitialWindow)
	}

	const (
		total     = 300000
		firstRead = 100000
	)
	remainder := total - DefaultInitialWindow

	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i)
	}

	c1, c2 := net.Pipe()
	listenerOut := &frameRecorder{Conn: c2}
	client := NewSession(c1, DefaultConfig(), true)
	server := NewSession(listenerOut, DefaultConfig(), false)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	cs, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	acceptedCh := make(chan *Stream, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		st, err := server.AcceptStream(context.Background())
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- st
	}()

	writeDone := make(chan error, 1)
	go func() {
		_, err := cs.Write(payload)
		writeDone <- err
	}()

	var st *Stream
	select {
	case st = <-acceptedCh:
	case err := <-acceptErrCh:
		t.Fatalf("AcceptStream: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server never accepted the stream")
	}

	// Wait for the first window's worth to go out and the write to suspend,
	// before anything reads and credits it back.
	deadline := time.Now().Add(time.Second)
	var sendWindow uint32 = DefaultInitialWindow
	for time.Now().Before(deadline) {
		cs.writeMu.Lock()
		sendWindow = cs.sendWindow
		cs.writeMu.Unlock()
		if sendWindow == 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if sendWindow != 0 {
		t.Fatalf("sendWindow after the first chunk = %d, want 0 (suspended on the remainder)", sendWindow)
	}
	select {
	case err := <-writeDone:
		t.Fatalf("Write returned early (err=%v); the 37856-byte remainder should still be suspended", err)
	default:
	}

	got := make([]byte, total)
	if _, err := io.ReadFull(st, got[:firstRead]); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, err := io.ReadFull(st, got[firstRead:]); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("received payload does not match what was written, or arrived out of order")
	}

	if err := <-writeDone; err != nil {
		t.Fatalf("Write: %v", err)
	}

	// The receiver's 100000-byte read must have credited the stream with
	// exactly that many bytes in a single WindowUpdate frame.
	var found bool
	for _, f := range listenerOut.snapshot() {
		if len(f) < headerSize {
			continue
		}
		var hdr header
		copy(hdr[:], f[:headerSize])
		if hdr.MsgType() == typeWindowUpdate && hdr.StreamID() == cs.ID() && hdr.Length() == firstRead {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no WindowUpdate,stream_id=%d,length=%d frame observed after the 100000-byte read", cs.ID(), firstRead)
	}
	if remainder <= 0 {
		t.Fatalf("test fixture error: remainder = %d, want > 0", remainder)
	}
}

// TestS3ReceiveWindowOverflowCascade drives an oversized Data frame against
// a shrunken receive window and asserts the full cascade: the offending
// stream resets, the session sends a local GoAway(ProtocolError) and tears
// itself down, and every other live stream on that session observes
// ConnectionDead while the reset stream keeps reporting Reset.
func TestS3ReceiveWindowOverflowCascade(t *testing.T) {
	client, server := newStreamPair(t)

	// A bystander stream on the same server session, to prove the teardown
	// cascades to every other stream, not just the offending one.
	otherAccepted := make(chan *Stream, 1)
	otherDone := make(chan error, 1)
	go func() {
		st, err := server.AcceptStream(context.Background())
		if err != nil {
			otherDone <- err
			return
		}
		otherAccepted <- st
		buf := make([]byte, 1)
		if _, err := io.ReadFull(st, buf); err != nil { // consume the priming byte
			otherDone <- err
			return
		}
		_, err = st.Read(buf) // blocks until the cascade wakes it
		otherDone <- err
	}()

	otherClient, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream(other): %v", err)
	}
	if _, err := otherClient.Write([]byte("x")); err != nil {
		t.Fatalf("Write(other): %v", err)
	}
	select {
	case <-otherAccepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the bystander stream")
	}

	// The stream that will see the overflow.
	overflowAccepted := make(chan *Stream, 1)
	go func() {
		st, err := server.AcceptStream(context.Background())
		if err == nil {
			overflowAccepted <- st
		}
	}()

	overflowClient, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream(overflow): %v", err)
	}
	// Prime it with a tiny write so AcceptStream fires before the window is
	// shrunk out from under it.
	if _, err := overflowClient.Write([]byte("p")); err != nil {
		t.Fatalf("Write(prime): %v", err)
	}

	var overflowServer *Stream
	select {
	case overflowServer = <-overflowAccepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the overflow stream")
	}
	if _, err := io.ReadFull(overflowServer, make([]byte, 1)); err != nil {
		t.Fatalf("draining the priming byte: %v", err)
	}

	overflowServer.readMu.Lock()
	overflowServer.recvWindow = 1024
	overflowServer.maxWindow = 1024
	overflowServer.readMu.Unlock()

	// The client's own sendWindow has no idea the server shrank its
	// advertised window, so this Write puts one oversized Data frame
	// straight onto the wire.
	_, _ = overflowClient.Write(make([]byte, 2048))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !server.IsClosed() {
		time.Sleep(5 * time.Millisecond)
	}
	if !server.IsClosed() {
		t.Fatal("server session did not tear down after the window violation")
	}
	if !server.isLocalGoAway() {
		t.Fatal("server never sent a local GoAway after the window violation")
	}

	if got := overflowServer.getState(); got != stateReset {
		t.Fatalf("overflow stream state = %v, want RESET", got)
	}
	if _, err := overflowServer.Read(make([]byte, 1)); !errors.Is(err, ErrReset) {
		t.Fatalf("overflow stream Read = %v, want ErrReset", err)
	}

	select {
	case err := <-otherDone:
		if !errors.Is(err, ErrConnectionDead) {
			t.Fatalf("bystander stream Read = %v, want ErrConnectionDead", err)
		}
	case <-time.After(time.Second):
		t.Fatal("bystander stream never woke up with ConnectionDead")
	}
}
