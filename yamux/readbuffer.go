package yamux

// readBuffer is a growable, fragmented byte buffer: appends are O(1)
// amortized (no compaction), and bytes are consumed from the front. It
// backs each Stream's unread-bytes buffer (§4.3).
//
// Two usage modes:
//   - normal mode: Append stores a new fragment; Consume copies out bytes
//     from the front, freeing fragments as they drain.
//   - exact mode (SetExact): the buffer guarantees it never holds more than
//     the requested N bytes at once, by copying incoming data directly into
//     a preallocated N-byte scratch area instead of queuing fragments.
//
// Grounded on the per-stream bytes.Buffer used by the Darkren-yamux
// reference (stream.go: recvBuf *bytes.Buffer) generalized into an explicit
// fragment deque plus the spec's exact-N scratch mode, which a single
// bytes.Buffer cannot express (it has no upper bound on transient growth).
type readBuffer struct {
	frags  [][]byte // each entry is the unconsumed remainder of one append
	length int

	exactN  int
	scratch []byte
}

// Len reports the number of unread bytes currently buffered.
func (b *readBuffer) Len() int { return b.length }

// SetExact switches the buffer into exact mode: it will hold at most n
// bytes until ExactReady reports true. The buffer must be empty when this
// is called (§4.3 invariant).
func (b *readBuffer) SetExact(n int) {
	b.exactN = n
	b.scratch = make([]byte, 0, n)
}

// InExact reports whether the buffer is in exact mode.
func (b *readBuffer) InExact() bool { return b.exactN > 0 }

// Append adds newly-received bytes. The caller must not retain data after
// this call; Append copies it into the buffer's own storage.
func (b *readBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	if b.exactN > 0 {
		need := b.exactN - len(b.scratch)
		n := len(data)
		if n > need {
			n = need
		}
		b.scratch = append(b.scratch, data[:n]...)
		b.length += n
		// Exact mode never buffers more than n bytes; any surplus the
		// caller sent past the requested amount is a protocol error the
		// caller (Stream) must detect itself before calling Append.
		return
	}
	frag := make([]byte, len(data))
	copy(frag, data)
	b.frags = append(b.frags, frag)
	b.length += len(frag)
}

// ExactReady reports whether exact mode has accumulated the full N bytes.
func (b *readBuffer) ExactReady() bool {
	return b.exactN > 0 && len(b.scratch) >= b.exactN
}

// TakeExact returns the completed scratch buffer and resets exact mode.
// Must only be called when ExactReady is true.
func (b *readBuffer) TakeExact() []byte {
	out := b.scratch
	b.exactN = 0
	b.scratch = nil
	b.length -= len(out)
	return out
}

// Consume copies up to len(out) bytes from the front of the buffer into
// out, returning the number of bytes copied. It operates in normal mode
// only.
func (b *readBuffer) Consume(out []byte) int {
	total := 0
	for total < len(out) && len(b.frags) > 0 {
		frag := b.frags[0]
		n := copy(out[total:], frag)
		total += n
		if n == len(frag) {
			b.frags = b.frags[1:]
		} else {
			b.frags[0] = frag[n:]
		}
	}
	b.length -= total
	return total
}
