// Package erq implements the ERQ (external request queue) client from
// spec.md §4.2 and §6: a framed protocol over a stream socket to a forked
// co-process, used to offload blocking work (reverse DNS, shell queries)
// off the single scheduler goroutine.
//
// Grounded on the teacher's door/external-program launch pattern (forking
// a child wired to a pipe, internal/sshserver's pty plumbing for the
// stdin/stdout handoff) generalized to a length-prefixed request/reply
// protocol instead of an interactive terminal session, and on
// github.com/creack/pty for the one request type (ReqShellQuery) that
// needs a real pty rather than a plain pipe.
package erq

import (
	"encoding/binary"
	"fmt"
)

// Header size: 4-byte length + 4-byte handle + 1-byte request code.
const headerSize = 9

// MaxMessageSize is the installation constant from spec.md §4.2.
const MaxMessageSize = 1024

// Reserved handle values from spec.md §6.
const (
	KeepHandle Handle = 0xFFFFFFFF
	RLookup    Handle = 0xFFFFFFFE
	RLookupV6  Handle = 0xFFFFFFFD
)

// Handle identifies a pending request/reply pair.
type Handle uint32

// Request codes. The catalogue here covers the reserved reverse-lookup
// requests from spec.md §6 plus the two domain requests SPEC_FULL.md adds.
const (
	ReqRLookup     byte = 1
	ReqRLookupV6   byte = 2
	ReqShellQuery  byte = 3 // runs a command under a pty, streams combined output back
	ReqEcho        byte = 4 // loopback request: erqd replies with the payload unchanged
)

// Callback is invoked with a reply's payload. keepHandle reports whether
// the reply was KeepHandle-wrapped, meaning further replies on the same
// handle are expected and the slot must not be freed.
type Callback func(payload []byte, keepHandle bool)

// Table is the fixed-capacity handle slot array from spec.md §3: a slot per
// handle holding a live callback or nil. Free slot indices are kept in a
// separate LIFO stack (freeList) rather than threaded through the slots.
type Table struct {
	slots    []Callback
	freeList []int // LIFO free list of slot indices
}

// NewTable constructs a Table with capacity slots, all initially free.
func NewTable(capacity int) *Table {
	t := &Table{
		slots:    make([]Callback, capacity),
		freeList: make([]int, capacity),
	}
	for i := range t.freeList {
		t.freeList[i] = capacity - 1 - i
	}
	return t
}

// ErrTableFull is returned by Alloc when no slots remain.
var ErrTableFull = fmt.Errorf("erq: handle table full")

// Alloc reserves a slot for cb and returns its handle.
func (t *Table) Alloc(cb Callback) (Handle, error) {
	if len(t.freeList) == 0 {
		return 0, ErrTableFull
	}
	idx := t.freeList[len(t.freeList)-1]
	t.freeList = t.freeList[:len(t.freeList)-1]
	t.slots[idx] = cb
	return Handle(idx), nil
}

// Dispatch invokes the callback registered at h with payload. Unless the
// reply is KeepHandle-wrapped, the slot returns to the free list
// afterward — spec.md §8 invariant "the free list contains exactly the
// slots marked free."
func (t *Table) Dispatch(h Handle, payload []byte, keepHandle bool) {
	idx := int(h)
	if idx < 0 || idx >= len(t.slots) || t.slots[idx] == nil {
		return
	}
	cb := t.slots[idx]
	if !keepHandle {
		t.slots[idx] = nil
		t.freeList = append(t.freeList, idx)
	}
	cb(payload, keepHandle)
}

// DrainStale empties every live slot into stale, per spec.md §4.2 ("on any
// fatal ERQ socket error ... all live handles are drained into the host's
// stale_erq callback"), used when the co-process connection is lost. The
// original requester's callback is passed through so stale can hand it to
// the host, which decides how (or whether) to invoke it.
func (t *Table) DrainStale(stale func(h Handle, cb Callback)) {
	for idx, cb := range t.slots {
		if cb != nil {
			t.slots[idx] = nil
			t.freeList = append(t.freeList, idx)
			stale(Handle(idx), cb)
		}
	}
}

// Free reports the number of free slots (for tests and diagnostics).
func (t *Table) Free() int { return len(t.freeList) }

// Cap reports the table's total slot capacity.
func (t *Table) Cap() int { return len(t.slots) }

// EncodeFrame builds one wire frame: u32 len | u32 handle | u8 request |
// payload. len counts the entire frame including the header.
func EncodeFrame(h Handle, request byte, payload []byte) ([]byte, error) {
	total := headerSize + len(payload)
	if total > MaxMessageSize {
		return nil, fmt.Errorf("erq: message of %d bytes exceeds max %d", total, MaxMessageSize)
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h))
	buf[8] = request
	copy(buf[headerSize:], payload)
	return buf, nil
}

// Frame is one decoded reply.
type Frame struct {
	Handle  Handle
	Request byte
	Payload []byte
}

// Decoder consumes bytes appended by the caller (the scheduler's ERQ-socket
// read path) and yields complete frames, leaving partial frames buffered
// for the next pass — spec.md §4.1 step 3.
type Decoder struct {
	buf []byte
}

// Feed appends newly read bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) { d.buf = append(d.buf, b...) }

// Next extracts the next complete frame, if any.
func (d *Decoder) Next() (Frame, bool) {
	if len(d.buf) < 4 {
		return Frame{}, false
	}
	total := int(binary.BigEndian.Uint32(d.buf[0:4]))
	if total < headerSize || len(d.buf) < total {
		return Frame{}, false
	}
	f := Frame{
		Handle:  Handle(binary.BigEndian.Uint32(d.buf[4:8])),
		Request: d.buf[8],
		Payload: append([]byte(nil), d.buf[headerSize:total]...),
	}
	d.buf = d.buf[total:]
	return f, true
}

// Pending reports how many undecoded bytes remain buffered.
func (d *Decoder) Pending() int { return len(d.buf) }
