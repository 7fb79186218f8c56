// Package outbuf implements the per-session output path from spec.md §4.4:
// a coalescing write buffer that applies the output bitmap, LF→CRLF
// expansion, and IAC doubling, plus the cross-session "dirty list" the
// scheduler flushes between passes.
//
// The IAC-doubling write path is grounded on the teacher's
// TelnetConn.Write (internal/telnetserver/telnet.go in the source repo),
// generalized here to also coalesce writes and apply a per-session output
// bitmap instead of writing straight through.
package outbuf

import (
	"fmt"
	"time"
)

const (
	// DefaultCapacity is "a socket-packet-sized" buffer per spec.md §3.
	DefaultCapacity = 1460
	// slack is held back so a flush triggers before the buffer is
	// completely full, matching "a threshold (one packet minus slack)".
	slack = 64
)

// Flush is the sentinel value that, passed to Buffer.Write, forces an
// immediate write regardless of accumulated length (spec.md §9: "a distinct
// value in the output API ... not a special pointer").
var Flush = []byte{}

// Writer performs the actual socket write. An error the Classifier calls
// transient is retried up to the retry budget; any other error, or a
// transient one once the budget is spent, drops the buffered bytes and is
// returned to the caller. The Buffer does not close or mark the session
// itself.
type Writer interface {
	Write(p []byte) (int, error)
}

// Classifier distinguishes transient from fatal write errors (spec.md §7).
// It is injected so outbuf has no direct syscall/errno dependency; see
// internal/netkind for the concrete implementation shared with ioloop.
type Classifier func(err error) (transient bool)

// Buffer is one session's output buffer plus its dirty-list linkage.
type Buffer struct {
	data []byte

	QuoteIAC         bool
	SuppressGoAhead  bool
	AllowedOutput    [256]bool
	sendingTelnetCmd bool

	writer     Writer
	classify   Classifier
	maxRetries int

	// dirty-list linkage, managed by DirtyList. A Buffer not on a list has
	// both pointers nil.
	prev, next *Buffer

	closed bool
}

// New constructs a Buffer with the default capacity and an all-pass output
// bitmap.
func New(w Writer, classify Classifier) *Buffer {
	b := &Buffer{
		data:       make([]byte, 0, DefaultCapacity),
		writer:     w,
		classify:   classify,
		maxRetries: 6, // spec.md §4.4: "up to 6 EINTR retries"
	}
	for i := range b.AllowedOutput {
		b.AllowedOutput[i] = true
	}
	return b
}

// Len reports the number of buffered, unflushed bytes.
func (b *Buffer) Len() int { return len(b.data) }

// SendingTelnetCommand scopes output emitted while a telnet negotiation
// reply is being written: such output bypasses snoop relay and catch-
// message shadowing (spec.md §4.4). Callers wrap exactly the Emit call with
// this set true, then false.
func (b *Buffer) SendingTelnetCommand(v bool) { b.sendingTelnetCmd = v }

// IsSendingTelnetCommand reports the scoped flag above.
func (b *Buffer) IsSendingTelnetCommand() bool { return b.sendingTelnetCmd }

// Write appends formatted text to the buffer, applying the output bitmap,
// CR/LF expansion, and IAC doubling byte by byte (spec.md §4.4). Passing
// Flush forces an immediate write of whatever is already buffered.
func (b *Buffer) Write(p []byte, list *DirtyList) (n int, err error) {
	if b.closed {
		return 0, errClosed{}
	}
	if len(p) == 0 {
		return 0, b.flush(list, true)
	}

	for _, raw := range p {
		if !b.AllowedOutput[raw] {
			continue
		}
		if raw == '\n' {
			b.append('\r')
			b.append('\n')
		} else if raw == 0xFF && b.QuoteIAC {
			b.append(0xFF)
			b.append(0xFF)
		} else {
			b.append(raw)
		}
	}

	if list != nil && len(b.data) > 0 {
		list.markDirty(b)
	}

	if len(b.data) >= DefaultCapacity-slack {
		return len(p), b.flush(list, false)
	}
	return len(p), nil
}

// Printf is sugar over Write(fmt.Sprintf(...)).
func (b *Buffer) Printf(list *DirtyList, format string, args ...any) (int, error) {
	return b.Write([]byte(fmt.Sprintf(format, args...)), list)
}

func (b *Buffer) append(c byte) {
	b.data = append(b.data, c)
}

// Flush writes out whatever is buffered, with bounded EINTR retry. force
// bypasses the length threshold check the caller may have already done.
func (b *Buffer) flush(list *DirtyList, force bool) error {
	if len(b.data) == 0 {
		if list != nil {
			list.markClean(b)
		}
		return nil
	}

	data := b.data
	attempts := 0
	for len(data) > 0 {
		n, err := b.writer.Write(data)
		if err != nil {
			if b.classify != nil && b.classify(err) && attempts < b.maxRetries {
				attempts++
				continue
			}
			// A non-transient error (netkind.Transient counts only EINTR
			// as transient, so EWOULDBLOCK lands here), or a transient one
			// past the retry budget: drop the buffered bytes and return
			// the error.
			b.data = b.data[:0]
			if list != nil {
				list.markClean(b)
			}
			return err
		}
		data = data[n:]
	}

	b.data = b.data[:0]
	if list != nil {
		list.markClean(b)
	}
	return nil
}

// ForceFlush is the external entry point matching the "flush" sentinel
// semantics: it always writes, even if empty (a no-op then).
func (b *Buffer) ForceFlush(list *DirtyList) error { return b.flush(list, true) }

// Close marks the buffer closed; further Write calls are discarded with the
// caller expected to log the attempt (spec.md §4.1 "Cancellation").
func (b *Buffer) Close() { b.closed = true }

type errClosed struct{}

func (errClosed) Error() string { return "outbuf: write to closed session discarded" }

// DirtyList is the intrusive doubly-linked list of sessions with pending
// output, per spec.md §9 ("the dirty list becomes an intrusive list with
// O(1) insert/remove keyed by session identity").
type DirtyList struct {
	head, tail *Buffer
	count      int
}

func (l *DirtyList) markDirty(b *Buffer) {
	if b.prev != nil || b.next != nil || l.head == b {
		return // already linked
	}
	b.prev = l.tail
	if l.tail != nil {
		l.tail.next = b
	} else {
		l.head = b
	}
	l.tail = b
	l.count++
}

func (l *DirtyList) markClean(b *Buffer) {
	if b.prev == nil && b.next == nil && l.head != b {
		return // not linked
	}
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		l.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		l.tail = b.prev
	}
	b.prev, b.next = nil, nil
	l.count--
}

// Len reports how many buffers are currently dirty.
func (l *DirtyList) Len() int { return l.count }

// FlushAll walks the list, flushing and unlinking every buffer — "at loop
// boundaries all dirty sessions are flushed" (spec.md §2). It snapshots
// the head before flushing because flush() mutates the list as it cleans
// each buffer.
func (l *DirtyList) FlushAll() {
	b := l.head
	for b != nil {
		next := b.next
		b.flush(l, true)
		b = next
	}
}

// lastActivity pairs a timestamp with Touch/Since helpers. Nothing outside
// this package can use it; session.Session keeps its own LastActivity
// time.Time field.
type lastActivity struct{ t time.Time }

func (a *lastActivity) Touch(now time.Time) { a.t = now }
func (a *lastActivity) Since(now time.Time) time.Duration { return now.Sub(a.t) }
