// Package session implements the per-connection state from spec.md §3: a
// Session composes a telnet.Machine and an outbuf.Buffer with the I/O
// flags, character filters, snoop pointers, input-redirect stack, and
// host-object back-reference the rest of the comms core reads and writes.
//
// Grounded on the teacher's internal/session/session.go BbsSession struct
// (a flat attribute bag addressed by NodeID) and registry.go's map-backed
// registry, generalized from an SSH-terminal session to a raw-socket one
// and extended with the fields spec.md §3-§4.8 require.
package session

import (
	"net"
	"time"

	"github.com/stlalpha/commd/internal/outbuf"
	"github.com/stlalpha/commd/internal/telnet"
)

// NoEcho re-exports telnet.NoEcho under the name SPEC_FULL.md's data model
// uses for it; Session's own NoEcho field carries this type.
type NoEcho = telnet.NoEcho

// Per-entry flags of the input-redirect stack (spec.md §4.6). The STALE
// marking itself uses telnet.EchoStale/CharStale via NoEcho.MarkStale.
const (
	IgnoreBang  RedirectFlags = 1 << iota // do not let a leading '!' bypass this redirect
	NoEchoReq                             // request echo suppression while this redirect is active
	CharmodeReq                           // request character-at-a-time input while active
)

// RedirectFlags are the per-entry bits from spec.md §3 "Input-redirect entry".
type RedirectFlags uint8

// RedirectFunc is a pending input-redirect callback, given the completed
// command line. Its entry is popped before it runs; to receive another line
// it must push a new redirect.
type RedirectFunc func(cmd string)

// Redirect is one LIFO entry in a Session's input-redirect stack.
type Redirect struct {
	Callback RedirectFunc
	Flags    RedirectFlags
	// Live is consulted before invoking Callback; a redirect whose target
	// host object has gone away is dropped without being called.
	Live func() bool
}

// DoClose enumerates the deferred-close reasons spec.md §3 calls `do_close`.
type DoClose int

const (
	CloseNone DoClose = iota
	CloseNormal
	// CloseHandToERQ means the socket is being handed off rather than torn
	// down locally (spec.md §3: "or hand off to ERQ").
	CloseHandToERQ
)

// Host is the back-reference to whatever embedding/scripting layer owns
// this session's application semantics; see internal/hostbridge for the
// full contract. Session only needs to compare identity (for snoop-master
// checks) and hold the pointer, so it is typed loosely here as `any` and
// cast by callers that know the concrete Host interface.
type Host = any

// Prompt is either a literal string or a host-callable that computes one
// lazily (spec.md §3: "prompt value (string or host-callable)").
type Prompt struct {
	Literal  string
	Callable func() string
}

func (p Prompt) String() string {
	if p.Callable != nil {
		return p.Callable()
	}
	return p.Literal
}

// Session is one connected peer, per spec.md §3.
type Session struct {
	ID         int
	Conn       net.Conn
	RemoteAddr net.Addr
	AccessClass int // result of the ACL check at accept time

	Machine *telnet.Machine
	Out     *outbuf.Buffer

	NoEcho telnet.NoEcho

	QuoteIAC        bool
	SuppressGoAhead bool
	DoClose         DoClose
	closing         bool

	// AllowedOutput is the 256-bit output bitmap; Combinable lives on
	// Machine since only the telnet layer consults it.
	AllowedOutput [256]bool

	SnoopOn *Session // the session we are observing
	SnoopBy Host      // who observes us; need not be a session

	redirects []Redirect

	HostObj      Host
	Prompt       Prompt
	LastActivity time.Time
	TraceLevel   int
	TracePrefix  string

	PendingPages []string
}

// New constructs a Session wired to conn, with a fresh telnet.Machine and
// outbuf.Buffer and an all-pass output bitmap.
func New(id int, conn net.Conn, classify outbuf.Classifier) *Session {
	s := &Session{
		ID:         id,
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr(),
		Machine:    telnet.New(),
		LastActivity: time.Now(),
	}
	s.Out = outbuf.New(conn, classify)
	s.Machine.EmitFunc = func(b []byte) { conn.Write(b) }
	for i := range s.AllowedOutput {
		s.AllowedOutput[i] = true
	}
	return s
}

// Closing reports whether teardown has begun; spec.md §3 "`closing`
// (teardown in progress mutex)" — here a plain bool since the single
// scheduler goroutine is the only writer.
func (s *Session) Closing() bool { return s.closing }

// MarkClosing begins teardown: no further output is accepted (pending
// output is still flushed unless force is requested by the caller).
func (s *Session) MarkClosing(reason DoClose) {
	s.closing = true
	s.DoClose = reason
	s.Out.Close()
}

// AddPage queues a page message for delivery at the next prompt.
func (s *Session) AddPage(msg string) {
	s.PendingPages = append(s.PendingPages, msg)
}

// DrainPages returns and clears all pending pages.
func (s *Session) DrainPages() []string {
	if len(s.PendingPages) == 0 {
		return nil
	}
	pages := s.PendingPages
	s.PendingPages = nil
	return pages
}

// PushRedirect installs a new top-of-stack input redirect and marks the
// noecho field stale per spec.md §4.6 ("Before invocation, noecho is OR'd
// with NOECHO_STALE").
func (s *Session) PushRedirect(r Redirect) {
	s.redirects = append(s.redirects, r)
	s.NoEcho = s.NoEcho.MarkStale()
	if r.Flags&NoEchoReq != 0 {
		s.NoEcho = s.NoEcho.With(telnet.EchoReq)
	}
	if r.Flags&CharmodeReq != 0 {
		s.NoEcho = s.NoEcho.With(telnet.CharReq)
	}
}

// Dispatch delivers a completed command line to the top input redirect, or
// to fn (the normal command interpreter) if the stack is empty or a
// leading '!' escapes it, per spec.md §4.6.
func (s *Session) Dispatch(cmd string, fn func(cmd string)) {
	if len(cmd) > 0 && cmd[0] == '!' {
		if idx := s.topNonIgnoreBang(); idx >= 0 {
			fn(cmd[1:])
			return
		}
		// No redirect cares about bang-escape: the '!' is preserved and
		// falls through to the normal redirect/interpreter dispatch below.
	}

	if len(s.redirects) == 0 {
		fn(cmd)
		return
	}

	top := s.redirects[len(s.redirects)-1]
	s.redirects = s.redirects[:len(s.redirects)-1]

	if top.Live != nil && !top.Live() {
		s.Dispatch(cmd, fn) // dropped redirect; reconsider with the next one
		return
	}

	top.Callback(cmd)

	if s.NoEcho.IsStale() {
		s.resetEchoToTopOfStack()
	}
}

// topNonIgnoreBang returns the stack index of the first entry (scanning
// from the top) whose IgnoreBang flag is clear, or -1 if none exists.
func (s *Session) topNonIgnoreBang() int {
	for i := len(s.redirects) - 1; i >= 0; i-- {
		if s.redirects[i].Flags&IgnoreBang == 0 {
			return i
		}
	}
	return -1
}

// resetEchoToTopOfStack restores noecho/charmode to whatever the new top
// redirect wants, or clears both if the stack emptied, per spec.md §4.6.
func (s *Session) resetEchoToTopOfStack() {
	s.NoEcho = s.NoEcho.ClearStale()
	if len(s.redirects) == 0 {
		s.NoEcho = s.NoEcho.Without(telnet.EchoReq | telnet.CharReq)
		return
	}
	top := s.redirects[len(s.redirects)-1]
	if top.Flags&NoEchoReq != 0 {
		s.NoEcho = s.NoEcho.With(telnet.EchoReq)
	} else {
		s.NoEcho = s.NoEcho.Without(telnet.EchoReq)
	}
	if top.Flags&CharmodeReq != 0 {
		s.NoEcho = s.NoEcho.With(telnet.CharReq)
	} else {
		s.NoEcho = s.NoEcho.Without(telnet.CharReq)
	}
}

// LeaveCharmode repacks the raw buffer when charmode negotiation ends,
// sliding cooked data from CommandStart onward to the buffer's base and
// forcing the telnet state back to DATA (spec.md §4.5).
func (s *Session) LeaveCharmode() {
	m := s.Machine
	if m.CommandStart > 0 {
		n := copy(m.Text, m.Text[m.CommandStart:m.CommandEnd])
		m.CommandEnd = n
		m.CommandStart = 0
	}
	m.State = telnet.StateData
	m.Charmode = false
}
