// Package hostbridge defines the callback contract between the comms
// core and the embedded scripting host (spec.md §6's "Host callbacks
// (abstract names)"), plus a trivial reference implementation so the
// repository runs end to end without a real script interpreter.
//
// Grounded on the teacher's handler.go (the BbsSession → menu-system
// callback boundary) generalized from a fixed menu-driven dispatch to the
// abstract Host interface spec.md names.
package hostbridge

import (
	"github.com/gliderlabs/ssh"

	"github.com/stlalpha/commd/internal/erq"
	"github.com/stlalpha/commd/internal/telnet"
)

// Object is an opaque reference to whatever the host binds a session to
// (a "player", "room", or other script-level entity). The comms core
// never inspects it beyond identity comparisons (snoop-master checks,
// ValidSnoop arguments).
type Object = any

// Verb is the telnet negotiation verb passed to TelnetNeg, re-exported so
// callers outside internal/telnet don't need to import it directly.
type Verb = byte

// SessionHandle is what Connect receives: enough about the new
// connection for the host to decide whether to accept it and what
// geometry to assume, without handing over the full Session (which would
// let host code reach into scheduler-owned state from the wrong
// goroutine).
type SessionHandle struct {
	ID         int
	RemoteAddr string
	Window     ssh.Window // NAWS-negotiated terminal size, zero value until negotiated
}

// Host is the abstract callback contract from spec.md §6.
type Host interface {
	// Connect must return the object to bind this session to; returning
	// an error tears the session down per spec.md §4.7 and §7 ("Host
	// callback failures ... unless the callback was connect, in which
	// case the session is torn down").
	Connect(s SessionHandle) (Object, error)
	Logon(obj Object)
	Disconnect(obj Object)
	// TelnetNeg is invoked for delegated option negotiation (spec.md
	// §4.3's "registered set of options"); replied reports whether the
	// host sent its own reply, so the machine does not apply its default.
	TelnetNeg(verb Verb, option byte, payload []byte) (replied bool)
	ReceiveUDP(peer string, data []byte, port int)
	StaleERQ(cb erq.Callback)
	ErqStop()
	ValidSnoop(by, on Object) bool
	ValidExec(fromProg, new, old string) bool
	ValidQuerySnoop(victim Object) bool
	RemovePlayer(obj Object)
}

// CommandReceiver is implemented by a Host that wants completed command
// lines delivered directly (rather than through its own embedded
// language's apply mechanism, which is outside this package's concern).
// hostbridge.Demo implements this so cmd/commd has something to dispatch
// to; a real script-language bridge may route commands some other way
// entirely and need not implement it.
type CommandReceiver interface {
	HandleCommand(obj Object, cmd string) (quit bool)
}

// Negotiator adapts a Host to telnet.Negotiator so the delegated options
// spec.md §4.3 names (NEWENV, ENVIRON, XDISPLOC, LINEMODE, NAWS, TTYPE,
// TSPEED, EOR) reach Host.TelnetNeg instead of falling through to the
// machine's own refuse-by-default path. A Host is expected to emit any
// reply bytes itself (it has the session's writer via whatever channel
// Connect gave it); TelnetOption never returns bytes of its own.
type Negotiator struct {
	Host Host
	Obj  Object
}

func (n Negotiator) TelnetOption(verb, option byte) (reply []byte, ok bool) {
	return nil, n.Host.TelnetNeg(verb, option, nil)
}

func (n Negotiator) Subnegotiation(option byte, payload []byte) {
	n.Host.TelnetNeg(telnet.SB, option, payload)
}
