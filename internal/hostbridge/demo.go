package hostbridge

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stlalpha/commd/internal/erq"
	"github.com/stlalpha/commd/internal/session"
)

// player is the Demo world's Object: a trivial line-echoing entity that
// supports snoop, an "ask"-style input redirect, and quit.
type player struct {
	id   int
	name string
}

// Demo is a minimal, fully working Host: the comms core's default world
// when no real script interpreter is wired in. It is not meant to be a
// game — only enough of one to exercise every Host callback end to end.
type Demo struct {
	mu      sync.Mutex
	players map[int]*player
	nextNum int

	// Output, if set, is called to send text back to a given session ID;
	// cmd/commd wires this to the scheduler's session output path.
	Output func(sessionID int, text string)

	// Sessions, if set, looks a *session.Session up by ID; cmd/commd wires
	// this to the scheduler's registry. It is what lets Demo reach the
	// redirect stack and snoop graph, which Demo itself has no other way
	// to address (HandleCommand only ever sees the opaque player Object).
	Sessions func(sessionID int) *session.Session
}

// NewDemo constructs an empty Demo world.
func NewDemo() *Demo {
	return &Demo{players: make(map[int]*player)}
}

func (d *Demo) Connect(s SessionHandle) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextNum++
	p := &player{id: s.ID, name: fmt.Sprintf("guest%d", d.nextNum)}
	d.players[s.ID] = p
	return p, nil
}

func (d *Demo) Logon(obj Object) {
	p := obj.(*player)
	d.send(p.id, fmt.Sprintf("welcome, %s. type 'quit' to leave.\n", p.name))
}

func (d *Demo) Disconnect(obj Object) {
	p := obj.(*player)
	d.mu.Lock()
	delete(d.players, p.id)
	d.mu.Unlock()
}

func (d *Demo) TelnetNeg(verb Verb, option byte, payload []byte) bool {
	return false // Demo has no opinions on delegated options; use the defaults.
}

func (d *Demo) ReceiveUDP(peer string, data []byte, port int) {}

func (d *Demo) StaleERQ(cb erq.Callback) { cb(nil, false) }

func (d *Demo) ErqStop() {}

func (d *Demo) ValidSnoop(by, on Object) bool { return true }

func (d *Demo) ValidExec(fromProg, new, old string) bool { return false }

func (d *Demo) ValidQuerySnoop(victim Object) bool { return true }

func (d *Demo) RemovePlayer(obj Object) {}

// HandleCommand processes one command line from a player, implementing
// the small command set Demo supports (spec.md §1's scope explicitly
// excludes a real game; this exists to exercise Host end to end).
func (d *Demo) HandleCommand(obj Object, cmd string) (quit bool) {
	p := obj.(*player)
	cmd = strings.TrimSpace(cmd)
	switch {
	case cmd == "quit":
		d.send(p.id, "goodbye.\n")
		return true
	case cmd == "who":
		d.mu.Lock()
		names := make([]string, 0, len(d.players))
		for _, other := range d.players {
			names = append(names, other.name)
		}
		d.mu.Unlock()
		sort.Strings(names)
		d.send(p.id, strings.Join(names, ", ")+"\n")
	case strings.HasPrefix(cmd, "say "):
		msg := strings.TrimPrefix(cmd, "say ")
		d.mu.Lock()
		for _, other := range d.players {
			d.send(other.id, fmt.Sprintf("%s says: %s\n", p.name, msg))
		}
		d.mu.Unlock()
	case strings.HasPrefix(cmd, "ask "):
		d.pushAsk(p, strings.TrimPrefix(cmd, "ask "))
	case strings.HasPrefix(cmd, "snoop "):
		d.snoop(p, strings.TrimPrefix(cmd, "snoop "))
	case cmd == "":
		// ignore blank lines
	default:
		d.send(p.id, fmt.Sprintf("huh? (%q)\n", cmd))
	}
	return false
}

// pushAsk sends question to p and installs a one-shot input redirect so the
// player's next line is delivered to the closure below instead of back
// through HandleCommand, exercising the redirect stack (spec.md §4.6) end
// to end rather than only in isolated unit tests. A second "ask" before the
// first is answered stacks LIFO, same as the real input-redirect entry.
func (d *Demo) pushAsk(p *player, question string) {
	if d.Sessions == nil {
		return
	}
	sess := d.Sessions(p.id)
	if sess == nil {
		return
	}
	d.send(p.id, question+"\n")
	sess.PushRedirect(session.Redirect{
		Callback: func(answer string) {
			d.send(p.id, fmt.Sprintf("you answered: %s\n", strings.TrimSpace(answer)))
		},
		Live: func() bool {
			d.mu.Lock()
			_, alive := d.players[p.id]
			d.mu.Unlock()
			return alive
		},
	})
}

// snoop links p to observe targetName's traffic (spec.md §4.8), consulting
// ValidSnoop the way an embedded script host would gate the request before
// handing it to session.SetSnoop.
func (d *Demo) snoop(p *player, targetName string) {
	if d.Sessions == nil {
		return
	}
	d.mu.Lock()
	var target *player
	for _, other := range d.players {
		if other.name == targetName {
			target = other
			break
		}
	}
	d.mu.Unlock()
	if target == nil {
		d.send(p.id, fmt.Sprintf("no such player %q\n", targetName))
		return
	}
	if !d.ValidSnoop(p, target) {
		d.send(p.id, "snoop refused.\n")
		return
	}
	snooper, on := d.Sessions(p.id), d.Sessions(target.id)
	if snooper == nil || on == nil {
		return
	}
	if err := session.SetSnoop(snooper, on); err != nil {
		d.send(p.id, err.Error()+"\n")
		return
	}
	d.send(p.id, fmt.Sprintf("now snooping %s.\n", target.name))
}

func (d *Demo) send(sessionID int, text string) {
	if d.Output != nil {
		d.Output(sessionID, text)
	}
}
