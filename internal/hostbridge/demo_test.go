package hostbridge

import (
	"net"
	"testing"

	"github.com/stlalpha/commd/internal/session"
)

// newDemoSession builds a *session.Session wired to a net.Pipe and a
// registry lookup, since Demo's ask/snoop commands reach the session layer
// through d.Sessions rather than the opaque player Object.
func newDemoSession(t *testing.T, id int) *session.Session {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	sess := session.New(id, server, nil)
	sess.ID = id
	return sess
}

func TestDemoConnectLogonDisconnect(t *testing.T) {
	d := NewDemo()
	var out []string
	d.Output = func(id int, text string) { out = append(out, text) }

	obj, err := d.Connect(SessionHandle{ID: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	d.Logon(obj)
	if len(out) != 1 {
		t.Fatalf("expected welcome message, got %v", out)
	}
	d.Disconnect(obj)
	if len(d.players) != 0 {
		t.Fatalf("expected player removed, got %d", len(d.players))
	}
}

func TestDemoHandleQuit(t *testing.T) {
	d := NewDemo()
	d.Output = func(int, string) {}
	obj, _ := d.Connect(SessionHandle{ID: 1})
	if quit := d.HandleCommand(obj, "quit"); !quit {
		t.Fatalf("expected quit to return true")
	}
}

func TestDemoHandleSayBroadcasts(t *testing.T) {
	d := NewDemo()
	received := map[int]string{}
	d.Output = func(id int, text string) { received[id] += text }
	a, _ := d.Connect(SessionHandle{ID: 1})
	_, _ = d.Connect(SessionHandle{ID: 2})

	d.HandleCommand(a, "say hello")

	if received[1] == "" || received[2] == "" {
		t.Fatalf("expected both players to receive broadcast, got %v", received)
	}
}

func TestDemoHandleWho(t *testing.T) {
	d := NewDemo()
	var out string
	d.Output = func(id int, text string) { out += text }
	obj, _ := d.Connect(SessionHandle{ID: 1})
	d.Connect(SessionHandle{ID: 2})
	d.HandleCommand(obj, "who")
	if out == "" {
		t.Fatalf("expected a who listing")
	}
}

func TestDemoAskInstallsRedirectAndCapturesAnswer(t *testing.T) {
	d := NewDemo()
	sessions := map[int]*session.Session{1: newDemoSession(t, 1)}
	d.Sessions = func(id int) *session.Session { return sessions[id] }
	var out string
	d.Output = func(id int, text string) { out += text }

	obj, _ := d.Connect(SessionHandle{ID: 1})
	d.HandleCommand(obj, "ask favorite color?")
	if out == "" {
		t.Fatalf("expected the question to be sent")
	}

	sess := sessions[1]
	out = ""
	sess.Dispatch("blue", func(cmd string) { t.Fatalf("expected the redirect to intercept %q", cmd) })
	if out != "you answered: blue\n" {
		t.Fatalf("got %q", out)
	}
}

func TestDemoSnoopLinksSessions(t *testing.T) {
	d := NewDemo()
	sessions := map[int]*session.Session{1: newDemoSession(t, 1), 2: newDemoSession(t, 2)}
	d.Sessions = func(id int) *session.Session { return sessions[id] }
	var out string
	d.Output = func(id int, text string) { out += text }

	a, _ := d.Connect(SessionHandle{ID: 1})
	_, _ = d.Connect(SessionHandle{ID: 2})
	d.players[2].name = "bob"

	d.HandleCommand(a, "snoop bob")

	if sessions[1].SnoopOn != sessions[2] {
		t.Fatalf("expected session 1 to be snooping session 2")
	}
	if sessions[2].SnoopBy != session.Host(sessions[1]) {
		t.Fatalf("expected session 2 to record session 1 as its observer")
	}
	if out == "" {
		t.Fatalf("expected a confirmation message")
	}
}
