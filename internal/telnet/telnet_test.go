package telnet

import "testing"

func feed(t *testing.T, m *Machine, data []byte) {
	t.Helper()
	if m.Remaining() < len(data) {
		t.Fatalf("test buffer too small: need %d, have %d", len(data), m.Remaining())
	}
	copy(m.Text[m.TextEnd:], data)
	m.Append(len(data))
	m.Run()
	if !m.CheckInvariants() {
		t.Fatalf("invariants violated: %+v", m)
	}
}

func TestHelloCRLF(t *testing.T) {
	m := New()
	feed(t, m, []byte("hello\r\n"))
	if !m.Ready() {
		t.Fatalf("expected ready")
	}
	if got := string(m.Command()); got != "hello\n" {
		t.Fatalf("got %q", got)
	}
}

func TestCRLFSplitAcrossReads(t *testing.T) {
	m := New()
	feed(t, m, []byte("hi\r"))
	if m.Ready() {
		t.Fatalf("should not be ready yet, bare CR at buffer end awaits partner")
	}
	if m.State != StateCR {
		t.Fatalf("expected StateCR, got %v", m.State)
	}
	feed(t, m, []byte("\n"))
	if !m.Ready() {
		t.Fatalf("expected ready after partner arrives")
	}
	if got := string(m.Command()); got != "hi\n" {
		t.Fatalf("got %q, want exactly one command", got)
	}
}

func TestBareCRThenOtherByteStartsNextCommand(t *testing.T) {
	m := New()
	feed(t, m, []byte("hi\rworld\r\n"))
	if !m.Ready() {
		t.Fatalf("expected ready")
	}
	if got := string(m.Command()); got != "hi\n" {
		t.Fatalf("first command = %q", got)
	}
	m.Reset()
	m.Run()
	if !m.Ready() {
		t.Fatalf("expected second command ready")
	}
	if got := string(m.Command()); got != "world\n" {
		t.Fatalf("second command = %q", got)
	}
}

func TestCharmodeCombine(t *testing.T) {
	m := New()
	m.Charmode = true
	for b := 0x20; b < 0x7f; b++ {
		m.Combinable[byte(b)] = true
	}
	feed(t, m, []byte("abc\r\n"))
	if !m.Ready() {
		t.Fatalf("expected ready for accumulated combinable bytes")
	}
	if got := string(m.Command()); got != "abc" {
		t.Fatalf("got %q, want \"abc\"", got)
	}
	m.Reset()
	m.Run()
	if !m.Ready() {
		t.Fatalf("expected second ready for the CRLF")
	}
	if got := string(m.Command()); got != "\n" {
		t.Fatalf("got %q, want \"\\n\"", got)
	}
}

func TestIACEscaping(t *testing.T) {
	m := New()
	feed(t, m, []byte{'a', IAC, IAC, 'b', '\r', '\n'})
	if !m.Ready() {
		t.Fatalf("expected ready")
	}
	want := []byte{'a', 0xFF, 'b', '\n'}
	if string(m.Command()) != string(want) {
		t.Fatalf("got %v want %v", m.Command(), want)
	}
}

func TestWillEchoRefusedByDefault(t *testing.T) {
	m := New()
	var out []byte
	m.EmitFunc = func(b []byte) { out = append(out, b...) }
	feed(t, m, []byte{IAC, WILL, OptEcho})
	want := []byte{IAC, DONT, OptEcho}
	if string(out) != string(want) {
		t.Fatalf("got % x want % x", out, want)
	}
}

func TestSubnegotiationTType(t *testing.T) {
	m := New()
	var gotOpt byte
	var gotPayload []byte
	m.Negotiator = negotiatorFuncs{
		sub: func(opt byte, payload []byte) {
			gotOpt = opt
			gotPayload = append([]byte(nil), payload...)
		},
	}
	feed(t, m, []byte{IAC, SB, OptTType, 0, 'x', 'y', 'z', IAC, SE})
	if gotOpt != OptTType {
		t.Fatalf("got option %d", gotOpt)
	}
	want := []byte{0, 'x', 'y', 'z'}
	if string(gotPayload) != string(want) {
		t.Fatalf("got payload %v want %v", gotPayload, want)
	}
	if m.State != StateData {
		t.Fatalf("expected return to DATA, got %v", m.State)
	}
}

func TestOverflowReturnsPartial(t *testing.T) {
	m := NewWithCapacity(8)
	feed(t, m, []byte("abcdefgh"))
	if !m.Ready() {
		t.Fatalf("expected overflow to force ready")
	}
	if len(m.Command()) != 8 {
		t.Fatalf("got %d bytes", len(m.Command()))
	}
}

func TestEchoNegotiationMinimalToggle(t *testing.T) {
	var n NoEcho
	next, wire := n.Apply(EchoReq)
	if !next.Set(EchoReq) || !next.Set(EchoState) {
		t.Fatalf("expected echo req+state set, got %08b", next)
	}
	want := []byte{IAC, WILL, OptEcho}
	if string(wire) != string(want) {
		t.Fatalf("got % x want % x", wire, want)
	}

	// Requesting the same state again emits nothing.
	next2, wire2 := next.Apply(EchoReq)
	if next2 != next || len(wire2) != 0 {
		t.Fatalf("idempotent re-request should emit nothing, got %v", wire2)
	}
}

func TestCharReqStickyAcrossWontSGA(t *testing.T) {
	m := New()
	var out []byte
	m.EmitFunc = func(b []byte) { out = append(out, b...) }
	m.CharmodeRequested = true

	feed(t, m, []byte{IAC, WILL, OptSGA})
	if !m.Charmode {
		t.Fatalf("expected charmode active after WILL SGA")
	}

	out = nil
	feed(t, m, []byte{IAC, WONT, OptSGA})
	if m.Charmode {
		t.Fatalf("expected charmode cleared after WONT SGA")
	}
	if !m.CharmodeRequested {
		t.Fatalf("expected CharmodeRequested to remain sticky across WONT SGA")
	}
}

type negotiatorFuncs struct {
	opt func(verb, option byte) ([]byte, bool)
	sub func(option byte, payload []byte)
}

func (n negotiatorFuncs) TelnetOption(verb, option byte) ([]byte, bool) {
	if n.opt == nil {
		return nil, false
	}
	return n.opt(verb, option)
}

func (n negotiatorFuncs) Subnegotiation(option byte, payload []byte) {
	if n.sub != nil {
		n.sub(option, payload)
	}
}
