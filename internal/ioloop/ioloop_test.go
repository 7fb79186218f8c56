package ioloop

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stlalpha/commd/internal/hostbridge"
	"github.com/stlalpha/commd/internal/netacl"
	"github.com/stlalpha/commd/internal/session"
)

func newTestScheduler(t *testing.T, host hostbridge.Host) (*Scheduler, net.Conn) {
	t.Helper()
	reg := session.NewRegistry(4)
	s := New(reg, host, netacl.NewList(), 256)

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := clientConn.Read(buf); err != nil {
				return
			}
		}
	}()

	s.handleAccept(serverConn)
	return s, clientConn
}

func TestHandleAcceptRegistersSession(t *testing.T) {
	host := hostbridge.NewDemo()
	s, _ := newTestScheduler(t, host)
	if s.Registry.Len() != 1 {
		t.Fatalf("expected 1 registered session, got %d", s.Registry.Len())
	}
}

func TestHandleAcceptDeniedByACL(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()
	serverConn := <-accepted

	denyFile := filepath.Join(t.TempDir(), "deny.conf")
	if err := os.WriteFile(denyFile, []byte("127.0.0.1/32\n"), 0o644); err != nil {
		t.Fatalf("write deny file: %v", err)
	}
	reg := session.NewRegistry(4)
	acl := netacl.NewList()
	if err := acl.LoadFile(denyFile); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	host := hostbridge.NewDemo()
	s := New(reg, host, acl, 256)

	s.handleAccept(serverConn)
	if s.Registry.Len() != 0 {
		t.Fatalf("expected session rejected by ACL, registry has %d", s.Registry.Len())
	}
}

func TestHandleReadDeliversCommandToHost(t *testing.T) {
	host := hostbridge.NewDemo()
	var received []string
	host.Output = func(id int, text string) { received = append(received, text) }

	s, _ := newTestScheduler(t, host)
	sess := s.Registry.ListActive()[0]

	s.handleRead(sess.ID, []byte("who\r\n"))

	if len(received) == 0 {
		t.Fatalf("expected demo host to respond to 'who'")
	}
}

func TestHandleReadQuitClosesSession(t *testing.T) {
	host := hostbridge.NewDemo()
	host.Output = func(int, string) {}
	s, _ := newTestScheduler(t, host)
	sess := s.Registry.ListActive()[0]

	s.handleRead(sess.ID, []byte("quit\r\n"))

	if s.Registry.Get(sess.ID) != nil {
		t.Fatalf("expected session freed after quit")
	}
}

func TestHandleReadErrClosesSession(t *testing.T) {
	host := hostbridge.NewDemo()
	host.Output = func(int, string) {}
	s, _ := newTestScheduler(t, host)
	sess := s.Registry.ListActive()[0]

	s.handleReadErr(sess.ID, net.ErrClosed)

	if s.Registry.Get(sess.ID) != nil {
		t.Fatalf("expected session freed after read error")
	}
}

func TestHandleReadDeliversOnlyOneCommandPerPipelinedRead(t *testing.T) {
	host := hostbridge.NewDemo()
	var received []string
	host.Output = func(id int, text string) { received = append(received, text) }

	s, _ := newTestScheduler(t, host)
	sess := s.Registry.ListActive()[0]
	received = nil // drop the logon welcome line

	s.handleRead(sess.ID, []byte("who\r\nwho\r\nwho\r\n"))

	if len(received) != 1 {
		t.Fatalf("expected exactly 1 command delivered from a pipelined read, got %d", len(received))
	}
	if !s.pendingCmds[sess.ID] {
		t.Fatalf("expected session to carry a pending-command backlog")
	}
}

func TestDeliverPendingRoundDrainsBacklogOnePerPass(t *testing.T) {
	host := hostbridge.NewDemo()
	var received []string
	host.Output = func(id int, text string) { received = append(received, text) }

	s, _ := newTestScheduler(t, host)
	sess := s.Registry.ListActive()[0]
	received = nil // drop the logon welcome line

	s.handleRead(sess.ID, []byte("who\r\nwho\r\nwho\r\n"))
	if len(received) != 1 {
		t.Fatalf("expected 1 command delivered immediately, got %d", len(received))
	}

	s.deliverPendingRound()
	if len(received) != 2 {
		t.Fatalf("expected 1 more command delivered after one pass, got %d", len(received))
	}
	if !s.pendingCmds[sess.ID] {
		t.Fatalf("expected one more command still pending after two of three deliveries")
	}

	s.deliverPendingRound()
	if len(received) != 3 {
		t.Fatalf("expected all 3 commands delivered after the third pass, got %d", len(received))
	}
	if s.pendingCmds[sess.ID] {
		t.Fatalf("expected backlog cleared once the buffer is drained")
	}
}

func TestDeliverPendingRoundServesEachSessionOncePerPass(t *testing.T) {
	host := hostbridge.NewDemo()
	var order []int
	host.Output = func(id int, text string) { order = append(order, id) }

	reg := session.NewRegistry(4)
	s := New(reg, host, netacl.NewList(), 256)

	var conns []net.Conn
	for i := 0; i < 2; i++ {
		serverConn, clientConn := net.Pipe()
		conns = append(conns, clientConn)
		go func() {
			buf := make([]byte, 256)
			for {
				if _, err := clientConn.Read(buf); err != nil {
					return
				}
			}
		}()
		s.handleAccept(serverConn)
	}
	t.Cleanup(func() {
		for _, c := range conns {
			c.Close()
		}
	})

	sessions := s.Registry.ListActive()
	for _, sess := range sessions {
		s.handleRead(sess.ID, []byte("who\r\nwho\r\n"))
	}
	order = nil

	s.deliverPendingRound()

	if len(order) != len(sessions) {
		t.Fatalf("expected one delivery per pending session in a single pass, got %d", len(order))
	}
	seen := make(map[int]bool)
	for _, id := range order {
		if seen[id] {
			t.Fatalf("session %d served twice in a single pass", id)
		}
		seen[id] = true
	}
}

func TestSchedulerPostRunsOnSchedulerGoroutine(t *testing.T) {
	host := hostbridge.NewDemo()
	reg := session.NewRegistry(4)
	s := New(reg, host, netacl.NewList(), 256)
	go s.Run()
	defer s.Stop()

	done := make(chan struct{})
	s.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("posted closure never ran")
	}
}
