// Package ioloop implements the single-threaded cooperative scheduler
// from spec.md §4.1: every socket is owned by a small reader goroutine
// that does nothing but block on a read and forward bytes onto one shared
// channel; a single scheduler goroutine reads that channel and is the
// only goroutine that ever touches session state, the dirty list, the
// ERQ handle table, or the address cache. This is the Go-idiomatic
// realization of "one main loop, no worker threads" spec.md §5 requires.
//
// Grounded on the teacher's internal/scheduler (a cron-driven periodic
// event runner) for the heartbeat plumbing, and on
// internal/telnetserver/server.go's accept-loop-per-listener shape for the
// reader-goroutine-per-socket pattern, generalized from "goroutine per
// connection does all the work" (the teacher's model, suitable for an SSH
// terminal session) to "goroutine per connection only reads" (required
// here so session mutation stays single-threaded).
package ioloop

import (
	"log"
	"net"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stlalpha/commd/internal/addresscache"
	"github.com/stlalpha/commd/internal/erq"
	"github.com/stlalpha/commd/internal/hostbridge"
	"github.com/stlalpha/commd/internal/netacl"
	"github.com/stlalpha/commd/internal/netkind"
	"github.com/stlalpha/commd/internal/outbuf"
	"github.com/stlalpha/commd/internal/session"
	"github.com/stlalpha/commd/internal/telnet"
)

// eventKind tags what a scheduler event carries.
type eventKind int

const (
	evRead eventKind = iota
	evReadErr
	evAccept
	evHeartbeat
	evUDP
	evERQData
	evERQLost
	evFunc
	evOOB
)

// event is the single type flowing over the scheduler's work channel.
type event struct {
	kind      eventKind
	sessionID int
	data      []byte
	err       error
	conn      net.Conn
	udpAddr   *net.UDPAddr
	fn        func()
}

// Scheduler is the owning struct spec.md §9 calls for in place of C's
// global mutables (`all_players`, `first_player_for_flush`, `erq_demon`,
// `iptable`).
type Scheduler struct {
	Registry  *session.Registry
	Dirty     *outbuf.DirtyList
	AddrCache *addresscache.Cache
	ACL       *netacl.List
	Host      hostbridge.Host
	ERQ       *erq.Client

	RawBufferCap int

	events chan event

	nextCmdGiver int
	// pendingCmds holds the IDs of sessions that still have at least one
	// fully-parsed command buffered but not yet delivered (spec.md §4.1
	// step 7's "fair dispatch": a session that pipelines several commands
	// in one read gets one delivered now and the rest spread across later
	// passes instead of starving every other session's turn).
	pendingCmds map[int]bool
	heartbeat   *cron.Cron

	udpConn *net.UDPConn

	oobStops map[int]chan struct{}

	stop chan struct{}
}

// New constructs a Scheduler. rawBufferCap sizes each session's telnet
// machine; pass 0 for telnet.DefaultCapacity.
func New(registry *session.Registry, host hostbridge.Host, acl *netacl.List, rawBufferCap int) *Scheduler {
	if rawBufferCap <= 0 {
		rawBufferCap = telnet.DefaultCapacity
	}
	return &Scheduler{
		Registry:     registry,
		Dirty:        &outbuf.DirtyList{},
		AddrCache:    addresscache.New(addresscache.DefaultCapacity),
		ACL:          acl,
		Host:         host,
		RawBufferCap: rawBufferCap,
		events:       make(chan event, 64),
		pendingCmds:  make(map[int]bool),
		oobStops:     make(map[int]chan struct{}),
		stop:         make(chan struct{}),
	}
}

// Post enqueues fn to run on the scheduler goroutine, returning once it
// has been accepted onto the channel (not once it has run). This is the
// "admin socket's closure-posting path" from SPEC_FULL.md §4.9; callers
// needing the result should close over a reply channel in fn.
func (s *Scheduler) Post(fn func()) {
	s.events <- event{kind: evFunc, fn: fn}
}

// StartHeartbeat begins a cron-driven heartbeat tick at the given period,
// posting evHeartbeat onto the work channel rather than using a signal
// handler (spec.md §9's "signal-driven urgent-data flag" note applies
// equally to the heartbeat, which the source drives via SIGALRM).
func (s *Scheduler) StartHeartbeat(period time.Duration) {
	s.heartbeat = cron.New(cron.WithSeconds())
	s.heartbeat.Schedule(cron.Every(period), cron.FuncJob(func() {
		select {
		case s.events <- event{kind: evHeartbeat}:
		case <-s.stop:
		}
	}))
	s.heartbeat.Start()
}

// ServeListener runs a reader goroutine that accepts connections on ln
// and forwards each new connection as an evAccept event. It blocks until
// Stop is called, so run it from a goroutine of its own.
func (s *Scheduler) ServeListener(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			log.Printf("ioloop: accept error: %v", err)
			continue
		}
		select {
		case s.events <- event{kind: evAccept, conn: conn}:
		case <-s.stop:
			conn.Close()
			return
		}
	}
}

// ServeUDP runs a reader goroutine delivering datagrams up to 1024 bytes
// (spec.md §6) as evUDP events.
func (s *Scheduler) ServeUDP(conn *net.UDPConn) {
	s.udpConn = conn
	buf := make([]byte, 1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case s.events <- event{kind: evUDP, data: data, udpAddr: addr}:
		case <-s.stop:
			return
		}
	}
}

// readSession runs as the per-connection reader goroutine (spec.md §5.1's
// "one goroutine per socket that does nothing but block on a read").
func (s *Scheduler) readSession(id int, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case s.events <- event{kind: evRead, sessionID: id, data: data}:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			select {
			case s.events <- event{kind: evReadErr, sessionID: id, err: err}:
			case <-s.stop:
			}
			return
		}
	}
}

// Stop halts all reader goroutines and the heartbeat.
func (s *Scheduler) Stop() {
	close(s.stop)
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
}

// Run processes events until Stop is called. Each iteration is one
// "pass" in spec.md §4.1's sense: at most one command is delivered per
// session per pass (the natural effect of handling at most one evRead per
// loop iteration). The dirty list is flushed when a second passes with no
// event, on each heartbeat event, and on Stop.
func (s *Scheduler) Run() {
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.stop:
			s.Dirty.FlushAll()
			return
		case <-time.After(time.Second):
			// spec.md §4.1 step 1: "waits with a 1-second timeout" when
			// idle; flush dirty sessions at this natural pass boundary.
			s.Dirty.FlushAll()
		}
		s.deliverPendingRound()
	}
}

func (s *Scheduler) handle(ev event) {
	switch ev.kind {
	case evFunc:
		ev.fn()
	case evAccept:
		s.handleAccept(ev.conn)
	case evRead:
		s.handleRead(ev.sessionID, ev.data)
	case evReadErr:
		s.handleReadErr(ev.sessionID, ev.err)
	case evHeartbeat:
		s.Dirty.FlushAll()
	case evUDP:
		if s.Host != nil {
			s.Host.ReceiveUDP(ev.udpAddr.IP.String(), ev.data, ev.udpAddr.Port)
		}
	case evERQData:
		s.handleERQData(ev.data)
	case evERQLost:
		s.handleERQLost(ev.err)
	case evOOB:
		s.handleOOB(ev.sessionID)
	}
}

// handleOOB implements spec.md §4.1 step 2: forward the OS's urgent-data
// notification into the session's telnet machine, which will discard
// input until it sees a Data-Mark.
func (s *Scheduler) handleOOB(id int) {
	sess := s.Registry.Get(id)
	if sess == nil {
		return
	}
	sess.Machine.NotifyOOB()
}

// handleAccept implements spec.md §4.7's new-session path.
func (s *Scheduler) handleAccept(conn net.Conn) {
	class := netacl.ClassNormal
	if s.ACL != nil {
		class = s.ACL.Check(conn.RemoteAddr().String())
	}
	if class == netacl.ClassDenied {
		conn.Write([]byte("access denied.\r\n"))
		conn.Close()
		return
	}

	sess := session.New(-1, conn, netkind.Transient)
	sess.Machine = telnet.NewWithCapacity(s.RawBufferCap)
	sess.Machine.EmitFunc = func(b []byte) { conn.Write(b) }
	sess.AccessClass = int(class)

	if err := s.Registry.Allocate(sess); err != nil {
		conn.Write([]byte("server full, try again later.\r\n"))
		conn.Close()
		return
	}

	obj, err := s.Host.Connect(hostbridge.SessionHandle{
		ID:         sess.ID,
		RemoteAddr: conn.RemoteAddr().String(),
	})
	if err != nil {
		s.Registry.Free(sess.ID)
		conn.Close()
		return
	}
	sess.HostObj = obj
	sess.Machine.Negotiator = hostbridge.Negotiator{Host: s.Host, Obj: obj}
	s.Host.Logon(obj)

	go s.readSession(sess.ID, conn)
	if fd, ok := fileDescriptor(conn); ok {
		oobStop := make(chan struct{})
		s.oobStops[sess.ID] = oobStop
		go watchOOB(s, sess.ID, fd, oobStop)
	}

	s.requestReverseLookup(conn.RemoteAddr())
}

// requestReverseLookup issues an ERQ reverse-DNS request for addr's IP if
// it is not already cached or pending, per spec.md §6's reverse-lookup
// request catalogue. A nil or non-IP addr (e.g. net.Pipe in tests) is a
// silent no-op.
func (s *Scheduler) requestReverseLookup(addr net.Addr) {
	if s.ERQ == nil || addr == nil {
		return
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return
	}
	if _, found := s.AddrCache.Lookup(host); found {
		return
	}
	s.AddrCache.MarkPending(host)

	h, req := erq.RLookup, erq.ReqRLookup
	if ip.To4() == nil {
		h, req = erq.RLookupV6, erq.ReqRLookupV6
	}
	if err := s.ERQ.Send(h, req, []byte(host)); err != nil {
		log.Printf("WARN: ERQ reverse lookup request for %s failed: %v", host, err)
	}
}

// handleRead implements the "fair dispatch" read side of spec.md §4.1
// step 7 for a single session's worth of newly arrived bytes: it delivers
// at most the one command this read completed. If a client pipelined
// several commands into a single segment, the raw buffer still holds the
// rest already parsed-and-ready; deliverPendingRound works through those
// one per pass instead of handleRead draining them all here and starving
// every other session's turn.
func (s *Scheduler) handleRead(id int, data []byte) {
	sess := s.Registry.Get(id)
	if sess == nil || sess.Closing() {
		return
	}
	m := sess.Machine
	if m.Remaining() < len(data) {
		m.Compact()
	}
	n := copy(m.Text[m.TextEnd:], data)
	if n < len(data) {
		// Raw buffer still can't fit everything after compaction: the
		// overflow path (telnet.Machine.appendCooked) handles a full
		// cooked region; a full *raw* region simply defers the remainder
		// to the next read, which is safe since TCP will redeliver it.
		data = data[:n]
	}
	m.Append(n)
	m.Run()

	delivered := s.deliverOne(sess)
	if sess.Closing() {
		delete(s.pendingCmds, sess.ID)
		return
	}
	if delivered && m.Ready() {
		s.pendingCmds[sess.ID] = true
	} else {
		delete(s.pendingCmds, sess.ID)
	}
}

// deliverOne delivers at most one already-completed command from sess's
// telnet machine and re-runs the machine over whatever raw bytes remain, so
// a caller can tell whether another command is already sitting there ready.
// It reports whether a command was actually dispatched.
func (s *Scheduler) deliverOne(sess *session.Session) bool {
	m := sess.Machine
	if !m.Ready() {
		return false
	}
	cmd := string(m.Command())
	sess.LastActivity = time.Now()
	sess.Dispatch(cmd, func(c string) { s.dispatchToHost(sess, c) })
	if sess.Closing() {
		return true
	}
	m.Reset()
	m.Run()
	return true
}

// deliverPendingRound is the fair-dispatch pass spec.md §4.1 step 7 and §5
// "Ordering" require: starting at nextCmdGiver, walk the active sessions
// once in round-robin order and deliver exactly one more buffered command
// to each session still carrying a backlog, advancing the cursor past each
// session actually served.
func (s *Scheduler) deliverPendingRound() {
	if len(s.pendingCmds) == 0 {
		return
	}
	active := s.Registry.ListActive()
	if len(active) == 0 {
		return
	}
	start := s.nextCmdGiver % len(active)
	for i := 0; i < len(active); i++ {
		idx := (start + i) % len(active)
		sess := active[idx]
		if !s.pendingCmds[sess.ID] {
			continue
		}
		s.deliverOne(sess)
		if sess.Closing() || !sess.Machine.Ready() {
			delete(s.pendingCmds, sess.ID)
		}
		s.nextCmdGiver = idx + 1
	}
}

func (s *Scheduler) dispatchToHost(sess *session.Session, cmd string) {
	recv, ok := s.Host.(hostbridge.CommandReceiver)
	if !ok {
		return
	}
	if recv.HandleCommand(sess.HostObj, cmd) {
		s.closeSession(sess, nil)
	}
}

// handleReadErr closes the session on any read error, EOF included. The
// error is not classified: transient and fatal errors are treated alike.
func (s *Scheduler) handleReadErr(id int, err error) {
	sess := s.Registry.Get(id)
	if sess == nil {
		return
	}
	s.closeSession(sess, err)
}

func (s *Scheduler) closeSession(sess *session.Session, reason error) {
	sess.MarkClosing(session.CloseNormal)
	if s.Host != nil && sess.HostObj != nil {
		s.Host.Disconnect(sess.HostObj)
	}
	// Dissolve the snoop graph in both directions (spec.md §4.7 "dissolve
	// snoop relationships"): sess may be snooping someone else, and/or
	// someone else may be snooping sess. Leaving either link dangling would
	// let a reused session ID inherit a stale snoop once the slot is freed.
	if sess.SnoopOn != nil {
		session.ClearSnoop(sess, sess.SnoopOn)
	}
	if observer, ok := sess.SnoopBy.(*session.Session); ok {
		session.ClearSnoop(observer, sess)
	}
	sess.Out.ForceFlush(s.Dirty)
	sess.Conn.Close()
	if stop, ok := s.oobStops[sess.ID]; ok {
		close(stop)
		delete(s.oobStops, sess.ID)
	}
	delete(s.pendingCmds, sess.ID)
	s.Registry.Free(sess.ID)
}

func (s *Scheduler) handleERQData(data []byte) {
	if s.ERQ == nil {
		return
	}
	s.ERQ.ReadFrames(data, func(f erq.Frame) {
		s.handleReservedERQ(f)
	})
}

func (s *Scheduler) handleReservedERQ(f erq.Frame) {
	switch f.Handle {
	case erq.RLookup, erq.RLookupV6:
		nullAt := -1
		for i, b := range f.Payload {
			if b == 0 {
				nullAt = i
				break
			}
		}
		if nullAt < 0 {
			return
		}
		addr := string(f.Payload[:nullAt])
		hostname := string(f.Payload[nullAt+1:])
		s.AddrCache.Resolve(addr, hostname)
	}
}

func (s *Scheduler) handleERQLost(err error) {
	if s.ERQ == nil {
		return
	}
	s.ERQ.ReportReadError(err)
	if s.Host != nil {
		s.Host.ErqStop()
	}
}

// NextCmdGiver returns the round-robin cursor used for fair dispatch
// ordering (spec.md §4.1's "Fair dispatch").
func (s *Scheduler) NextCmdGiver() int { return s.nextCmdGiver }
