package erq

import (
	"io"
	"os/exec"
)

// Conn is the minimal surface Client needs from the co-process socket; a
// *net.TCPConn, *net.UnixConn, or (in tests) an in-memory pipe all satisfy
// it.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// Client drives the send/receive halves of the ERQ protocol over a single
// Conn. Exactly one frame may be in flight on the send side at a time
// (spec.md §4.2: "one pending frame may be in flight; additional sends are
// refused until the pending tail has been written").
type Client struct {
	conn    Conn
	Table   *Table
	decoder Decoder

	pending     []byte
	pendingSent int

	// OnStale is invoked once per drained handle when the ERQ connection
	// is lost, with the original requester's callback so it can be forwarded
	// to the host's stale_erq hook.
	OnStale func(h Handle, cb Callback)
	// NotifyLoss is invoked once (not once per handle) the first time a
	// fatal error is observed, matching "a configurable notify hook is
	// invoked once."
	NotifyLoss func(err error)
	notified   bool

	stopped bool
}

// NewClient wraps conn with a handle table of the given capacity.
func NewClient(conn Conn, tableCapacity int) *Client {
	return &Client{conn: conn, Table: NewTable(tableCapacity)}
}

// Send enqueues a request. It returns an error if a previous frame has not
// finished writing yet, or if the client has stopped.
func (c *Client) Send(h Handle, request byte, payload []byte) error {
	if c.stopped {
		return errStopped{}
	}
	if c.pending != nil {
		return errBusy{}
	}
	frame, err := EncodeFrame(h, request, payload)
	if err != nil {
		return err
	}
	c.pending = frame
	c.pendingSent = 0
	return c.flushPending()
}

// flushPending writes as much of the pending frame as the conn accepts
// in one Write call; a short write leaves the remainder queued until
// FlushPending is called. Nothing in this tree calls FlushPending.
func (c *Client) flushPending() error {
	if c.pending == nil {
		return nil
	}
	n, err := c.conn.Write(c.pending[c.pendingSent:])
	if err != nil {
		c.fatal(err)
		return err
	}
	c.pendingSent += n
	if c.pendingSent >= len(c.pending) {
		c.pending = nil
		c.pendingSent = 0
	}
	return nil
}

// FlushPending resumes writing a partially-sent frame.
func (c *Client) FlushPending() error { return c.flushPending() }

// Busy reports whether a send is still in flight.
func (c *Client) Busy() bool { return c.pending != nil }

// ReadFrames appends newly read bytes and dispatches every complete frame,
// routing reserved handles to onReserved (if non-nil; otherwise they are
// dropped) and everything else through the handle table. Returns the number of frames dispatched.
func (c *Client) ReadFrames(newBytes []byte, onReserved func(f Frame)) int {
	c.decoder.Feed(newBytes)
	n := 0
	for {
		f, ok := c.decoder.Next()
		if !ok {
			break
		}
		n++
		keepHandle := f.Handle == KeepHandle
		h := f.Handle
		if keepHandle && len(f.Payload) >= 4 {
			// A KeepHandle-wrapped reply carries the real handle as the
			// first 4 bytes of its payload, per spec.md §6's "unwrap and
			// continue."
			h = Handle(uint32(f.Payload[0])<<24 | uint32(f.Payload[1])<<16 | uint32(f.Payload[2])<<8 | uint32(f.Payload[3]))
			f.Payload = f.Payload[4:]
		}
		switch h {
		case RLookup, RLookupV6:
			if onReserved != nil {
				onReserved(Frame{Handle: h, Request: f.Request, Payload: f.Payload})
			}
		default:
			c.Table.Dispatch(h, f.Payload, keepHandle)
		}
	}
	return n
}

// fatal implements spec.md §4.2's loss handling: stop the client, drain
// every live handle into OnStale, and fire NotifyLoss exactly once.
func (c *Client) fatal(err error) {
	if c.stopped {
		return
	}
	c.stopped = true
	if c.OnStale != nil {
		c.Table.DrainStale(c.OnStale)
	}
	if !c.notified && c.NotifyLoss != nil {
		c.notified = true
		c.NotifyLoss(err)
	}
}

// Stopped reports whether the client has given up on this connection.
func (c *Client) Stopped() bool { return c.stopped }

// ReportReadError lets the scheduler push a fatal read-side error (short
// read <= 0, socket error) through the same stop/drain/notify path as a
// write failure.
func (c *Client) ReportReadError(err error) { c.fatal(err) }

type errBusy struct{}

func (errBusy) Error() string { return "erq: a frame is already in flight" }

type errStopped struct{}

func (errStopped) Error() string { return "erq: client has stopped after connection loss" }

// Launcher starts the co-process wired to a Conn, per spec.md §4.2
// ("forks a child wired to a socket-pair"). Go has no fork/exec-into-same-
// address-space primitive, so this realizes the same contract with
// exec.Cmd's Stdin/Stdout pipes, which is the portable Go analogue the
// rest of this tree uses for every other child-process launch (see
// cmd/erqd's shell-query use of github.com/creack/pty for the one request
// that additionally needs a controlling terminal).
type Launcher struct {
	Path string
	Args []string
}

// Start launches the co-process and returns a Conn backed by its
// stdin/stdout pipes, plus the *exec.Cmd so the caller can Wait() it.
func (l Launcher) Start() (Conn, *exec.Cmd, error) {
	cmd := exec.Command(l.Path, l.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return pipeConn{w: stdin, r: stdout}, cmd, nil
}

// CheckLaunchByte inspects the first byte read from a freshly started
// co-process: spec.md §4.2 expects a non-'0' first byte, with '0' signaling
// launch failure.
func CheckLaunchByte(b byte) (ok bool) { return b != '0' }

// pipeConn adapts a process's stdin/stdout pipes to the Conn interface.
type pipeConn struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeConn) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
