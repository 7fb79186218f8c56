//go:build linux || darwin

package ioloop

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// watchOOB polls fd's exception/urgent condition via a zero-timeout
// MSG_OOB peek, since net.Conn exposes no OOB primitive and Go has no
// portable SIGURG equivalent (SPEC_FULL.md §5.1). It posts evOOB onto the
// scheduler's channel whenever urgent data is pending and stops when
// stop is closed.
func watchOOB(s *Scheduler, id int, fd int, stop <-chan struct{}) {
	buf := make([]byte, 1)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, _, err := unix.Recvfrom(fd, buf, unix.MSG_OOB|unix.MSG_PEEK)
			if err == nil && n > 0 {
				select {
				case s.events <- event{kind: evOOB, sessionID: id}:
				case <-stop:
					return
				}
			}
		}
	}
}

// fileDescriptor extracts the raw fd from a *net.TCPConn for use with
// Recvfrom, returning ok=false for any other net.Conn implementation
// (e.g. the in-memory pipes used by tests).
func fileDescriptor(conn net.Conn) (fd int, ok bool) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var outFD int
	_ = raw.Control(func(f uintptr) { outFD = int(f) })
	return outFD, true
}
