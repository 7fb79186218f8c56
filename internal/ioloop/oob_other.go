//go:build !linux && !darwin

package ioloop

import "net"

// watchOOB is a no-op on platforms without MSG_OOB/Recvfrom support; OOB
// urgent-data handling (spec.md §4.1 step 2) simply never fires there.
func watchOOB(s *Scheduler, id int, fd int, stop <-chan struct{}) {
	<-stop
}

func fileDescriptor(conn net.Conn) (fd int, ok bool) { return 0, false }
