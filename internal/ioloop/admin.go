package ioloop

import (
	"bufio"
	"encoding/json"
	"net"
	"os"

	"github.com/google/uuid"
)

// Snapshot is the read-only state SPEC_FULL.md §4.9's admin surface
// reports: session table, dirty-list length, ERQ handle table
// occupancy, and address-cache fill ratio.
type Snapshot struct {
	RequestID    string `json:"request_id"`
	SessionIDs   []int  `json:"session_ids"`
	DirtyCount   int    `json:"dirty_count"`
	ERQFree      int    `json:"erq_free_slots"`
	ERQCapacity  int    `json:"erq_capacity"`
	AddrCacheLen int    `json:"address_cache_len"`
	AddrCacheCap int    `json:"address_cache_cap"`
}

// Snapshot computes a consistent snapshot by running on the scheduler
// goroutine (posted via Post), so it always reflects a specific completed
// pass rather than racing the scheduler's own mutations.
func (s *Scheduler) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	s.Post(func() {
		snap := Snapshot{RequestID: uuid.NewString()}
		for _, sess := range s.Registry.ListActive() {
			snap.SessionIDs = append(snap.SessionIDs, sess.ID)
		}
		snap.DirtyCount = s.Dirty.Len()
		if s.ERQ != nil {
			snap.ERQFree = s.ERQ.Table.Free()
			snap.ERQCapacity = s.ERQ.Table.Cap()
		}
		snap.AddrCacheLen = s.AddrCache.Len()
		snap.AddrCacheCap = s.AddrCache.Cap()
		reply <- snap
	})
	return <-reply
}

// ServeAdmin listens on a unix socket at path, replying to every newline-
// delimited request with one JSON Snapshot line. It blocks; run it from
// its own goroutine.
func ServeAdmin(s *Scheduler, path string) error {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveAdminConn(s, conn)
	}
}

func serveAdminConn(s *Scheduler, conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for sc.Scan() {
		snap := s.Snapshot()
		if err := enc.Encode(snap); err != nil {
			return
		}
	}
}
