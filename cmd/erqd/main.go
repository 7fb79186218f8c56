// Command erqd is the ERQ co-process from spec.md §4.2 and §6: it speaks
// the length-prefixed frame protocol over stdin/stdout, answering reverse-
// DNS lookups, allow-listed shell queries under a pty, and echo requests.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/stlalpha/commd/internal/erq"
)

// allowedShellCommands is the allow-list ReqShellQuery consults; anything
// else is refused rather than executed, since the request payload comes
// from the comms core, not a trusted operator.
var allowedShellCommands = map[string]bool{
	"traceroute": true,
	"mtr":        true,
	"ping":       true,
	"dig":        true,
	"host":       true,
}

func main() {
	lookupTimeout := flag.Duration("lookup-timeout", 5*time.Second, "reverse DNS lookup timeout")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.Println("INFO: erqd starting")

	out := bufio.NewWriter(os.Stdout)
	// spec.md §4.2: the launcher expects a non-'0' first byte to confirm a
	// successful launch before relying on this process for DNS.
	if _, err := out.Write([]byte{'1'}); err != nil {
		log.Fatalf("FATAL: failed to write launch byte: %v", err)
	}
	if err := out.Flush(); err != nil {
		log.Fatalf("FATAL: failed to flush launch byte: %v", err)
	}

	var dec erq.Decoder
	in := bufio.NewReader(os.Stdin)
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, ok := dec.Next()
				if !ok {
					break
				}
				handle(f, out, *lookupTimeout)
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("ERROR: reading request: %v", err)
			}
			return
		}
	}
}

func handle(f erq.Frame, out *bufio.Writer, lookupTimeout time.Duration) {
	switch f.Request {
	case erq.ReqRLookup, erq.ReqRLookupV6:
		handleLookup(f, out, lookupTimeout)
	case erq.ReqEcho:
		writeReply(out, f.Handle, f.Request, f.Payload)
	case erq.ReqShellQuery:
		handleShellQuery(f, out)
	default:
		log.Printf("WARN: unknown request code %d on handle %d", f.Request, f.Handle)
	}
}

// handleLookup replies with addr + NUL + hostname, matching what
// internal/ioloop's handleReservedERQ expects to parse out of the payload.
func handleLookup(f erq.Frame, out *bufio.Writer, timeout time.Duration) {
	addr := string(f.Payload)
	hostname := addr

	done := make(chan []string, 1)
	go func() {
		names, err := net.LookupAddr(addr)
		if err != nil {
			done <- nil
			return
		}
		done <- names
	}()

	select {
	case names := <-done:
		if len(names) > 0 {
			hostname = strings.TrimSuffix(names[0], ".")
		}
	case <-time.After(timeout):
		log.Printf("WARN: reverse lookup of %s timed out", addr)
	}

	reply := append([]byte(addr), 0)
	reply = append(reply, hostname...)
	writeReply(out, f.Handle, f.Request, reply)
}

// handleShellQuery runs an allow-listed command under a pty and streams its
// combined output back under one KeepHandle-wrapped reply per chunk, ending
// with a final unwrapped reply that frees the handle on the client side.
func handleShellQuery(f erq.Frame, out *bufio.Writer) {
	fields := strings.Fields(string(f.Payload))
	if len(fields) == 0 || !allowedShellCommands[fields[0]] {
		writeReply(out, f.Handle, f.Request, []byte("erqd: command not allowed"))
		return
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	ptyFile, err := pty.Start(cmd)
	if err != nil {
		writeReply(out, f.Handle, f.Request, []byte(fmt.Sprintf("erqd: failed to start: %v", err)))
		return
	}
	defer ptyFile.Close()

	chunk := make([]byte, erq.MaxMessageSize/2)
	for {
		n, err := ptyFile.Read(chunk)
		if n > 0 {
			writeKeepHandleReply(out, f.Handle, f.Request, chunk[:n])
		}
		if err != nil {
			break
		}
	}
	cmd.Wait()
	writeReply(out, f.Handle, f.Request, nil) // final unwrapped reply frees the handle
}

func writeReply(out *bufio.Writer, h erq.Handle, request byte, payload []byte) {
	frame, err := erq.EncodeFrame(h, request, payload)
	if err != nil {
		log.Printf("ERROR: encoding reply for handle %d: %v", h, err)
		return
	}
	if _, err := out.Write(frame); err != nil {
		log.Printf("ERROR: writing reply for handle %d: %v", h, err)
		return
	}
	out.Flush()
}

// writeKeepHandleReply wraps payload with the real handle as a 4-byte
// big-endian prefix under the reserved KeepHandle sentinel, per spec.md
// §6's "keep handle" wrapper.
func writeKeepHandleReply(out *bufio.Writer, h erq.Handle, request byte, payload []byte) {
	wrapped := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(wrapped[:4], uint32(h))
	copy(wrapped[4:], payload)
	writeReply(out, erq.KeepHandle, request, wrapped)
}
