// Command commd is the comms core's driver binary: it loads configuration,
// opens the telnet and UDP listeners, launches the ERQ co-process if
// configured, starts the admin socket, and runs the scheduler until killed.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/stlalpha/commd/internal/config"
	"github.com/stlalpha/commd/internal/erq"
	"github.com/stlalpha/commd/internal/hostbridge"
	"github.com/stlalpha/commd/internal/ioloop"
	"github.com/stlalpha/commd/internal/logging"
	"github.com/stlalpha/commd/internal/netacl"
	"github.com/stlalpha/commd/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/server.json", "path to server config JSON")
	debug := flag.Bool("debug", false, "enable debug logging")
	traceLevel := flag.Int("trace", 0, "global trace verbosity (0 disables)")
	flag.Parse()

	logging.DebugEnabled = *debug || os.Getenv("DEBUG") == "1"
	logging.TraceLevel = *traceLevel

	log.SetOutput(os.Stderr)
	log.Println("INFO: starting commd...")

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		log.Fatalf("FATAL: failed to load config %s: %v", *configPath, err)
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	acl := netacl.NewList()
	if cfg.ACLFile != "" {
		if err := acl.LoadFile(cfg.ACLFile); err != nil {
			log.Printf("WARN: failed to load ACL file %s: %v", cfg.ACLFile, err)
		}
	}
	watcher.OnReload = func(newCfg config.ServerConfig) {
		if newCfg.ACLFile != "" {
			if err := acl.LoadFile(newCfg.ACLFile); err != nil {
				log.Printf("WARN: failed to reload ACL file %s: %v", newCfg.ACLFile, err)
			}
		}
	}

	registry := session.NewRegistry(cfg.MaxSessions)
	host := hostbridge.NewDemo()

	sched := ioloop.New(registry, host, acl, cfg.RawBufferCap)
	host.Sessions = registry.Get
	host.Output = func(sessionID int, text string) {
		sched.Post(func() {
			sess := registry.Get(sessionID)
			if sess == nil {
				return
			}
			sess.Out.Write([]byte(text), sched.Dirty)
		})
	}

	if cfg.ERQPath != "" {
		launcher := erq.Launcher{Path: cfg.ERQPath, Args: cfg.ERQArgs}
		conn, cmd, err := launcher.Start()
		if err != nil {
			log.Printf("WARN: failed to launch ERQ demon %s: %v", cfg.ERQPath, err)
		} else {
			client := erq.NewClient(conn, cfg.ERQHandleSlots)
			client.NotifyLoss = func(err error) {
				log.Printf("ERROR: ERQ connection lost: %v", err)
			}
			client.OnStale = func(h erq.Handle, cb erq.Callback) {
				host.StaleERQ(cb)
			}
			sched.ERQ = client
			go func() {
				var first [1]byte
				if _, err := io.ReadFull(conn, first[:]); err != nil || !erq.CheckLaunchByte(first[0]) {
					if err == nil {
						err = fmt.Errorf("erq: demon reported launch failure")
					}
					sched.Post(func() { client.ReportReadError(err) })
					return
				}
				buf := make([]byte, erq.MaxMessageSize*2)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						data := append([]byte(nil), buf[:n]...)
						sched.Post(func() { sched.ERQ.ReadFrames(data, nil) })
					}
					if err != nil {
						sched.Post(func() { client.ReportReadError(err) })
						return
					}
				}
			}()
			log.Printf("INFO: ERQ demon launched: %s %v (pid %d)", cfg.ERQPath, cfg.ERQArgs, cmd.Process.Pid)
		}
	}

	ln, err := listen(cfg.TelnetPort)
	if err != nil {
		log.Fatalf("FATAL: failed to bind telnet listener on port %d: %v", cfg.TelnetPort, err)
	}
	defer ln.Close()
	go sched.ServeListener(ln)
	log.Printf("INFO: telnet listening on %s", ln.Addr())

	if cfg.UDPPort != 0 {
		udpAddr := &net.UDPAddr{Port: cfg.UDPPort}
		udpConn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			log.Printf("WARN: failed to bind UDP port %d: %v", cfg.UDPPort, err)
		} else {
			go sched.ServeUDP(udpConn)
			log.Printf("INFO: UDP listening on %s", udpConn.LocalAddr())
		}
	}

	if cfg.AdminSocketPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AdminSocketPath), 0o755); err != nil {
			log.Printf("WARN: failed to create admin socket directory: %v", err)
		} else {
			go func() {
				if err := ioloop.ServeAdmin(sched, cfg.AdminSocketPath); err != nil {
					log.Printf("ERROR: admin socket stopped: %v", err)
				}
			}()
			log.Printf("INFO: admin socket listening on %s", cfg.AdminSocketPath)
		}
	}

	heartbeat := time.Duration(cfg.HeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}
	sched.StartHeartbeat(heartbeat)

	log.Printf("INFO: commd running. Press Ctrl+C to stop.")
	sched.Run()
}

// listen opens a TCP listener on port, or adopts an already-open file
// descriptor when port is negative (spec.md §6's "negative port names a
// pre-opened descriptor," e.g. inetd-style socket activation).
func listen(port int) (net.Listener, error) {
	if port >= 0 {
		return net.Listen("tcp", fmt.Sprintf(":%d", port))
	}
	f := os.NewFile(uintptr(-port), "preopened-listener")
	if f == nil {
		return nil, fmt.Errorf("commd: invalid pre-opened descriptor %d", -port)
	}
	return net.FileListener(f)
}
