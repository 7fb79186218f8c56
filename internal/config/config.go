// Package config loads and hot-reloads the server's JSON configuration,
// grounded on the teacher's config.Load[T](path)/LoadServerConfig
// conventions and cmd/vision3/config_watcher.go's fsnotify-based reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ServerConfig holds everything the comms core needs to start listening
// and to drive the ERQ/admin/ACL subsystems (spec.md §3, §4.1, §4.2, §6).
type ServerConfig struct {
	// TelnetPort is positive to bind a new listener, or negative whose
	// absolute value names a pre-opened file descriptor (spec.md §6).
	TelnetPort int `json:"telnet_port"`
	UDPPort    int `json:"udp_port"`

	MaxSessions  int `json:"max_sessions"`
	RawBufferCap int `json:"raw_buffer_capacity"`

	ERQPath          string   `json:"erq_path"`
	ERQArgs          []string `json:"erq_args"`
	ERQHandleSlots   int      `json:"erq_handle_slots"`
	ERQMaxMessage    int      `json:"erq_max_message"`
	AddressCacheSize int      `json:"address_cache_size"`

	ACLFile string `json:"acl_file"`

	AdminSocketPath string `json:"admin_socket_path"`

	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// Defaults mirrors the teacher's convention of a well-known fallback
// config returned whenever the file is absent, rather than failing
// startup.
func Defaults() ServerConfig {
	return ServerConfig{
		TelnetPort:       4000,
		UDPPort:          0,
		MaxSessions:      64,
		RawBufferCap:     2048,
		ERQPath:          "",
		ERQHandleSlots:   32,
		ERQMaxMessage:    1024,
		AddressCacheSize: 200,
		ACLFile:          "",
		AdminSocketPath:  "/tmp/commd.admin.sock",
		HeartbeatSeconds: 2,
	}
}

// Load reads and parses a ServerConfig from path, falling back to
// Defaults() if the file does not exist (matching the teacher's
// LoadServerConfig behavior of tolerating a missing config on first run).
func Load(path string) (ServerConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, matching the teacher's
// save-config convention used by its config editor tools.
func Save(path string, cfg ServerConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
