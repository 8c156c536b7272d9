package app

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"conduit/pkg/logging"
)

// PIDInfo is the content of the server PID file. Other processes read
// it to find a running proxy.
type PIDInfo struct {
	PID       int       `json:"pid"`
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Transport string    `json:"transport"`
	StartedAt time.Time `json:"startedAt"`
	ConfigDir string    `json:"configDir"`
}

// PIDFile manages the server.pid file next to the configuration.
type PIDFile struct {
	path string
}

// NewPIDFile creates a handle; nothing is written until Write.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Write records the running process. An existing file is overwritten:
// either its process is dead, or the new listener would have failed to
// bind anyway.
func (p *PIDFile) Write(info PIDInfo) error {
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding PID file: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("writing PID file %s: %w", p.path, err)
	}
	return nil
}

// Remove deletes the file. Missing files are fine.
func (p *PIDFile) Remove() {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		logging.Warn("App", "Removing PID file: %v", err)
	}
}

// Read loads the file and checks that the recorded process is still
// alive. Stale records, unreadable files and dead processes all report
// not-running.
func (p *PIDFile) Read() (*PIDInfo, bool) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, false
	}
	var info PIDInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false
	}
	if !processAlive(info.PID) {
		return &info, false
	}
	return &info, true
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
