// Package daemon tracks a background server through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNotRunning means no live process is recorded in the PID file.
var ErrNotRunning = errors.New("not running")

// Info is what the PID file records about the server.
type Info struct {
	PID  int
	Port int
}

// PIDFile records the server's PID and listening port.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process listening on port.
func (p *PIDFile) Write(port int) error {
	return p.WriteInfo(Info{PID: os.Getpid(), Port: port})
}

// WriteInfo records info, creating the parent directory if needed.
func (p *PIDFile) WriteInfo(info Info) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID directory: %w", err)
	}
	data := fmt.Sprintf("%d %d\n", info.PID, info.Port)
	return os.WriteFile(p.Path, []byte(data), 0o644)
}

// Read parses the PID file. A file holding only a PID reads with port 0.
func (p *PIDFile) Read() (Info, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Info{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || len(fields) > 2 {
		return Info{}, fmt.Errorf("invalid PID file content: %q", strings.TrimSpace(string(data)))
	}
	var info Info
	if info.PID, err = strconv.Atoi(fields[0]); err != nil {
		return Info{}, fmt.Errorf("invalid PID file content: %w", err)
	}
	if len(fields) == 2 {
		if info.Port, err = strconv.Atoi(fields[1]); err != nil {
			return Info{}, fmt.Errorf("invalid PID file content: %w", err)
		}
	}
	return info, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Stop asks the recorded process to exit and waits up to grace for it,
// killing it when it does not. The PID file is removed once it is gone.
func (p *PIDFile) Stop(grace time.Duration) (killed bool, err error) {
	info, running := p.IsRunning()
	if !running {
		return false, ErrNotRunning
	}
	if err := p.Signal(termSignal); err != nil {
		return false, fmt.Errorf("signal pid %d: %w", info.PID, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if _, running := p.IsRunning(); !running {
			_ = p.Remove()
			return false, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := p.Signal(killSignal); err != nil {
		return false, fmt.Errorf("kill pid %d: %w", info.PID, err)
	}
	_ = p.Remove()
	return true, nil
}
