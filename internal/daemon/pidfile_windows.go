//go:build windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

const (
	termSignal = syscall.SIGTERM
	killSignal = syscall.SIGKILL
)

// Detach is a no-op; Windows has no session to leave.
func Detach(_ *exec.Cmd) {}

// ShutdownSignals are the signals a foreground server drains on.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// IsRunning reports the recorded server and whether its process is alive.
func (p *PIDFile) IsRunning() (Info, bool) {
	info, err := p.Read()
	if err != nil {
		return Info{}, false
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return info, false
	}
	// FindProcess always succeeds here, so probe with a zero signal.
	return info, proc.Signal(syscall.Signal(0)) == nil
}

// Signal sends sig to the recorded process. Only a kill is reliable on Windows.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	info, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", info.PID, err)
	}
	return proc.Signal(sig)
}
