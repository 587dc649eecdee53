//go:build !windows

package sandbox

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// configureProcess puts the payload in its own process group so a kill
// reaches any children it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup SIGKILLs the payload's whole process group. Wired as
// cmd.Cancel so a deadline also reaches children that inherited the
// output pipes; killing only the direct child would leave Run blocked
// until the children exit.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// processUsage extracts CPU time and peak RSS from the exited process.
func processUsage(cmd *exec.Cmd, elapsed time.Duration) domain.ResourceUsage {
	usage := domain.ResourceUsage{ElapsedMS: elapsed.Milliseconds()}
	if cmd.ProcessState == nil {
		return usage
	}
	cpu := cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
	usage.CPUTimeMS = cpu.Milliseconds()
	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// Maxrss is KB on Linux, bytes on Darwin; KB is close enough
		// for scheduling hints either way.
		usage.MaxRSSKB = int64(ru.Maxrss)
	}
	return usage
}
