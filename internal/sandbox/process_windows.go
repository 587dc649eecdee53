//go:build windows

package sandbox

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// configureProcess detaches the payload into a new process group and
// hides any console window it would open.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killGroup force-kills the payload. Wired as cmd.Cancel; WaitDelay
// bounds any children still holding the output pipes afterwards.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// processUsage reports what Windows exposes through ProcessState; peak
// RSS is not available without the job objects API.
func processUsage(cmd *exec.Cmd, elapsed time.Duration) domain.ResourceUsage {
	usage := domain.ResourceUsage{ElapsedMS: elapsed.Milliseconds()}
	if cmd.ProcessState == nil {
		return usage
	}
	cpu := cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
	usage.CPUTimeMS = cpu.Milliseconds()
	return usage
}
