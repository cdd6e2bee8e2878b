//go:build unix

package build

import (
	"os/exec"
	"syscall"
	"time"
)

// Grace period for output pipes after the process group is killed.
const waitDelay = 5 * time.Second

// Runs the command in its own process group so cancellation also stops the
// compiler processes it spawns.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
}
