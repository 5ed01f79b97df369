package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// outputDrainDelay is how long output pipes may stay open after the agent
// exits before they are closed from our side.
const outputDrainDelay = 2 * time.Second

// isolate puts the agent in its own process group so that signals reach any
// children it forked, including ones holding its output pipes.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = outputDrainDelay
}

// signalGroup sends sig to the agent's whole process group.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}
