// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package launcher

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

const sigTerm = syscall.SIGTERM

// pollInterval is how often Kill checks whether a process has exited.
const pollInterval = 20 * time.Millisecond

// Kill stops the process with the given pid. It sends SIGTERM, waits up to
// grace for the process to exit, and then sends SIGKILL. Kill does nothing
// for the calling process or a nonpositive pid. A process that does not exist,
// or that the caller is not permitted to signal, is not an error.
func Kill(pid int, grace time.Duration) error {
	if pid <= 0 || pid == os.Getpid() {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return tolerate(err)
	}
	if err := proc.Signal(sigTerm); err != nil {
		return tolerate(err)
	}

	deadline := time.Now().Add(grace)
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for time.Now().Before(deadline) {
		<-tick.C
		if !Alive(pid) {
			return nil
		}
	}
	if err := proc.Kill(); err != nil {
		if err := tolerate(err); err != nil {
			return fmt.Errorf("force kill %d: %w", pid, err)
		}
	}
	return nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// tolerate filters out errors that indicate a process is already gone or
// cannot be signaled by the caller.
func tolerate(err error) error {
	switch {
	case err == nil,
		errors.Is(err, os.ErrProcessDone),
		errors.Is(err, syscall.ESRCH),
		errors.Is(err, syscall.EPERM):
		return nil
	}
	return err
}
