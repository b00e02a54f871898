// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

//go:build unix && !linux

package launcher

import (
	"os/exec"
	"syscall"
)

// sysProcAttr returns the process attributes for a child. Without a
// parent-death signal, an attached child stays in the process group of its
// parent and is stopped by Kill or by the idle timeout.
func sysProcAttr(detach bool) *syscall.SysProcAttr {
	if detach {
		return &syscall.SysProcAttr{Setsid: true}
	}
	return nil
}

// startCmd starts cmd.
func startCmd(cmd *exec.Cmd) error { return cmd.Start() }
