// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package launcher

import (
	"os/exec"
	"runtime"
	"sync"
	"syscall"
)

// sysProcAttr returns the process attributes for a child. An attached child
// receives SIGTERM when its parent exits.
func sysProcAttr(detach bool) *syscall.SysProcAttr {
	if detach {
		return &syscall.SysProcAttr{Setsid: true}
	}
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}

// The kernel delivers Pdeathsig when the thread that forked the child exits,
// not the whole process (golang/go#27505). Children are therefore started
// from one goroutine locked to its thread, which lives as long as the process.
var (
	spawnOnce sync.Once
	spawnc    chan func()
)

// startCmd starts cmd from the spawner thread.
func startCmd(cmd *exec.Cmd) error {
	spawnOnce.Do(func() {
		spawnc = make(chan func())
		go func() {
			runtime.LockOSThread() // never unlocked
			for fn := range spawnc {
				fn()
			}
		}()
	})
	errc := make(chan error, 1)
	spawnc <- func() { errc <- cmd.Start() }
	return <-errc
}
