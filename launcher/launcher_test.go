// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package launcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/transcend/launcher"
	"github.com/google/go-cmp/cmp"
)

func TestMain(m *testing.M) {
	if cfg, ok, err := launcher.CheckChild(); ok {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(runChild(cfg))
	}
	os.Exit(m.Run())
}

// childReport is what an "echo" child writes to its output file.
type childReport struct {
	Name, Kind, Host string
	Port, Threads    int
	Idle             string
	State            string
}

// runChild implements the test children. Each child writes its output to the
// file named by its RegistryPath.
func runChild(cfg launcher.Config) int {
	state, err := launcher.ReadState()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	switch cfg.Kind {
	case "echo":
		data, _ := json.Marshal(childReport{
			Name: cfg.Name, Kind: cfg.Kind, Host: cfg.Host,
			Port: cfg.Port, Threads: cfg.Threads,
			Idle:  cfg.IdleTimeout.String(),
			State: string(state),
		})
		if err := os.WriteFile(cfg.RegistryPath, data, 0600); err != nil {
			return 2
		}
		return 0

	case "wait":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()
		os.WriteFile(cfg.RegistryPath, []byte("ready"), 0600)
		<-ctx.Done()
		return 0

	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		os.WriteFile(cfg.RegistryPath, []byte("ready"), 0600)
		time.Sleep(time.Minute)
		return 0
	}
	return 3
}

func fileExists(path string) func(context.Context) bool {
	return func(context.Context) bool {
		_, err := os.Stat(path)
		return err == nil
	}
}

func waitDone(t *testing.T, p *launcher.Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("Timed out waiting for process %d to exit", p.Pid())
	}
}

func startChild(t *testing.T, kind string, detach bool) (*launcher.Process, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out")
	p, err := launcher.Start(launcher.Config{
		Name: t.Name(), Kind: kind, RegistryPath: out, Detach: detach,
	}, nil)
	if err != nil {
		t.Fatalf("Start %s: %v", kind, err)
	}
	t.Cleanup(func() { launcher.Kill(p.Pid(), 0) })
	if kind != "echo" {
		if err := launcher.WaitReady(t.Context(), fileExists(out), launcher.Policy{
			Interval: 20 * time.Millisecond, Attempts: 250,
		}, p.Done()); err != nil {
			t.Fatalf("WaitReady: %v", err)
		}
	}
	return p, out
}

func TestStartChild(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p, err := launcher.Start(launcher.Config{
		Name:         "alpha",
		Kind:         "echo",
		State:        []byte(`{"x":1}`),
		Host:         "127.0.0.1",
		Port:         5150,
		Threads:      3,
		RegistryPath: out,
		IdleTimeout:  2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.InProcess() {
		t.Error("InProcess: got true, want false")
	}
	waitDone(t, p)
	if err := p.Err(); err != nil {
		t.Fatalf("Child failed: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Read output: %v", err)
	}
	var got childReport
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Decode output: %v", err)
	}
	want := childReport{
		Name: "alpha", Kind: "echo", Host: "127.0.0.1",
		Port: 5150, Threads: 3, Idle: "2s", State: `{"x":1}`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Child config (-want, +got):\n%s", diff)
	}
}

func TestStartErrors(t *testing.T) {
	if _, err := launcher.Start(launcher.Config{}, nil); err == nil {
		t.Error("Start with no name: got nil, want error")
	}
}

func TestKill(t *testing.T) {
	t.Run("Graceful", func(t *testing.T) {
		p, _ := startChild(t, "wait", false)
		start := time.Now()
		if err := p.Kill(10 * time.Second); err != nil {
			t.Fatalf("Kill: %v", err)
		}
		waitDone(t, p)
		if d := time.Since(start); d > 5*time.Second {
			t.Errorf("Kill took %v, want graceful exit", d)
		}
		if err := p.Err(); err != nil {
			t.Errorf("Exit status: got %v, want nil", err)
		}
	})

	t.Run("Detached", func(t *testing.T) {
		p, _ := startChild(t, "wait", true)
		if err := launcher.Kill(p.Pid(), 10*time.Second); err != nil {
			t.Fatalf("Kill: %v", err)
		}
		waitDone(t, p)
	})

	t.Run("Stubborn", func(t *testing.T) {
		p, _ := startChild(t, "stubborn", false)
		if !launcher.Alive(p.Pid()) {
			t.Fatal("Child is not alive after startup")
		}
		if err := launcher.Kill(p.Pid(), 200*time.Millisecond); err != nil {
			t.Fatalf("Kill: %v", err)
		}
		waitDone(t, p)
		var xerr *exec.ExitError
		if !errors.As(p.Err(), &xerr) {
			t.Errorf("Exit status: got %v, want killed", p.Err())
		}
	})

	t.Run("Gone", func(t *testing.T) {
		p, _ := startChild(t, "echo", false)
		waitDone(t, p)
		if err := launcher.Kill(p.Pid(), time.Second); err != nil {
			t.Errorf("Kill exited process: got %v, want nil", err)
		}
		if err := p.Kill(time.Second); err != nil {
			t.Errorf("Process.Kill after exit: got %v, want nil", err)
		}
	})

	t.Run("Self", func(t *testing.T) {
		if err := launcher.Kill(os.Getpid(), 0); err != nil {
			t.Errorf("Kill self: got %v, want nil", err)
		}
		if err := launcher.Kill(0, 0); err != nil {
			t.Errorf("Kill 0: got %v, want nil", err)
		}
	})
}

func TestInProcess(t *testing.T) {
	started := make(chan launcher.Config, 1)
	p, err := launcher.Start(launcher.Config{
		Name: "local", Kind: "any", State: []byte("state"), InProcess: true,
	}, func(ctx context.Context, cfg launcher.Config) error {
		started <- cfg
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.InProcess() || p.Pid() != os.Getpid() {
		t.Errorf("Process: got in-process=%v pid=%d, want true, %d", p.InProcess(), p.Pid(), os.Getpid())
	}
	cfg := <-started
	if string(cfg.State) != "state" {
		t.Errorf("Served state: got %q, want %q", cfg.State, "state")
	}
	if err := p.Kill(time.Second); err != nil {
		t.Errorf("Kill: %v", err)
	}
	waitDone(t, p)
	if err := p.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("Exit: got %v, want %v", err, context.Canceled)
	}
}

func TestWaitReady(t *testing.T) {
	pol := launcher.Policy{Interval: 100 * time.Millisecond, Attempts: 10}

	t.Run("Ready", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			var n int
			start := time.Now()
			err := launcher.WaitReady(t.Context(), func(context.Context) bool {
				n++
				return n == 4
			}, pol, nil)
			if err != nil {
				t.Fatalf("WaitReady: unexpected error: %v", err)
			}
			if d := time.Since(start); d != 300*time.Millisecond {
				t.Errorf("WaitReady took %v, want 300ms", d)
			}
		})
	})

	t.Run("Timeout", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			var n int
			err := launcher.WaitReady(t.Context(), func(context.Context) bool { n++; return false }, pol, nil)
			if !errors.Is(err, launcher.ErrStartupTimeout) {
				t.Errorf("WaitReady: got %v, want %v", err, launcher.ErrStartupTimeout)
			}
			if n != pol.Attempts {
				t.Errorf("Probes: got %d, want %d", n, pol.Attempts)
			}
		})
	})

	t.Run("Exited", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			exited := make(chan struct{})
			close(exited)
			err := launcher.WaitReady(t.Context(), func(context.Context) bool { return false }, pol, exited)
			if !errors.Is(err, launcher.ErrExited) {
				t.Errorf("WaitReady: got %v, want %v", err, launcher.ErrExited)
			}
		})
	})

	t.Run("Canceled", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			cancel()
			err := launcher.WaitReady(ctx, func(context.Context) bool { return false }, pol, nil)
			if !errors.Is(err, context.Canceled) {
				t.Errorf("WaitReady: got %v, want %v", err, context.Canceled)
			}
		})
	})
}
