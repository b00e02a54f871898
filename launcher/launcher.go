// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package launcher starts the process that owns a transcended object.
//
// A child is the current executable run again with its configuration in
// TRANSCEND_CHILD_* environment variables and the object state on its
// standard input. The program must check for this at startup (see Child) and
// serve instead of running normally. For tests and debugging, Start can
// instead run the serving function in a goroutine of the calling process.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const envPrefix = "TRANSCEND_CHILD_"

// Environment variables carrying the configuration of a child.
const (
	envMarker   = envPrefix + "MARKER" // "1" in a child
	envName     = envPrefix + "NAME"
	envKind     = envPrefix + "KIND"
	envHost     = envPrefix + "HOST"
	envPort     = envPrefix + "PORT"
	envThreads  = envPrefix + "THREADS"
	envRegistry = envPrefix + "REGISTRY"
	envIdle     = envPrefix + "IDLE_TIMEOUT"
)

// Config describes an owning process to start.
type Config struct {
	Name         string        // the registry name of the object
	Kind         string        // the registered kind of the object
	State        []byte        // the encoded state of the object
	Host         string        // the host to bind; "" means localhost
	Port         int           // the port to bind; 0 means any free port
	Threads      int           // dispatch concurrency; 0 means 1
	RegistryPath string        // the registry file to publish to
	IdleTimeout  time.Duration // if positive, exit after idling this long

	// InProcess runs the serving function in a goroutine of the calling
	// process instead of a child process.
	InProcess bool

	// Detach starts the child in its own session, so that it outlives the
	// calling process. Otherwise the child is stopped when its parent exits,
	// where the platform supports it.
	Detach bool

	// Stderr, if set, receives the standard error of a child. If nil, a
	// child shares the standard error of its parent unless it is detached.
	Stderr io.Writer

	// Logger receives lifecycle events. The zero value discards them.
	Logger zerolog.Logger
}

// environ returns the environment variables encoding c, excluding State.
func (c Config) environ() []string {
	return []string{
		envMarker + "=1",
		envName + "=" + c.Name,
		envKind + "=" + c.Kind,
		envHost + "=" + c.Host,
		envPort + "=" + strconv.Itoa(c.Port),
		envThreads + "=" + strconv.Itoa(c.Threads),
		envRegistry + "=" + c.RegistryPath,
		envIdle + "=" + c.IdleTimeout.String(),
	}
}

// parseEnv decodes a child configuration from the environment.
func parseEnv(getenv func(string) string) (Config, bool, error) {
	if getenv(envMarker) != "1" {
		return Config{}, false, nil
	}
	cfg := Config{
		Name:         getenv(envName),
		Kind:         getenv(envKind),
		Host:         getenv(envHost),
		RegistryPath: getenv(envRegistry),
	}
	var errs []error
	if s := getenv(envPort); s != "" {
		v, err := strconv.Atoi(s)
		errs = append(errs, err)
		cfg.Port = v
	}
	if s := getenv(envThreads); s != "" {
		v, err := strconv.Atoi(s)
		errs = append(errs, err)
		cfg.Threads = v
	}
	if s := getenv(envIdle); s != "" {
		v, err := time.ParseDuration(s)
		errs = append(errs, err)
		cfg.IdleTimeout = v
	}
	if err := errors.Join(errs...); err != nil {
		return cfg, true, fmt.Errorf("invalid child environment: %w", err)
	}
	if cfg.Name == "" {
		return cfg, true, errors.New("invalid child environment: missing name")
	}
	return cfg, true, nil
}

// Child reports whether the current process was started by Start, and if so
// returns its configuration. The State field is not populated; use ReadState.
// Child reports false if the environment is malformed.
func Child() (Config, bool) {
	cfg, ok, err := parseEnv(os.Getenv)
	return cfg, ok && err == nil
}

// CheckChild is as Child, but reports a malformed child environment as an
// error rather than ignoring it.
func CheckChild() (Config, bool, error) { return parseEnv(os.Getenv) }

// ReadState reads the object state sent to a child by its parent.
func ReadState() ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return data, nil
}

// A ServeFunc serves the object described by cfg until ctx ends or the
// service shuts itself down.
type ServeFunc func(ctx context.Context, cfg Config) error

// A Process is a started owning process.
type Process struct {
	pid    int
	cmd    *exec.Cmd          // nil if in-process
	cancel context.CancelFunc // nil if a child
	done   chan struct{}

	μ   sync.Mutex
	err error
}

// Pid returns the process ID of p. For an in-process service, this is the
// ID of the calling process.
func (p *Process) Pid() int { return p.pid }

// InProcess reports whether p runs in the calling process.
func (p *Process) InProcess() bool { return p.cmd == nil }

// Done returns a channel that is closed when p has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error of p. It is nil until p has exited.
func (p *Process) Err() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.err
}

func (p *Process) exited(err error) {
	p.μ.Lock()
	p.err = err
	p.μ.Unlock()
	close(p.done)
}

// Kill stops p and waits for it to exit. A child is sent SIGTERM, and then
// SIGKILL if it has not exited after grace. An in-process service is
// canceled. Kill does not report an error if p has already exited.
func (p *Process) Kill(grace time.Duration) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := tolerate(p.cmd.Process.Signal(sigTerm)); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := tolerate(p.cmd.Process.Kill()); err != nil {
		return fmt.Errorf("force kill %d: %w", p.pid, err)
	}
	<-p.done
	return nil
}

// Start starts an owning process for cfg. If cfg.InProcess is true, serve is
// run in a new goroutine of the calling process; otherwise the current
// executable is started as a child. Start does not wait for the service to
// become ready; see WaitReady.
func Start(cfg Config, serve ServeFunc) (*Process, error) {
	if cfg.Name == "" {
		return nil, errors.New("missing object name")
	}
	log := cfg.Logger.With().Str("name", cfg.Name).Logger()
	if cfg.InProcess {
		ctx, cancel := context.WithCancel(context.Background())
		p := &Process{pid: os.Getpid(), cancel: cancel, done: make(chan struct{})}
		go func() {
			defer cancel()
			p.exited(serve(ctx, cfg))
		}()
		log.Debug().Msg("started in-process service")
		return p, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe)
	cmd.Env = append(childEnviron(os.Environ()), cfg.environ()...)
	cmd.Stdin = bytes.NewReader(cfg.State)
	switch {
	case cfg.Stderr != nil:
		cmd.Stderr = cfg.Stderr
	case !cfg.Detach:
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = sysProcAttr(cfg.Detach)
	if err := startCmd(cmd); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	p := &Process{pid: cmd.Process.Pid, cmd: cmd, done: make(chan struct{})}
	go func() { p.exited(cmd.Wait()) }()
	log.Debug().Int("pid", p.pid).Bool("detach", cfg.Detach).Msg("started owning process")
	return p, nil
}

// childEnviron returns a copy of env without any child configuration.
func childEnviron(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, envPrefix) {
			out = append(out, kv)
		}
	}
	return out
}

// ErrStartupTimeout is reported by WaitReady when a process does not become
// ready within its budget.
var ErrStartupTimeout = errors.New("startup timeout")

// ErrExited is reported by WaitReady when a process exits before it becomes
// ready.
var ErrExited = errors.New("process exited during startup")

// A Policy bounds how long WaitReady waits for a process.
type Policy struct {
	Interval time.Duration // time between probes; default 100ms
	Attempts int           // maximum number of probes; default 100
}

// DefaultPolicy is the readiness policy used when none is given.
var DefaultPolicy = Policy{Interval: 100 * time.Millisecond, Attempts: 100}

func (p Policy) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultPolicy.Interval
	}
	return p.Interval
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return DefaultPolicy.Attempts
	}
	return p.Attempts
}

// WaitReady calls probe until it reports true, up to the attempt budget of
// pol. It reports an error wrapping ErrStartupTimeout if the budget is
// exhausted, or ErrExited if exited is closed first. A nil exited channel is
// never closed.
func WaitReady(ctx context.Context, probe func(context.Context) bool, pol Policy, exited <-chan struct{}) error {
	n := pol.attempts()
	for i := range n {
		if probe(ctx) {
			return nil
		}
		if i == n-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return ErrExited
		case <-time.After(pol.interval()):
		}
	}
	return fmt.Errorf("not ready after %d attempts: %w", n, ErrStartupTimeout)
}
