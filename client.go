// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transcend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/transcend/internal/config"
	"github.com/creachadair/transcend/internal/logging"
	"github.com/creachadair/transcend/launcher"
	"github.com/creachadair/transcend/peers"
	"github.com/creachadair/transcend/registry"
	"github.com/creachadair/transcend/service"
	"github.com/creachadair/transcend/wire"
	"github.com/rs/zerolog"
)

// A Client transcends objects and manages their owning processes.
// The zero value is ready for use with built-in defaults; see [Default] for
// the client configured from the user's settings.
type Client struct {
	// RegistryPath is the registry file. If empty, registry.DefaultPath is used.
	RegistryPath string

	// Host and Port are where owning processes bind. An empty host means
	// localhost, and port 0 selects any free port.
	Host string
	Port int

	// Threads bounds concurrent dispatch in owning processes. If zero, 1.
	Threads int

	// InProcess runs owning services in goroutines of the calling process
	// instead of child processes. This is meant for tests and debugging.
	InProcess bool

	// Detach starts owning processes in their own session, so that they
	// outlive the calling process.
	Detach bool

	// Ready bounds how long Transcend waits for a new owning process.
	Ready launcher.Policy

	// CallTimeout bounds each operation whose context has no deadline.
	// Zero means no bound.
	CallTimeout time.Duration

	// DialTimeout bounds connecting to an owning process. If zero, 5s.
	DialTimeout time.Duration

	// KillGrace is how long Terminate waits after SIGTERM before it sends
	// SIGKILL. If zero, 2s.
	KillGrace time.Duration

	// IdleTimeout, if positive, makes owning processes exit after having no
	// attached proxies for this long.
	IdleTimeout time.Duration

	// Logger receives lifecycle events. The zero value discards them.
	Logger zerolog.Logger
}

// NewClient returns a client configured from the user's settings; see
// package internal/config for the sources consulted.
func NewClient() (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return clientFromConfig(cfg), nil
}

func clientFromConfig(cfg config.Config) *Client {
	return &Client{
		RegistryPath: cfg.RegistryPath,
		Host:         cfg.Host,
		Threads:      cfg.ServerThreads,
		Ready: launcher.Policy{
			Interval: time.Duration(cfg.ReadyInterval),
			Attempts: cfg.ReadyAttempts,
		},
		CallTimeout: time.Duration(cfg.CallTimeout),
		DialTimeout: time.Duration(cfg.DialTimeout),
		KillGrace:   time.Duration(cfg.KillGrace),
		IdleTimeout: time.Duration(cfg.IdleTimeout),
		Logger:      logging.New("client"),
	}
}

var defaults struct {
	sync.Mutex
	client   *Client
	override *string // set by SetRegistryPath
}

// Default returns a copy of the default client used by the package-level
// functions. It is configured from the user's settings; if they cannot be
// loaded, the built-in defaults are used and a warning is logged.
func Default() *Client {
	defaults.Lock()
	defer defaults.Unlock()
	if defaults.client == nil {
		c, err := NewClient()
		if err != nil {
			c = clientFromConfig(config.Default())
			c.Logger.Warn().Err(err).Msg("loading configuration")
		}
		defaults.client = c
	}
	c := *defaults.client
	if defaults.override != nil {
		c.RegistryPath = *defaults.override
	}
	return &c
}

// SetRegistryPath overrides the registry file used by the package-level
// functions, and returns a function that restores the previous setting.
// A typical use is:
//
//	defer transcend.SetRegistryPath(path)()
func SetRegistryPath(path string) (restore func()) {
	defaults.Lock()
	defer defaults.Unlock()
	old := defaults.override
	defaults.override = &path
	return func() {
		defaults.Lock()
		defer defaults.Unlock()
		defaults.override = old
	}
}

// Transcend transcends obj under name using the default client.
func Transcend(ctx context.Context, obj any, name string) (*Proxy, error) {
	return Default().Transcend(ctx, obj, name)
}

// GetProxy returns a proxy for the object registered as name using the
// default client.
func GetProxy(ctx context.Context, name string) (*Proxy, error) {
	return Default().GetProxy(ctx, name)
}

// Terminate stops the object registered as name using the default client.
func Terminate(ctx context.Context, name string) error { return Default().Terminate(ctx, name) }

// TerminateAll stops all registered objects using the default client.
func TerminateAll(ctx context.Context) error { return Default().TerminateAll(ctx) }

// List returns the registered objects using the default client.
func List(ctx context.Context) (map[string]registry.Entry, error) { return Default().List(ctx) }

// Use calls fn with a proxy for name using the default client.
func Use(ctx context.Context, name string, fn func(*Proxy) error) error {
	return Default().Use(ctx, name, fn)
}

func (c *Client) registryPath() string {
	if c.RegistryPath == "" {
		return registry.DefaultPath()
	}
	return c.RegistryPath
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return c.DialTimeout
}

func (c *Client) killGrace() time.Duration {
	if c.KillGrace <= 0 {
		return 2 * time.Second
	}
	return c.KillGrace
}

func (c *Client) withRegistry(fn func(*registry.Store) error) error {
	return registry.Use(c.registryPath(), fn)
}

// Transcend moves obj into an owning process under name and returns a proxy
// for it. If name is already registered and its owning process is reachable,
// Transcend attaches to it and obj is not used. A registered name whose owner
// cannot be reached is treated as absent.
//
// The type of obj must be registered with service.Register or
// service.RegisterType, and obj must implement at least one of the
// capability interfaces of package service.
func (c *Client) Transcend(ctx context.Context, obj any, name string) (*Proxy, error) {
	if name == "" {
		return nil, errors.New("transcend: empty object name")
	}
	log := c.Logger.With().Str("name", name).Logger()

	// Attach to a live owner, or purge the entry of a dead one.
	var old registry.Entry
	var found bool
	if err := c.withRegistry(func(st *registry.Store) error {
		e, err := st.Get(ctx, name)
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		old, found = e, true
		return nil
	}); err != nil {
		return nil, fmt.Errorf("transcend %q: %w", name, err)
	}
	if found {
		p, err := c.GetProxy(ctx, name)
		if err == nil {
			log.Debug().Int("pid", old.PID).Msg("attached to existing object")
			return p, nil
		} else if !errors.Is(err, ErrConnect) && !errors.Is(err, ErrNoSuchObject) {
			return nil, err
		}
		log.Info().Err(err).Int("pid", old.PID).Msg("removing stale registry entry")
		if err := c.withRegistry(func(st *registry.Store) error {
			_, err := st.DeleteIf(ctx, name, old.PID)
			return err
		}); err != nil {
			return nil, fmt.Errorf("transcend %q: %w", name, err)
		}
	}

	kind, state, err := service.Encode(obj)
	if err != nil {
		return nil, fmt.Errorf("transcend %q: %w", name, err)
	}
	if err := service.Check(obj); err != nil {
		return nil, fmt.Errorf("transcend %q: %w", name, err)
	}
	proc, err := launcher.Start(launcher.Config{
		Name:         name,
		Kind:         kind,
		State:        state,
		Host:         c.Host,
		Port:         c.Port,
		Threads:      c.Threads,
		RegistryPath: c.registryPath(),
		IdleTimeout:  c.IdleTimeout,
		InProcess:    c.InProcess,
		Detach:       c.Detach,
		Logger:       c.Logger,
	}, serveObject)
	if err != nil {
		return nil, fmt.Errorf("transcend %q: %w", name, err)
	}

	// The owner is ready once it has published its own entry.
	ready := func(ctx context.Context) bool {
		var e registry.Entry
		err := c.withRegistry(func(st *registry.Store) (err error) {
			e, err = st.Get(ctx, name)
			return err
		})
		return err == nil && e.PID == proc.Pid()
	}
	if err := launcher.WaitReady(ctx, ready, c.Ready, proc.Done()); err != nil {
		if kerr := proc.Kill(c.killGrace()); kerr != nil {
			log.Warn().Err(kerr).Int("pid", proc.Pid()).Msg("kill failed owner")
		}
		if errors.Is(err, launcher.ErrExited) && proc.Err() != nil {
			err = fmt.Errorf("%w: %w", err, proc.Err())
		}
		return nil, fmt.Errorf("transcend %q: %w", name, err)
	}
	log.Info().Int("pid", proc.Pid()).Bool("inProcess", proc.InProcess()).Msg("transcended")
	return c.GetProxy(ctx, name)
}

// GetProxy returns a proxy for the object registered as name. It reports an
// error wrapping ErrNoSuchObject if name is not registered, or a
// *ConnectError if its owning process cannot be reached.
func (c *Client) GetProxy(ctx context.Context, name string) (*Proxy, error) {
	e, err := c.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	peer, err := c.dial(ctx, name, e)
	if err != nil {
		return nil, err
	}
	return newProxy(ctx, peer, name, c.CallTimeout, c.Logger), nil
}

// lookup returns the registry entry for name.
func (c *Client) lookup(ctx context.Context, name string) (registry.Entry, error) {
	var e registry.Entry
	err := registry.UseExisting(c.registryPath(), func(st *registry.Store) (err error) {
		e, err = st.Get(ctx, name)
		return err
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return e, fmt.Errorf("get %q: %w", name, err)
	} else if err != nil || e.Port == 0 {
		return e, fmt.Errorf("get %q: %w", name, ErrNoSuchObject)
	}
	return e, nil
}

// dial connects to the owner of name at e.
func (c *Client) dial(ctx context.Context, name string, e registry.Entry) (*wire.Peer, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout())
	defer cancel()
	peer, err := peers.Dial(dctx, e.Addr())
	if err != nil {
		return nil, &ConnectError{Name: name, Addr: e.Addr(), Err: err}
	}
	return peer, nil
}

// Stats returns the metrics of the owning process of name, in the Prometheus
// text exposition format. Unlike a proxy, Stats does not attach to the
// object, so it does not affect the lifetime of its registry entry.
func (c *Client) Stats(ctx context.Context, name string) (string, error) {
	e, err := c.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	peer, err := c.dial(ctx, name, e)
	if err != nil {
		return "", err
	}
	defer peer.Stop()
	rsp, err := peer.Call(ctx, service.OpStats, nil)
	if err != nil {
		return "", opError(service.OpStats, err)
	}
	return string(rsp.Data), nil
}

// Use calls fn with a proxy for the object registered as name, and closes
// the proxy when fn returns. Closing stops the owning process.
func (c *Client) Use(ctx context.Context, name string, fn func(*Proxy) error) error {
	p, err := c.GetProxy(ctx, name)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}

// Terminate stops the object registered as name: it closes the object
// through a proxy if its owner is reachable, then kills the owning process,
// and removes the registry entry. If the registry is then empty, its file is
// removed. Terminate does not report an error if name is not registered or
// its owner is already gone, and it never kills the calling process.
func (c *Client) Terminate(ctx context.Context, name string) error {
	var e registry.Entry
	var found bool
	if err := registry.UseExisting(c.registryPath(), func(st *registry.Store) error {
		v, err := st.Get(ctx, name)
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		e, found = v, true
		return nil
	}); err != nil {
		return fmt.Errorf("terminate %q: %w", name, err)
	}
	if !found {
		return c.removeIfEmpty(ctx)
	}
	c.terminate(ctx, name, e)
	if err := registry.UseExisting(c.registryPath(), func(st *registry.Store) error {
		_, err := st.DeleteIf(ctx, name, e.PID)
		return err
	}); err != nil {
		return fmt.Errorf("terminate %q: %w", name, err)
	}
	return c.removeIfEmpty(ctx)
}

// terminate stops the owner of name described by e. Failures are logged.
func (c *Client) terminate(ctx context.Context, name string, e registry.Entry) {
	log := c.Logger.With().Str("name", name).Int("pid", e.PID).Logger()
	if p, err := c.GetProxy(ctx, name); err == nil {
		p.Close()
	} else {
		log.Debug().Err(err).Msg("owner not reachable")
	}
	if e.PID == os.Getpid() {
		return
	}
	if err := launcher.Kill(e.PID, c.killGrace()); err != nil {
		log.Debug().Err(err).Msg("kill owner")
	}
	log.Info().Msg("terminated")
}

// TerminateAll stops every registered object and removes the registry file.
func (c *Client) TerminateAll(ctx context.Context) error {
	entries, err := c.List(ctx)
	if err != nil {
		return fmt.Errorf("terminate all: %w", err)
	}

	g := taskgroup.New(nil)
	for name, e := range entries {
		g.Go(func() error {
			c.terminate(ctx, name, e)
			return registry.UseExisting(c.registryPath(), func(st *registry.Store) error {
				_, err := st.DeleteIf(ctx, name, e.PID)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("terminate all: %w", err)
	}
	return c.removeIfEmpty(ctx)
}

// removeIfEmpty removes the registry file if it has no entries.
func (c *Client) removeIfEmpty(ctx context.Context) error {
	n := -1
	if err := registry.UseExisting(c.registryPath(), func(st *registry.Store) (err error) {
		n, err = st.Len(ctx)
		return err
	}); err != nil {
		return err
	}
	if n != 0 {
		return nil
	}
	return registry.Remove(c.registryPath())
}

// List returns a snapshot of the registered objects, keyed by name.
func (c *Client) List(ctx context.Context) (map[string]registry.Entry, error) {
	out := make(map[string]registry.Entry)
	if err := registry.UseExisting(c.registryPath(), func(st *registry.Store) (err error) {
		out, err = st.List(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return out, nil
}
