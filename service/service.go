// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package service implements the owning side of a transcended object: it
// wraps the object, serves its operations to remote proxies, and tracks which
// proxies are attached.
//
// An object exposes operations by implementing the capability interfaces
// defined in this package (Getter, Lener, Methoder, and so on). Results that
// can be encoded as JSON are returned as copies; results marked ByReference,
// or that cannot be encoded but expose capabilities of their own, are
// returned as remote references.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/transcend/channel"
	"github.com/creachadair/transcend/handler"
	"github.com/creachadair/transcend/peers"
	"github.com/creachadair/transcend/registry"
	"github.com/creachadair/transcend/stream"
	"github.com/creachadair/transcend/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// closeDelay is how long Close waits before it stops serving, so that the
// reply to the closing call can reach the caller.
const closeDelay = 50 * time.Millisecond

// Options configure a Service.
type Options struct {
	// Threads bounds the number of operations dispatched onto the object
	// concurrently. If zero, 1 is used.
	Threads int

	// Registry, if set, is the path of the registry file where the service
	// publishes its endpoint.
	Registry string

	// IdleTimeout, if positive, stops the service after it has had no
	// registered proxies for this long. The timeout does not apply until the
	// first proxy has registered. Otherwise the service stays up until it is
	// closed or its context ends.
	IdleTimeout time.Duration

	// Logger receives lifecycle events. The zero value discards them.
	Logger zerolog.Logger
}

// An Endpoint is the network address a service is bound to.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the dialable host:port address of e.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// A Service serves the operations of a single object.
type Service struct {
	name string
	pid  int
	opts Options
	log  zerolog.Logger
	sem  *semaphore.Weighted
	root *object

	// pub is held across a change to the proxy set and the registry update
	// it implies. It is acquired before μ.
	pub sync.Mutex

	μ          sync.Mutex
	active     mapset.Set[string]
	registered bool // a proxy has registered at least once
	refs       map[string]*object
	nextRef    int
	endpoint   Endpoint
	lst        net.Listener
	stop       context.CancelFunc // set while serving
	idle       *time.Timer
	closed     bool

	metrics  *prometheus.Registry
	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	proxies  prometheus.Gauge
	refCount prometheus.Gauge
}

// New constructs a service named name for target. It reports an error
// wrapping ErrNoOperations if target exposes no capabilities.
func New(name string, target any, opts Options) (*Service, error) {
	root, err := newObject(target)
	if err != nil {
		return nil, err
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	s := &Service{
		name:   name,
		pid:    os.Getpid(),
		opts:   opts,
		log:    opts.Logger.With().Str("name", name).Logger(),
		sem:    semaphore.NewWeighted(int64(opts.Threads)),
		root:   root,
		active: mapset.New[string](),
		refs:   make(map[string]*object),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	labels := prometheus.Labels{"name": s.name}
	s.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transcend", Subsystem: "service", Name: "operations_total",
		Help: "Operations dispatched onto the served object.", ConstLabels: labels,
	}, []string{"op"})
	s.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transcend", Subsystem: "service", Name: "operations_failed_total",
		Help: "Operations that reported an error.", ConstLabels: labels,
	}, []string{"op"})
	s.proxies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcend", Subsystem: "service", Name: "proxies_active",
		Help: "Proxies currently registered.", ConstLabels: labels,
	})
	s.refCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcend", Subsystem: "service", Name: "references",
		Help: "Remote references currently held.", ConstLabels: labels,
	})

	s.metrics = prometheus.NewRegistry()
	s.metrics.MustRegister(s.calls, s.failures, s.proxies, s.refCount)
	s.metrics.MustRegister(wire.Collectors()...)
	s.metrics.MustRegister(channel.Collectors()...)
	s.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Name reports the registry name of s.
func (s *Service) Name() string { return s.name }

// Target returns the served object.
func (s *Service) Target() any { return s.root.value }

// Metrics returns the metrics registry of s.
func (s *Service) Metrics() *prometheus.Registry { return s.metrics }

// Endpoint returns the address s is bound to. It is zero before Listen.
func (s *Service) Endpoint() Endpoint {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.endpoint
}

// Active returns the IDs of the currently registered proxies.
func (s *Service) Active() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.active.Slice()
}

// Listen binds s to host and port. A port of 0 selects any free port.
// The endpoint is fixed once bound.
func (s *Service) Listen(host string, port int) (Endpoint, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.lst != nil {
		return Endpoint{}, errors.New("service is already bound")
	}
	if host == "" {
		host = "localhost"
	}
	lst, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Endpoint{}, fmt.Errorf("listen: %w", err)
	}
	s.lst = lst
	s.endpoint = Endpoint{Host: host, Port: lst.Addr().(*net.TCPAddr).Port}
	s.log.Debug().Str("addr", s.endpoint.Addr()).Msg("bound")
	return s.endpoint, nil
}

// Publish writes the endpoint of s to the registry, replacing any previous
// entry for its name. It does nothing if s has no registry.
func (s *Service) Publish(ctx context.Context) error {
	if s.opts.Registry == "" {
		return nil
	}
	ep := s.Endpoint()
	if ep.Port == 0 {
		return errors.New("service is not bound")
	}
	return registry.Use(s.opts.Registry, func(st *registry.Store) error {
		return st.Set(ctx, s.name, registry.Entry{Host: ep.Host, Port: ep.Port, PID: s.pid})
	})
}

// Serve accepts connections and serves operations until ctx ends, the service
// is closed, or it shuts down after being idle. Serve must be called after
// Listen. On return, the registry entry of s is withdrawn if it is still
// owned by this process.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.μ.Lock()
	lst := s.lst
	if lst == nil {
		s.μ.Unlock()
		return errors.New("service is not bound")
	} else if s.closed {
		s.μ.Unlock()
		return errors.New("service is closed")
	} else if s.stop != nil {
		s.μ.Unlock()
		return errors.New("service is already serving")
	}
	s.stop = cancel
	s.armIdleLocked()
	addr := s.endpoint.Addr()
	s.μ.Unlock()

	s.log.Info().Str("addr", addr).Msg("serving")
	err := peers.Loop(ctx, peers.NetAccepter(lst), s.newPeer)
	s.withdraw()

	s.μ.Lock()
	s.closed = true
	if s.idle != nil {
		s.idle.Stop()
	}
	s.μ.Unlock()
	s.log.Info().Err(err).Msg("stopped")
	return err
}

// newPeer constructs a peer for one inbound connection.
func (s *Service) newPeer() *wire.Peer {
	p := wire.NewPeer().
		Handle(OpRegister, handler.ParamError(s.handleRegister)).
		Handle(OpDeregister, handler.ParamError(s.handleDeregister)).
		Handle(OpClose, handler.ParamError(s.handleClose)).
		Handle(OpRelease, handler.ParamError(s.handleRelease)).
		Handle(OpStats, handler.ResultError(s.handleStats)).
		Handle(OpIter, stream.Handler(s.iterate)).
		Handle("", s.dispatch)
	if s.log.GetLevel() <= zerolog.TraceLevel {
		p.LogPackets(func(pkt wire.PacketInfo) { s.log.Trace().Msg(pkt.String()) })
	}
	return p
}

// Register records that proxy id is attached. It is idempotent. If the
// registry entry was withdrawn while s was idle, it is published again.
func (s *Service) Register(ctx context.Context, id string) error {
	s.pub.Lock()
	defer s.pub.Unlock()

	s.μ.Lock()
	s.registered = true
	s.active.Add(id)
	s.proxies.Set(float64(s.active.Len()))
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.μ.Unlock()
	s.log.Debug().Str("proxy", id).Msg("register")

	if s.opts.Registry == "" || s.Endpoint().Port == 0 {
		return nil
	}
	var ok bool
	if err := registry.Use(s.opts.Registry, func(st *registry.Store) (err error) {
		ok, err = st.Has(ctx, s.name)
		return err
	}); err != nil {
		return err
	} else if !ok {
		s.log.Debug().Msg("republish")
		return s.Publish(ctx)
	}
	return nil
}

// Deregister records that proxy id is detached. It is a no-op if id is not
// registered. When the last proxy detaches, the registry entry of s is
// withdrawn, but s keeps serving unless it has an idle timeout.
func (s *Service) Deregister(ctx context.Context, id string) error {
	s.pub.Lock()
	defer s.pub.Unlock()

	s.μ.Lock()
	if !s.active.Has(id) {
		s.μ.Unlock()
		return nil
	}
	s.active.Remove(id)
	s.proxies.Set(float64(s.active.Len()))
	empty := s.active.IsEmpty()
	if empty {
		s.armIdleLocked()
	}
	s.μ.Unlock()
	s.log.Debug().Str("proxy", id).Bool("empty", empty).Msg("deregister")

	if empty && s.opts.Registry != "" {
		return registry.UseExisting(s.opts.Registry, func(st *registry.Store) error {
			_, err := st.DeleteIf(ctx, s.name, s.pid)
			return err
		})
	}
	return nil
}

// Close deregisters id, removes the registry entry of s, and stops serving.
// Serving stops shortly after Close returns, so that a remote caller can
// receive its reply.
func (s *Service) Close(ctx context.Context, id string) error {
	derr := s.Deregister(ctx, id)
	var rerr error
	if s.opts.Registry != "" {
		rerr = registry.UseExisting(s.opts.Registry, func(st *registry.Store) error {
			_, err := st.Delete(ctx, s.name)
			return err
		})
	}
	s.log.Info().Str("proxy", id).Msg("close")

	s.μ.Lock()
	stop := s.stop
	s.closed = true
	s.μ.Unlock()
	if stop != nil {
		time.AfterFunc(closeDelay, stop)
	}
	return errors.Join(derr, rerr)
}

// armIdleLocked starts the idle timer if s has an idle timeout and no
// registered proxies. Until the first proxy registers, s is starting up and
// the timer is not armed. The caller must hold s.μ.
func (s *Service) armIdleLocked() {
	if s.opts.IdleTimeout <= 0 || !s.registered || !s.active.IsEmpty() || s.idle != nil {
		return
	}
	s.idle = time.AfterFunc(s.opts.IdleTimeout, func() {
		s.μ.Lock()
		defer s.μ.Unlock()
		if s.active.IsEmpty() && s.stop != nil {
			s.log.Info().Dur("idle", s.opts.IdleTimeout).Msg("idle timeout")
			s.stop()
		}
		s.idle = nil
	})
}

// withdraw removes the registry entry of s if this process still owns it.
func (s *Service) withdraw() {
	if s.opts.Registry == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.UseExisting(s.opts.Registry, func(st *registry.Store) error {
		_, err := st.DeleteIf(ctx, s.name, s.pid)
		return err
	}); err != nil {
		s.log.Warn().Err(err).Msg("withdraw registry entry")
	}
}

func (s *Service) handleRegister(ctx context.Context, id string) error {
	return s.Register(ctx, id)
}

func (s *Service) handleDeregister(ctx context.Context, id string) error {
	return s.Deregister(ctx, id)
}

func (s *Service) handleClose(ctx context.Context, id string) error {
	return s.Close(ctx, id)
}

func (s *Service) handleRelease(_ context.Context, ref string) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, ok := s.refs[ref]; !ok {
		return wire.ErrorData{Code: CodeNoSuchRef, Message: fmt.Sprintf("no such reference %q", ref)}
	}
	delete(s.refs, ref)
	s.refCount.Set(float64(len(s.refs)))
	return nil
}

// handleStats reports the metrics of s in the text exposition format.
func (s *Service) handleStats(context.Context) (string, error) {
	mfs, err := s.metrics.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// lookup returns the object named by a request target.
func (s *Service) lookup(target string) (*object, error) {
	if target == "" {
		return s.root, nil
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if obj, ok := s.refs[target]; ok {
		return obj, nil
	}
	return nil, wire.ErrorData{Code: CodeNoSuchRef, Message: fmt.Sprintf("no such reference %q", target)}
}

// dispatch is the handler for object operations.
func (s *Service) dispatch(ctx context.Context, req *wire.Request) ([]byte, error) {
	target, args, err := DecodeRequest(req.Data)
	if err != nil {
		return nil, wire.ErrorData{Code: CodeBadRequest, Message: err.Error()}
	}
	obj, err := s.lookup(target)
	if err != nil {
		return nil, err
	}
	fn, ok := obj.ops.Lookup(req.Method)
	if !ok {
		return nil, fmt.Errorf("%s: %w", req.Method, wire.ErrUnknownMethod)
	}
	if req.Method == OpOperations {
		return obj.ops.Encode(), nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s.calls.WithLabelValues(req.Method).Inc()
	v, err := fn(ctx, args)
	s.sem.Release(1)
	if err != nil {
		s.failures.WithLabelValues(req.Method).Inc()
		return nil, serviceError(err)
	}
	res, err := s.unwrap(v)
	if err != nil {
		s.failures.WithLabelValues(req.Method).Inc()
		return nil, fmt.Errorf("%s result: %w", req.Method, err)
	}
	return res.Encode(), nil
}

// iterate is the streaming handler for the iter operation. Each element is
// produced under the dispatch semaphore, but the semaphore is not held while
// the element is delivered, so the caller may issue other operations from
// inside its loop.
func (s *Service) iterate(ctx context.Context, req *wire.Request) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		target, _, err := DecodeRequest(req.Data)
		if err != nil {
			yield(nil, wire.ErrorData{Code: CodeBadRequest, Message: err.Error()})
			return
		}
		obj, err := s.lookup(target)
		if err != nil {
			yield(nil, err)
			return
		} else if obj.seq == nil {
			yield(nil, fmt.Errorf("%s: %w", OpIter, wire.ErrUnknownMethod))
			return
		}
		s.calls.WithLabelValues(OpIter).Inc()

		next, stop := iter.Pull(obj.seq())
		defer stop()
		for {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				yield(nil, err)
				return
			}
			v, ok := next()
			s.sem.Release(1)
			if !ok {
				return
			}
			res, err := s.unwrap(v)
			if err != nil {
				s.failures.WithLabelValues(OpIter).Inc()
				yield(nil, err)
				return
			}
			if !yield(res.Encode(), nil) {
				return
			}
		}
	}
}

// unwrap converts an operation result to its wire form: a remote reference
// for ByReference values, otherwise a JSON copy, otherwise a reference if
// the value has capabilities of its own.
func (s *Service) unwrap(v any) (Result, error) {
	if _, ok := v.(ByReference); ok {
		return s.newRef(v)
	}
	data, err := json.Marshal(v)
	if err == nil {
		return Result{JSON: data}, nil
	}
	if hasOperations(v) {
		return s.newRef(v)
	}
	return Result{}, fmt.Errorf("cannot return %s: %w", KindOf(v), err)
}

func (s *Service) newRef(v any) (Result, error) {
	obj, err := newObject(v)
	if err != nil {
		return Result{}, err
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.nextRef++
	id := "r" + strconv.Itoa(s.nextRef)
	s.refs[id] = obj
	s.refCount.Set(float64(len(s.refs)))
	return Result{Ref: id}, nil
}

// serviceError translates errors reported by an object into wire errors.
func serviceError(err error) error {
	var ed wire.ErrorData
	var ped *wire.ErrorData
	switch {
	case errors.As(err, &ed), errors.As(err, &ped):
		return err
	case errors.Is(err, ErrNoSuchKey):
		return wire.ErrorData{Code: CodeNoSuchKey, Message: err.Error()}
	}
	return err
}
