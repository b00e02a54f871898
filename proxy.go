// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transcend

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/transcend/catalog"
	"github.com/creachadair/transcend/service"
	"github.com/creachadair/transcend/stream"
	"github.com/creachadair/transcend/wire"
	"github.com/rs/zerolog"
)

// teardownTimeout bounds the control calls made when a proxy is released.
const teardownTimeout = 5 * time.Second

var proxySeq atomic.Int64

// newProxyID returns a proxy ID unique to this process and proxy.
func newProxyID() string {
	return strconv.Itoa(os.Getpid()) + "-" + strconv.FormatInt(proxySeq.Add(1), 10)
}

// A Remote is an object in an owning process: either the transcended object
// itself, or a result that was returned by reference.
type Remote struct {
	p      *Proxy
	target string // "" for the root object
}

// A Proxy is a connection to a transcended object. The embedded Remote
// forwards operations to the object. A Proxy is safe for concurrent use.
//
// A proxy should be released by calling Close or Detach when it is no longer
// needed. If it is garbage collected without being released, it detaches.
type Proxy struct {
	Remote

	name    string
	id      string
	peer    *wire.Peer
	timeout time.Duration
	log     zerolog.Logger

	μ       sync.Mutex
	done    bool
	cleanup runtime.Cleanup
}

// detacher holds what a garbage-collected proxy needs to detach. It must not
// refer to the proxy.
type detacher struct {
	peer *wire.Peer
	id   string
	log  zerolog.Logger
}

func (d detacher) detach() {
	d.log.Debug().Str("proxy", d.id).Msg("detaching unreleased proxy")
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	d.peer.Call(ctx, service.OpDeregister, []byte(d.id))
	d.peer.Stop()
}

// newProxy constructs a proxy for name over a started peer, and registers it
// with the owning process. Registration is best-effort: a failure is logged
// and the proxy is returned anyway.
func newProxy(ctx context.Context, peer *wire.Peer, name string, timeout time.Duration, log zerolog.Logger) *Proxy {
	p := &Proxy{
		name:    name,
		id:      newProxyID(),
		peer:    peer,
		timeout: timeout,
	}
	p.log = log.With().Str("name", name).Str("proxy", p.id).Logger()
	p.Remote = Remote{p: p}

	rctx, cancel := p.callContext(ctx)
	defer cancel()
	if _, err := peer.Call(rctx, service.OpRegister, []byte(p.id)); err != nil {
		p.log.Debug().Err(err).Msg("register proxy")
	}
	p.cleanup = runtime.AddCleanup(p, func(d detacher) { go d.detach() }, detacher{peer: peer, id: p.id, log: log})
	return p
}

// Name returns the name of the object p refers to.
func (p *Proxy) Name() string { return p.name }

// ID returns the proxy ID of p, which is unique among all live proxies.
func (p *Proxy) ID() string { return p.id }

// Close stops the owning process of the object and releases p. Errors are
// logged and otherwise ignored. Close is idempotent, and has no effect after
// Detach.
func (p *Proxy) Close() error { p.release(service.OpClose); return nil }

// Detach releases p without stopping the owning process. If p is the last
// proxy for the object, the owning process withdraws its registry entry.
// Errors are logged and otherwise ignored. Detach is idempotent, and has no
// effect after Close.
func (p *Proxy) Detach() error { p.release(service.OpDeregister); return nil }

func (p *Proxy) release(op string) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.cleanup.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if _, err := p.peer.Call(ctx, op, []byte(p.id)); err != nil {
		p.log.Debug().Err(err).Str("op", op).Msg("release proxy")
	}
	p.peer.Stop()
	p.log.Debug().Str("op", op).Msg("released")
}

// Stats returns the metrics of the owning process in the Prometheus text
// exposition format.
func (p *Proxy) Stats(ctx context.Context) (string, error) {
	rsp, err := p.rawCall(ctx, service.OpStats, nil)
	if err != nil {
		return "", err
	}
	return string(rsp), nil
}

func (p *Proxy) closed() bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.done
}

// callContext returns a context for one call. If ctx has no deadline, the
// call timeout of p applies.
func (p *Proxy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// rawCall issues a call and returns its response data.
func (p *Proxy) rawCall(ctx context.Context, op string, data []byte) ([]byte, error) {
	if p.closed() {
		return nil, &OpError{Op: op, Err: ErrClosed}
	}
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	rsp, err := p.peer.Call(ctx, op, data)
	if err != nil {
		return nil, opError(op, err)
	}
	return rsp.Data, nil
}

// Name returns the name of the object that owns r.
func (r *Remote) Name() string { return r.p.name }

// Proxy returns the proxy r was obtained from.
func (r *Remote) Proxy() *Proxy { return r.p }

// IsRoot reports whether r is the transcended object itself, rather than a
// result returned by reference.
func (r *Remote) IsRoot() bool { return r.target == "" }

func (r *Remote) request(args []any) ([]byte, error) {
	enc := make([][]byte, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		enc[i] = data
	}
	return service.EncodeRequest(r.target, enc...), nil
}

func (r *Remote) value(data []byte) (Value, error) {
	var res service.Result
	if err := res.Decode(data); err != nil {
		return Value{}, fmt.Errorf("invalid result: %w", err)
	}
	if res.Ref != "" {
		return Value{ref: &Remote{p: r.p, target: res.Ref}}, nil
	}
	return Value{data: res.JSON}, nil
}

func (r *Remote) call(ctx context.Context, op string, args ...any) (Value, error) {
	req, err := r.request(args)
	if err != nil {
		return Value{}, &OpError{Op: op, Err: err}
	}
	data, err := r.p.rawCall(ctx, op, req)
	if err != nil {
		return Value{}, err
	}
	return r.value(data)
}

func (r *Remote) callBool(ctx context.Context, op string, args ...any) (bool, error) {
	v, err := r.call(ctx, op, args...)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := v.Decode(&ok); err != nil {
		return false, &OpError{Op: op, Err: err}
	}
	return ok, nil
}

// Get returns the element of r at key. It reports an error wrapping
// ErrNoSuchKey if the element does not exist.
func (r *Remote) Get(ctx context.Context, key any) (Value, error) {
	return r.call(ctx, service.OpGetItem, key)
}

// Set sets the element of r at key to value.
func (r *Remote) Set(ctx context.Context, key, value any) error {
	_, err := r.call(ctx, service.OpSetItem, key, value)
	return err
}

// Delete removes the element of r at key, and reports whether it was present.
func (r *Remote) Delete(ctx context.Context, key any) (bool, error) {
	return r.callBool(ctx, service.OpDelItem, key)
}

// Contains reports whether r contains v.
func (r *Remote) Contains(ctx context.Context, v any) (bool, error) {
	return r.callBool(ctx, service.OpContains, v)
}

// Len returns the length of r.
func (r *Remote) Len(ctx context.Context) (int, error) {
	v, err := r.call(ctx, service.OpLen)
	if err != nil {
		return 0, err
	}
	var n int
	if err := v.Decode(&n); err != nil {
		return 0, &OpError{Op: service.OpLen, Err: err}
	}
	return n, nil
}

// Attr returns the value of the named attribute of r.
func (r *Remote) Attr(ctx context.Context, name string) (Value, error) {
	return r.call(ctx, service.OpGetAttr, name)
}

// SetAttr sets the value of the named attribute of r.
func (r *Remote) SetAttr(ctx context.Context, name string, value any) error {
	_, err := r.call(ctx, service.OpSetAttr, name, value)
	return err
}

// Call invokes the named method of r with the given arguments, which must be
// encodable as JSON.
func (r *Remote) Call(ctx context.Context, method string, args ...any) (Value, error) {
	return r.call(ctx, service.OpCallPrefix+method, args...)
}

// Iter returns a sequence of the elements of r. The iteration runs until the
// sequence is exhausted, the consumer stops, or ctx ends; the call timeout
// does not apply. If the iteration fails, the last pair reports the error.
func (r *Remote) Iter(ctx context.Context) iter.Seq2[Value, error] {
	return func(yield func(Value, error) bool) {
		if r.p.closed() {
			yield(Value{}, &OpError{Op: service.OpIter, Err: ErrClosed})
			return
		}
		for data, err := range stream.Call(ctx, r.p.peer, service.OpIter, service.EncodeRequest(r.target)) {
			if err != nil {
				yield(Value{}, opError(service.OpIter, err))
				return
			}
			v, err := r.value(data)
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Operations returns the sorted names of the operations r supports.
// Methods are reported with the prefix "call.".
func (r *Remote) Operations(ctx context.Context) ([]string, error) {
	data, err := r.p.rawCall(ctx, service.OpOperations, service.EncodeRequest(r.target))
	if err != nil {
		return nil, err
	}
	names, err := catalog.DecodeNames(data)
	if err != nil {
		return nil, &OpError{Op: service.OpOperations, Err: err}
	}
	return names, nil
}

// Str returns the string representation of r, as rendered by the owning
// process.
func (r *Remote) Str(ctx context.Context) (string, error) {
	v, err := r.call(ctx, service.OpString)
	if err != nil {
		return "", err
	}
	var s string
	if err := v.Decode(&s); err != nil {
		return "", &OpError{Op: service.OpString, Err: err}
	}
	return s, nil
}

// String implements fmt.Stringer. If r cannot be rendered by its owning
// process, String returns a description of r.
func (r *Remote) String() string {
	if s, err := r.Str(context.Background()); err == nil {
		return s
	}
	if r.target == "" {
		return fmt.Sprintf("<transcend %q>", r.p.name)
	}
	return fmt.Sprintf("<transcend %q ref %s>", r.p.name, r.target)
}

// Release discards a remote reference. After Release, operations on r fail
// with ErrNoSuchRef. Releasing the root object is a no-op.
func (r *Remote) Release(ctx context.Context) error {
	if r.target == "" {
		return nil
	}
	_, err := r.p.rawCall(ctx, service.OpRelease, []byte(r.target))
	return err
}
