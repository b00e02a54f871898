// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
)

// A Channel carries packets in order between two peers.
//
// An implementation must permit one goroutine to Send while another calls
// Recv. Close must unblock any pending Send or Recv, and every operation after
// Close must report an error.
type Channel interface {
	Send(*Packet) error
	Recv() (*Packet, error)
	Close() error
}

// A Handler serves a request from the remote peer. The context passed to a
// handler carries its peer, see [ContextPeer].
//
// An error from a handler is reported to the caller as a service error whose
// message is the error text. A handler that returns an ErrorData or
// *ErrorData controls the code, message, and data of the reply instead.
type Handler func(context.Context, *Request) ([]byte, error)

// A PacketLogger observes each packet a peer sends or receives.
type PacketLogger func(pkt PacketInfo)

// PacketInfo is a packet seen by a PacketLogger.
type PacketInfo struct {
	*Packet
	Sent bool // false for a received packet
}

func (p PacketInfo) String() string {
	dir := "recv"
	if p.Sent {
		dir = "send"
	}
	return fmt.Sprintf("%s %v", dir, p.Packet)
}

// A Peer is one end of a transcend connection. The zero value is ready for
// use, but a Peer must not be copied once used.
//
// Start runs the peer on a channel until Stop is called, the channel closes,
// or the remote peer violates the protocol. Wait reports why it ended, after
// which the peer may be started again.
//
// Handle, Call, and Exec are safe for concurrent use.
type Peer struct {
	μ      sync.Mutex
	sess   *session               // the current run, nil if not started
	imux   map[string]Handler     // method → handler, "" is the fallback
	base   func() context.Context // nil means context.Background
	onExit func(error)

	plog atomic.Pointer[PacketLogger] // loaded without μ
}

// A session holds the state of one run of a peer, from Start to Wait.
type session struct {
	tasks *taskgroup.Group

	sendμ  sync.Mutex // held to send on or close ch
	ch     Channel
	closed bool

	// The remaining fields are guarded by the owning Peer's μ. The call tables
	// are nil once the session has failed.
	err    error                         // why the session ended
	out    map[uint32]pending            // outbound call ID → reply
	nextID uint32                        // last outbound call ID issued
	in     map[uint32]context.CancelFunc // inbound call ID → cancel
}

// close closes the channel of s. Only the first call has any effect.
func (s *session) close() {
	s.sendμ.Lock()
	defer s.sendμ.Unlock()
	if !s.closed {
		s.closed = true
		s.ch.Close()
	}
}

// release frees an outbound call ID. When no calls remain outstanding the ID
// sequence restarts.
func (s *session) release(id uint32) {
	delete(s.out, id)
	if len(s.out) == 0 {
		s.nextID = 0
	}
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// Start runs p on ch and returns p. It does not block. Start panics if p is
// already running.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.sess != nil {
		panic("peer is already started")
	}
	s := &session{
		tasks: taskgroup.New(nil),
		ch:    ch,
		out:   make(map[uint32]pending),
		in:    make(map[uint32]context.CancelFunc),
	}
	p.sess = s
	s.tasks.Go(func() error {
		p.receive(s)
		return nil
	})
	return p
}

// receive dispatches packets from the channel of s until the channel fails or
// a packet cannot be decoded.
func (p *Peer) receive(s *session) {
	for {
		pkt, err := s.ch.Recv()
		if err == nil {
			peerMetrics.packetRecv.Inc()
			err = p.dispatch(s, pkt)
		}
		if err != nil {
			p.fail(s, err)
			return
		}
	}
}

// fail ends s with err. Outstanding outbound calls are abandoned and handlers
// for inbound calls are canceled.
func (p *Peer) fail(s *session, err error) {
	s.close()

	p.μ.Lock()
	defer p.μ.Unlock()
	for _, reply := range s.out {
		reply.close()
	}
	for _, cancel := range s.in {
		cancel()
	}
	s.out, s.in = nil, nil
	s.err = err

	if p.onExit != nil {
		if isCleanExit(err) {
			err = nil
		}
		p.onExit(err)
	}
}

// isCleanExit reports whether err means the channel was closed normally.
func isCleanExit(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (p *Peer) session() *session {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.sess
}

// Stop closes the channel of p and waits for it to exit, as Wait.
func (p *Peer) Stop() error {
	if s := p.session(); s != nil {
		s.close()
	}
	return p.Wait()
}

// Wait blocks until p exits and returns nil if the channel closed, or else
// the error that ended it. Wait returns nil at once if p is not running.
func (p *Peer) Wait() error {
	s := p.session()
	if s == nil {
		return nil
	}
	s.tasks.Wait()

	p.μ.Lock()
	defer p.μ.Unlock()
	if p.sess == s {
		p.sess = nil
	}
	if isCleanExit(s.err) {
		return nil
	}
	return s.err
}

// send writes pkt to the channel of s.
func (p *Peer) send(s *session, pkt *Packet) error {
	s.sendμ.Lock()
	defer s.sendμ.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	peerMetrics.packetSent.Inc()
	if log := p.plog.Load(); log != nil {
		(*log)(PacketInfo{Packet: pkt, Sent: true})
	}
	return s.ch.Send(pkt)
}

// Handle sets the handler for method, or removes it if handler == nil, and
// returns p. Handlers may be changed while p is running.
//
// The handler for method "" receives requests for any method that has no
// handler of its own.
func (p *Peer) Handle(method string, handler Handler) *Peer {
	if len(method) > MaxMethodLen {
		panic(fmt.Sprintf("method name too long (%d > %d bytes)", len(method), MaxMethodLen))
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	if handler == nil {
		delete(p.imux, method)
		return p
	}
	if p.imux == nil {
		p.imux = make(map[string]Handler)
	}
	p.imux[method] = handler
	return p
}

func (p *Peer) handlerLocked(method string) (Handler, bool) {
	if h, ok := p.imux[method]; ok {
		return h, true
	}
	h, ok := p.imux[""]
	return h, ok
}

// Exec runs the local handler for method on data, as if it had been called by
// the remote peer. It reports ErrUnknownMethod if p has no such handler.
func (p *Peer) Exec(ctx context.Context, method string, data []byte) ([]byte, error) {
	p.μ.Lock()
	h, ok := p.handlerLocked(method)
	p.μ.Unlock()
	if !ok {
		return nil, ErrUnknownMethod
	}
	return h(ctx, &Request{Method: method, Data: data})
}

// LogPackets sets a logger that sees every packet p sends or receives,
// including packets it discards, and returns p. A nil log disables logging.
// The logger runs synchronously before the packet is sent or handled.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	if log == nil {
		p.plog.Store(nil)
	} else {
		p.plog.Store(&log)
	}
	return p
}

// OnExit sets a function called with the result Wait will report when p
// exits, replacing any previous one, and returns p. It runs synchronously
// during shutdown. A nil f removes the callback.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext sets a function returning the base context for each handler
// invocation, and returns p. If base == nil, handlers get a background
// context.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.base = base
	return p
}

type peerContextKey struct{}

// ContextPeer returns the Peer serving the handler that received ctx, or nil.
func ContextPeer(ctx context.Context) *Peer {
	p, _ := ctx.Value(peerContextKey{}).(*Peer)
	return p
}
