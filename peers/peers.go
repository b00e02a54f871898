// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for connecting, serving, and testing
// peers.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/transcend/channel"
	"github.com/creachadair/transcend/wire"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *wire.Peer
	B *wire.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	return errors.Join(aerr, berr)
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: wire.NewPeer().Start(a2b),
		B: wire.NewPeer().Start(b2a),
	}
}

// An Accepter yields channels for inbound connections.
type Accepter interface {
	Accept(context.Context) (wire.Channel, error)
}

// Loop accepts connections from acc and starts a fresh peer from newPeer for
// each one. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *wire.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := newPeer().Start(ch)
			go func() { <-sctx.Done(); peer.Stop() }()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (wire.Channel, error) {
	// A net.Listener does not obey a context, so close the listener if ctx
	// ends. The ok channel releases the watcher when we return first.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// Dial connects to the service at addr and returns a started peer for it.
// The network is chosen by wire.SplitAddress. The dial obeys ctx, but once
// connected the peer runs until stopped or the connection closes.
func Dial(ctx context.Context, addr string) (*wire.Peer, error) {
	var d net.Dialer
	network, address := wire.SplitAddress(addr)
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return wire.NewPeer().Start(channel.IO(conn, conn)), nil
}
