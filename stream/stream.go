// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package stream supports methods that reply with a sequence of payloads
// rather than a single response, such as iteration over a remote container.
//
// The caller registers a one-shot callback method on its own peer under a
// random capability name, and appends that name to the request. The handler
// delivers each element by calling the capability back, then completes the
// original call when the sequence is exhausted.
package stream

import (
	"context"
	"crypto/rand"
	"errors"
	"iter"
	"slices"

	"github.com/creachadair/transcend/wire"
)

// capabilityLen is the length in bytes of a callback capability name.
// A 24-byte random name is not guessable and does not collide in practice.
const capabilityLen = 24

func newCapability() string {
	var buf [capabilityLen]byte
	rand.Read(buf[:])
	return string(buf[:])
}

// splitCapability removes the capability suffix from req.Data and returns it.
func splitCapability(req *wire.Request) (string, error) {
	if len(req.Data) < capabilityLen {
		return "", errors.New("stream request payload too short")
	}
	n := len(req.Data) - capabilityLen
	capability := string(req.Data[n:])

	// Clip so the handler cannot grow the slice to recover the capability.
	req.Data = slices.Clip(req.Data[:n])
	return capability, nil
}

// Call invokes a streaming method on the remote peer and yields the payloads
// it sends back. The stream ends when the remote handler returns, or when ctx
// ends, or when the consumer stops iterating.
//
// The iterator yields zero or more (data, nil) pairs. If the call fails, the
// final pair is (nil, err). A stream canceled on either side ends with an
// error matching context.Canceled; the remote handler's context error is
// delivered as a canceled result, not a service error.
func Call(ctx context.Context, peer *wire.Peer, method string, data []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		capability := newCapability()
		req := append(slices.Clip(data), capability...)

		// The callback runs on a peer goroutine, so elements are handed to the
		// iterator through vals.
		vals := make(chan []byte)
		peer.Handle(capability, func(cbctx context.Context, req *wire.Request) ([]byte, error) {
			select {
			case vals <- req.Data:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-cbctx.Done():
				return nil, cbctx.Err()
			}
		})

		errc := make(chan error, 1)
		go func() {
			// Unregister here rather than in the iterator, so the handler does
			// not observe an unknown method while the stream is unwinding.
			defer peer.Handle(capability, nil)
			defer close(errc)
			_, err := peer.Call(ctx, method, req)

			// Local cancellation may be reported either directly or wrapped by
			// the remote peer. Report it uniformly as the local error.
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			errc <- err
		}()

		for {
			select {
			case v := <-vals:
				if !yield(v, nil) {
					return // cancel unwinds the call and the callback
				}
			case err := <-errc:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of wire.Handler that yields a sequence of
// payloads. A non-nil error, if any, must be the last element.
type HandlerFunc func(context.Context, *wire.Request) iter.Seq2[[]byte, error]

// Handle registers fn on peer as a streaming handler for method.
// The method must be invoked with [Call].
func Handle(peer *wire.Peer, method string, fn HandlerFunc) {
	peer.Handle(method, Handler(fn))
}

// Handler adapts fn to a wire.Handler that delivers each element of the
// sequence to the capability supplied by the caller.
func Handler(fn HandlerFunc) wire.Handler {
	return func(ctx context.Context, req *wire.Request) ([]byte, error) {
		capability, err := splitCapability(req)
		if err != nil {
			return nil, err
		}
		peer := wire.ContextPeer(ctx)

		for data, err := range fn(ctx, req) {
			if err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := peer.Call(ctx, capability, data); err != nil {
				return nil, err
			}
		}

		// The sequence may have ended early because ctx ended without
		// reporting an error.
		return nil, ctx.Err()
	}
}
