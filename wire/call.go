// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"context"
	"fmt"
	"net"
	"time"
)

// cancelGrace is how long a canceled call waits for the remote peer to
// acknowledge the cancellation before giving up on it.
const cancelGrace = 50 * time.Millisecond

// A pending receives the response to an outbound call. It is closed without a
// value if the session fails first. A nil pending in the call table marks a
// call its caller abandoned, whose ID stays reserved until the remote peer
// replies.
type pending chan *Response

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

// Call invokes method on the remote peer with data and waits for its reply.
// If ctx ends first, Call asks the remote peer to cancel the call and reports
// an error matching context.Canceled. An error from Call has concrete type
// *CallError.
func (p *Peer) Call(ctx context.Context, method string, data []byte) (_ *Response, err error) {
	peerMetrics.callOut.Inc()
	defer func() {
		if err != nil {
			peerMetrics.callOutErr.Inc()
		}
	}()
	if len(method) > MaxMethodLen {
		return nil, callError(fmt.Errorf("method name too long (%d > %d bytes)", len(method), MaxMethodLen))
	}

	s, id, reply, err := p.request(method, data)
	if err != nil {
		return nil, callError(err)
	}
	peerMetrics.callPending.Inc()
	defer peerMetrics.callPending.Dec()

	select {
	case rsp, ok := <-reply:
		return p.result(s, rsp, ok)
	case <-ctx.Done():
	}

	p.sendCancel(s, id)
	grace := time.NewTimer(cancelGrace)
	defer grace.Stop()
	select {
	case rsp, ok := <-reply:
		return p.result(s, rsp, ok)
	case <-grace.C:
	}

	p.μ.Lock()
	_, outstanding := s.out[id]
	if outstanding {
		s.out[id] = nil
	}
	p.μ.Unlock()
	if outstanding {
		return nil, &CallError{
			Err:      context.Canceled,
			Response: &Response{RequestID: id, Code: CodeCanceled},
		}
	}

	// The reply was delivered, or the session failed, after the timer fired.
	rsp, ok := <-reply
	return p.result(s, rsp, ok)
}

// request issues a request packet for a new outbound call and returns the
// session and ID of the call and where its reply will be delivered.
func (p *Peer) request(method string, data []byte) (*session, uint32, pending, error) {
	p.μ.Lock()
	s := p.sess
	if s == nil {
		p.μ.Unlock()
		return nil, 0, nil, net.ErrClosed
	} else if s.err != nil {
		err := s.err
		p.μ.Unlock()
		return nil, 0, nil, err
	}
	s.nextID++
	id := s.nextID
	reply := make(pending, 1)
	s.out[id] = reply
	p.μ.Unlock()

	// Sending without μ lets the receiver keep dispatching while we block.
	err := p.send(s, &Packet{
		Type:    PacketRequest,
		Payload: Request{RequestID: id, Method: method, Data: data}.Encode(),
	})
	if err != nil {
		p.μ.Lock()
		s.release(id)
		p.μ.Unlock()
		return nil, 0, nil, err
	}
	return s, id, reply, nil
}

// result converts the reply to an outbound call into the results of Call.
// If ok is false, the session of the call failed before a reply arrived.
func (p *Peer) result(s *session, rsp *Response, ok bool) (*Response, error) {
	if !ok {
		p.μ.Lock()
		err := s.err
		p.μ.Unlock()
		return nil, callError(fmt.Errorf("call terminated: %w", err))
	}
	switch rsp.Code {
	case CodeSuccess:
		return rsp, nil
	case CodeCanceled:
		return nil, &CallError{Err: context.Canceled, Response: rsp}
	}
	ce := &CallError{Response: rsp}
	if err := ce.ErrorData.Decode(rsp.Data); err != nil {
		// Keep the decoding failure so the caller has something to report.
		ce.Message = err.Error()
	}
	return nil, ce
}

// sendCancel asks the remote peer to cancel outbound call id. Failure to send
// is fatal to the session.
func (p *Peer) sendCancel(s *session, id uint32) {
	if err := p.send(s, &Packet{
		Type:    PacketCancel,
		Payload: Cancel{RequestID: id}.Encode(),
	}); err != nil {
		s.close()
	}
}

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by [Peer.Call].
//
// A service error from the remote handler has Err == nil, and its details in
// ErrorData. Any error reported in a reply has the reply in Response.
type CallError struct {
	ErrorData
	Err      error     // nil for service errors
	Response *Response // nil if no reply was received
}

// Unwrap returns c.Err.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	switch {
	case c.Err != nil:
		return c.Err.Error()
	case c.Response.Code == CodeServiceError:
		return "service error: " + c.ErrorData.Error()
	default:
		return fmt.Sprintf("request %d: %s", c.Response.RequestID, c.Response.Code)
	}
}

// Code returns the result code of the reply that caused c, or -1 if c did not
// come from a reply.
func (c *CallError) Code() int {
	if c.Response == nil {
		return -1
	}
	return int(c.Response.Code)
}
