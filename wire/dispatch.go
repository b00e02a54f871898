// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownMethod may be returned by a handler to report that it does not
// implement the requested method. The caller receives CodeUnknownMethod.
var ErrUnknownMethod error = errUnknownMethod{}

type errUnknownMethod struct{}

func (errUnknownMethod) Error() string          { return "unknown method" }
func (errUnknownMethod) ResultCode() ResultCode { return CodeUnknownMethod }

// resultCoder is implemented by errors that choose their own result code.
type resultCoder interface{ ResultCode() ResultCode }

// dispatch handles one inbound packet on s. An error is fatal to s.
func (p *Peer) dispatch(s *session, pkt *Packet) error {
	if log := p.plog.Load(); log != nil {
		(*log)(PacketInfo{Packet: pkt})
	}
	if pkt.Protocol != 0 {
		peerMetrics.packetDropped.Inc()
		return nil
	}

	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		return p.serve(s, &req)

	case PacketCancel:
		var c Cancel
		if err := c.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		peerMetrics.cancelIn.Inc()
		p.μ.Lock()
		cancel := s.in[c.RequestID]
		p.μ.Unlock()
		if cancel != nil {
			cancel() // the handler task replies
		}
		return nil

	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		if reply, ok := s.out[rsp.RequestID]; ok {
			s.release(rsp.RequestID)
			reply.deliver(&rsp)
		}
		return nil
	}
	peerMetrics.packetDropped.Inc()
	return nil
}

// serve starts a handler task for an inbound request, or refuses the request
// if its ID is in use or no handler accepts its method.
func (p *Peer) serve(s *session, req *Request) (err error) {
	peerMetrics.callIn.Inc()
	defer func() {
		if err != nil {
			peerMetrics.callInErr.Inc()
		}
	}()

	p.μ.Lock()
	var refuse ResultCode // CodeSuccess if the request is accepted
	h, ok := p.handlerLocked(req.Method)
	if _, busy := s.in[req.RequestID]; busy {
		refuse = CodeDuplicateID // the existing call is unaffected
	} else if !ok {
		refuse = CodeUnknownMethod
	} else {
		base := context.Background
		if p.base != nil {
			base = p.base
		}
		ctx, cancel := context.WithCancel(context.WithValue(base(), peerContextKey{}, p))
		s.in[req.RequestID] = cancel
		peerMetrics.callActive.Inc()
		s.tasks.Go(func() error {
			defer cancel()
			defer peerMetrics.callActive.Dec()
			p.reply(s, respond(ctx, h, req))
			return nil
		})
	}
	p.μ.Unlock()

	if refuse == CodeSuccess {
		return nil
	}
	return p.send(s, &Packet{
		Type:    PacketResponse,
		Payload: Response{RequestID: req.RequestID, Code: refuse}.Encode(),
	})
}

// reply sends rsp for a completed inbound call, unless s has failed.
func (p *Peer) reply(s *session, rsp *Response) {
	p.μ.Lock()
	delete(s.in, rsp.RequestID)
	failed := s.err != nil
	p.μ.Unlock()
	if failed {
		return
	}
	if err := p.send(s, &Packet{Type: PacketResponse, Payload: rsp.Encode()}); err != nil {
		s.close()
	}
}

// respond runs h on req and builds the reply for its result.
func respond(ctx context.Context, h Handler, req *Request) *Response {
	data, err := invoke(ctx, h, req)
	rsp := &Response{RequestID: req.RequestID}

	// A call whose context ended is canceled even if the handler succeeded.
	// Only the bare context errors count; a wrapped one is a service error.
	if ctx.Err() != nil || err == context.Canceled || err == context.DeadlineExceeded {
		rsp.Code = CodeCanceled
		return rsp
	}
	if err == nil {
		rsp.Code, rsp.Data = CodeSuccess, data
		return rsp
	}
	var rc resultCoder
	if errors.As(err, &rc) {
		rsp.Code = rc.ResultCode()
		return rsp
	}
	rsp.Code, rsp.Data = CodeServiceError, errorData(err).Encode()
	return rsp
}

// invoke calls h, reporting a panic as an error.
func invoke(ctx context.Context, h Handler, req *Request) (data []byte, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, req)
}

// errorData returns the details to report for a handler error.
func errorData(err error) ErrorData {
	var ed ErrorData
	if errors.As(err, &ed) {
		return ed
	}
	var ped *ErrorData
	if errors.As(err, &ped) && ped != nil {
		return *ped
	}
	return ErrorData{Message: err.Error()}
}
