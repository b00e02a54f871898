// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/transcend/channel"
	"github.com/creachadair/transcend/peers"
	"github.com/creachadair/transcend/wire"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
)

// gaugeValue reports the current value of the named wire gauge.
func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(wire.Collectors()...)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("Metric %q not found", name)
	return 0
}

func TestPeer(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping peers: %v", err)
		}
		for _, name := range []string{"transcend_wire_calls_active", "transcend_wire_calls_pending"} {
			if v := gaugeValue(t, name); v != 0 {
				t.Errorf("Metric %q = %v, want 0", name, v)
			}
		}
	}()

	// The test cases send a string in the request that is parsed by
	// parseTestSpec (see below) to control what the handler returns.
	loc.A.Handle("item.get", func(ctx context.Context, req *wire.Request) ([]byte, error) {
		return parseTestSpec(ctx, string(req.Data))
	})

	tests := []struct {
		who    *wire.Peer
		method string
		input  string
		want   *wire.Response
	}{
		{loc.B, "item.set", "n/a", &wire.Response{Code: wire.CodeUnknownMethod}},
		{loc.A, "len", "n/a", &wire.Response{Code: wire.CodeUnknownMethod}},
		{loc.A, "item.get", "n/a", &wire.Response{Code: wire.CodeUnknownMethod}},

		{loc.B, "item.get", "ok", &wire.Response{}},
		{loc.B, "item.get", "ok yay", &wire.Response{Data: []byte("yay")}},

		{loc.B, "item.get", "error failure", &wire.Response{
			Code: wire.CodeServiceError,
			Data: wire.ErrorData{Message: "failure"}.Encode(),
		}},
		{loc.B, "item.get", "edata 17 hey stuff", &wire.Response{
			Code: wire.CodeServiceError,
			Data: wire.ErrorData{Code: 17, Message: "hey", Data: []byte("stuff")}.Encode(),
		}},
		{loc.B, "item.get", "*edata 101 goober nonsense", &wire.Response{
			Code: wire.CodeServiceError,
			Data: wire.ErrorData{Code: 101, Message: "goober", Data: []byte("nonsense")}.Encode(),
		}},
		{loc.B, "item.get", "unknown", &wire.Response{Code: wire.CodeUnknownMethod}},

		{loc.B, "item.get", "peer?", &wire.Response{Data: []byte("present")}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%s-%s", test.method, test.input), func(t *testing.T) {
			rsp, err := test.who.Call(context.Background(), test.method, []byte(test.input))
			if err != nil {
				if rsp != nil {
					t.Errorf("Call: got response %+v with error %v", rsp, err)
				}
				ce, ok := err.(*wire.CallError)
				if !ok {
					t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
				}
				if ce.Err == nil && ce.Response.Code == wire.CodeServiceError {
					var ed wire.ErrorData
					if err := ed.Decode(ce.Response.Data); err != nil {
						t.Errorf("Decode response ErrorData: %v", err)
					} else if diff := cmp.Diff(ed, ce.ErrorData); diff != "" {
						t.Errorf("ErrorData (-got, +want):\n%s", diff)
					}
				}
				rsp = ce.Response
			}

			ignoreID := cmpopts.IgnoreFields(*rsp, "RequestID")
			if diff := cmp.Diff(test.want, rsp, ignoreID, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Wrong response (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestUnknownMethodReply(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	// Packet logging is active on both sides while the receiving peer reports
	// an unknown method from its dispatch loop.
	var mu sync.Mutex
	var sent int
	count := func(pkt wire.PacketInfo) {
		if pkt.Sent {
			mu.Lock()
			sent++
			mu.Unlock()
		}
	}
	loc.A.LogPackets(count)
	loc.B.LogPackets(count)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range 3 {
		_, err := loc.A.Call(ctx, "nonesuch", nil)
		var ce *wire.CallError
		if !errors.As(err, &ce) || ce.Response == nil {
			t.Fatalf("Call %d: got %v, want *CallError with response", i+1, err)
		}
		if got := ce.Response.Code; got != wire.CodeUnknownMethod {
			t.Errorf("Call %d: response code is %v, want %v", i+1, got, wire.CodeUnknownMethod)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if sent != 6 {
		t.Errorf("Sent packets: got %d, want 6", sent)
	}
}

func TestMethodLen(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	tooLong := strings.Repeat("m", wire.MaxMethodLen+5)

	t.Run("HandleTooLong", func(t *testing.T) {
		got := mtest.MustPanic(t, func() { loc.A.Handle(tooLong, nil) }).(string)
		if !strings.Contains(got, "name too long") {
			t.Errorf("Handle: got %q, want too long", got)
		}
	})

	t.Run("CallTooLong", func(t *testing.T) {
		var cerr *wire.CallError
		rsp, err := loc.A.Call(context.Background(), tooLong, nil)
		if rsp != nil {
			t.Errorf("Call: unexpected response: %v", rsp)
		}
		if !errors.As(err, &cerr) {
			t.Errorf("Call: got %v, want CallError", err)
		} else if cerr.Code() != -1 || !strings.Contains(cerr.Err.Error(), "name too long") {
			t.Errorf("Call: got %v, want too long", cerr)
		}
	})
}

func TestWildcard(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	ctx := context.Background()
	call := func(method, want string, fail bool) {
		t.Helper()
		rsp, err := loc.B.Call(ctx, method, nil)
		if err != nil {
			if !fail {
				t.Errorf("Call %q: unexpected error: %v", method, err)
			}
			return
		} else if fail {
			t.Errorf("Call %q: should have failed", method)
		}
		if got := string(rsp.Data); got != want {
			t.Errorf("Call %q: got %q, want %q", method, got, want)
		}
	}

	loc.A.
		Handle("", func(ctx context.Context, req *wire.Request) ([]byte, error) {
			return []byte("wildcard " + req.Method), nil
		}).
		Handle("str", func(ctx context.Context, req *wire.Request) ([]byte, error) {
			return []byte("designated"), nil
		})

	call("", "wildcard ", false)
	call("str", "designated", false)
	call("call.pop", "wildcard call.pop", false)

	loc.A.Handle("", nil)

	call("", "", true)
	call("str", "designated", false)
	call("call.pop", "", true)
}

func TestCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	type packet struct {
		T wire.PacketType
		P string
	}

	var wg sync.WaitGroup
	wg.Add(3) // request, cancel, response

	var apkt []packet
	loc.A.LogPackets(func(pkt wire.PacketInfo) {
		if !pkt.Sent {
			apkt = append(apkt, packet{T: pkt.Type, P: string(pkt.Payload)})
			wg.Done()
		}
	}).Handle("300", func(ctx context.Context, _ *wire.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var bpkt []packet
	loc.B.LogPackets(func(pkt wire.PacketInfo) {
		if !pkt.Sent {
			bpkt = append(bpkt, packet{T: pkt.Type, P: string(pkt.Payload)})
			wg.Done()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rsp, err := loc.B.Call(ctx, "300", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Got %+v, %v; want %v", rsp, err, context.Canceled)
	}
	wg.Wait()

	if diff := cmp.Diff([]packet{
		{T: wire.PacketRequest, P: "\x00\x00\x00\x01\x03300"},
		{T: wire.PacketCancel, P: "\x00\x00\x00\x01"},
	}, apkt); diff != "" {
		t.Errorf("A packets (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]packet{
		{T: wire.PacketResponse, P: "\x00\x00\x00\x01\x03"},
	}, bpkt); diff != "" {
		t.Errorf("B packets (-want, +got):\n%s", diff)
	}
}

func TestPeerExec(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.
		LogPackets(logPacket(t, "Peer A")).
		Handle("1", func(context.Context, *wire.Request) ([]byte, error) {
			return []byte("ok"), nil
		}).
		Handle("2", func(ctx context.Context, req *wire.Request) ([]byte, error) {
			return wire.ContextPeer(ctx).Exec(ctx, "1", req.Data)
		}).
		Handle("3", func(ctx context.Context, req *wire.Request) ([]byte, error) {
			// The data reported here should not be seen by the caller.
			_, err := wire.ContextPeer(ctx).Exec(ctx, "1000", req.Data)
			return []byte("unseen"), err
		})

	ctx := context.Background()
	if rsp, err := loc.B.Call(ctx, "2", nil); err != nil {
		t.Errorf("Call 2: unexpected error: %v", err)
	} else if got := string(rsp.Data); got != "ok" {
		t.Errorf("Call 2: got %q, want ok", got)
	}

	rsp, err := loc.B.Call(ctx, "3", nil)
	var cerr *wire.CallError
	if !errors.As(err, &cerr) {
		t.Errorf("Call 3: got (%v, %v), want CallError", rsp, err)
	} else if got := cerr.Response.Code; got != wire.CodeUnknownMethod {
		t.Errorf("Call 3: response code is %v, want %v", got, wire.CodeUnknownMethod)
	} else if len(cerr.Response.Data) != 0 {
		t.Errorf("Call 3: response data %q, want empty", cerr.Response.Data)
	}
}

func TestSlowCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	stop := make(chan struct{})
	returned := make(chan struct{})
	loc.A.
		Handle("slow", func(context.Context, *wire.Request) ([]byte, error) {
			defer close(returned)
			<-stop
			return []byte("message in a bottle"), nil
		}).
		Handle("fast", func(context.Context, *wire.Request) ([]byte, error) {
			return []byte("ok"), nil
		})

	// A call times out and returns control even if the remote peer has not
	// acknowledged the cancellation yet.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if rsp, err := loc.B.Call(ctx, "slow", nil); err == nil {
		t.Errorf("Call: unexpectedly succeeded: %v", rsp)
	}

	// The unresolved request ID must not be reused.
	if rsp, err := loc.B.Call(context.Background(), "fast", nil); err != nil {
		t.Errorf("Call fast unexpectedly failed: %v", err)
	} else if got := string(rsp.Data); got != "ok" {
		t.Errorf("Call fast: got %q, want ok", got)
	}

	close(stop)
	<-returned
}

func TestProtocolFatal(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("BadMagic", func(t *testing.T) {
		tw, ch := rawChannel()
		p := wire.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'C', 'X', 0, 2, 0, 0, 0, 0})
		mustErr(t, p.Wait(), "invalid protocol magic")
	})

	t.Run("ShortHeader", func(t *testing.T) {
		tw, ch := rawChannel()
		p := wire.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'T', 'P', 0, 2, 0, 0})
		tw.Close()
		mustErr(t, p.Wait(), "short packet header")
	})

	t.Run("ShortPayload", func(t *testing.T) {
		tw, ch := rawChannel()
		p := wire.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'T', 'P', 0, 2, 0, 0, 0, 10, 'a', 'b', 'c', 'd'})
		tw.Close()
		mustErr(t, p.Wait(), "short payload")
	})

	t.Run("BadRequest", func(t *testing.T) {
		tw, ch := rawChannel()
		p := wire.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'T', 'P', 0, 2, 0, 0, 0, 1, 'X'})
		mustErr(t, p.Wait(), "short request payload")
	})

	t.Run("TruncatedMethod", func(t *testing.T) {
		tw, ch := rawChannel()
		p := wire.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'T', 'P', 0, 2, 0, 0, 0, 7, 0, 0, 0, 1, 9, 'a', 'b'})
		mustErr(t, p.Wait(), "request method truncated")
	})

	t.Run("BadResponse", func(t *testing.T) {
		tw, ch := rawChannel()
		p := wire.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write(wire.Packet{
			Type:    wire.PacketResponse,
			Payload: wire.Response{RequestID: 100, Code: 100}.Encode(),
		}.Encode())
		mustErr(t, p.Wait(), "invalid result code")
	})

	t.Run("CloseChannel", func(t *testing.T) {
		ready := make(chan struct{})
		done := make(chan struct{})
		stall := func(ctx context.Context, _ *wire.Request) ([]byte, error) {
			defer close(done)
			close(ready)
			<-ctx.Done()
			return nil, ctx.Err()
		}

		pr, tw := io.Pipe()
		tr, pw := io.Pipe()
		p := wire.NewPeer().Handle("iter", stall).Start(channel.IO(pr, pw))
		defer p.Stop()

		tw.Write(wire.Packet{
			Type:    wire.PacketRequest,
			Payload: wire.Request{RequestID: 666, Method: "iter"}.Encode(),
		}.Encode())
		<-ready

		time.AfterFunc(100*time.Millisecond, func() { tw.Close() })

		var buf [64]byte
		if nr, err := tr.Read(buf[:]); err == nil {
			t.Errorf("Got response %#q, wanted error", string(buf[:nr]))
		}
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("Timed out waiting for handler to exit")
		}
		p.Stop()
	})
}

func TestProtocolVersion(t *testing.T) {
	defer leaktest.Check(t)()

	pkt := &wire.Packet{
		Protocol: 99,
		Type:     wire.PacketRequest,
		Payload: wire.Request{
			RequestID: 12345,
			Method:    "str",
			Data:      []byte("hello"),
		}.Encode(),
	}

	ac, bc := channel.Direct()
	a := wire.NewPeer().LogPackets(func(pi wire.PacketInfo) {
		if pi.Sent {
			t.Errorf("Unexpected packet sent: %v", pi)
		} else if diff := cmp.Diff(pi.Packet, pkt); diff != "" {
			t.Errorf("Received (-got, +want):\n%s", diff)
		}
	}).Start(ac)
	defer func() { bc.Close(); a.Wait() }()

	if err := bc.Send(pkt); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestOnExit(t *testing.T) {
	t.Run("CloseChannel", func(t *testing.T) {
		defer leaktest.Check(t)()

		loc := peers.NewLocal()
		defer loc.B.Wait()

		var cbCalled bool
		loc.A.OnExit(func(err error) {
			cbCalled = true
			if err != nil {
				t.Errorf("OnExit got an unexpected error: %v", err)
			}
		})
		time.AfterFunc(5*time.Millisecond, func() { loc.A.Stop() })

		if err := loc.A.Wait(); err != nil {
			t.Errorf("Wait: got %v, want nil", err)
		}
		if !cbCalled {
			t.Error("OnExit was not called")
		}
	})

	t.Run("BadPacket", func(t *testing.T) {
		defer leaktest.Check(t)()

		sr, cw := io.Pipe()
		_, sw := io.Pipe()

		var cbErr error
		p := wire.NewPeer().OnExit(func(err error) { cbErr = err }).Start(channel.IO(sr, sw))

		cw.Write([]byte("TP\x00\x01\x00\x00\x00"))
		cw.Close()

		if err := p.Wait(); err == nil {
			t.Error("Wait should have reported an error")
		}
		if cbErr == nil {
			t.Error("OnExit should have reported an error")
		}
	})
}

func TestContextPlumbing(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	type testKey struct{}
	loc.A.
		NewContext(func() context.Context {
			return context.WithValue(context.Background(), testKey{}, "ok")
		}).
		Handle("ops", func(ctx context.Context, _ *wire.Request) ([]byte, error) {
			if v, ok := ctx.Value(testKey{}).(string); !ok || v != "ok" {
				t.Error("Base context was not correctly plumbed")
			}
			return nil, nil
		})

	if _, err := loc.B.Call(context.Background(), "ops", nil); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
}

func TestCallback(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	const numCallbacks = 5

	caller := func(ctx context.Context, req *wire.Request) ([]byte, error) {
		peer := wire.ContextPeer(ctx)
		v, err := strconv.Atoi(string(req.Data))
		if err != nil {
			return nil, err
		} else if v == numCallbacks {
			return []byte("ok"), nil
		}
		rsp, err := peer.Call(ctx, req.Method, []byte(strconv.Itoa(v+1)))
		if err != nil {
			return nil, err
		}
		return rsp.Data, nil
	}

	// Each peer ping-pongs callbacks until the threshold is reached, then
	// unwinds the result back to the initial caller.
	loc.A.Handle("ping", caller).LogPackets(logPacket(t, "Peer A"))
	loc.B.Handle("ping", caller).LogPackets(logPacket(t, "Peer B"))

	rsp, err := loc.A.Call(context.Background(), "ping", []byte("0"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	} else if got := string(rsp.Data); got != "ok" {
		t.Errorf("Call result: got %q, want ok", got)
	}
}

func TestConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Local", func(t *testing.T) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle("echo", slowEcho)
		loc.B.Handle("echo", slowEcho)
		runConcurrent(t, loc.A, loc.B)
	})

	t.Run("Pipe", func(t *testing.T) {
		ar, bw := io.Pipe()
		br, aw := io.Pipe()
		pa := wire.NewPeer().Start(channel.IO(ar, aw))
		pb := wire.NewPeer().Start(channel.IO(br, bw))
		defer func() {
			if err := pa.Stop(); err != nil {
				t.Errorf("A stop: %v", err)
			}
			if err := pb.Stop(); err != nil {
				t.Errorf("B stop: %v", err)
			}
		}()

		pa.Handle("echo", slowEcho)
		pb.Handle("echo", slowEcho)
		runConcurrent(t, pa, pb)
	})
}

func runConcurrent(t *testing.T, pa, pb *wire.Peer) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const numCalls = 128 // per peer

	calls := taskgroup.New(cancel)
	for i := range numCalls {
		for _, p := range []*wire.Peer{pa, pb} {
			msg := fmt.Sprintf("call-%p-%d", p, i+1)
			calls.Go(func() error {
				rsp, err := p.Call(ctx, "echo", []byte(msg))
				if err != nil {
					return err
				} else if got := string(rsp.Data); got != msg {
					return fmt.Errorf("got %q, want %q", got, msg)
				}
				return nil
			})
		}
	}
	if err := calls.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},
		{"nothing", "unix"},
		{"like/a/file", "unix"},
		{"no-port:", "unix"},
		{"file/with:port", "unix"},
		{"mangled:@3", "unix"},
		{"[::1]:2323", "tcp"},
		{":80", "tcp"},
		{"localhost:80", "tcp"},
		{"127.0.0.1:http", "tcp"},
	}
	for _, test := range tests {
		got, addr := wire.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}

func TestErrorDataDecode(t *testing.T) {
	for _, input := range []string{
		"\x00\x01\x00\x04abc",         // message overruns input
		"\x01\x02\x00\x04abc\xc0----", // invalid UTF-8
		"\x00",                        // short header
	} {
		var ed wire.ErrorData
		if err := ed.Decode([]byte(input)); err == nil {
			t.Errorf("Decode %q: got %#v, wanted error", input, ed)
		}
	}
}

func rawChannel() (*io.PipeWriter, *channel.IOChannel) {
	pr, tw := io.Pipe()
	_, pw := io.Pipe()
	return tw, channel.IO(pr, pw)
}

func mustErr(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Got nil, want %v", want)
	} else if !strings.Contains(err.Error(), want) {
		t.Fatalf("Got %v, want %v", err, want)
	}
}

func slowEcho(_ context.Context, req *wire.Request) ([]byte, error) {
	time.Sleep(time.Duration(rand.Intn(100)+50) * time.Microsecond)
	return req.Data, nil
}

// parseTestSpec parses a string giving test values to return from a method
// handler, and returns those values.
//
//	ok text...        -- return text, nil
//	error ...         -- return nil, error(...)
//	edata c msg data  -- return nil, ErrorData{c, msg, data}
//	*edata c msg data -- return nil, &ErrorData{c, msg, data}
//	unknown           -- return nil, ErrUnknownMethod
//	peer?             -- return "present" or "absent"
func parseTestSpec(ctx context.Context, s string) ([]byte, error) {
	ps := strings.Fields(s)
	switch ps[0] {
	case "ok":
		if len(ps) == 1 {
			return nil, nil
		}
		return []byte(strings.Join(ps[1:], " ")), nil

	case "error":
		return nil, errors.New(strings.Join(ps[1:], " "))

	case "edata", "*edata":
		if len(ps) != 4 {
			break
		}
		c, err := strconv.ParseUint(ps[1], 10, 16)
		if err != nil {
			break
		}
		ed := wire.ErrorData{Code: uint16(c), Message: ps[2], Data: []byte(ps[3])}
		if ps[0] == "*edata" {
			return nil, &ed
		}
		return nil, ed

	case "unknown":
		return nil, fmt.Errorf("lookup: %w", wire.ErrUnknownMethod)

	case "peer?":
		if wire.ContextPeer(ctx) != nil {
			return []byte("present"), nil
		}
		return []byte("absent"), nil
	}
	panic(fmt.Sprintf("Invalid test spec %q", s))
}

func logPacket(t *testing.T, tag string) wire.PacketLogger {
	return func(pkt wire.PacketInfo) {
		t.Helper()
		t.Logf("%s: %v", tag, pkt)
	}
}
