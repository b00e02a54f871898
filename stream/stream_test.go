// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package stream_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/creachadair/transcend/peers"
	"github.com/creachadair/transcend/stream"
	"github.com/creachadair/transcend/wire"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestStream(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr string
	}{
		{"stream foo bar", vals("foo", "bar"), ""},
		{"stream foo bar, err", vals("foo", "bar"), "service error: test"},
		{"err", vals(), "service error: test"},
		{"req, req, stream foo", vals("req", "req", "foo"), ""},
		// server-side cancellation just before successful stream end
		{"stream foo, server-cancel", vals("foo"), "context canceled"},
		// server-side cancellation that HandlerFunc ignores
		{"stream foo, server-cancel, stream bar qux", vals("foo"), "context canceled"},
		// server-side cancellation that HandlerFunc obeys
		{"stream foo, server-cancel, return-canceled", vals("foo"), "context canceled"},
		// client-side cancellation
		{"stream foo, client-cancel, stream bar qux", vals("foo"), "context canceled"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			ps := peers.NewLocal()
			defer ps.Stop()

			ctx, clientCancel := context.WithCancel(context.Background())
			defer clientCancel()

			stream.Handle(ps.B, "stream", parseStreamSpec(t, tc.in))
			ps.B.NewContext(func() context.Context {
				// Let the handler drive cancellation on either side. The
				// client context is used only to synchronize with it.
				serverCtx, serverCancel := context.WithCancel(context.Background())
				serverCtx = context.WithValue(serverCtx, serverCancelContextKey{}, serverCancel)
				serverCtx = context.WithValue(serverCtx, clientCtxContextKey{}, ctx)
				serverCtx = context.WithValue(serverCtx, clientCancelContextKey{}, clientCancel)
				return serverCtx
			})

			var got []string
			var gotErr error
			for resp, err := range stream.Call(ctx, ps.A, "stream", []byte("req")) {
				if err != nil {
					gotErr = err
					break
				}
				got = append(got, string(resp))
			}
			if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("Stream (-want, +got):\n%s", diff)
			}
			if gotErr != nil {
				// Remote errors do not preserve identity, so compare text.
				if gotErr.Error() != tc.wantErr {
					t.Fatalf("unexpected error %q, want %q", gotErr, tc.wantErr)
				}
				// A cancellation on either side arrives as a canceled result.
				if tc.wantErr == "context canceled" && !errors.Is(gotErr, context.Canceled) {
					t.Errorf("Error %v does not match %v", gotErr, context.Canceled)
				}
			} else if tc.wantErr != "" {
				t.Fatalf("stream didn't yield error, want %q", tc.wantErr)
			}
		})
	}
}

func parseStreamSpec(t *testing.T, s string) stream.HandlerFunc {
	return func(ctx context.Context, req *wire.Request) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			for _, cmd := range strings.Split(s, ",") {
				fs := strings.Fields(cmd)
				switch fs[0] {
				case "stream":
					for _, v := range fs[1:] {
						if !yield([]byte(v), nil) {
							return
						}
					}
				case "req":
					if !yield(req.Data, nil) {
						return
					}
				case "err":
					yield(nil, testErr)
					return
				case "server-cancel":
					cancel := ctx.Value(serverCancelContextKey{}).(context.CancelFunc)
					cancel()
					// Wait so the caller reliably sees the cancellation.
					<-ctx.Done()
				case "client-cancel":
					cancel := ctx.Value(clientCancelContextKey{}).(context.CancelFunc)
					cancel()
					clientCtx := ctx.Value(clientCtxContextKey{}).(context.Context)
					<-clientCtx.Done()
				case "return-canceled":
					if ctx.Err() == nil {
						t.Errorf("parseStreamSpec instructed to return-canceled, but ctx isn't canceled")
					}
					yield(nil, ctx.Err())
					return
				default:
					t.Errorf("unknown parseStreamSpec command %q", fs[0])
				}
			}
		}
	}
}

type clientCancelContextKey struct{}
type clientCtxContextKey struct{}
type serverCancelContextKey struct{}

var testErr = errors.New("test")

func TestStreamRemoteLen(t *testing.T) {
	defer leaktest.Check(t)()

	ps := peers.NewLocal()
	defer ps.Stop()

	// A streaming handler installed without a dedicated method, as the
	// object service does behind its wildcard dispatcher.
	iterate := stream.Handler(func(ctx context.Context, req *wire.Request) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			for _, w := range strings.Fields(string(req.Data)) {
				if !yield([]byte(w), nil) {
					return
				}
			}
		}
	})
	ps.B.Handle("", func(ctx context.Context, req *wire.Request) ([]byte, error) {
		if req.Method == "iter" {
			return iterate(ctx, req)
		}
		return nil, wire.ErrUnknownMethod
	})

	var got []string
	for v, err := range stream.Call(t.Context(), ps.A, "iter", []byte("a b c")) {
		if err != nil {
			t.Fatalf("Stream: unexpected error: %v", err)
		}
		got = append(got, string(v))
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("Stream (-want, +got):\n%s", diff)
	}

	// Stopping early must not leave the handler blocked.
	for v, err := range stream.Call(t.Context(), ps.A, "iter", []byte("x y z")) {
		if err != nil {
			t.Fatalf("Stream: unexpected error: %v", err)
		}
		if string(v) != "x" {
			t.Errorf("First element: got %q, want x", v)
		}
		break
	}
}

func vals(vs ...string) []string {
	return vs
}
