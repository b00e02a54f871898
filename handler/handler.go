// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the wire.Handler type for functions
// with other signatures.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
// Any other parameter type is decoded from JSON.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
// Any other result type is encoded as JSON.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"encoding/json"
	"fmt"

	"github.com/creachadair/transcend/wire"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package has this value.
func ContextRequest(ctx context.Context) *wire.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*wire.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a wire.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) wire.Handler {
	return func(ctx context.Context, req *wire.Request) ([]byte, error) {
		var p P
		if err := Unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		r, err := f(context.WithValue(ctx, reqContextKey{}, req), p)
		if err != nil {
			return nil, err
		}
		return Marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a wire.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) wire.Handler {
	return ParamResultError(func(ctx context.Context, p P) (R, error) {
		return f(ctx, p), nil
	})
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a wire.Handler.
func ParamError[P any](f func(context.Context, P) error) wire.Handler {
	return func(ctx context.Context, req *wire.Request) ([]byte, error) {
		var p P
		if err := Unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, reqContextKey{}, req), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a wire.Handler.
func ResultError[R any](f func(context.Context) (R, error)) wire.Handler {
	return func(ctx context.Context, req *wire.Request) ([]byte, error) {
		r, err := f(context.WithValue(ctx, reqContextKey{}, req))
		if err != nil {
			return nil, err
		}
		return Marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a wire.Handler.
func ResultOnly[R any](f func(context.Context) R) wire.Handler {
	return ResultError(func(ctx context.Context) (R, error) { return f(ctx), nil })
}

// Unmarshal decodes data into v, which must be a pointer.
// A *[]byte or *string receives a copy of data. A type implementing
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler uses that method,
// preferring BinaryUnmarshaler. Anything else is decoded from JSON.
func Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("cannot unmarshal into %T: %w", v, err)
		}
	}
	return nil
}

// Marshal encodes v into data, following the same rules as Unmarshal.
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cannot marshal %T: %w", v, err)
		}
		return data, nil
	}
}
