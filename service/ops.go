// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package service

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/creachadair/transcend/catalog"
)

// An op implements one named operation on an object.
type op func(ctx context.Context, args Args) (any, error)

// An object is a value exposed by a service, together with the catalog of
// operations it supports.
type object struct {
	value any
	ops   catalog.Catalog[op]
	seq   func() iter.Seq[any] // nil if not iterable
}

// Operation names.
const (
	OpGetItem    = "item.get"
	OpSetItem    = "item.set"
	OpDelItem    = "item.del"
	OpContains   = "item.has"
	OpLen        = "len"
	OpIter       = "iter"
	OpString     = "str"
	OpGetAttr    = "attr.get"
	OpSetAttr    = "attr.set"
	OpOperations = "ops"
	OpStats      = "stats"
	OpRelease    = "ref.release"

	// OpCallPrefix is prefixed to the name of a method.
	OpCallPrefix = "call."

	OpRegister   = "proxy.register"
	OpDeregister = "proxy.deregister"
	OpClose      = "proxy.close"
)

// ErrNoOperations is reported when an object exposes none of the capability
// interfaces.
var ErrNoOperations = errors.New("object exposes no operations")

// errNoSuchAttr is reported by attr.get for a missing attribute.
var errNoSuchAttr = fmt.Errorf("no such attribute: %w", ErrNoSuchKey)

func wantArgs(args Args, n int) error {
	if len(args) != n {
		return fmt.Errorf("got %d arguments, want %d", len(args), n)
	}
	return nil
}

// newObject enumerates the capabilities of v and builds its catalog.
func newObject(v any) (*object, error) {
	obj := &object{value: v, ops: catalog.New[op]()}
	if g, ok := v.(Getter); ok {
		obj.ops.Set(OpGetItem, func(_ context.Context, args Args) (any, error) {
			if err := wantArgs(args, 1); err != nil {
				return nil, err
			}
			return g.GetItem(args[0])
		})
	}
	if s, ok := v.(Setter); ok {
		obj.ops.Set(OpSetItem, func(_ context.Context, args Args) (any, error) {
			if err := wantArgs(args, 2); err != nil {
				return nil, err
			}
			return nil, s.SetItem(args[0], args[1])
		})
	}
	if d, ok := v.(Deleter); ok {
		obj.ops.Set(OpDelItem, func(_ context.Context, args Args) (any, error) {
			if err := wantArgs(args, 1); err != nil {
				return nil, err
			}
			return d.DelItem(args[0])
		})
	}
	if c, ok := v.(Container); ok {
		obj.ops.Set(OpContains, func(_ context.Context, args Args) (any, error) {
			if err := wantArgs(args, 1); err != nil {
				return nil, err
			}
			return c.Contains(args[0])
		})
	}
	if n, ok := v.(Lener); ok {
		obj.ops.Set(OpLen, func(context.Context, Args) (any, error) { return n.Len(), nil })
	}
	if it, ok := v.(Iterable); ok {
		obj.seq = it.Iter
		obj.ops.Set(OpIter, func(context.Context, Args) (any, error) {
			return nil, errors.New("iteration requires a streaming call")
		})
	}
	if s, ok := v.(fmt.Stringer); ok {
		obj.ops.Set(OpString, func(context.Context, Args) (any, error) { return s.String(), nil })
	}
	if a, ok := v.(Attributer); ok {
		obj.ops.Set(OpGetAttr, func(_ context.Context, args Args) (any, error) {
			var name string
			if err := args.Decode(&name); err != nil {
				return nil, err
			}
			if v, ok := a.Attr(name); ok {
				return v, nil
			}
			return nil, fmt.Errorf("%q: %w", name, errNoSuchAttr)
		})
		obj.ops.Set(OpSetAttr, func(_ context.Context, args Args) (any, error) {
			if err := wantArgs(args, 2); err != nil {
				return nil, err
			}
			var name string
			if err := args[0].Decode(&name); err != nil {
				return nil, fmt.Errorf("attribute name: %w", err)
			}
			return nil, a.SetAttr(name, args[1])
		})
	}
	if m, ok := v.(Methoder); ok {
		for name, fn := range m.Methods() {
			if fn != nil {
				obj.ops.Set(OpCallPrefix+name, op(fn))
			}
		}
	}
	if obj.ops.Len() == 0 {
		return nil, fmt.Errorf("%s: %w", KindOf(v), ErrNoOperations)
	}
	obj.ops.Set(OpOperations, func(context.Context, Args) (any, error) { return obj.ops.Encode(), nil })
	return obj, nil
}

// Check reports whether v can be served, that is, whether it exposes at least
// one capability. The error wraps ErrNoOperations if not.
func Check(v any) error {
	_, err := newObject(v)
	return err
}

// hasOperations reports whether v exposes any capability interface.
func hasOperations(v any) bool {
	switch v.(type) {
	case Getter, Setter, Deleter, Container, Lener, Iterable, fmt.Stringer, Attributer, Methoder:
		return true
	}
	return false
}
