// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"sync"
)

// An Arg is a single argument value sent by a remote caller, as JSON text.
// The receiving object decodes it into whatever type it requires.
type Arg json.RawMessage

// Decode unmarshals the JSON value of a into v.
func (a Arg) Decode(v any) error {
	if len(a) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(a, v)
}

// String returns the JSON text of a.
func (a Arg) String() string { return string(a) }

// MarshalJSON implements json.Marshaler, so that an Arg stored by an object
// encodes as the original value.
func (a Arg) MarshalJSON() ([]byte, error) {
	if len(a) == 0 {
		return []byte("null"), nil
	}
	return a, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Arg) UnmarshalJSON(data []byte) error {
	*a = append((*a)[:0], data...)
	return nil
}

// Args are the positional arguments of a method call.
type Args []Arg

// Decode decodes successive arguments into the corresponding elements of vs.
// It reports an error if the number of arguments does not match len(vs).
func (a Args) Decode(vs ...any) error {
	if len(a) != len(vs) {
		return fmt.Errorf("got %d arguments, want %d", len(a), len(vs))
	}
	for i, v := range vs {
		if err := a[i].Decode(v); err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
	}
	return nil
}

// The following interfaces are the capabilities an object can expose to
// remote callers. A served object must implement at least one of them.
// Fetching or changing an element of a container reports an error wrapping
// ErrNoSuchKey when the key is absent.
type (
	// Getter is implemented by objects that support indexed reads.
	Getter interface {
		GetItem(key Arg) (any, error)
	}

	// Setter is implemented by objects that support indexed writes.
	Setter interface {
		SetItem(key, value Arg) error
	}

	// Deleter is implemented by objects that support deleting an element.
	// It reports whether the element was present.
	Deleter interface {
		DelItem(key Arg) (bool, error)
	}

	// Container is implemented by objects that support membership tests.
	Container interface {
		Contains(v Arg) (bool, error)
	}

	// Lener is implemented by objects that have a length.
	Lener interface {
		Len() int
	}

	// Iterable is implemented by objects whose elements can be enumerated.
	// The sequence must not hold locks across yields.
	Iterable interface {
		Iter() iter.Seq[any]
	}

	// Attributer is implemented by objects that have named attributes.
	// Attr reports false if the named attribute does not exist.
	Attributer interface {
		Attr(name string) (any, bool)
		SetAttr(name string, value Arg) error
	}

	// Methoder is implemented by objects that have named methods.
	Methoder interface {
		Methods() map[string]Method
	}
)

// A Method is a named operation on an object, invoked by remote callers.
type Method func(ctx context.Context, args Args) (any, error)

// ByReference is a marker interface for values that must be returned to a
// caller as a remote reference rather than a copy, even if they could be
// encoded as JSON.
type ByReference interface {
	TranscendByReference()
}

// ErrNoSuchKey is the error reported when an element of a container does not
// exist. Objects wrap it to report missing keys.
var ErrNoSuchKey = errors.New("no such key")

// A Factory reconstructs an object from its JSON state.
type Factory func(state []byte) (any, error)

var kinds struct {
	sync.Mutex
	m map[string]Factory
}

// Register registers a factory for objects of the given kind. It panics if
// kind is already registered. Objects are shipped to an owning process as a
// (kind, state) pair, so the owning process must register the same kinds,
// usually from package init.
func Register(kind string, f Factory) {
	kinds.Lock()
	defer kinds.Unlock()
	if kinds.m == nil {
		kinds.m = make(map[string]Factory)
	}
	if _, ok := kinds.m[kind]; ok {
		panic(fmt.Sprintf("kind %q is already registered", kind))
	}
	kinds.m[kind] = f
}

// RegisterType registers a factory for T that decodes the state as JSON.
// T may be a pointer type, in which case a new value of the element type is
// allocated. The kind is the name reported by KindOf.
func RegisterType[T any]() {
	t := reflect.TypeFor[T]()
	Register(t.String(), func(state []byte) (any, error) {
		if t.Kind() == reflect.Pointer {
			v := reflect.New(t.Elem())
			if err := json.Unmarshal(state, v.Interface()); err != nil {
				return nil, err
			}
			return v.Interface(), nil
		}
		v := reflect.New(t)
		if err := json.Unmarshal(state, v.Interface()); err != nil {
			return nil, err
		}
		return v.Elem().Interface(), nil
	})
}

// KindOf returns the kind name of v.
func KindOf(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}

// Encode returns the kind and JSON state of obj, for shipping to an owning
// process. The kind of obj must be registered.
func Encode(obj any) (kind string, state []byte, err error) {
	kind = KindOf(obj)
	kinds.Lock()
	_, ok := kinds.m[kind]
	kinds.Unlock()
	if !ok {
		return "", nil, fmt.Errorf("kind %q is not registered", kind)
	}
	state, err = json.Marshal(obj)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return kind, state, nil
}

// Decode reconstructs an object of the given kind from its state.
func Decode(kind string, state []byte) (any, error) {
	kinds.Lock()
	f, ok := kinds.m[kind]
	kinds.Unlock()
	if !ok {
		return nil, fmt.Errorf("kind %q is not registered", kind)
	}
	obj, err := f(state)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return obj, nil
}
