// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/creachadair/transcend/service"
)

// A Dict is a map from string keys to JSON values.
// The zero value is ready for use.
type Dict struct {
	μ sync.Mutex
	m map[string]service.Arg
}

// NewDict constructs a Dict with the given contents.
func NewDict(m map[string]any) (*Dict, error) {
	d := new(Dict)
	for k, v := range m {
		if err := d.Set(k, v); err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
	}
	return d, nil
}

// Set sets the value of key to v, which must be encodable as JSON.
func (d *Dict) Set(key string, v any) error {
	a, err := value(v)
	if err != nil {
		return err
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.m == nil {
		d.m = make(map[string]service.Arg)
	}
	d.m[key] = a
	return nil
}

// Get decodes the value of key into v, and reports whether key was present.
func (d *Dict) Get(key string, v any) (bool, error) {
	d.μ.Lock()
	a, ok := d.m[key]
	d.μ.Unlock()
	if !ok {
		return false, nil
	}
	return true, a.Decode(v)
}

// Keys returns the keys of d in sorted order.
func (d *Dict) Keys() []string {
	d.μ.Lock()
	defer d.μ.Unlock()
	return slices.Sorted(maps.Keys(d.m))
}

// MarshalJSON implements json.Marshaler.
func (d *Dict) MarshalJSON() ([]byte, error) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Dict) UnmarshalJSON(data []byte) error {
	var m map[string]service.Arg
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	d.m = m
	return nil
}

func dictKey(a service.Arg) (string, error) {
	var key string
	if err := a.Decode(&key); err != nil {
		return "", fmt.Errorf("invalid key %s: %w", a, err)
	}
	return key, nil
}

// GetItem implements service.Getter.
func (d *Dict) GetItem(key service.Arg) (any, error) {
	k, err := dictKey(key)
	if err != nil {
		return nil, err
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	v, ok := d.m[k]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", k, service.ErrNoSuchKey)
	}
	return v, nil
}

// SetItem implements service.Setter.
func (d *Dict) SetItem(key, value service.Arg) error {
	k, err := dictKey(key)
	if err != nil {
		return err
	}
	return d.Set(k, value)
}

// DelItem implements service.Deleter.
func (d *Dict) DelItem(key service.Arg) (bool, error) {
	k, err := dictKey(key)
	if err != nil {
		return false, err
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	_, ok := d.m[k]
	delete(d.m, k)
	return ok, nil
}

// Contains implements service.Container. It reports whether key is present.
func (d *Dict) Contains(key service.Arg) (bool, error) {
	k, err := dictKey(key)
	if err != nil {
		return false, err
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	_, ok := d.m[k]
	return ok, nil
}

// Len implements service.Lener.
func (d *Dict) Len() int {
	d.μ.Lock()
	defer d.μ.Unlock()
	return len(d.m)
}

// Iter implements service.Iterable. It yields the keys of d in sorted order,
// as of the start of the iteration.
func (d *Dict) Iter() iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, k := range d.Keys() {
			if !yield(k) {
				return
			}
		}
	}
}

// String renders d as JSON text.
func (d *Dict) String() string {
	data, err := d.MarshalJSON()
	if err != nil {
		return "Dict(" + strconv.Quote(err.Error()) + ")"
	}
	return string(data)
}

// Methods implements service.Methoder.
//
//   - keys() returns the sorted keys.
//   - get(key[, default]) returns the value of key, or default.
//   - pop(key[, default]) removes key and returns its value, or default.
//   - update(object) sets each key of object.
//   - clear() removes all keys.
func (d *Dict) Methods() map[string]service.Method {
	return map[string]service.Method{
		"keys": func(context.Context, service.Args) (any, error) { return d.Keys(), nil },
		"get": func(_ context.Context, args service.Args) (any, error) {
			return d.lookup(args, false)
		},
		"pop": func(_ context.Context, args service.Args) (any, error) {
			return d.lookup(args, true)
		},
		"update": func(_ context.Context, args service.Args) (any, error) {
			var m map[string]service.Arg
			if err := args.Decode(&m); err != nil {
				return nil, err
			}
			d.μ.Lock()
			defer d.μ.Unlock()
			if d.m == nil {
				d.m = make(map[string]service.Arg)
			}
			maps.Copy(d.m, m)
			return len(d.m), nil
		},
		"clear": func(context.Context, service.Args) (any, error) {
			d.μ.Lock()
			defer d.μ.Unlock()
			clear(d.m)
			return nil, nil
		},
	}
}

func (d *Dict) lookup(args service.Args, remove bool) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("got %d arguments, want 1 or 2", len(args))
	}
	k, err := dictKey(args[0])
	if err != nil {
		return nil, err
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	v, ok := d.m[k]
	if ok {
		if remove {
			delete(d.m, k)
		}
		return v, nil
	} else if len(args) == 2 {
		return args[1], nil
	}
	return nil, fmt.Errorf("key %q: %w", k, service.ErrNoSuchKey)
}
