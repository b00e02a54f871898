// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"sync"

	"github.com/creachadair/transcend/service"
)

// A List is a sequence of JSON values.
// The zero value is ready for use.
type List struct {
	μ  sync.Mutex
	vs []service.Arg
}

// NewList constructs a List with the given elements.
func NewList(vs ...any) (*List, error) {
	l := new(List)
	for i, v := range vs {
		if err := l.Append(v); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return l, nil
}

// Append adds v, which must be encodable as JSON, to the end of l.
func (l *List) Append(v any) error {
	a, err := value(v)
	if err != nil {
		return err
	}
	l.μ.Lock()
	defer l.μ.Unlock()
	l.vs = append(l.vs, a)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (l *List) MarshalJSON() ([]byte, error) {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.vs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.vs)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *List) UnmarshalJSON(data []byte) error {
	var vs []service.Arg
	if err := json.Unmarshal(data, &vs); err != nil {
		return err
	}
	l.μ.Lock()
	defer l.μ.Unlock()
	l.vs = vs
	return nil
}

// indexLocked decodes an index argument, which may be negative to count from
// the end of the list. The caller must hold l.μ.
func (l *List) indexLocked(a service.Arg) (int, error) {
	var i int
	if err := a.Decode(&i); err != nil {
		return 0, fmt.Errorf("invalid index %s: %w", a, err)
	}
	j := i
	if j < 0 {
		j += len(l.vs)
	}
	if j < 0 || j >= len(l.vs) {
		return 0, fmt.Errorf("index %d out of range: %w", i, service.ErrNoSuchKey)
	}
	return j, nil
}

// GetItem implements service.Getter.
func (l *List) GetItem(key service.Arg) (any, error) {
	l.μ.Lock()
	defer l.μ.Unlock()
	i, err := l.indexLocked(key)
	if err != nil {
		return nil, err
	}
	return l.vs[i], nil
}

// SetItem implements service.Setter.
func (l *List) SetItem(key, value service.Arg) error {
	l.μ.Lock()
	defer l.μ.Unlock()
	i, err := l.indexLocked(key)
	if err != nil {
		return err
	}
	l.vs[i] = value
	return nil
}

// DelItem implements service.Deleter.
func (l *List) DelItem(key service.Arg) (bool, error) {
	l.μ.Lock()
	defer l.μ.Unlock()
	i, err := l.indexLocked(key)
	if err != nil {
		return false, err
	}
	l.vs = slices.Delete(l.vs, i, i+1)
	return true, nil
}

// Contains implements service.Container. It reports whether v is an element.
func (l *List) Contains(v service.Arg) (bool, error) {
	return l.find(v) >= 0, nil
}

func (l *List) find(v service.Arg) int {
	l.μ.Lock()
	defer l.μ.Unlock()
	return slices.IndexFunc(l.vs, func(e service.Arg) bool { return equal(e, v) })
}

// Len implements service.Lener.
func (l *List) Len() int {
	l.μ.Lock()
	defer l.μ.Unlock()
	return len(l.vs)
}

// Iter implements service.Iterable. It yields the elements of l as of the
// start of the iteration.
func (l *List) Iter() iter.Seq[any] {
	l.μ.Lock()
	vs := slices.Clone(l.vs)
	l.μ.Unlock()
	return func(yield func(any) bool) {
		for _, v := range vs {
			if !yield(v) {
				return
			}
		}
	}
}

// String renders l as JSON text.
func (l *List) String() string {
	data, err := l.MarshalJSON()
	if err != nil {
		return "List(" + strconv.Quote(err.Error()) + ")"
	}
	return string(data)
}

// Methods implements service.Methoder.
//
//   - append(v...) adds values to the end and returns the new length.
//   - pop([index]) removes and returns the element at index (default -1).
//   - index(v) returns the position of the first element equal to v.
//   - clear() removes all elements.
func (l *List) Methods() map[string]service.Method {
	return map[string]service.Method{
		"append": func(_ context.Context, args service.Args) (any, error) {
			l.μ.Lock()
			defer l.μ.Unlock()
			for _, a := range args {
				l.vs = append(l.vs, a)
			}
			return len(l.vs), nil
		},
		"pop": func(_ context.Context, args service.Args) (any, error) {
			at := service.Arg("-1")
			switch len(args) {
			case 0:
			case 1:
				at = args[0]
			default:
				return nil, fmt.Errorf("got %d arguments, want at most 1", len(args))
			}
			l.μ.Lock()
			defer l.μ.Unlock()
			i, err := l.indexLocked(at)
			if err != nil {
				return nil, err
			}
			v := l.vs[i]
			l.vs = slices.Delete(l.vs, i, i+1)
			return v, nil
		},
		"index": func(_ context.Context, args service.Args) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("got %d arguments, want 1", len(args))
			}
			if i := l.find(args[0]); i >= 0 {
				return i, nil
			}
			return nil, fmt.Errorf("value %s: %w", args[0], service.ErrNoSuchKey)
		},
		"clear": func(context.Context, service.Args) (any, error) {
			l.μ.Lock()
			defer l.μ.Unlock()
			l.vs = nil
			return nil, nil
		},
	}
}
