// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from operation names to implementations.
// A service builds a catalog for each object it exposes, and dispatches
// requests by looking up the requested method name.
//
// # Usage
//
// Construct a new empty catalog and add operations to it:
//
//	cat := catalog.New[Op]().Set("len", lenOp).Set("str", strOp)
//
// To find an operation by name, use Lookup:
//
//	op, ok := cat.Lookup("len")
//
// The names in a catalog can be sent to another peer. Encode packs the names
// into a binary payload, and DecodeNames recovers them:
//
//	names, err := catalog.DecodeNames(cat.Encode())
package catalog

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
)

// A Catalog maps operation names to values of type F. It is safe to copy a
// Catalog; all copies share the same mapping.
type Catalog[F any] struct {
	ops map[string]F
}

// New creates a new empty catalog.
func New[F any]() Catalog[F] { return Catalog[F]{ops: make(map[string]F)} }

// Set maps name to f in c, and returns c to allow chaining.  If name was
// already mapped in c, the existing mapping is replaced.
//
// It is not safe to call Set while c is used concurrently by other goroutines
// without external synchronization.
func (c Catalog[F]) Set(name string, f F) Catalog[F] {
	c.ops[name] = f
	return c
}

// Lookup returns the value mapped to name, and reports whether it was found.
func (c Catalog[F]) Lookup(name string) (F, bool) {
	f, ok := c.ops[name]
	return f, ok
}

// Has reports whether name is mapped in c.
func (c Catalog[F]) Has(name string) bool { _, ok := c.ops[name]; return ok }

// Len reports the number of names mapped in c.
func (c Catalog[F]) Len() int { return len(c.ops) }

// Names returns the names mapped in c in lexicographic order.
func (c Catalog[F]) Names() []string { return slices.Sorted(maps.Keys(c.ops)) }

// Encode encodes the names of c in binary format.
//
// The encoding is the names of all defined operations in lexicographic order,
// each as a big-endian uint16 length followed by that many bytes of the name.
func (c Catalog[F]) Encode() []byte {
	names := c.Names()
	var nlen int
	for _, name := range names {
		nlen += 2 + len(name)
	}
	buf := make([]byte, 0, nlen)
	for _, name := range names {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
		buf = append(buf, name...)
	}
	return buf
}

// DecodeNames decodes the names from a payload produced by Encode.
func DecodeNames(data []byte) ([]string, error) {
	var names []string
	for pos := 0; pos < len(data); {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("truncated catalog at offset %d", pos)
		}
		nlen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+nlen > len(data) {
			return nil, fmt.Errorf("truncated name at offset %d", pos)
		}
		names = append(names, string(data[pos:pos+nlen]))
		pos += nlen
	}
	return names, nil
}
