// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package objects defines general-purpose container types that can be
// transcended. Both types are safe for concurrent use, and their elements
// are arbitrary JSON values.
package objects

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/creachadair/transcend/service"
)

func init() {
	service.RegisterType[*Dict]()
	service.RegisterType[*List]()
}

// value encodes v as an element value.
func value(v any) (service.Arg, error) {
	if a, ok := v.(service.Arg); ok {
		return a, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid element: %w", err)
	}
	return service.Arg(data), nil
}

// equal reports whether a and b encode the same JSON value.
func equal(a, b service.Arg) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	if bytes.Equal(ca.Bytes(), cb.Bytes()) {
		return true
	}

	// Objects may differ only in key order; re-encoding sorts them.
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ea, _ := json.Marshal(va)
	eb, _ := json.Marshal(vb)
	return bytes.Equal(ea, eb)
}
