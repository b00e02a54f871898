// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transcend

import (
	"encoding/json"
	"errors"
)

// A Value is the result of an operation on a remote object. It is either a
// copy of the result, encoded as JSON, or a reference to a result that
// remains in the owning process.
type Value struct {
	data []byte
	ref  *Remote
}

// IsRef reports whether v is a remote reference.
func (v Value) IsRef() bool { return v.ref != nil }

// Ref returns the remote object v refers to, or nil if v is a copy.
func (v Value) Ref() *Remote { return v.ref }

// JSON returns the JSON encoding of v, or nil if v is a reference.
func (v Value) JSON() []byte { return v.data }

// IsNull reports whether v is a copy of a null value.
func (v Value) IsNull() bool { return v.ref == nil && (len(v.data) == 0 || string(v.data) == "null") }

// Decode unmarshals the JSON value of v into dst.
// It reports an error if v is a reference.
func (v Value) Decode(dst any) error {
	if v.ref != nil {
		return errors.New("cannot decode a remote reference")
	}
	if len(v.data) == 0 {
		return json.Unmarshal([]byte("null"), dst)
	}
	return json.Unmarshal(v.data, dst)
}

// Interface returns the JSON value of v decoded into a generic Go value.
// It returns the *Remote if v is a reference.
func (v Value) Interface() (any, error) {
	if v.ref != nil {
		return v.ref, nil
	}
	var out any
	if err := v.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// String returns the JSON text of v, or a description of the reference.
func (v Value) String() string {
	if v.ref != nil {
		return "<ref " + v.ref.target + ">"
	}
	if len(v.data) == 0 {
		return "null"
	}
	return string(v.data)
}
