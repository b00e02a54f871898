// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package service

import (
	"errors"
	"fmt"

	"github.com/creachadair/transcend/packet"
)

// Error codes reported in wire.ErrorData by a service.
const (
	CodeNoSuchKey uint16 = 1 + iota // element not present
	CodeNoSuchRef                   // reference target not present
	CodeBadRequest                  // malformed request payload
)

// A request payload is the target reference ID ("" for the root object) as a
// field, followed by a field list of JSON arguments.

// EncodeRequest encodes a request for the object named by target.
func EncodeRequest(target string, args ...[]byte) []byte {
	var b packet.Buf
	b.FieldString(target)
	b.Fields(args)
	return b.Bytes()
}

// DecodeRequest decodes a request payload.
func DecodeRequest(data []byte) (target string, args Args, err error) {
	pr := packet.NewReader(data)
	target, err = pr.FieldString()
	if err != nil {
		return "", nil, fmt.Errorf("invalid request target: %w", err)
	}
	list, err := pr.Fields()
	if err != nil {
		return "", nil, fmt.Errorf("invalid request arguments: %w", err)
	}
	if pr.Len() != 0 {
		return "", nil, fmt.Errorf("extra data after request (%d bytes)", pr.Len())
	}
	args = make(Args, len(list))
	for i, v := range list {
		args[i] = Arg(v)
	}
	return target, args, nil
}

// A Result is the outcome of an operation: either a JSON copy of the value,
// or the ID of a remote reference to it.
type Result struct {
	JSON []byte // JSON text, if Ref == ""
	Ref  string // reference ID, or ""
}

const (
	resultJSON = 0
	resultRef  = 1
)

// Encode encodes r in binary format.
func (r Result) Encode() []byte {
	var b packet.Buf
	if r.Ref != "" {
		b.Byte(resultRef)
		b.Raw([]byte(r.Ref))
	} else {
		b.Byte(resultJSON)
		b.Raw(r.JSON)
	}
	return b.Bytes()
}

// Decode decodes data into r.
func (r *Result) Decode(data []byte) error {
	pr := packet.NewReader(data)
	tag, err := pr.Byte()
	if err != nil {
		return errors.New("empty result")
	}
	switch tag {
	case resultJSON:
		*r = Result{JSON: pr.Rest()}
	case resultRef:
		if pr.Len() == 0 {
			return errors.New("empty reference ID")
		}
		*r = Result{Ref: string(pr.Rest())}
	default:
		return fmt.Errorf("invalid result tag %d", tag)
	}
	return nil
}
