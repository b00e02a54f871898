// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transcend

import (
	"errors"
	"fmt"

	"github.com/creachadair/transcend/launcher"
	"github.com/creachadair/transcend/service"
	"github.com/creachadair/transcend/wire"
)

var (
	// ErrNoSuchObject is reported when no object is registered under a name.
	ErrNoSuchObject = errors.New("no such object")

	// ErrConnect is reported when an object is registered but its owning
	// process cannot be reached. The concrete error has type *ConnectError.
	ErrConnect = errors.New("cannot connect to object")

	// ErrStartupTimeout is reported when an owning process does not become
	// ready in time.
	ErrStartupTimeout = launcher.ErrStartupTimeout

	// ErrOperationNotFound is reported when an object does not support an
	// operation.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrNoSuchKey is reported when an element of an object does not exist.
	ErrNoSuchKey = service.ErrNoSuchKey

	// ErrNoSuchRef is reported when a remote reference has been released.
	ErrNoSuchRef = errors.New("no such reference")

	// ErrClosed is reported by operations on a closed or detached proxy.
	ErrClosed = errors.New("proxy is closed")
)

// ConnectError is the concrete type of errors matching ErrConnect.
type ConnectError struct {
	Name string // the name of the object
	Addr string // the registered address
	Err  error  // the underlying dial error
}

func (c *ConnectError) Error() string {
	return fmt.Sprintf("connect to %q at %s: %v", c.Name, c.Addr, c.Err)
}

// Unwrap reports ErrConnect and the underlying error.
func (c *ConnectError) Unwrap() []error { return []error{ErrConnect, c.Err} }

// OpError reports the failure of an operation on a remote object.
type OpError struct {
	Op      string // the operation name
	Message string // the message reported by the owning process, if any
	Err     error  // the classified or underlying error
}

func (o *OpError) Error() string {
	if o.Message != "" {
		return o.Op + ": " + o.Message
	}
	return o.Op + ": " + o.Err.Error()
}

// Unwrap reports the underlying error of o.
func (o *OpError) Unwrap() error { return o.Err }

// opError classifies an error reported by a call to operation op.
func opError(op string, err error) error {
	var ce *wire.CallError
	if !errors.As(err, &ce) || ce.Response == nil {
		return &OpError{Op: op, Err: err}
	}
	switch ce.Response.Code {
	case wire.CodeUnknownMethod:
		return &OpError{Op: op, Err: ErrOperationNotFound}
	case wire.CodeServiceError:
		switch ce.ErrorData.Code {
		case service.CodeNoSuchKey:
			return &OpError{Op: op, Message: ce.Message, Err: ErrNoSuchKey}
		case service.CodeNoSuchRef:
			return &OpError{Op: op, Message: ce.Message, Err: ErrNoSuchRef}
		}
		return &OpError{Op: op, Message: ce.Message, Err: ce}
	}
	return &OpError{Op: op, Err: ce}
}
