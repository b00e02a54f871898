// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package transcend moves an in-memory object into a dedicated owning
// process and hands back proxies through which any process on the host can
// operate on it.
//
// An object is transcended under a name:
//
//	d, _ := objects.NewDict(map[string]any{"a": 1})
//	p, err := transcend.Transcend(ctx, d, "counts")
//	if err != nil {
//	   log.Fatalf("Transcend: %v", err)
//	}
//	defer p.Close()
//
// The owning process is the current executable, started again with its
// configuration in the environment. Programs that transcend objects must
// therefore call [Main] before doing anything else, typically at the top of
// main (or TestMain):
//
//	func main() {
//	   transcend.Main()
//	   // ...
//	}
//
// In an owning process Main serves the object and exits; otherwise it returns
// immediately.
//
// # Objects
//
// A transcendable object is a value whose type is registered with
// [service.Register] or [service.RegisterType], so that it can be shipped to
// the owning process as JSON and rebuilt there. The object exposes operations
// by implementing the capability interfaces of package service, such as
// [service.Getter] and [service.Methoder]. Package objects provides ready-made
// Dict and List types.
//
// # Names and the registry
//
// Each owning process publishes its endpoint under its name in a registry
// file shared by all processes of the user (see package registry). Calling
// Transcend with a name that is already being served attaches to the existing
// object instead of starting a new one. [GetProxy] attaches by name only, and
// [Terminate] and [TerminateAll] stop owning processes.
//
// # Proxies
//
// A [Proxy] forwards operations to the owning process over a [wire.Peer]
// connection. Each proxy registers itself with the owning process, which
// withdraws its registry entry when the last proxy detaches. Call
// [Proxy.Detach] to release a proxy and leave the object running, or
// [Proxy.Close] to stop the owning process as well.
package transcend
