// Package capture intercepts writes to the process's standard streams
// (package stdio) while a unit of work runs, so tests can inspect them.
//
// A capture has a scope and a delivery policy:
//
//   - ScopeThread captures only writes made by the capture's own worker
//     (the identity carried in the work's context); ScopeAll captures every
//     write made while it is active.
//   - Redirect keeps captured bytes off the console; Copy writes them to the
//     console as well.
//
// Sync runs the work inline and returns its Output. Async runs it on a
// dedicated worker and returns an Ongoing handle that can be inspected,
// flushed and joined while the work continues.
//
// Captures may nest and overlap. Active captures live in one process-wide
// Registry. The first registration replaces the stdio streams with a
// routing shim and the last deregistration puts the originals back. Each
// write is offered to the newest capture first; a capture that accepts a
// byte keeps it from older captures. Bytes no capture accepts are dropped
// while any Redirect capture is active, so a Redirect capture keeps the
// console quiet; with only Copy captures active they reach the console.
//
//	out, err := capture.Silence(ctx, func(ctx context.Context) error {
//		stdio.Println(ctx, "a")
//		stdio.Println(ctx, "b")
//		return nil
//	})
//	// out.StdoutLines() == []string{"a", "b"}
package capture
