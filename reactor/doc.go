// Package reactor provides the daemon's single-goroutine I/O event loop.
//
// # Architecture
//
// A [Loop] owns one platform poller and one wake-up file descriptor:
//   - Linux: epoll, with an eventfd for wake-ups
//   - Darwin: kqueue, with a self-pipe for wake-ups
//
// These are the only supported platforms. The package does not build
// elsewhere, including on other Unix systems.
//
// All callbacks registered through [Loop.RegisterFD], all tasks queued through
// [Loop.Submit] and all functions queued through [Loop.Defer] run on the loop
// goroutine, which is locked to its OS thread for the duration of [Loop.Run].
// State touched only from those callbacks needs no locking.
//
// # Tick
//
// Each iteration of the loop:
//  1. runs tasks queued via [Loop.Submit]
//  2. polls for I/O, dispatching callbacks inline
//  3. runs functions queued via [Loop.Defer]
//
// Deferred functions exist so that an object may schedule its own destruction
// from within one of its callbacks, without invalidating the dispatch that is
// still in progress.
//
// # Usage
//
//	loop, err := reactor.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	if err := loop.RegisterFD(fd, reactor.EventRead, func(events reactor.IOEvents) {
//	    // handle readable fd
//	}); err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
package reactor
