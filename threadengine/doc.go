// Package threadengine moves blocking work off a single-goroutine reactor and
// delivers its completion back onto it.
//
// A [Job] has two phases. [Job.Run] executes on a background runner goroutine
// and must only touch the job's own payload. [Job.Finish] executes on the
// reactor goroutine, after Run has returned, and may freely touch state owned
// by the reactor, since the reactor is the only goroutine that mutates it.
//
// # Architecture
//
// An [Engine] owns a FIFO submit queue and a FIFO result queue, both guarded
// by one mutex, with a condition variable that idle runners wait on. Runners
// are started lazily by [Engine.Submit], one by default, or up to the number
// configured with [WithRunners]. A runner claims a job, releases the lock,
// calls Run, then pushes the job onto the result queue and signals a
// [Notifier].
//
// The notifier is a pollable file descriptor registered with the [Reactor].
// Two backends exist: a Linux eventfd ([BackendEventFD]), which accumulates
// a counter, and a non-blocking self-pipe ([BackendPipe]). [BackendAuto],
// the default, tries eventfd at runtime and falls back to the pipe. When
// the descriptor becomes readable the reactor calls [Engine.ResultLoop], which
// pops one job at a time under the lock and calls Finish with the lock
// released, until the result queue is observed empty. A single wakeup may
// therefore stand for any number of completions, and a Finish that calls
// Submit cannot deadlock.
//
// The lock is only ever held for queue manipulation. Neither Run nor Finish
// is called with it held, and the notifier is signalled without it.
//
// # Ordering
//
// Jobs are claimed strictly in submission order. With a single runner,
// Finish calls happen in submission order. With several runners, completion
// order is only guaranteed per runner.
//
// # Errors
//
// Failure to create the notifier, or to start the first runner, is reported
// by Submit as a [*FatalError], and leaves the submit queue unmodified. The
// caller decides whether that is fatal for the process, or just for the
// feature that needed background execution.
//
// Jobs have no error channel. A panic in Run or Finish is a programming error:
// it is recovered at the phase boundary, logged, and counted, and never
// escapes the engine. A job whose Run panicked still has Finish called, and
// may observe the panic by implementing [PanicHandler].
//
// # Shutdown
//
// [Engine.Shutdown] stops accepting jobs, wakes idle runners with a stop
// flag, waits (bounded by a context) for every runner to exit, then releases
// the notifier. Runners never abandon a job in progress. By default they also
// run every job still queued before exiting, see [WithDiscardOnShutdown].
package threadengine
