// Package kevent implements a generic event notification engine, modeled on
// the BSD kqueue facility.
//
// Many heterogeneous event sources (descriptor readiness, timers, process
// state transitions, signals, other queues) register interest through one
// uniform record, [Kevent], and consumers block on a [Queue] until a batch of
// events is ready, then drain them exactly once.
//
// # Architecture
//
// Each registration is a [Knote], unique per (ident, filter) pair within its
// queue. A knote hangs off the [Klist] owned by its event source. Sources call
// [Klist.Knote] when their state changes, which asks each knote's [Filter]
// whether it is now ready, and places ready knotes on the owning queue's ready
// list.
//
// Consumers call [Queue.Wait] (or the batched [Queue.Kevent]). Every call runs
// a scan session bounded by two markers inserted into the ready list, so any
// number of goroutines can scan one queue concurrently, and knotes that are
// reactivated during a scan are only visible to later scans.
//
// # Delivery Flags
//
//   - [FlagOneShot]: the knote is dropped after its first harvest.
//   - [FlagClear]: the filter state is reset after each harvest (edge style).
//   - [FlagDispatch]: the knote is disabled after each harvest, until
//     re-enabled with [FlagEnable].
//
// Without any of these, a knote stays queued for as long as its filter reports
// it ready (level style).
//
// # Locking
//
// Every queue has one mutex protecting its ready list, lookup tables and knote
// status bits. Every source list has its own lock, supplied by the source, or
// the package wide [KernelLock] when none is supplied. Source locks are always
// acquired before queue locks. Filters that do not declare [FilterMPSafe] run
// all callbacks under [KernelLock].
//
// # Teardown
//
// [Queue.Close] marks the queue dying, wakes all blocked consumers, then drops
// every knote, waiting for in-flight harvests to finish. Sources that
// disappear call [Klist.Invalidate], which converts descriptor-bound knotes
// into terminal end-of-file events and silently drops the rest.
package kevent
