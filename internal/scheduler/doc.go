// Package scheduler executes a dependency graph of tasks within a memory and
// processor budget.
//
// # How It Works
//
// A single control goroutine owns the resource ledger, the task states and
// the reference tracer. Each iteration of its loop:
//
//  1. Computes free memory and processors from the ledger and, when a
//     MemoryReader is configured, caps free memory at what the operating
//     system reports.
//  2. Switches between parallel and sequential mode with hysteresis: below
//     the low watermark it goes sequential, above the high watermark it goes
//     back to parallel.
//  3. Does nothing when less than resource.Epsilon GB or no processor is free.
//  4. Fails with ErrDeadlock when nothing is ready, nothing is running and
//     tasks remain.
//  5. Orders the ready set with the PriorityFunc.
//  6. Admits each ready task that fits. Tasks marked RunInline, every task in
//     sequential mode and every task of an UpdateHash run execute on the
//     control goroutine; the rest go to the worker pool.
//  7. Hands reclaimable paths to the reference tracer for deletion.
//
// Between iterations the loop waits for a worker result or the poll interval,
// whichever comes first.
//
// # Failures
//
// A failing task never fails the run. Its descendants are recorded as
// skipped. With Config.Debug the first failure aborts the run and is
// returned as a *TaskFailedError.
//
// # Thread-Safety
//
// A Scheduler may run several graphs one after the other. Run itself is not
// meant to be called concurrently for graphs that share tasks.
package scheduler
