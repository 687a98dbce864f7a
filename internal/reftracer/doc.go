// Package reftracer reclaims task working directories as soon as nothing
// downstream needs them.
//
// # Model
//
// Every tracked path has a color:
//
//   - black: the owning task has not completed; never touched.
//   - grey: completed (or a directory) but still referenced.
//   - white: nothing references it; Collect hands it out for deletion.
//
// A reference edge from -> to keeps `from` alive while `to` exists. Parent
// directories reference their children, a consumer's result path keeps the
// producer's result alive until the consumer completes, and each registered
// output keeps its task's result path company until that result goes away.
//
// # Weak paths
//
// Directories strictly between a top-level directory of the working
// directory and a task's own directory are weak. A weak path that is still a
// non-empty directory when collected is left on disk, since an independently
// running chunk may be writing below it.
//
// # Concurrency
//
// A Tracer is not safe for concurrent use. The scheduler's control goroutine
// is its only caller.
package reftracer
