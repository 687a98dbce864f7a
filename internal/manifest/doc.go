// Package manifest builds dependency graphs from HCL task manifests.
//
// A manifest declares one `task` block per unit of work, labelled with the
// key it belongs to (typically a subject) and its name within that key:
//
//	task "sub-01" "bet" {
//	  command = ["bet", "${workdir}/raw/${key}_T1w.nii.gz", "brain.nii.gz"]
//	  mem_gb  = 1.5
//	  outputs = ["brain.nii.gz"]
//	}
//
//	task "sub-01" "smooth" {
//	  command = "fslmaths ${task.bet.outputs[0]} -s 2 smooth.nii.gz"
//	  inputs  = task.bet.outputs
//	  outputs = ["smooth.nii.gz"]
//	}
//
// # Evaluation
//
// Expressions see the variables `workdir` (the run's root directory), `key`,
// `name`, `env` (the process environment) and, once the task's own directory
// is known, `taskdir`. The `inputs`, `command`, `env` and `depends_on`
// attributes may also refer to the other tasks of the same key through
// `task.<name>.outputs` and `task.<name>.workdir`. Relative inputs and outputs
// are resolved against the task directory, which defaults to
// `<workdir>/<key>/<name>`.
//
// # Dependencies
//
// Edges come from three sources, all confined to a single key:
//
//   - explicit `depends_on` names;
//   - references to `task.<name>` in expressions;
//   - inference: an input equal to, or inside, another task's output.
//
// # Execution
//
// A string command runs through `/bin/sh -c`; a list runs directly. The
// process runs in the task directory with the worker's environment, and its
// combined output goes to `command.log` there. A task whose previous result
// succeeded and whose outputs are newer than its inputs is reported as cached.
package manifest
