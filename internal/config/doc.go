// Package config defines the format-agnostic run configuration, together
// with the Loader interface for reading it from a source.
//
// The `config.Model` is the single source of truth for the app: it is turned
// into the scheduler configuration, the reference tracer configuration and
// the chunk policy. The HCL implementation of Loader lives in this package;
// CLI flags are applied on top of whatever the loader returns.
//
// A run file looks like this:
//
//	workdir  = "/data/work"
//	manifest = "tasks.hcl"
//	procs    = 8
//	mem_gb   = 32
//	keep     = "some"
//
//	watermarks {
//	  low_gb  = 1.5
//	  high_gb = 2.0
//	}
//
//	chunking {
//	  max_chunk_size = 32
//	  exclude        = ["sub-99"]
//	}
//
//	status {
//	  socketio_url = "http://localhost:3000"
//	}
package config
