// Package cli is responsible for parsing command-line arguments, layering
// flags over the HCL run file, and handling process-level concerns like exit
// codes. It exposes the run, plan and report subcommands.
package cli
