// Package app contains the core application logic. It defines the main App
// struct and the run lifecycle: load the task manifest, compose chunks, run
// each chunk through the scheduler and record the results. It is decoupled
// from any specific entrypoint like a CLI or server.
package app
