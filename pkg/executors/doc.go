// Package executors fulfills goals outside the engine process.
//
// Two executor kinds run goal code and report through the engine's
// Executor contract:
//
//   - SSHExecutor runs a command on a remote host, optionally uploading a
//     script first. Sessions per host are bounded by a shared HostLimiter.
//   - WASMExecutor runs a WASI command module in a sandboxed wazero runtime.
//
// Both expose the invocation to goal code as GOALFLOW_* environment
// variables and map exit code 0 to success. Any other exit code is a
// failure whose diagnostics carry the tail of stderr.
//
// Bind turns the executor bindings of a service configuration into engine
// registrations, including side-effect goals whose completion is reported
// by an external system.
package executors
