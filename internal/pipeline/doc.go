// Package pipeline executes the ordered stage chain every inbound request
// passes through.
//
// A route is an ordered list of stages sharing one mutable Context. Each
// stage either mutates the context and lets the chain continue, or halts
// it with a typed Halt carrying an HTTP status, a message, and optional
// structured attributes (diffs, echoed payloads). On halt the remaining
// stages are skipped and the boundary renders the halt as the protocol's
// error content type. Control flow is one-shot, synchronous, and
// in-process; nothing resumes after a halt.
package pipeline
