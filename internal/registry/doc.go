// Package registry implements the process-wide connection registry using the actor pattern.
//
// A single goroutine owns the id → handle map and serializes register, unregister and
// fan-out through one command channel, so fan-out never observes a map that is being
// mutated. Fan-out only enqueues onto each connection's bounded queue; socket writes
// happen in the connection's own goroutine.
package registry
