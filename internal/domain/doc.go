// Package domain defines the core relay types and interfaces.
//
// This package contains concept-oriented files (errors.go, frame.go, relay.go)
// with shared types and cross-cutting interfaces. Only contracts and tiny value helpers.
// Prevents circular imports by keeping interfaces on the consumer side.
package domain
