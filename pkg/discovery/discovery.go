// Package discovery provides the management addresses a node contacts to
// join an existing cluster.
package discovery

// Discovery yields join seeds in the order they should be tried.
type Discovery interface {
	Seeds() []string
}

// SeedsFunc adapts a function to Discovery, e.g. to resolve seeds lazily
// from an orchestrator.
type SeedsFunc func() []string

func (f SeedsFunc) Seeds() []string { return f() }
