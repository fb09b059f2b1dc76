// Package component defines the lifecycle contract shared by the data server
// and the chunker runners, and a Group that drives a set of them.
//
// Every component follows the same pattern:
//
//	Initialize() error                  // validate and allocate, no I/O
//	Start(ctx context.Context) error    // bind sockets, spawn goroutines
//	Stop(timeout time.Duration) error   // bounded, idempotent shutdown
//
// A Group starts its components in the order they were added and stops them
// in reverse, so the server can come up after the chunkers that feed it and
// go down before them:
//
//	g := component.NewGroup(logger, registry)
//	_ = g.Add(runner)
//	_ = g.Add(srv)
//	if err := g.Start(ctx, 5*time.Second); err != nil {
//		return err // already-started components were stopped again
//	}
//	defer g.Stop(5 * time.Second)
//
// StandardLifecycleTests exercises the contract and is used by the server and
// chunker test suites.
package component
