// Package testutil holds helpers shared by the chunker, server and
// end-to-end tests: a small stream-only data manager, polling helpers that
// wait for chunks to arrive, and a containerised NATS server for the
// integration tests.
package testutil
