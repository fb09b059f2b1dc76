// Package health aggregates the health of the server and its chunkers for
// the /health endpoint.
//
// A Status is healthy, degraded or unhealthy. Components are either watched,
// in which case they are polled on every read, or have their status pushed
// with Update:
//
//	monitor := health.NewMonitor()
//	monitor.Watch(srv)
//	for _, r := range runners {
//		monitor.Watch(r)
//	}
//	metricsServer.SetHealthHandler(health.Handler(monitor, "astrobuf"))
//
// A chunker that lost its device and is reconnecting reports itself as
// degraded through the Degrader interface; the aggregate is then degraded
// and the endpoint still answers 200. Any unhealthy component makes the
// aggregate unhealthy and the endpoint answers 503.
//
// Error messages are sanitized before they are served: URLs, paths,
// addresses, ports and credentials are replaced by placeholders.
package health
