// Package server exposes a storage.Manager to remote clients over TCP.
//
// Every accepted connection gets a Session which reads exactly one framed
// request, answers it and closes the connection:
//
//	Acknowledge   -> PlainMessage "ACK"
//	DataSupport   -> the stream and service names the manager serves
//	ServiceData   -> the latest (or a pinned) version of each named service
//	StreamData    -> the first satisfiable alternative, consuming one chunk
//	                 per stream, plus the services it names
//
// Anything that cannot be served is answered with an Error response; the
// client never sees the connection drop without a reply unless the
// transport itself failed.
//
// Locked data is held only while the response is written. A stream request
// that finds nothing may wait up to Config.DataWait for a chunker to commit
// new data before it gives up.
//
// Basic usage:
//
//	srv, err := server.New(cfg, server.Deps{Logger: logger, MetricsRegistry: reg})
//	if err != nil {
//		return err
//	}
//	if err := srv.Initialize(); err != nil {
//		return err
//	}
//	if err := srv.Start(ctx); err != nil {
//		return err // errors.ErrAddressInUse is fatal
//	}
//	defer srv.Close(5 * time.Second)
//
// Chunkers write into srv.Manager().
package server
