// Package storage holds the in-memory buffers that sit between chunkers and
// client sessions.
//
// # Cells and handles
//
// A Cell is one reusable memory slot with a reference-counted read lock and a
// single write lock. Writers get a WritableData handle and end it with Commit
// or Discard; readers get a LockedData handle and end it with Release. A cell
// with any lock outstanding is never reused, so the bytes behind a LockedData
// stay unchanged until it is released.
//
// # Buffers
//
// A DataBuffer pools the cells of one data type inside a byte budget:
//
//   - Stream buffers queue every committed chunk; GetNext hands each chunk
//     out once, oldest first.
//   - Service buffers keep only the latest chunk; GetCurrent always returns
//     the most recent commit.
//
// GetWritable never waits. When no cell is free and the budget is spent it
// returns nil and the caller drops its data.
//
// # Manager
//
// The Manager maps type names to buffers and builds a Snapshot for a set of
// DataRequirements: one stream chunk per stream type plus the current chunk
// of each service type, all locked, or nothing at all.
//
//	snap := mgr.GetLockedData(storage.NewRequirements([]string{"Vis"}, []string{"Pos"}))
//	if snap == nil {
//		return errNoData
//	}
//	defer snap.Release()
//	process(snap.Stream("Vis").Bytes(), snap.Service("Pos").Bytes())
//
// Every stream chunk records the service versions that were current when it
// was committed; Snapshot.Stale reports services that have moved on since.
package storage
