// Package registry owns the live model handles shared by every session.
//
// A Registry maps model names to at most one Handle each. Acquire returns a
// borrowed handle, creating it on first use: the backend is asked whether the
// model is local, a pull is run through the PullCoordinator when it is not,
// and the model is loaded. Concurrent Acquire calls for one name share a
// single creation; calls for other names are never blocked by it.
//
// PullCoordinator deduplicates model downloads. Every caller asking for the
// same name while a pull is running waits on that pull and receives the same
// outcome. Nothing about a failed pull is remembered.
package registry
