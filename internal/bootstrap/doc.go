// Package bootstrap brings up an onion service on a freshly launched Tor
// daemon.
//
// The sequence is a Pipeline of named steps sharing a State:
//
//	launch -> locate -> connect -> authenticate -> provision [-> subscribe] [-> verify]
//
// The first failing step aborts the run and is reported as an *Error naming
// the step. Each step runs under its own deadline.
//
// Design decision: the control session is closed after provisioning unless
// SessionKeep is requested. The service is added with the Detach flag, so it
// outlives the session; keeping the session only matters to callers that
// want descriptor upload events.
package bootstrap
