// Package transition is the envelope transition engine.
//
// Every lifecycle operation (issue, bind, release, return, completeness
// changes, creation, and deletion) runs as one write-intent transaction on a
// single envelope key. The envelope's current row is read after the write
// lock is held, so concurrent callers on the same key are serialized and each
// one re-evaluates its preconditions against the committed state left by the
// previous caller.
//
// Legal status changes come from the table in package envelope; the engine
// only refines which error code a rejected call reports. Accepted calls
// commit their event together with the row change. Rejected calls are
// returned as *faults.Error and recorded in the conflict log on a best-effort
// basis after the transaction rolls back.
package transition
