// Package daemon runs the long-lived envtrack process.
//
// It opens the shared services (database, transition engine, notes, image
// store, signer, rate limiter), holds a flock on the data directory so only
// one writer process runs at a time, reconciles image files once at startup,
// and serves the HTTP adapter until its context ends. Admin CLI commands use
// the same Services and TryLock so they refuse to write while the daemon runs.
package daemon
