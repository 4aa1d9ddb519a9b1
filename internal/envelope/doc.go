// Package envelope defines the envelope model, the authoritative status
// transition table, and the store that owns envelope rows.
package envelope
