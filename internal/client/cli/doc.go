// Package cli implements the gophsync client commands: keygen creates the
// sealed identity, append and list work on the local journal, and sync
// replicates the journal through the server until it settles.
package cli
