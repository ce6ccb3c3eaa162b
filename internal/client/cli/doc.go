// Package cli is the interactive digsync field client.
//
// It wires configuration, the local store, the transport selector, the
// index manager, the session layer and the synchronizer, then runs a REPL
// over them. Edits are committed locally first and pushed in the
// background whenever a channel is reachable.
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
