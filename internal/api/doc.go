// Package api defines the daemon's HTTP wire types and the client the CLI
// uses to talk to it. Wire views are kept separate from the internal job
// model so the persisted representation can evolve without breaking clients.
package api
