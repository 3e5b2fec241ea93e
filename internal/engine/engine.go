package engine

import "context"

// Engine abstracts the database the operator backs up and restores. The WAL
// archiver records the statements passed to Apply; a restore loads a base dump
// and replays recorded statements on top of it.
type Engine interface {
	// Apply executes a single statement against the database.
	Apply(ctx context.Context, stmt string) error

	// Dump produces a self-contained base snapshot of the current state.
	Dump(ctx context.Context) ([]byte, error)

	// Load replaces the current state with a previously produced dump.
	Load(ctx context.Context, data []byte) error
}
