// Package ai owns per-user assistant context: thread bindings, the
// serialization guarantee for concurrent calls, and context compaction.
package ai

import "context"

// Reply is the assistant's output for one combined turn. ToolCalls lists
// the tool invocations executed during the run, in call order.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

// Assistant is the provider-agnostic surface to the automated responder.
// Thread handles are opaque provider-side context identifiers.
type Assistant interface {
	// CreateThread opens a fresh provider-side context.
	CreateThread(ctx context.Context) (string, error)
	// AddContext appends text to a thread without producing a reply.
	// Used to seed a fresh thread after compaction.
	AddContext(ctx context.Context, threadHandle, text string) error
	// Send appends the user's turn to the thread and returns the
	// assistant's reply. Tool calls raised during the run are executed
	// through the configured executor before the reply completes.
	Send(ctx context.Context, threadHandle, userID, text string) (Reply, error)
	// Summarize produces a compact summary of the thread so far.
	Summarize(ctx context.Context, threadHandle string) (string, error)
}
