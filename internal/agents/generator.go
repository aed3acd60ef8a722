// ABOUTME: Generator abstraction the orchestrator invokes to produce agent replies
// ABOUTME: Keeps the model provider swappable and testable behind one interface

package agents

import "context"

// Turn is one prior message presented to the model as conversation history.
type Turn struct {
	// AuthorAgentType is non-empty when the turn was produced by an agent.
	AuthorAgentType string
	AuthorName      string
	Content         string
}

// Request carries everything a generator needs for one invocation.
type Request struct {
	AgentType string
	Persona   Persona
	// History is the context window, oldest first, ending with the message
	// that triggered the invocation.
	History []Turn
}

// Response is the generated reply plus provider bookkeeping for the
// message metadata.
type Response struct {
	Content  string
	Metadata map[string]string
}

// Generator produces one agent reply for a prepared context window.
// Implementations must honor ctx cancellation; the caller enforces a hard
// invocation timeout through it.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}
