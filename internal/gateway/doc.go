// Package gateway composes the server and exposes the HTTP/WebSocket API.
//
// # Overview
//
// The Gateway owns every component: SQLite store, connection hub, agent
// orchestrator, session coordinator, persona registry, and the HTTP server.
// New builds them, Start serves until the context ends, Shutdown releases
// them in dependency order.
//
// # HTTP API
//
//   - POST   /api/threads                        Create a thread (binds agents, adds creator)
//   - GET    /api/threads/{id}                   Thread detail (participants only)
//   - POST   /api/threads/{id}/status            Change lifecycle state (owner only)
//   - POST   /api/threads/{id}/participants      Invite a user (owner only)
//   - POST   /api/threads/{id}/agents            Bind an agent type (owner only)
//   - DELETE /api/threads/{id}/agents/{type}     Deactivate a binding (owner only)
//   - POST   /api/threads/{id}/messages          Submit a message
//   - GET    /api/threads/{id}/messages          List messages (?after_seq=&limit=)
//   - PATCH  /api/threads/{id}/messages/{msg}    Edit own message
//   - DELETE /api/threads/{id}/messages/{msg}    Tombstone own message
//   - POST   /api/threads/{id}/read              Advance read marker
//   - GET    /api/threads/{id}/ws                Attach live (WebSocket)
//   - GET    /api/agents/roles                   List persona types
//   - GET    /health, /health/ready              Unauthenticated probes
//
// # WebSocket Protocol
//
// Outbound frames are hub events tagged by kind: message, agent_response,
// typing, presence. Inbound frames carry a type field:
//
//	{"type": "message", "content": "...", "client_generated_id": "..."}
//	{"type": "typing"}
//	{"type": "read", "message_id": "..."}
//
// Rejected frames produce {"type": "error", "error": "..."} without
// closing the socket. Backfill of missed messages happens during attach,
// before any live event is delivered.
//
// # Authentication
//
// Everything under /api requires a JWT, either as a Bearer header or a
// token query parameter (browsers cannot set headers on WebSocket
// upgrades).
package gateway
