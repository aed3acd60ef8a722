// Package auth provides authentication for the conversation service.
//
// Human users and API clients authenticate with JWT tokens signed with HS256
// using the configured jwt_secret. The middleware resolves the token's "sub"
// claim to a stored user and attaches an AuthContext to the request context:
//
//	authCtx := auth.FromContext(r.Context())
//
// WebSocket upgrade requests carry the token in the "token" query parameter
// because browsers cannot set the Authorization header on upgrades.
//
// Agents never authenticate: they are server-side identities that only exist
// as thread bindings, and every agent invocation originates inside the
// process.
package auth
