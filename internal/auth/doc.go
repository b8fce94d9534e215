// Package auth provides JWT verification for agents and API callers.
//
// Tokens are HS256-signed with a shared secret. The "sub" claim carries
// the owner ID, which scopes everything an authenticated caller can
// see: its nodes, its channels, its dispatches. Middleware extracts the
// bearer token and puts the owner ID on the request context.
//
// Tokens are opaque to agents: an agent stores and presents its token
// without inspecting it, and learns about expiry or revocation only by
// being rejected here.
package auth
