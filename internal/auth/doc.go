// Package auth provides JWT-based authentication for the HTTP API.
//
// Tokens are HS256-signed with a shared secret from configuration. The "sub"
// claim carries the client identity. When no secret is configured the API
// runs open, which is the expected mode for local development use.
package auth
