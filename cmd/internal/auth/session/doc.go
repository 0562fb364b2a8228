// Package session verifies Hearth access tokens at the realtime handshake.
//
// Access tokens are PASETO v4.public, signed by the identity service with an
// Ed25519 key. The gateway only needs the public half. When a session store is
// configured, every handshake is also checked against the sessions table so that
// revoked or expired sessions cannot open new sockets.
package session
