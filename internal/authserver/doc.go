// Package authserver implements the inbound OAuth 2.1 issuer. The proxy
// is its own authorization server: clients register dynamically, obtain
// one-time PKCE-protected authorization codes and exchange them for
// opaque access tokens. Scopes map bijectively onto configured server
// tags ("tag:<t>"), so a token carries exactly the slice of the upstream
// fleet its holder may see. Refresh tokens are not issued.
package authserver
