// Package auth issues and verifies visitor identity tokens.
//
// A visitor id is generated once per browser and persisted by the widget.
// When a token secret is configured, the gateway hands the widget a signed
// token alongside the id and requires it before revealing the visitor's
// conversation history. Without a secret, tokens are disabled and visitor
// ids are trusted as opaque lookup keys.
//
// This is an identity binding, not user authentication: agents and owners
// are authenticated outside this service.
package auth
